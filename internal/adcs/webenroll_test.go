package adcs

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/SpecterOps/CertHound/internal/types"
)

func TestProbe(t *testing.T) {
	tests := []struct {
		name   string
		status int
		want   types.Tristate
	}{
		{"endpoint serves the form", http.StatusOK, types.TriTrue},
		{"endpoint demands NTLM", http.StatusUnauthorized, types.TriTrue},
		{"endpoint forbids anonymous", http.StatusForbidden, types.TriTrue},
		{"endpoint absent", http.StatusNotFound, types.TriFalse},
		{"ambiguous server error", http.StatusInternalServerError, types.TriUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != "/certsrv/" {
					t.Errorf("probe hit %q, want /certsrv/", r.URL.Path)
				}
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			p := NewWebEnrollmentProber(nil, zerolog.Nop())
			host := strings.TrimPrefix(srv.URL, "http://")
			if got := p.Probe(context.Background(), host); got != tt.want {
				t.Errorf("Probe() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestProbeUnreachable(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	p := NewWebEnrollmentProber(nil, zerolog.Nop())
	// Reserved TEST-NET address, nothing listens there.
	if got := p.Probe(ctx, "192.0.2.1:1"); got != types.TriUnknown {
		t.Errorf("Probe() = %v, want unknown", got)
	}
}

func TestProbeEmptyHost(t *testing.T) {
	p := NewWebEnrollmentProber(nil, zerolog.Nop())
	if got := p.Probe(context.Background(), ""); got != types.TriUnknown {
		t.Errorf("Probe() = %v, want unknown", got)
	}
}

// A redirect is not followed: the probe judges the first response.
func TestProbeDoesNotFollowRedirect(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "https://elsewhere.example/", http.StatusMovedPermanently)
	}))
	defer srv.Close()

	p := NewWebEnrollmentProber(nil, zerolog.Nop())
	host := strings.TrimPrefix(srv.URL, "http://")
	if got := p.Probe(context.Background(), host); got != types.TriUnknown {
		t.Errorf("Probe() = %v, want unknown for a redirecting endpoint", got)
	}
}
