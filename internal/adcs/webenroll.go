package adcs

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/SpecterOps/CertHound/internal/types"
)

const webEnrollTimeout = 10 * time.Second

// ContextDialer matches the SOCKS5 proxy dialer, letting the probe ride
// the same tunnel as the LDAP traffic.
type ContextDialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// WebEnrollmentProber checks whether a CA host exposes the HTTP web
// enrollment endpoint. Only plain HTTP matters: the relay abuse the check
// feeds requires an endpoint that accepts NTLM over an unprotected channel.
type WebEnrollmentProber struct {
	client *http.Client
	log    zerolog.Logger
}

// NewWebEnrollmentProber creates a prober, optionally routing through the
// session proxy dialer.
func NewWebEnrollmentProber(dialer ContextDialer, log zerolog.Logger) *WebEnrollmentProber {
	transport := &http.Transport{}
	if dialer != nil {
		transport.DialContext = dialer.DialContext
	}
	return &WebEnrollmentProber{
		client: &http.Client{
			Transport: transport,
			Timeout:   webEnrollTimeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		log: log,
	}
}

// Probe reports whether http://host/certsrv/ responds. A 401 counts as
// enabled: the endpoint exists and is demanding NTLM, which is exactly the
// exposed surface. An unreachable host yields unknown, not false.
func (p *WebEnrollmentProber) Probe(ctx context.Context, host string) types.Tristate {
	if host == "" {
		return types.TriUnknown
	}

	url := fmt.Sprintf("http://%s/certsrv/", host)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return types.TriUnknown
	}

	resp, err := p.client.Do(req)
	if err != nil {
		p.log.Debug().Err(err).Str("host", host).Msg("web enrollment probe failed, state unknown")
		return types.TriUnknown
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusUnauthorized, http.StatusForbidden:
		return types.TriTrue
	case http.StatusNotFound:
		return types.TriFalse
	default:
		p.log.Debug().Int("status", resp.StatusCode).Str("host", host).Msg("ambiguous web enrollment response")
		return types.TriUnknown
	}
}
