//go:build !windows

package adcs

import (
	"fmt"

	"github.com/rs/zerolog"
)

// NewCOMConfigClient is Windows-only: it drives the CertAdmin COM object.
// On other platforms the session runs without a CA configuration
// collaborator and the per-CA flags stay unknown.
func NewCOMConfigClient(log zerolog.Logger) (ConfigClient, error) {
	return nil, fmt.Errorf("CA configuration queries require Windows (CertAdmin COM)")
}
