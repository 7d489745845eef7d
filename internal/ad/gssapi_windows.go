//go:build windows
// +build windows

package ad

import (
	"fmt"
	"strings"

	"github.com/go-ldap/ldap/v3"
	"github.com/go-ldap/ldap/v3/gssapi"
)

// newGSSAPIClient acquires SSPI credentials for a Kerberos bind. With no
// explicit credentials the logon session of the current process is used.
func newGSSAPIClient(domain, user, password string) (ldap.GSSAPIClient, func() error, error) {
	if user == "" || password == "" {
		client, err := gssapi.NewSSPIClient()
		if err != nil {
			return nil, nil, err
		}
		return client, client.Close, nil
	}

	// SSPI is picky about credential forms; try DOMAIN+user first, then
	// the full UPN with an empty domain.
	if strings.Contains(user, "@") {
		parts := strings.SplitN(user, "@", 2)
		if client, err := gssapi.NewSSPIClientWithUserCredentials(parts[1], parts[0], password); err == nil {
			return client, client.Close, nil
		}
		if client, err := gssapi.NewSSPIClientWithUserCredentials("", user, password); err == nil {
			return client, client.Close, nil
		}
		return nil, nil, fmt.Errorf("failed to acquire SSPI credentials for %s", user)
	}

	userDomain, username := domain, user
	if strings.Contains(user, "\\") {
		parts := strings.SplitN(user, "\\", 2)
		userDomain, username = parts[0], parts[1]
	}
	client, err := gssapi.NewSSPIClientWithUserCredentials(userDomain, username, password)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to acquire SSPI credentials: %w", err)
	}
	return client, client.Close, nil
}
