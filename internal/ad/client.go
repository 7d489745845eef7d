// Package ad provides the Active Directory collaborator: LDAP connection
// handling, identity resolution with Global Catalog fallback, group
// membership lookup, and the PKI object inventory.
package ad

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/go-ldap/ldap/v3"
	"github.com/rs/zerolog"
)

const (
	portLDAP  = "389"
	portLDAPS = "636"
	portGC    = "3268"
	portGCS   = "3269"

	connectTimeout = 30 * time.Second
	pageSize       = 1000
)

// ContextDialer dials with context support; satisfied by the SOCKS5 proxy
// dialer.
type ContextDialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Client handles directory operations against one domain controller. A
// second connection on the Global Catalog port serves forest-wide lookups.
type Client struct {
	conn   *ldap.Conn
	gcConn *ldap.Conn

	domain           string
	domainController string
	ldapUser         string
	ldapPassword     string

	baseDN       string
	configDN     string
	rootDomainDN string

	proxyDialer ContextDialer
	resolver    *net.Resolver
	log         zerolog.Logger
}

// NewClient creates a directory client for the given domain. The domain
// controller may be empty, in which case it is located via SRV records.
func NewClient(domain, domainController, ldapUser, ldapPassword string, log zerolog.Logger) *Client {
	return &Client{
		domain:           domain,
		domainController: domainController,
		ldapUser:         ldapUser,
		ldapPassword:     ldapPassword,
		resolver:         net.DefaultResolver,
		log:              log,
	}
}

// SetProxyDialer routes all LDAP connections through a SOCKS5 proxy.
func (c *Client) SetProxyDialer(d ContextDialer) {
	c.proxyDialer = d
}

// Connect establishes the domain and Global Catalog connections and reads
// the naming contexts from the RootDSE.
func (c *Client) Connect(ctx context.Context) error {
	dc := c.domainController
	if dc == "" {
		var err error
		dc, err = c.locateDomainController(ctx)
		if err != nil {
			return fmt.Errorf("failed to locate a domain controller: %w", err)
		}
		c.domainController = dc
	}

	conn, err := c.connectAndBind(ctx, dc, portLDAPS, portLDAP)
	if err != nil {
		return err
	}
	c.conn = conn
	c.baseDN = domainToDN(c.domain)

	if err := c.readRootDSE(); err != nil {
		conn.Close()
		c.conn = nil
		return err
	}

	// The Global Catalog connection is best effort: resolution falls back
	// to the domain connection when it is unavailable.
	if gc, err := c.connectAndBind(ctx, dc, portGCS, portGC); err == nil {
		c.gcConn = gc
	} else {
		c.log.Warn().Err(err).Msg("Global Catalog unavailable, resolution limited to the local domain")
	}

	return nil
}

// connectAndBind walks the connection ladder for one endpoint: TLS port
// first, then StartTLS on the plain port, then plain. On each transport it
// tries NTLM, simple, and GSSAPI binds. A bind failure with invalid
// credentials aborts the ladder so retries do not count toward account
// lockout.
func (c *Client) connectAndBind(ctx context.Context, dc, tlsPort, plainPort string) (*ldap.Conn, error) {
	serverName := dc
	if !strings.Contains(serverName, ".") && c.domain != "" {
		serverName = fmt.Sprintf("%s.%s", dc, c.domain)
	}

	var attempts []string

	conn, err := c.dial(ctx, "ldaps", dc, tlsPort, &tls.Config{
		ServerName:         serverName,
		InsecureSkipVerify: true,
	})
	if err == nil {
		conn.SetTimeout(connectTimeout)
		bindErr, fatal := c.bindLadder(conn, dc)
		if bindErr == nil {
			return conn, nil
		}
		conn.Close()
		attempts = append(attempts, fmt.Sprintf("%s: %v", tlsPort, bindErr))
		if fatal {
			return nil, fmt.Errorf("LDAP authentication failed (invalid credentials): %s", strings.Join(attempts, "; "))
		}
	} else {
		attempts = append(attempts, fmt.Sprintf("%s connect: %v", tlsPort, err))
	}

	for _, useStartTLS := range []bool{true, false} {
		conn, err = c.dial(ctx, "ldap", dc, plainPort, nil)
		if err != nil {
			attempts = append(attempts, fmt.Sprintf("%s connect: %v", plainPort, err))
			break
		}
		conn.SetTimeout(connectTimeout)
		if useStartTLS {
			if tlsErr := conn.StartTLS(&tls.Config{ServerName: serverName, InsecureSkipVerify: true}); tlsErr != nil {
				attempts = append(attempts, fmt.Sprintf("%s StartTLS: %v", plainPort, tlsErr))
				conn.Close()
				continue
			}
		}
		bindErr, fatal := c.bindLadder(conn, dc)
		if bindErr == nil {
			return conn, nil
		}
		conn.Close()
		attempts = append(attempts, fmt.Sprintf("%s (startTLS=%v): %v", plainPort, useStartTLS, bindErr))
		if fatal {
			return nil, fmt.Errorf("LDAP authentication failed (invalid credentials): %s", strings.Join(attempts, "; "))
		}
	}

	return nil, fmt.Errorf("all LDAP connection methods failed: %s", strings.Join(attempts, "; "))
}

// bindLadder tries the available bind methods on an open connection. The
// second return value reports an invalid-credential failure, which must
// abort further attempts.
func (c *Client) bindLadder(conn *ldap.Conn, dc string) (error, bool) {
	var errs []string

	if c.ldapUser != "" && c.ldapPassword != "" {
		if err := c.ntlmBind(conn); err == nil {
			return nil, false
		} else {
			errs = append(errs, fmt.Sprintf("NTLM: %v", err))
			if isAuthError(err) {
				return fmt.Errorf("%s", strings.Join(errs, "; ")), true
			}
		}

		if err := c.simpleBind(conn); err == nil {
			return nil, false
		} else {
			errs = append(errs, fmt.Sprintf("SimpleBind: %v", err))
			if isAuthError(err) {
				return fmt.Errorf("%s", strings.Join(errs, "; ")), true
			}
		}
	}

	if err := c.gssapiBind(conn, dc); err == nil {
		return nil, false
	} else {
		errs = append(errs, fmt.Sprintf("GSSAPI: %v", err))
	}

	return fmt.Errorf("%s", strings.Join(errs, "; ")), false
}

// isAuthError checks whether a bind error indicates invalid credentials
// (LDAP Result Code 49). Continuing with the same bad credentials would
// count toward AD account lockout.
func isAuthError(err error) bool {
	if err == nil {
		return false
	}
	s := err.Error()
	return strings.Contains(s, "Invalid Credentials") || strings.Contains(s, "Result Code 49")
}

func (c *Client) ntlmBind(conn *ldap.Conn) error {
	domain := c.domain
	username := c.ldapUser

	if strings.Contains(username, "\\") {
		parts := strings.SplitN(username, "\\", 2)
		domain = parts[0]
		username = parts[1]
	} else if strings.Contains(username, "@") {
		parts := strings.SplitN(username, "@", 2)
		username = parts[0]
		domain = parts[1]
	}

	return conn.NTLMBind(domain, username, c.ldapPassword)
}

// simpleBind binds with the credential form a simple bind accepts,
// preferring UPN format.
func (c *Client) simpleBind(conn *ldap.Conn) error {
	username := c.ldapUser

	lower := strings.ToLower(username)
	if strings.Contains(lower, "cn=") || strings.Contains(lower, "dc=") {
		return conn.Bind(username, c.ldapPassword)
	}

	if strings.Contains(username, "@") {
		return conn.Bind(username, c.ldapPassword)
	}

	if strings.Contains(username, "\\") {
		parts := strings.SplitN(username, "\\", 2)
		return conn.Bind(fmt.Sprintf("%s@%s", parts[1], parts[0]), c.ldapPassword)
	}

	return conn.Bind(fmt.Sprintf("%s@%s", username, c.domain), c.ldapPassword)
}

func (c *Client) gssapiBind(conn *ldap.Conn, dc string) error {
	gssClient, closeFn, err := newGSSAPIClient(c.domain, c.ldapUser, c.ldapPassword)
	if err != nil {
		return err
	}
	defer closeFn()

	serviceHost := dc
	if !strings.Contains(serviceHost, ".") && c.domain != "" {
		serviceHost = fmt.Sprintf("%s.%s", dc, c.domain)
	}

	servicePrincipal := fmt.Sprintf("ldap/%s", strings.ToLower(serviceHost))
	if err := conn.GSSAPIBind(gssClient, servicePrincipal, ""); err != nil {
		return fmt.Errorf("GSSAPI bind failed for %s: %w", servicePrincipal, err)
	}
	return nil
}

// dial establishes an LDAP connection, routing through the proxy when one
// is configured.
func (c *Client) dial(ctx context.Context, scheme, host, port string, tlsConfig *tls.Config) (*ldap.Conn, error) {
	if c.proxyDialer == nil {
		url := fmt.Sprintf("%s://%s:%s", scheme, host, port)
		if tlsConfig != nil {
			return ldap.DialURL(url, ldap.DialWithTLSConfig(tlsConfig))
		}
		return ldap.DialURL(url)
	}

	addr := net.JoinHostPort(host, port)
	dialCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	rawConn, err := c.proxyDialer.DialContext(dialCtx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("proxy dial to %s failed: %w", addr, err)
	}

	if scheme == "ldaps" {
		if tlsConfig == nil {
			tlsConfig = &tls.Config{}
		}
		tlsConn := tls.Client(rawConn, tlsConfig)
		if err := tlsConn.HandshakeContext(dialCtx); err != nil {
			rawConn.Close()
			return nil, fmt.Errorf("TLS handshake through proxy failed: %w", err)
		}
		conn := ldap.NewConn(tlsConn, true)
		conn.Start()
		return conn, nil
	}

	conn := ldap.NewConn(rawConn, false)
	conn.Start()
	return conn, nil
}

// readRootDSE fetches the naming contexts the inventory queries are rooted
// at.
func (c *Client) readRootDSE() error {
	req := ldap.NewSearchRequest("", ldap.ScopeBaseObject, ldap.NeverDerefAliases,
		0, 10, false, "(objectClass=*)",
		[]string{"configurationNamingContext", "defaultNamingContext", "rootDomainNamingContext"}, nil)

	result, err := c.conn.Search(req)
	if err != nil {
		return fmt.Errorf("RootDSE query failed: %w", err)
	}
	if len(result.Entries) == 0 {
		return fmt.Errorf("no RootDSE entries returned")
	}

	entry := result.Entries[0]
	c.configDN = entry.GetAttributeValue("configurationNamingContext")
	c.rootDomainDN = entry.GetAttributeValue("rootDomainNamingContext")
	if base := entry.GetAttributeValue("defaultNamingContext"); base != "" {
		c.baseDN = base
	}
	if c.configDN == "" {
		return fmt.Errorf("could not detect configurationNamingContext")
	}
	return nil
}

// ConfigurationDN returns the configuration naming context.
func (c *Client) ConfigurationDN() string { return c.configDN }

// ForestRootDN returns the forest root domain naming context.
func (c *Client) ForestRootDN() string { return c.rootDomainDN }

// BaseDN returns the connected domain's naming context.
func (c *Client) BaseDN() string { return c.baseDN }

// Domain returns the DNS name of the connected domain.
func (c *Client) Domain() string { return c.domain }

// ForestName returns the forest root domain DNS name derived from its
// naming context.
func (c *Client) ForestName() string { return dnToDomain(c.rootDomainDN) }

// Close closes both directory connections.
func (c *Client) Close() error {
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	if c.gcConn != nil {
		c.gcConn.Close()
		c.gcConn = nil
	}
	return nil
}

// locateDomainController finds a DC via the LDAP SRV record, falling back
// to the domain name itself.
func (c *Client) locateDomainController(ctx context.Context) (string, error) {
	_, addrs, err := c.resolver.LookupSRV(ctx, "ldap", "tcp", c.domain)
	if err == nil && len(addrs) > 0 {
		return strings.TrimSuffix(addrs[0].Target, "."), nil
	}
	if c.domain == "" {
		return "", fmt.Errorf("no domain specified and SRV lookup failed: %w", err)
	}
	return c.domain, nil
}

// searchAllPages runs a paged search on the domain connection and returns
// all entries.
func (c *Client) searchAllPages(ctx context.Context, req *ldap.SearchRequest) ([]*ldap.Entry, error) {
	return searchAllPages(ctx, c.conn, req)
}

func searchAllPages(ctx context.Context, conn *ldap.Conn, req *ldap.SearchRequest) ([]*ldap.Entry, error) {
	paging := ldap.NewControlPaging(pageSize)
	req.Controls = append(req.Controls, paging)

	var entries []*ldap.Entry
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		result, err := conn.Search(req)
		if err != nil {
			return nil, fmt.Errorf("LDAP search failed: %w", err)
		}
		entries = append(entries, result.Entries...)

		pagingResult := ldap.FindControl(result.Controls, ldap.ControlTypePaging)
		if pagingResult == nil {
			break
		}
		cookie := pagingResult.(*ldap.ControlPaging).Cookie
		if len(cookie) == 0 {
			break
		}
		paging.SetCookie(cookie)
	}
	return entries, nil
}

// domainToDN converts a DNS domain name to its distinguished name.
func domainToDN(domain string) string {
	if domain == "" {
		return ""
	}
	parts := strings.Split(domain, ".")
	dnParts := make([]string, 0, len(parts))
	for _, part := range parts {
		dnParts = append(dnParts, fmt.Sprintf("DC=%s", part))
	}
	return strings.Join(dnParts, ",")
}

// dnToDomain converts a domain naming context back to its DNS name.
func dnToDomain(dn string) string {
	var parts []string
	for _, rdn := range strings.Split(dn, ",") {
		rdn = strings.TrimSpace(rdn)
		if strings.HasPrefix(strings.ToUpper(rdn), "DC=") {
			parts = append(parts, rdn[3:])
		}
	}
	return strings.Join(parts, ".")
}
