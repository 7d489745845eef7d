package ad

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/go-ldap/ldap/v3"

	"github.com/SpecterOps/CertHound/internal/acl"
	"github.com/SpecterOps/CertHound/internal/store"
	"github.com/SpecterOps/CertHound/internal/types"
)

const uacAccountDisabled = 0x0002

var principalAttributes = []string{
	"objectSid", "sAMAccountName", "name", "distinguishedName",
	"objectClass", "userAccountControl", "memberOf",
}

// ResolveSID resolves a SID to a principal record. The Global Catalog is
// queried first so cross-domain principals in the forest resolve; the
// domain connection serves as fallback. Returns store.ErrNotFound when no
// directory object carries the SID.
func (c *Client) ResolveSID(ctx context.Context, sid string) (*types.Principal, error) {
	filter := fmt.Sprintf("(objectSid=%s)", ldap.EscapeFilter(sid))
	return c.findPrincipal(ctx, filter)
}

// ResolveName resolves a sAMAccountName or display name to a principal.
// DOMAIN\name and name@domain forms are accepted; only the name part is
// matched, the Global Catalog covers the domain part.
func (c *Client) ResolveName(ctx context.Context, name string) (*types.Principal, error) {
	escaped := ldap.EscapeFilter(stripDomainQualifier(name))
	filter := fmt.Sprintf("(|(sAMAccountName=%s)(name=%s))", escaped, escaped)
	return c.findPrincipal(ctx, filter)
}

func (c *Client) findPrincipal(ctx context.Context, filter string) (*types.Principal, error) {
	if c.gcConn != nil {
		req := ldap.NewSearchRequest("", ldap.ScopeWholeSubtree, ldap.NeverDerefAliases,
			0, 0, false, filter, principalAttributes, nil)
		entries, err := searchAllPages(ctx, c.gcConn, req)
		if err == nil && len(entries) > 0 {
			return principalFromEntry(entries[0]), nil
		}
		if err != nil {
			c.log.Debug().Err(err).Str("filter", filter).Msg("Global Catalog lookup failed, falling back to domain")
		}
	}

	req := ldap.NewSearchRequest(c.baseDN, ldap.ScopeWholeSubtree, ldap.NeverDerefAliases,
		0, 0, false, filter, principalAttributes, nil)
	entries, err := c.searchAllPages(ctx, req)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, store.ErrNotFound
	}
	return principalFromEntry(entries[0]), nil
}

// stripDomainQualifier reduces DOMAIN\name and name@domain forms to the bare
// account name.
func stripDomainQualifier(name string) string {
	if i := strings.LastIndex(name, "\\"); i >= 0 {
		name = name[i+1:]
	}
	if i := strings.Index(name, "@"); i >= 0 {
		name = name[:i]
	}
	return name
}

func principalFromEntry(entry *ldap.Entry) *types.Principal {
	p := &types.Principal{
		SID:               acl.DecodeSID(entry.GetRawAttributeValue("objectSid")),
		SAMAccountName:    entry.GetAttributeValue("sAMAccountName"),
		Name:              entry.GetAttributeValue("name"),
		DistinguishedName: entry.DN,
		ObjectClass:       primaryObjectClass(entry.GetAttributeValues("objectClass")),
		MemberOf:          entry.GetAttributeValues("memberOf"),
		Domain:            dnToDomain(entry.DN),
	}
	if p.Name == "" {
		p.Name = p.SAMAccountName
	}

	p.Enabled = true
	if uac := entry.GetAttributeValue("userAccountControl"); uac != "" {
		if v, err := strconv.ParseUint(uac, 10, 32); err == nil {
			p.Enabled = v&uacAccountDisabled == 0
		}
	}
	return p
}

// primaryObjectClass picks the most specific structural class. The
// objectClass attribute lists the full inheritance chain (top, person,
// organizationalPerson, user, ...).
func primaryObjectClass(classes []string) string {
	for _, want := range []string{"computer", "group", "foreignSecurityPrincipal", "user"} {
		for _, class := range classes {
			if strings.EqualFold(class, want) {
				if want == "foreignSecurityPrincipal" {
					return "group"
				}
				return want
			}
		}
	}
	if len(classes) > 0 {
		return classes[len(classes)-1]
	}
	return "user"
}

// ListGroupMembers returns the SIDs of the direct members of a group. The
// group is resolved to its distinguished name first, then members are
// fetched with a memberOf search so large groups are not truncated by the
// member attribute range limit.
func (c *Client) ListGroupMembers(ctx context.Context, groupSID string) ([]string, error) {
	group, err := c.ResolveSID(ctx, groupSID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve group %s: %w", groupSID, err)
	}
	if group.DistinguishedName == "" {
		return nil, fmt.Errorf("group %s has no distinguished name", groupSID)
	}

	filter := fmt.Sprintf("(memberOf=%s)", ldap.EscapeFilter(group.DistinguishedName))
	req := ldap.NewSearchRequest(c.baseDN, ldap.ScopeWholeSubtree, ldap.NeverDerefAliases,
		0, 0, false, filter, []string{"objectSid"}, nil)

	entries, err := c.searchAllPages(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("failed to list members of %s: %w", group.DistinguishedName, err)
	}

	members := make([]string, 0, len(entries))
	for _, entry := range entries {
		if sid := acl.DecodeSID(entry.GetRawAttributeValue("objectSid")); sid != "" {
			members = append(members, sid)
		}
	}
	return members, nil
}

// GetDomainInfo reads the connected domain's SID and NetBIOS name. The
// forest root flag compares the domain naming context against the RootDSE
// rootDomainNamingContext.
func (c *Client) GetDomainInfo(ctx context.Context) (*store.DomainInfo, error) {
	req := ldap.NewSearchRequest(c.baseDN, ldap.ScopeBaseObject, ldap.NeverDerefAliases,
		0, 0, false, "(objectClass=domain)", []string{"objectSid", "name"}, nil)
	result, err := c.conn.Search(req)
	if err != nil {
		return nil, fmt.Errorf("failed to read domain object %s: %w", c.baseDN, err)
	}
	if len(result.Entries) == 0 {
		return nil, fmt.Errorf("domain object %s not found", c.baseDN)
	}

	info := &store.DomainInfo{
		Name:       c.domain,
		SID:        acl.DecodeSID(result.Entries[0].GetRawAttributeValue("objectSid")),
		BaseDN:     c.baseDN,
		ForestRoot: strings.EqualFold(c.baseDN, c.rootDomainDN),
	}
	if info.Name == "" {
		info.Name = dnToDomain(c.baseDN)
	}

	// The NetBIOS name lives on the crossRef partition entry in the
	// configuration NC.
	crossRefReq := ldap.NewSearchRequest(
		fmt.Sprintf("CN=Partitions,%s", c.configDN),
		ldap.ScopeSingleLevel, ldap.NeverDerefAliases, 0, 0, false,
		fmt.Sprintf("(&(objectClass=crossRef)(nCName=%s))", ldap.EscapeFilter(c.baseDN)),
		[]string{"nETBIOSName"}, nil)
	if crossRef, err := c.conn.Search(crossRefReq); err == nil && len(crossRef.Entries) > 0 {
		info.NetBIOS = crossRef.Entries[0].GetAttributeValue("nETBIOSName")
	}

	return info, nil
}

// ForestRootSID returns the SID of the forest root domain, needed to build
// forest-specific well-known SIDs such as Enterprise Admins. When the
// connected domain is the forest root the domain SID is reused; otherwise
// the Global Catalog resolves the root domain object.
func (c *Client) ForestRootSID(ctx context.Context) (string, error) {
	if strings.EqualFold(c.baseDN, c.rootDomainDN) {
		info, err := c.GetDomainInfo(ctx)
		if err != nil {
			return "", err
		}
		return info.SID, nil
	}
	if c.gcConn == nil {
		return "", fmt.Errorf("forest root SID unavailable without a Global Catalog connection")
	}

	req := ldap.NewSearchRequest(c.rootDomainDN, ldap.ScopeBaseObject, ldap.NeverDerefAliases,
		0, 0, false, "(objectClass=domain)", []string{"objectSid"}, nil)
	result, err := c.gcConn.Search(req)
	if err != nil {
		return "", fmt.Errorf("failed to read forest root domain %s: %w", c.rootDomainDN, err)
	}
	if len(result.Entries) == 0 {
		return "", fmt.Errorf("forest root domain %s not found", c.rootDomainDN)
	}
	return acl.DecodeSID(result.Entries[0].GetRawAttributeValue("objectSid")), nil
}
