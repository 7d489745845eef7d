package ad

import (
	"context"
	"fmt"
	"strings"

	ber "github.com/go-asn1-ber/asn1-ber"
	"github.com/go-ldap/ldap/v3"

	"github.com/SpecterOps/CertHound/internal/types"
)

// LDAP_SERVER_SD_FLAGS_OID. Without it a non-admin reader gets an empty
// nTSecurityDescriptor because the server defaults to including the SACL,
// which requires SeSecurityPrivilege.
const controlTypeSDFlags = "1.2.840.113556.1.4.801"

const (
	sdFlagOwner = 0x01
	sdFlagGroup = 0x02
	sdFlagDACL  = 0x04
)

var inventoryAttributes = []string{
	"name", "displayName", "objectClass", "nTSecurityDescriptor",
	"flags", "dNSHostName", "certificateTemplates", "pKIExtendedKeyUsage",
	"msPKI-Certificate-Name-Flag", "msPKI-Enrollment-Flag",
	"msPKI-Private-Key-Flag", "msPKI-RA-Signature",
	"msPKI-Template-Schema-Version",
}

// sdFlagsControl builds the SD_FLAGS request control asking for the given
// security descriptor parts (SDFlagsRequestValue ::= SEQUENCE { Flags INTEGER }).
func sdFlagsControl(flags uint32) ldap.Control {
	seq := ber.Encode(ber.ClassUniversal, ber.TypeConstructed, ber.TagSequence, nil, "SDFlagsRequestValue")
	seq.AppendChild(ber.NewInteger(ber.ClassUniversal, ber.TypePrimitive, ber.TagInteger, int64(flags), "Flags"))
	return ldap.NewControlString(controlTypeSDFlags, true, string(seq.Bytes()))
}

// pkiServicesDN returns the Public Key Services container of the forest
// configuration partition, where all AD CS objects live.
func (c *Client) pkiServicesDN() string {
	return fmt.Sprintf("CN=Public Key Services,CN=Services,%s", c.configDN)
}

// ListInventory collects every PKI-relevant object of the forest: the
// certificate templates, the enrollment services, the containers that hold
// them, and the computer objects hosting each CA. Objects come back at the
// inventoried phase, with raw attributes and security descriptors attached
// but nothing parsed yet.
func (c *Client) ListInventory(ctx context.Context) ([]*types.SecurityObject, error) {
	base := c.pkiServicesDN()
	forest := c.ForestName()

	req := ldap.NewSearchRequest(base, ldap.ScopeWholeSubtree, ldap.NeverDerefAliases,
		0, 0, false,
		"(|(objectClass=pKICertificateTemplate)(objectClass=pKIEnrollmentService)(objectClass=container)(objectClass=certificationAuthority))",
		inventoryAttributes,
		[]ldap.Control{sdFlagsControl(sdFlagOwner | sdFlagGroup | sdFlagDACL)})

	entries, err := c.searchAllPages(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("PKI inventory query under %s failed: %w", base, err)
	}

	objects := make([]*types.SecurityObject, 0, len(entries))
	var hostNames []string
	for _, entry := range entries {
		obj := securityObjectFromEntry(entry, forest)
		if obj == nil {
			continue
		}
		objects = append(objects, obj)
		if obj.Kind == types.KindEnrollmentService {
			if host := entry.GetAttributeValue("dNSHostName"); host != "" {
				hostNames = append(hostNames, host)
			}
		}
	}

	hosts, err := c.listCAHosts(ctx, hostNames, forest)
	if err != nil {
		// Host objects are optional enrichment; report but keep the
		// configuration partition inventory.
		c.log.Warn().Err(err).Msg("could not inventory CA host computer objects")
	}
	objects = append(objects, hosts...)

	c.log.Info().Int("objects", len(objects)).Str("base", base).Msg("PKI inventory collected")
	return objects, nil
}

// listCAHosts fetches the computer objects behind the enrollment services'
// DNS host names from the domain partition.
func (c *Client) listCAHosts(ctx context.Context, hostNames []string, forest string) ([]*types.SecurityObject, error) {
	if len(hostNames) == 0 {
		return nil, nil
	}

	clauses := make([]string, 0, len(hostNames))
	seen := make(map[string]bool, len(hostNames))
	for _, host := range hostNames {
		key := strings.ToLower(host)
		if seen[key] {
			continue
		}
		seen[key] = true
		clauses = append(clauses, fmt.Sprintf("(dNSHostName=%s)", ldap.EscapeFilter(host)))
	}
	filter := fmt.Sprintf("(&(objectClass=computer)(|%s))", strings.Join(clauses, ""))

	req := ldap.NewSearchRequest(c.baseDN, ldap.ScopeWholeSubtree, ldap.NeverDerefAliases,
		0, 0, false, filter,
		[]string{"name", "dNSHostName", "objectClass", "nTSecurityDescriptor"},
		[]ldap.Control{sdFlagsControl(sdFlagOwner | sdFlagGroup | sdFlagDACL)})

	entries, err := c.searchAllPages(ctx, req)
	if err != nil {
		return nil, err
	}

	hosts := make([]*types.SecurityObject, 0, len(entries))
	for _, entry := range entries {
		obj := &types.SecurityObject{
			DistinguishedName:     entry.DN,
			Name:                  entry.GetAttributeValue("name"),
			Kind:                  types.KindCAHost,
			Domain:                dnToDomain(entry.DN),
			Forest:                forest,
			Phase:                 types.PhaseInventoried,
			Attributes:            attributeMap(entry),
			RawSecurityDescriptor: entry.GetRawAttributeValue("nTSecurityDescriptor"),
		}
		hosts = append(hosts, obj)
	}
	return hosts, nil
}

func securityObjectFromEntry(entry *ldap.Entry, forest string) *types.SecurityObject {
	kind := kindFromClasses(entry.GetAttributeValues("objectClass"))
	if kind == "" {
		return nil
	}
	return &types.SecurityObject{
		DistinguishedName:     entry.DN,
		Name:                  entry.GetAttributeValue("name"),
		Kind:                  kind,
		Domain:                dnToDomain(entry.DN),
		Forest:                forest,
		Phase:                 types.PhaseInventoried,
		Attributes:            attributeMap(entry),
		RawSecurityDescriptor: entry.GetRawAttributeValue("nTSecurityDescriptor"),
	}
}

// kindFromClasses maps the objectClass chain to an inventory kind. The
// certificationAuthority objects under Certification Authorities and
// NTAuthCertificates are treated as containers: their danger surface is
// write access, not enrollment.
func kindFromClasses(classes []string) types.ObjectKind {
	for _, class := range classes {
		switch {
		case strings.EqualFold(class, string(types.KindTemplate)):
			return types.KindTemplate
		case strings.EqualFold(class, string(types.KindEnrollmentService)):
			return types.KindEnrollmentService
		}
	}
	for _, class := range classes {
		if strings.EqualFold(class, "container") || strings.EqualFold(class, "certificationAuthority") {
			return types.KindContainer
		}
	}
	return ""
}

func attributeMap(entry *ldap.Entry) map[string][]string {
	attrs := make(map[string][]string, len(entry.Attributes))
	for _, attr := range entry.Attributes {
		if strings.EqualFold(attr.Name, "nTSecurityDescriptor") {
			continue
		}
		attrs[strings.ToLower(attr.Name)] = attr.Values
	}
	return attrs
}
