package adcs

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/SpecterOps/CertHound/internal/acl"
	"github.com/SpecterOps/CertHound/internal/types"
)

// Full CA audit filter: all seven event categories enabled.
const auditFilterAll = 127

// ConfigClient queries the live configuration of one certification
// authority. Implemented over COM on Windows; unavailable elsewhere, in
// which case the derived flags stay unknown.
type ConfigClient interface {
	QueryRole(ctx context.Context, ca *types.SecurityObject, role string) ([]string, error)
	QueryFlag(ctx context.Context, ca *types.SecurityObject, name string) (uint32, error)
	QueryAuditFilter(ctx context.Context, ca *types.SecurityObject) (uint32, error)
	QueryDisabledExtensions(ctx context.Context, ca *types.SecurityObject) ([]string, error)
}

// ParseObject advances an inventoried object to the parsed phase: security
// descriptor decoded into owner and ACEs, template attributes interpreted
// into typed flag fields.
func ParseObject(obj *types.SecurityObject, log zerolog.Logger) error {
	if obj.Phase != types.PhaseInventoried {
		return fmt.Errorf("%s: cannot parse at phase %s", obj.DistinguishedName, obj.Phase)
	}

	if len(obj.RawSecurityDescriptor) > 0 {
		sd, err := acl.ParseSecurityDescriptor(obj.RawSecurityDescriptor)
		if err != nil {
			log.Warn().Err(err).Str("object", obj.DistinguishedName).Msg("unparseable security descriptor")
		} else {
			obj.OwnerSID = sd.OwnerSID
			obj.ACEs = sd.ACEs
		}
	} else {
		log.Warn().Str("object", obj.DistinguishedName).Msg("no security descriptor returned, permissions unknown")
	}

	if obj.Kind == types.KindTemplate {
		deriveTemplateFields(obj)
	}
	if obj.Kind == types.KindEnrollmentService {
		obj.Templates = obj.Attributes["certificatetemplates"]
	}

	obj.Phase = types.PhaseParsed
	return nil
}

func deriveTemplateFields(obj *types.SecurityObject) {
	if v, ok := intAttr(obj, "mspki-certificate-name-flag"); ok {
		obj.NameFlags = uint32(v)
		obj.EnrolleeSuppliesSubject = types.TriBool(obj.NameFlags&NameFlagEnrolleeSuppliesSubject != 0)
	}
	if v, ok := intAttr(obj, "mspki-enrollment-flag"); ok {
		obj.EnrollmentFlags = uint32(v)
		obj.RequiresApproval = types.TriBool(obj.EnrollmentFlags&EnrollFlagPendAllRequests != 0)
		obj.NoSecurityExtension = types.TriBool(obj.EnrollmentFlags&EnrollFlagNoSecurityExtension != 0)
	}
	if v, ok := intAttr(obj, "mspki-private-key-flag"); ok {
		obj.PrivateKeyFlags = uint32(v)
	}
	if v, ok := intAttr(obj, "mspki-template-schema-version"); ok {
		obj.SchemaVersion = int(v)
	}
	if v, ok := intAttr(obj, "mspki-ra-signature"); ok {
		obj.AuthorizedSignatures = int(v)
	}

	obj.EKUs = obj.Attributes["pkiextendedkeyusage"]

	// A template with no EKU at all is unconstrained, which is as good as
	// Any Purpose for authentication abuse.
	anyPurpose := len(obj.EKUs) == 0
	hasAuth := anyPurpose
	requestAgent := false
	for _, oid := range obj.EKUs {
		if oid == OIDAnyPurpose {
			anyPurpose = true
		}
		if IsAuthEKU(oid) {
			hasAuth = true
		}
		if oid == OIDRequestAgent {
			requestAgent = true
		}
	}
	obj.AnyPurposeEKU = types.TriBool(anyPurpose)
	obj.HasAuthEKU = types.TriBool(hasAuth)
	obj.RequestAgentEKU = types.TriBool(requestAgent)
}

// LinkTemplates marks each template enabled or disabled based on whether an
// enrollment service publishes it, and records the publishing CAs. A
// template nobody publishes is dormant but still reported, with its enabled
// state carried on every finding.
func LinkTemplates(objects []*types.SecurityObject) {
	published := make(map[string][]string)
	for _, obj := range objects {
		if obj.Kind != types.KindEnrollmentService {
			continue
		}
		for _, tmpl := range obj.Templates {
			key := strings.ToLower(tmpl)
			published[key] = append(published[key], obj.Name)
		}
	}

	for _, obj := range objects {
		if obj.Kind != types.KindTemplate {
			continue
		}
		by := published[strings.ToLower(obj.Name)]
		obj.PublishedBy = by
		obj.Enabled = types.TriBool(len(by) > 0)
	}
}

// ResolveCA advances a parsed object to the CA-resolved phase. For
// enrollment services this derives the HOST\CA-Name config string the
// configuration queries address and findings display.
func ResolveCA(obj *types.SecurityObject) error {
	if obj.Phase != types.PhaseParsed {
		return fmt.Errorf("%s: cannot resolve CA at phase %s", obj.DistinguishedName, obj.Phase)
	}

	if obj.Kind == types.KindEnrollmentService {
		if hosts := obj.Attributes["dnshostname"]; len(hosts) > 0 {
			obj.CAHostDNS = hosts[0]
		}
		name := obj.Name
		if display := obj.Attributes["displayname"]; len(display) > 0 && display[0] != "" {
			name = display[0]
		}
		if obj.CAHostDNS != "" {
			obj.CAName = fmt.Sprintf("%s\\%s", obj.CAHostDNS, name)
		} else {
			obj.CAName = name
		}
	}

	obj.Phase = types.PhaseCAResolved
	return nil
}

// ApplyCAConfig advances a CA-resolved object to the CA-configured phase by
// querying the live CA. Each query failure leaves its flag unknown and is
// logged as a limitation; unknown flags never match a technique condition,
// so a partially reachable CA narrows the scan instead of corrupting it.
// Non-CA objects pass through unchanged.
func ApplyCAConfig(ctx context.Context, obj *types.SecurityObject, cfg ConfigClient, web *WebEnrollmentProber, log zerolog.Logger) error {
	if obj.Phase != types.PhaseCAResolved {
		return fmt.Errorf("%s: cannot apply CA config at phase %s", obj.DistinguishedName, obj.Phase)
	}
	if obj.Kind != types.KindEnrollmentService {
		obj.Phase = types.PhaseCAConfigured
		return nil
	}

	caLog := log.With().Str("ca", obj.CAName).Logger()

	if cfg != nil {
		if flags, err := cfg.QueryFlag(ctx, obj, "EditFlags"); err == nil {
			obj.SANFlagEnabled = types.TriBool(flags&EditFlagAttributeSubjectAltName2 != 0)
		} else {
			caLog.Warn().Err(err).Msg("EditFlags unavailable, SAN flag unknown")
		}

		if filter, err := cfg.QueryAuditFilter(ctx, obj); err == nil {
			obj.AuditFilterFull = types.TriBool(filter == auditFilterAll)
		} else {
			caLog.Warn().Err(err).Msg("audit filter unavailable")
		}

		if disabled, err := cfg.QueryDisabledExtensions(ctx, obj); err == nil {
			obj.DisabledExtensions = disabled
			obj.SecurityExtOff = types.TriBool(containsFold(disabled, OIDNTDSCASecurityExt))
		} else {
			caLog.Warn().Err(err).Msg("disabled extension list unavailable")
		}

		obj.RoleHolders = make(map[string][]string)
		for _, role := range []string{RoleManageCA, RoleManageCertificates} {
			holders, err := cfg.QueryRole(ctx, obj, role)
			if err != nil {
				caLog.Warn().Err(err).Str("role", role).Msg("role holders unavailable")
				continue
			}
			obj.RoleHolders[role] = holders
		}
	} else {
		caLog.Debug().Msg("no CA configuration collaborator, flags stay unknown")
	}

	if web != nil {
		obj.WebEnrollment = web.Probe(ctx, obj.CAHostDNS)
	}

	obj.Phase = types.PhaseCAConfigured
	return nil
}

// Attribute computes the enrollee and editor sets from the parsed ACEs and
// seals the object. Every SID holding at least one enrollment-granting ACE
// lands in Enrollees, every SID holding a dangerous ACE in Editors; a SID
// can be in both.
func Attribute(obj *types.SecurityObject, eval *acl.Evaluator) error {
	if obj.Phase != types.PhaseCAConfigured {
		return fmt.Errorf("%s: cannot attribute at phase %s", obj.DistinguishedName, obj.Phase)
	}

	seenEnroll := make(map[string]bool)
	seenEdit := make(map[string]bool)
	for _, ace := range obj.ACEs {
		if _, ok := eval.GrantsEnrollment(ace, obj.Kind); ok && !seenEnroll[ace.PrincipalSID] {
			seenEnroll[ace.PrincipalSID] = true
			obj.Enrollees = append(obj.Enrollees, ace.PrincipalSID)
		}
		if _, ok := eval.IsDangerous(ace, obj.Kind); ok && !seenEdit[ace.PrincipalSID] {
			seenEdit[ace.PrincipalSID] = true
			obj.Editors = append(obj.Editors, ace.PrincipalSID)
		}
	}

	obj.Phase = types.PhaseComplete
	return nil
}

func intAttr(obj *types.SecurityObject, name string) (int64, bool) {
	values := obj.Attributes[name]
	if len(values) == 0 {
		return 0, false
	}
	v, err := strconv.ParseInt(values[0], 10, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

func containsFold(list []string, want string) bool {
	for _, v := range list {
		if strings.EqualFold(strings.TrimSpace(v), want) {
			return true
		}
	}
	return false
}
