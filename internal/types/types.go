// Package types defines the core data structures used throughout CertHound.
// These types are shared by the LDAP inventory collector, the enrichment
// stages, the technique rule engine, and the findings output.
package types

import (
	"fmt"
	"strings"
)

// Tristate is a boolean whose value may be unknown because the enrichment
// stage that produces it was skipped or failed. Unknown never matches a
// technique condition.
type Tristate int

const (
	TriUnknown Tristate = iota
	TriFalse
	TriTrue
)

// TriBool converts a known boolean into a Tristate.
func TriBool(b bool) Tristate {
	if b {
		return TriTrue
	}
	return TriFalse
}

// Known reports whether the value was actually computed.
func (t Tristate) Known() bool { return t != TriUnknown }

// True reports whether the value is known and true.
func (t Tristate) True() bool { return t == TriTrue }

func (t Tristate) String() string {
	switch t {
	case TriTrue:
		return "true"
	case TriFalse:
		return "false"
	default:
		return "unknown"
	}
}

// Classification is the category assigned to a principal by the classifier.
type Classification string

const (
	ClassUnclassified Classification = "Unclassified"
	ClassSafe         Classification = "Safe"
	ClassDangerous    Classification = "Dangerous"
	ClassLowPrivilege Classification = "LowPrivilege"
)

// Principal represents a resolved Active Directory identity.
type Principal struct {
	SID               string         `json:"sid"`
	Name              string         `json:"name"`
	SAMAccountName    string         `json:"samAccountName,omitempty"`
	DistinguishedName string         `json:"distinguishedName,omitempty"`
	Domain            string         `json:"domain,omitempty"`
	ObjectClass       string         `json:"objectClass"` // user, group, computer
	Classification    Classification `json:"classification,omitempty"`
	MemberOf          []string       `json:"memberOf,omitempty"`
	Enabled           bool           `json:"enabled"`

	// Stub marks a minimal record created for a well-known SID that has no
	// directory object (e.g. Authenticated Users). Findings naming it must
	// not be dropped just because it could not be resolved.
	Stub bool `json:"stub,omitempty"`
}

// IsGroup reports whether the principal is a group and may be expanded.
func (p *Principal) IsGroup() bool { return p.ObjectClass == "group" }

// ObjectKind identifies the class of a PKI-relevant directory object.
type ObjectKind string

const (
	KindTemplate          ObjectKind = "pKICertificateTemplate"
	KindEnrollmentService ObjectKind = "pKIEnrollmentService"
	KindContainer         ObjectKind = "container"
	KindCAHost            ObjectKind = "computer"
)

// Phase tracks how far a SecurityObject has progressed through the staged
// enrichment pipeline. A derived field must not be read before the phase
// that produces it has completed.
type Phase int

const (
	// PhaseInventoried: raw LDAP attributes and security descriptor present.
	PhaseInventoried Phase = iota
	// PhaseParsed: owner and ACEs parsed, template flag fields computed.
	PhaseParsed
	// PhaseCAResolved: enrollment-service friendly CA identifier resolved.
	PhaseCAResolved
	// PhaseCAConfigured: per-CA role/flag/audit/extension queries completed
	// (or recorded as unknown).
	PhaseCAConfigured
	// PhaseComplete: attribution sets computed; object is read-only.
	PhaseComplete
)

func (p Phase) String() string {
	switch p {
	case PhaseInventoried:
		return "inventoried"
	case PhaseParsed:
		return "parsed"
	case PhaseCAResolved:
		return "ca-resolved"
	case PhaseCAConfigured:
		return "ca-configured"
	case PhaseComplete:
		return "complete"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// ACE is one access control entry from an object's security descriptor.
type ACE struct {
	PrincipalSID string `json:"principalSid"`
	Rights       uint32 `json:"rights"`
	// ObjectType is the extended-right or property GUID the entry is scoped
	// to, lowercase. Empty means the entry applies to all properties.
	ObjectType          string `json:"objectType,omitempty"`
	InheritedObjectType string `json:"inheritedObjectType,omitempty"`
	Inherited           bool   `json:"inherited,omitempty"`
}

// SecurityObject is one PKI-relevant directory object: a certificate
// template, an enrollment service (CA), a PKI container, or a CA host
// computer. It is created once during inventory and mutated in place by
// successive enrichment stages; after PhaseComplete it is read-only.
type SecurityObject struct {
	DistinguishedName string     `json:"distinguishedName"`
	Name              string     `json:"name"`
	Kind              ObjectKind `json:"kind"`
	Domain            string     `json:"domain,omitempty"`
	Forest            string     `json:"forest,omitempty"`
	Phase             Phase      `json:"-"`

	Attributes            map[string][]string `json:"-"`
	RawSecurityDescriptor []byte              `json:"-"`

	OwnerSID string `json:"ownerSid,omitempty"`
	ACEs     []ACE  `json:"aces,omitempty"`

	// NonStandardOwner is set during classification: true when OwnerSID is
	// outside the session's standard-owner set.
	NonStandardOwner Tristate `json:"nonStandardOwner,omitempty"`

	// Template fields, valid from PhaseParsed.
	SchemaVersion           int      `json:"schemaVersion,omitempty"`
	NameFlags               uint32   `json:"nameFlags,omitempty"`
	EnrollmentFlags         uint32   `json:"enrollmentFlags,omitempty"`
	PrivateKeyFlags         uint32   `json:"privateKeyFlags,omitempty"`
	EKUs                    []string `json:"ekus,omitempty"`
	AuthorizedSignatures    int      `json:"authorizedSignatures,omitempty"`
	EnrolleeSuppliesSubject Tristate `json:"enrolleeSuppliesSubject,omitempty"`
	RequiresApproval        Tristate `json:"requiresApproval,omitempty"`
	NoSecurityExtension     Tristate `json:"noSecurityExtension,omitempty"`
	HasAuthEKU              Tristate `json:"hasAuthEku,omitempty"`
	AnyPurposeEKU           Tristate `json:"anyPurposeEku,omitempty"`
	RequestAgentEKU         Tristate `json:"requestAgentEku,omitempty"`
	Enabled                 Tristate `json:"enabled,omitempty"`
	PublishedBy             []string `json:"publishedBy,omitempty"`

	// Enrollment service fields. CAName and CAHostDNS are valid from
	// PhaseCAResolved; the tristates and role holders from PhaseCAConfigured.
	CAName             string              `json:"caName,omitempty"`
	CAHostDNS          string              `json:"caHostDns,omitempty"`
	Templates          []string            `json:"templates,omitempty"`
	WebEnrollment      Tristate            `json:"webEnrollment,omitempty"`
	SANFlagEnabled     Tristate            `json:"sanFlagEnabled,omitempty"`
	AuditFilterFull    Tristate            `json:"auditFilterFull,omitempty"`
	SecurityExtOff     Tristate            `json:"securityExtOff,omitempty"`
	DisabledExtensions []string            `json:"disabledExtensions,omitempty"`
	RoleHolders        map[string][]string `json:"roleHolders,omitempty"`

	// Attribution sets, valid from PhaseComplete. SIDs holding qualifying
	// ACEs on this object, split by capability.
	Enrollees []string `json:"enrollees,omitempty"`
	Editors   []string `json:"editors,omitempty"`
}

// PropertyKind tags the type of a condition-addressable property value.
type PropertyKind int

const (
	PropString PropertyKind = iota
	PropInt
	PropTristate
	PropList
)

// PropertyValue is the typed value of one condition-addressable property.
type PropertyValue struct {
	Kind PropertyKind
	Str  string
	Int  int
	Tri  Tristate
	List []string
}

// Property resolves a named property for technique-condition evaluation.
// Unknown names return ok=false so that a misspelled condition in a rule
// table never silently matches.
func (o *SecurityObject) Property(name string) (PropertyValue, bool) {
	switch strings.ToLower(name) {
	case "kind":
		return PropertyValue{Kind: PropString, Str: string(o.Kind)}, true
	case "name":
		return PropertyValue{Kind: PropString, Str: o.Name}, true
	case "schemaversion":
		return PropertyValue{Kind: PropInt, Int: o.SchemaVersion}, true
	case "authorizedsignatures":
		return PropertyValue{Kind: PropInt, Int: o.AuthorizedSignatures}, true
	case "enrolleesuppliessubject":
		return PropertyValue{Kind: PropTristate, Tri: o.EnrolleeSuppliesSubject}, true
	case "requiresapproval":
		return PropertyValue{Kind: PropTristate, Tri: o.RequiresApproval}, true
	case "nosecurityextension":
		return PropertyValue{Kind: PropTristate, Tri: o.NoSecurityExtension}, true
	case "hasautheku":
		return PropertyValue{Kind: PropTristate, Tri: o.HasAuthEKU}, true
	case "anypurposeeku":
		return PropertyValue{Kind: PropTristate, Tri: o.AnyPurposeEKU}, true
	case "requestagenteku":
		return PropertyValue{Kind: PropTristate, Tri: o.RequestAgentEKU}, true
	case "enabled":
		return PropertyValue{Kind: PropTristate, Tri: o.Enabled}, true
	case "webenrollment":
		return PropertyValue{Kind: PropTristate, Tri: o.WebEnrollment}, true
	case "sanflagenabled":
		return PropertyValue{Kind: PropTristate, Tri: o.SANFlagEnabled}, true
	case "auditfilterfull":
		return PropertyValue{Kind: PropTristate, Tri: o.AuditFilterFull}, true
	case "securityextoff":
		return PropertyValue{Kind: PropTristate, Tri: o.SecurityExtOff}, true
	case "nonstandardowner":
		return PropertyValue{Kind: PropTristate, Tri: o.NonStandardOwner}, true
	case "disabledextensions":
		return PropertyValue{Kind: PropList, List: o.DisabledExtensions}, true
	case "ekus":
		return PropertyValue{Kind: PropList, List: o.EKUs}, true
	default:
		return PropertyValue{}, false
	}
}

// DisplayName returns the human-facing name for findings: the resolved CA
// identifier for enrollment services, the object name otherwise.
func (o *SecurityObject) DisplayName() string {
	if o.Kind == KindEnrollmentService && o.CAName != "" {
		return o.CAName
	}
	return o.Name
}

// Finding is one exploitable condition reported by the rule engine.
// Findings are immutable after creation and deduplicated on Key.
type Finding struct {
	Technique     string     `json:"technique"`
	Forest        string     `json:"forest,omitempty"`
	Domain        string     `json:"domain,omitempty"`
	ObjectName    string     `json:"objectName"`
	ObjectDN      string     `json:"objectDn"`
	ObjectKind    ObjectKind `json:"objectKind"`
	PrincipalSID  string     `json:"principalSid,omitempty"`
	PrincipalName string     `json:"principalName,omitempty"`
	Rights        string     `json:"rights,omitempty"`
	OwnerSID      string     `json:"ownerSid,omitempty"`
	OwnerName     string     `json:"ownerName,omitempty"`
	Enabled       Tristate   `json:"enabled,omitempty"`
	Issue         string     `json:"issue"`
	Fix           string     `json:"fix,omitempty"`
	Revert        string     `json:"revert,omitempty"`
}

// Key is the deduplication key: (object, technique, implicated principal).
// Ownership findings carry no principal SID, so the owner takes its place.
func (f Finding) Key() string {
	principal := f.PrincipalSID
	if principal == "" {
		principal = f.OwnerSID
	}
	return strings.ToLower(f.ObjectDN) + "|" + f.Technique + "|" + strings.ToLower(principal)
}
