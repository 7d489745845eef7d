package adcs

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"github.com/rs/zerolog"

	"github.com/SpecterOps/CertHound/internal/acl"
	"github.com/SpecterOps/CertHound/internal/rules"
	"github.com/SpecterOps/CertHound/internal/types"
)

func rawTemplate(attrs map[string][]string) *types.SecurityObject {
	return &types.SecurityObject{
		DistinguishedName: "CN=WebServer,CN=Certificate Templates,CN=Public Key Services,CN=Services,CN=Configuration,DC=corp,DC=example",
		Name:              "WebServer",
		Kind:              types.KindTemplate,
		Phase:             types.PhaseInventoried,
		Attributes:        attrs,
	}
}

func TestParseObjectTemplateFlags(t *testing.T) {
	obj := rawTemplate(map[string][]string{
		"mspki-certificate-name-flag":   {"1"},
		"mspki-enrollment-flag":         {"2"},
		"mspki-ra-signature":            {"0"},
		"mspki-template-schema-version": {"2"},
		"pkiextendedkeyusage":           {"1.3.6.1.5.5.7.3.2"},
	})

	if err := ParseObject(obj, zerolog.Nop()); err != nil {
		t.Fatalf("ParseObject failed: %v", err)
	}
	if obj.Phase != types.PhaseParsed {
		t.Fatalf("phase = %s, want %s", obj.Phase, types.PhaseParsed)
	}
	if obj.EnrolleeSuppliesSubject != types.TriTrue {
		t.Error("enrollee-supplies-subject flag not derived from name flag bit 1")
	}
	if obj.RequiresApproval != types.TriTrue {
		t.Error("approval requirement not derived from PEND_ALL_REQUESTS")
	}
	if obj.NoSecurityExtension != types.TriFalse {
		t.Error("security extension flag should be false")
	}
	if obj.HasAuthEKU != types.TriTrue {
		t.Error("client authentication EKU not recognized")
	}
	if obj.AnyPurposeEKU != types.TriFalse {
		t.Error("a constrained template must not read as any-purpose")
	}
	if obj.SchemaVersion != 2 || obj.AuthorizedSignatures != 0 {
		t.Errorf("schema version %d, signatures %d", obj.SchemaVersion, obj.AuthorizedSignatures)
	}
}

// An absent EKU list is unconstrained and therefore authentication-capable.
func TestParseObjectEmptyEKU(t *testing.T) {
	obj := rawTemplate(map[string][]string{})

	if err := ParseObject(obj, zerolog.Nop()); err != nil {
		t.Fatalf("ParseObject failed: %v", err)
	}
	if obj.AnyPurposeEKU != types.TriTrue {
		t.Error("empty EKU list must read as any-purpose")
	}
	if obj.HasAuthEKU != types.TriTrue {
		t.Error("empty EKU list must read as authentication-capable")
	}
	// Attributes nobody supplied stay unknown, not false.
	if obj.EnrolleeSuppliesSubject != types.TriUnknown {
		t.Error("missing name flag must stay unknown")
	}
}

func TestParseObjectRequestAgent(t *testing.T) {
	obj := rawTemplate(map[string][]string{
		"pkiextendedkeyusage": {"1.3.6.1.4.1.311.20.2.1"},
	})

	if err := ParseObject(obj, zerolog.Nop()); err != nil {
		t.Fatalf("ParseObject failed: %v", err)
	}
	if obj.RequestAgentEKU != types.TriTrue {
		t.Error("request agent EKU not recognized")
	}
	if obj.HasAuthEKU != types.TriFalse {
		t.Error("request agent alone is not an authentication EKU")
	}
}

func TestParseObjectPhaseGate(t *testing.T) {
	obj := rawTemplate(nil)
	obj.Phase = types.PhaseParsed
	if err := ParseObject(obj, zerolog.Nop()); err == nil {
		t.Fatal("ParseObject accepted an already-parsed object")
	}
}

func TestLinkTemplates(t *testing.T) {
	published := rawTemplate(nil)
	published.Phase = types.PhaseParsed
	dormant := rawTemplate(nil)
	dormant.DistinguishedName = "CN=OldTemplate,CN=Certificate Templates,CN=Public Key Services,CN=Services,CN=Configuration,DC=corp,DC=example"
	dormant.Name = "OldTemplate"
	dormant.Phase = types.PhaseParsed

	ca := &types.SecurityObject{
		DistinguishedName: "CN=CorpCA,CN=Enrollment Services,CN=Public Key Services,CN=Services,CN=Configuration,DC=corp,DC=example",
		Name:              "CorpCA",
		Kind:              types.KindEnrollmentService,
		Phase:             types.PhaseParsed,
		Templates:         []string{"webserver"}, // case differs from the template name
	}

	LinkTemplates([]*types.SecurityObject{published, dormant, ca})

	if published.Enabled != types.TriTrue {
		t.Error("published template not marked enabled")
	}
	if !reflect.DeepEqual(published.PublishedBy, []string{"CorpCA"}) {
		t.Errorf("PublishedBy = %v", published.PublishedBy)
	}
	if dormant.Enabled != types.TriFalse {
		t.Error("dormant template not marked disabled")
	}
}

func TestResolveCA(t *testing.T) {
	obj := &types.SecurityObject{
		DistinguishedName: "CN=CorpCA,CN=Enrollment Services,CN=Public Key Services,CN=Services,CN=Configuration,DC=corp,DC=example",
		Name:              "CorpCA",
		Kind:              types.KindEnrollmentService,
		Phase:             types.PhaseParsed,
		Attributes: map[string][]string{
			"dnshostname": {"ca01.corp.example"},
			"displayname": {"Corp Issuing CA"},
		},
	}

	if err := ResolveCA(obj); err != nil {
		t.Fatalf("ResolveCA failed: %v", err)
	}
	if obj.CAHostDNS != "ca01.corp.example" {
		t.Errorf("CAHostDNS = %q", obj.CAHostDNS)
	}
	if obj.CAName != "ca01.corp.example\\Corp Issuing CA" {
		t.Errorf("CAName = %q", obj.CAName)
	}
	if obj.Phase != types.PhaseCAResolved {
		t.Errorf("phase = %s", obj.Phase)
	}
}

type fakeConfigClient struct {
	editFlags   uint32
	auditFilter uint32
	disabled    []string
	roles       map[string][]string
	failFilter  bool
}

func (f *fakeConfigClient) QueryRole(_ context.Context, _ *types.SecurityObject, role string) ([]string, error) {
	return f.roles[role], nil
}

func (f *fakeConfigClient) QueryFlag(_ context.Context, _ *types.SecurityObject, name string) (uint32, error) {
	if name != "EditFlags" {
		return 0, errors.New("unknown flag")
	}
	return f.editFlags, nil
}

func (f *fakeConfigClient) QueryAuditFilter(_ context.Context, _ *types.SecurityObject) (uint32, error) {
	if f.failFilter {
		return 0, errors.New("registry unreachable")
	}
	return f.auditFilter, nil
}

func (f *fakeConfigClient) QueryDisabledExtensions(_ context.Context, _ *types.SecurityObject) ([]string, error) {
	return f.disabled, nil
}

func resolvedCA() *types.SecurityObject {
	return &types.SecurityObject{
		DistinguishedName: "CN=CorpCA,CN=Enrollment Services,CN=Public Key Services,CN=Services,CN=Configuration,DC=corp,DC=example",
		Name:              "CorpCA",
		Kind:              types.KindEnrollmentService,
		Phase:             types.PhaseCAResolved,
		CAName:            "ca01.corp.example\\CorpCA",
		CAHostDNS:         "ca01.corp.example",
	}
}

func TestApplyCAConfig(t *testing.T) {
	ca := resolvedCA()
	cfg := &fakeConfigClient{
		editFlags:   EditFlagAttributeSubjectAltName2,
		auditFilter: 127,
		disabled:    []string{"1.3.6.1.4.1.311.25.2"},
		roles: map[string][]string{
			RoleManageCA: {"S-1-5-21-1-2-3-1104"},
		},
	}

	if err := ApplyCAConfig(context.Background(), ca, cfg, nil, zerolog.Nop()); err != nil {
		t.Fatalf("ApplyCAConfig failed: %v", err)
	}
	if ca.SANFlagEnabled != types.TriTrue {
		t.Error("SAN flag not derived from EditFlags")
	}
	if ca.AuditFilterFull != types.TriTrue {
		t.Error("full audit filter not recognized")
	}
	if ca.SecurityExtOff != types.TriTrue {
		t.Error("disabled security extension OID not recognized")
	}
	if got := ca.RoleHolders[RoleManageCA]; len(got) != 1 {
		t.Errorf("ManageCA holders = %v", got)
	}
	if ca.Phase != types.PhaseCAConfigured {
		t.Errorf("phase = %s", ca.Phase)
	}
	// No web prober supplied: the endpoint state stays unknown.
	if ca.WebEnrollment != types.TriUnknown {
		t.Error("web enrollment must stay unknown without a prober")
	}
}

// A failed query leaves its flag unknown without failing the whole CA.
func TestApplyCAConfigPartialFailure(t *testing.T) {
	ca := resolvedCA()
	cfg := &fakeConfigClient{editFlags: 0, failFilter: true}

	if err := ApplyCAConfig(context.Background(), ca, cfg, nil, zerolog.Nop()); err != nil {
		t.Fatalf("ApplyCAConfig failed: %v", err)
	}
	if ca.SANFlagEnabled != types.TriFalse {
		t.Error("reachable EditFlags query must still land")
	}
	if ca.AuditFilterFull != types.TriUnknown {
		t.Error("failed audit query must leave the flag unknown")
	}
}

// Without a configuration collaborator every derived flag stays unknown.
func TestApplyCAConfigNoClient(t *testing.T) {
	ca := resolvedCA()
	if err := ApplyCAConfig(context.Background(), ca, nil, nil, zerolog.Nop()); err != nil {
		t.Fatalf("ApplyCAConfig failed: %v", err)
	}
	for name, tri := range map[string]types.Tristate{
		"SANFlagEnabled":  ca.SANFlagEnabled,
		"AuditFilterFull": ca.AuditFilterFull,
		"SecurityExtOff":  ca.SecurityExtOff,
	} {
		if tri != types.TriUnknown {
			t.Errorf("%s = %v, want unknown", name, tri)
		}
	}
	if ca.Phase != types.PhaseCAConfigured {
		t.Errorf("phase = %s", ca.Phase)
	}
}

func TestApplyCAConfigPassThrough(t *testing.T) {
	obj := rawTemplate(nil)
	obj.Phase = types.PhaseCAResolved

	if err := ApplyCAConfig(context.Background(), obj, &fakeConfigClient{}, nil, zerolog.Nop()); err != nil {
		t.Fatalf("ApplyCAConfig failed: %v", err)
	}
	if obj.Phase != types.PhaseCAConfigured {
		t.Errorf("phase = %s", obj.Phase)
	}
	if obj.RoleHolders != nil {
		t.Error("non-CA object gained role holders")
	}
}

func TestAttribute(t *testing.T) {
	tables, err := rules.Load("")
	if err != nil {
		t.Fatalf("failed to load default tables: %v", err)
	}
	eval, err := acl.NewEvaluator(tables.Danger)
	if err != nil {
		t.Fatalf("failed to compile danger rules: %v", err)
	}

	obj := rawTemplate(nil)
	obj.Phase = types.PhaseCAConfigured
	obj.ACEs = []types.ACE{
		{PrincipalSID: "S-1-5-21-1-2-3-1104", Rights: acl.RightExtendedRight, ObjectType: acl.GUIDEnroll},
		{PrincipalSID: "S-1-5-21-1-2-3-1104", Rights: acl.RightExtendedRight, ObjectType: acl.GUIDAutoEnroll},
		{PrincipalSID: "S-1-5-21-1-2-3-1105", Rights: acl.RightGenericAll},
		{PrincipalSID: "S-1-5-21-1-2-3-1106", Rights: acl.RightReadProperty},
	}

	if err := Attribute(obj, eval); err != nil {
		t.Fatalf("Attribute failed: %v", err)
	}
	if !reflect.DeepEqual(obj.Enrollees, []string{"S-1-5-21-1-2-3-1104"}) {
		t.Errorf("Enrollees = %v", obj.Enrollees)
	}
	if !reflect.DeepEqual(obj.Editors, []string{"S-1-5-21-1-2-3-1105"}) {
		t.Errorf("Editors = %v", obj.Editors)
	}
	if obj.Phase != types.PhaseComplete {
		t.Errorf("phase = %s", obj.Phase)
	}
}

func TestIsAuthEKU(t *testing.T) {
	for _, oid := range []string{OIDClientAuth, OIDPKINITAuth, OIDSmartCardLogon, OIDAnyPurpose} {
		if !IsAuthEKU(oid) {
			t.Errorf("IsAuthEKU(%s) = false", oid)
		}
	}
	if IsAuthEKU("1.3.6.1.5.5.7.3.1") {
		t.Error("server authentication must not count as an auth EKU")
	}
}
