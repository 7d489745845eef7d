// Package adcs holds the AD CS constants and the staged enrichment that
// turns raw inventory objects into fully derived ones: security descriptor
// parsing, template flag interpretation, CA identity resolution, per-CA
// configuration queries, and ACE attribution.
package adcs

// msPKI-Certificate-Name-Flag bits.
const (
	NameFlagEnrolleeSuppliesSubject = 0x00000001
	NameFlagOldCertSuppliesSubject  = 0x00000008
)

// msPKI-Enrollment-Flag bits.
const (
	EnrollFlagPendAllRequests     = 0x00000002
	EnrollFlagNoSecurityExtension = 0x00080000
)

// EditFlags registry value bits on the CA (policy module configuration).
const EditFlagAttributeSubjectAltName2 = 0x00040000

// CA security roles queried per enrollment service.
const (
	RoleManageCA           = "ManageCA"
	RoleManageCertificates = "ManageCertificates"
)

// Extended key usage OIDs relevant to authentication abuse.
const (
	OIDAnyPurpose     = "2.5.29.37.0"
	OIDClientAuth     = "1.3.6.1.5.5.7.3.2"
	OIDPKINITAuth     = "1.3.6.1.5.2.3.4"
	OIDSmartCardLogon = "1.3.6.1.4.1.311.20.2.2"
	OIDRequestAgent   = "1.3.6.1.4.1.311.20.2.1"

	// The SID-binding security extension. A CA that disables it reopens the
	// weak-mapping forgeries the extension exists to prevent.
	OIDNTDSCASecurityExt = "1.3.6.1.4.1.311.25.2"
)

var authEKUs = map[string]bool{
	OIDClientAuth:     true,
	OIDPKINITAuth:     true,
	OIDSmartCardLogon: true,
	OIDAnyPurpose:     true,
}

// IsAuthEKU reports whether the OID permits client authentication.
func IsAuthEKU(oid string) bool { return authEKUs[oid] }
