package store

import "strings"

// Well-known SIDs that commonly appear in PKI object ACLs but have no
// directory object to resolve against.
var wellKnownNames = map[string]string{
	"S-1-0-0":      "NULL SID",
	"S-1-1-0":      "Everyone",
	"S-1-5-7":      "NT AUTHORITY\\ANONYMOUS LOGON",
	"S-1-5-9":      "NT AUTHORITY\\ENTERPRISE DOMAIN CONTROLLERS",
	"S-1-5-10":     "NT AUTHORITY\\SELF",
	"S-1-5-11":     "NT AUTHORITY\\Authenticated Users",
	"S-1-5-18":     "NT AUTHORITY\\SYSTEM",
	"S-1-5-19":     "NT AUTHORITY\\LOCAL SERVICE",
	"S-1-5-20":     "NT AUTHORITY\\NETWORK SERVICE",
	"S-1-5-32-544": "BUILTIN\\Administrators",
	"S-1-5-32-545": "BUILTIN\\Users",
	"S-1-5-32-546": "BUILTIN\\Guests",
	"S-1-5-32-548": "BUILTIN\\Account Operators",
	"S-1-5-32-550": "BUILTIN\\Print Operators",
	"S-1-5-32-551": "BUILTIN\\Backup Operators",
}

// WellKnownName returns the display name for a well-known SID, or "" when
// the SID is not a recognized well-known identity.
func WellKnownName(sid string) string {
	return wellKnownNames[strings.ToUpper(strings.TrimSpace(sid))]
}
