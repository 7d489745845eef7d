// Package acl parses directory security descriptors and evaluates access
// control entries against the declarative danger rule table.
package acl

import (
	"sort"
	"strings"
)

// Directory service access mask bits.
const (
	RightCreateChild   uint32 = 0x00000001
	RightDeleteChild   uint32 = 0x00000002
	RightListChildren  uint32 = 0x00000004
	RightSelf          uint32 = 0x00000008
	RightReadProperty  uint32 = 0x00000010
	RightWriteProperty uint32 = 0x00000020
	RightDeleteTree    uint32 = 0x00000040
	RightListObject    uint32 = 0x00000080
	RightExtendedRight uint32 = 0x00000100
	RightDelete        uint32 = 0x00010000
	RightReadControl   uint32 = 0x00020000
	RightWriteDacl     uint32 = 0x00040000
	RightWriteOwner    uint32 = 0x00080000
	RightGenericAll    uint32 = 0x10000000
	RightGenericWrite  uint32 = 0x40000000
	RightGenericRead   uint32 = 0x80000000
)

// Extended-right GUIDs relevant to certificate enrollment.
const (
	GUIDEnroll     = "0e10c968-78fb-11d2-90d4-00c04f79dc55"
	GUIDAutoEnroll = "a05b8cc2-17bc-4802-a710-e7c15ab866a2"
)

var rightNames = map[string]uint32{
	"createchild":   RightCreateChild,
	"deletechild":   RightDeleteChild,
	"self":          RightSelf,
	"readproperty":  RightReadProperty,
	"writeproperty": RightWriteProperty,
	"deletetree":    RightDeleteTree,
	"extendedright": RightExtendedRight,
	"delete":        RightDelete,
	"readcontrol":   RightReadControl,
	"writedacl":     RightWriteDacl,
	"writeowner":    RightWriteOwner,
	"genericall":    RightGenericAll,
	"genericwrite":  RightGenericWrite,
	"genericread":   RightGenericRead,
}

var rightLabels = map[uint32]string{
	RightCreateChild:   "CreateChild",
	RightDeleteChild:   "DeleteChild",
	RightSelf:          "Self",
	RightReadProperty:  "ReadProperty",
	RightWriteProperty: "WriteProperty",
	RightDeleteTree:    "DeleteTree",
	RightExtendedRight: "ExtendedRight",
	RightDelete:        "Delete",
	RightReadControl:   "ReadControl",
	RightWriteDacl:     "WriteDacl",
	RightWriteOwner:    "WriteOwner",
	RightGenericAll:    "GenericAll",
	RightGenericWrite:  "GenericWrite",
	RightGenericRead:   "GenericRead",
}

// RightMask resolves a symbolic right name from the rule table to its mask
// bit.
func RightMask(name string) (uint32, bool) {
	mask, ok := rightNames[strings.ToLower(strings.TrimSpace(name))]
	return mask, ok
}

// RightsString renders a rights mask as a comma-separated list of the named
// bits it contains, for finding text and diagnostics. Unnamed bits are
// ignored.
func RightsString(mask uint32) string {
	var names []string
	for bit, label := range rightLabels {
		if mask&bit != 0 {
			names = append(names, label)
		}
	}
	sort.Strings(names)
	return strings.Join(names, ", ")
}
