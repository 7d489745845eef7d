package acl

import (
	"encoding/binary"
	"fmt"

	"github.com/gofrs/uuid"

	"github.com/SpecterOps/CertHound/internal/types"
)

// ACE type and flag values from the self-relative security descriptor
// format.
const (
	aceTypeAccessAllowed       = 0x00
	aceTypeAccessDenied        = 0x01
	aceTypeAccessAllowedObject = 0x05

	aceFlagInherited = 0x10

	objectAceTypePresent          = 0x01
	objectAceInheritedTypePresent = 0x02
)

// SecurityDescriptor holds the parts of a parsed descriptor the audit needs:
// the owner and the allowed ACEs of the DACL. Deny entries only ever narrow
// access, so they are not evaluated for danger.
type SecurityDescriptor struct {
	OwnerSID string
	ACEs     []types.ACE
}

// ParseSecurityDescriptor decodes a self-relative nTSecurityDescriptor
// value.
func ParseSecurityDescriptor(b []byte) (*SecurityDescriptor, error) {
	if len(b) < 20 {
		return nil, fmt.Errorf("security descriptor too short: %d bytes", len(b))
	}

	offsetOwner := binary.LittleEndian.Uint32(b[4:8])
	offsetDacl := binary.LittleEndian.Uint32(b[16:20])

	sd := &SecurityDescriptor{}

	if offsetOwner != 0 {
		if int(offsetOwner) >= len(b) {
			return nil, fmt.Errorf("owner offset %d beyond descriptor length %d", offsetOwner, len(b))
		}
		sd.OwnerSID = DecodeSID(b[offsetOwner:])
	}

	if offsetDacl != 0 {
		if int(offsetDacl)+8 > len(b) {
			return nil, fmt.Errorf("DACL offset %d beyond descriptor length %d", offsetDacl, len(b))
		}
		aces, err := parseACL(b[offsetDacl:])
		if err != nil {
			return nil, fmt.Errorf("failed to parse DACL: %w", err)
		}
		sd.ACEs = aces
	}

	return sd, nil
}

// parseACL walks an ACL structure and returns its allowed entries.
func parseACL(b []byte) ([]types.ACE, error) {
	if len(b) < 8 {
		return nil, fmt.Errorf("ACL header truncated")
	}
	aclSize := int(binary.LittleEndian.Uint16(b[2:4]))
	aceCount := int(binary.LittleEndian.Uint16(b[4:6]))
	if aclSize > len(b) {
		aclSize = len(b)
	}

	var aces []types.ACE
	offset := 8
	for i := 0; i < aceCount; i++ {
		if offset+4 > aclSize {
			return nil, fmt.Errorf("ACE %d header beyond ACL size", i)
		}
		aceType := b[offset]
		aceFlags := b[offset+1]
		aceSize := int(binary.LittleEndian.Uint16(b[offset+2 : offset+4]))
		if aceSize < 4 || offset+aceSize > aclSize {
			return nil, fmt.Errorf("ACE %d has invalid size %d", i, aceSize)
		}

		body := b[offset+4 : offset+aceSize]
		switch aceType {
		case aceTypeAccessAllowed:
			if ace, ok := parsePlainACE(body, aceFlags); ok {
				aces = append(aces, ace)
			}
		case aceTypeAccessAllowedObject:
			if ace, ok := parseObjectACE(body, aceFlags); ok {
				aces = append(aces, ace)
			}
		}
		// Deny and audit entries are skipped by size.

		offset += aceSize
	}
	return aces, nil
}

func parsePlainACE(body []byte, flags byte) (types.ACE, bool) {
	if len(body) < 4 {
		return types.ACE{}, false
	}
	mask := binary.LittleEndian.Uint32(body[0:4])
	sid := DecodeSID(body[4:])
	if sid == "" {
		return types.ACE{}, false
	}
	return types.ACE{
		PrincipalSID: sid,
		Rights:       mask,
		Inherited:    flags&aceFlagInherited != 0,
	}, true
}

func parseObjectACE(body []byte, flags byte) (types.ACE, bool) {
	if len(body) < 8 {
		return types.ACE{}, false
	}
	mask := binary.LittleEndian.Uint32(body[0:4])
	objectFlags := binary.LittleEndian.Uint32(body[4:8])

	offset := 8
	var objectType, inheritedType string
	if objectFlags&objectAceTypePresent != 0 {
		if len(body) < offset+16 {
			return types.ACE{}, false
		}
		objectType = guidString(body[offset : offset+16])
		offset += 16
	}
	if objectFlags&objectAceInheritedTypePresent != 0 {
		if len(body) < offset+16 {
			return types.ACE{}, false
		}
		inheritedType = guidString(body[offset : offset+16])
		offset += 16
	}

	sid := DecodeSID(body[offset:])
	if sid == "" {
		return types.ACE{}, false
	}
	return types.ACE{
		PrincipalSID:        sid,
		Rights:              mask,
		ObjectType:          objectType,
		InheritedObjectType: inheritedType,
		Inherited:           flags&aceFlagInherited != 0,
	}, true
}

// guidString converts a mixed-endian on-wire GUID to its canonical lowercase
// string form. The first three fields are little-endian in the directory
// encoding.
func guidString(b []byte) string {
	if len(b) != 16 {
		return ""
	}
	var g [16]byte
	g[0], g[1], g[2], g[3] = b[3], b[2], b[1], b[0]
	g[4], g[5] = b[5], b[4]
	g[6], g[7] = b[7], b[6]
	copy(g[8:], b[8:])
	u, err := uuid.FromBytes(g[:])
	if err != nil {
		return ""
	}
	return u.String()
}
