package acl

import (
	"encoding/binary"
	"testing"
)

// Binary fixture builders for self-relative security descriptors.

func sidBytes(subAuths ...uint32) []byte {
	b := []byte{1, byte(len(subAuths)), 0, 0, 0, 0, 0, 5}
	for _, sa := range subAuths {
		b = binary.LittleEndian.AppendUint32(b, sa)
	}
	return b
}

func plainACE(aceType, flags byte, mask uint32, sid []byte) []byte {
	size := 8 + len(sid)
	b := []byte{aceType, flags, byte(size), byte(size >> 8)}
	b = binary.LittleEndian.AppendUint32(b, mask)
	return append(b, sid...)
}

func objectACE(flags byte, mask, objectFlags uint32, guids [][]byte, sid []byte) []byte {
	size := 12 + len(sid)
	for _, g := range guids {
		size += len(g)
	}
	b := []byte{0x05, flags, byte(size), byte(size >> 8)}
	b = binary.LittleEndian.AppendUint32(b, mask)
	b = binary.LittleEndian.AppendUint32(b, objectFlags)
	for _, g := range guids {
		b = append(b, g...)
	}
	return append(b, sid...)
}

func buildSD(owner []byte, aces ...[]byte) []byte {
	aclSize := 8
	for _, ace := range aces {
		aclSize += len(ace)
	}

	sd := make([]byte, 20)
	sd[0] = 1 // revision
	binary.LittleEndian.PutUint16(sd[2:4], 0x8004)
	binary.LittleEndian.PutUint32(sd[16:20], 20) // DACL right after the header

	acl := []byte{2, 0, byte(aclSize), byte(aclSize >> 8), byte(len(aces)), byte(len(aces) >> 8), 0, 0}
	sd = append(sd, acl[:8]...)
	for _, ace := range aces {
		sd = append(sd, ace...)
	}

	if owner != nil {
		binary.LittleEndian.PutUint32(sd[4:8], uint32(len(sd)))
		sd = append(sd, owner...)
	}
	return sd
}

// On-wire encoding of the certificate enrollment extended right GUID
// 0e10c968-78fb-11d2-90d4-00c04f79dc55 (first three fields little-endian).
var enrollGUIDWire = []byte{
	0x68, 0xc9, 0x10, 0x0e,
	0xfb, 0x78,
	0xd2, 0x11,
	0x90, 0xd4, 0x00, 0xc0, 0x4f, 0x79, 0xdc, 0x55,
}

func TestParseSecurityDescriptor(t *testing.T) {
	owner := sidBytes(21, 1, 2, 3, 500)
	ace1 := plainACE(aceTypeAccessAllowed, 0, RightGenericAll, sidBytes(21, 1, 2, 3, 1104))
	ace2 := objectACE(aceFlagInherited, RightExtendedRight, objectAceTypePresent,
		[][]byte{enrollGUIDWire}, sidBytes(21, 1, 2, 3, 513))
	deny := plainACE(aceTypeAccessDenied, 0, RightGenericAll, sidBytes(21, 1, 2, 3, 9999))

	sd, err := ParseSecurityDescriptor(buildSD(owner, ace1, deny, ace2))
	if err != nil {
		t.Fatalf("ParseSecurityDescriptor failed: %v", err)
	}

	if sd.OwnerSID != "S-1-5-21-1-2-3-500" {
		t.Errorf("owner = %q, want S-1-5-21-1-2-3-500", sd.OwnerSID)
	}
	if len(sd.ACEs) != 2 {
		t.Fatalf("got %d ACEs, want 2 (deny entry must be skipped)", len(sd.ACEs))
	}

	if sd.ACEs[0].PrincipalSID != "S-1-5-21-1-2-3-1104" || sd.ACEs[0].Rights != RightGenericAll {
		t.Errorf("plain ACE = %+v", sd.ACEs[0])
	}
	if sd.ACEs[0].Inherited {
		t.Error("plain ACE marked inherited")
	}

	obj := sd.ACEs[1]
	if obj.PrincipalSID != "S-1-5-21-1-2-3-513" {
		t.Errorf("object ACE principal = %q", obj.PrincipalSID)
	}
	if obj.ObjectType != GUIDEnroll {
		t.Errorf("object type = %q, want %q", obj.ObjectType, GUIDEnroll)
	}
	if !obj.Inherited {
		t.Error("inherited flag lost")
	}
}

func TestParseSecurityDescriptorObjectACEWithoutGUID(t *testing.T) {
	// objectFlags zero: no GUIDs follow the mask, the SID comes directly.
	ace := objectACE(0, RightWriteProperty, 0, nil, sidBytes(21, 9, 9, 9, 1000))
	sd, err := ParseSecurityDescriptor(buildSD(nil, ace))
	if err != nil {
		t.Fatalf("ParseSecurityDescriptor failed: %v", err)
	}
	if len(sd.ACEs) != 1 {
		t.Fatalf("got %d ACEs, want 1", len(sd.ACEs))
	}
	if sd.ACEs[0].ObjectType != "" {
		t.Errorf("object type = %q, want empty (all properties)", sd.ACEs[0].ObjectType)
	}
}

func TestParseSecurityDescriptorTruncated(t *testing.T) {
	if _, err := ParseSecurityDescriptor([]byte{1, 2, 3}); err == nil {
		t.Error("expected error for truncated descriptor")
	}

	// Valid header pointing at a DACL that overruns the buffer.
	sd := make([]byte, 20)
	sd[0] = 1
	binary.LittleEndian.PutUint32(sd[16:20], 19)
	if _, err := ParseSecurityDescriptor(sd); err == nil {
		t.Error("expected error for out-of-range DACL offset")
	}
}

func TestGUIDString(t *testing.T) {
	if got := guidString(enrollGUIDWire); got != GUIDEnroll {
		t.Errorf("guidString() = %q, want %q", got, GUIDEnroll)
	}
	if guidString([]byte{1, 2, 3}) != "" {
		t.Error("short input should yield empty string")
	}
}
