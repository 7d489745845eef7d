package acl

import "fmt"

// DecodeSID converts a binary SID to its S-1-... string representation.
// Returns "" for input too short to be a SID.
func DecodeSID(b []byte) string {
	if len(b) < 8 {
		return ""
	}

	revision := b[0]
	subAuthCount := int(b[1])

	// Authority is 6 bytes, big-endian.
	var authority uint64
	for i := 2; i < 8; i++ {
		authority = (authority << 8) | uint64(b[i])
	}

	sid := fmt.Sprintf("S-%d-%d", revision, authority)

	// Sub-authorities are 4 bytes each, little-endian.
	for i := 0; i < subAuthCount && 8+i*4+4 <= len(b); i++ {
		subAuth := uint32(b[8+i*4]) |
			uint32(b[8+i*4+1])<<8 |
			uint32(b[8+i*4+2])<<16 |
			uint32(b[8+i*4+3])<<24
		sid += fmt.Sprintf("-%d", subAuth)
	}

	return sid
}

// sidLength returns the encoded length of the SID starting at b, or 0 when
// b is not long enough to hold one.
func sidLength(b []byte) int {
	if len(b) < 8 {
		return 0
	}
	n := 8 + int(b[1])*4
	if len(b) < n {
		return 0
	}
	return n
}
