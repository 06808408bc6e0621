package blelink

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strings"
)

// A UUID is a BLE UUID, either 16 or 128 bits wide.
type UUID struct {
	// Hide the bytes, so that we can enforce that they are either
	// 2 or 16 bytes long.
	b []byte
}

// UUID16 converts a uint16 (such as 0x1800) to a UUID.
func UUID16(i uint16) UUID {
	b := make([]byte, 2)
	binary.BigEndian.PutUint16(b, i)
	return UUID{b}
}

// ParseUUID parses a standard-format UUID string, such
// as "1800" or "34DA3AD1-7110-41A1-B1EF-4430F509CDE7".
func ParseUUID(s string) (UUID, error) {
	s = strings.Replace(s, "-", "", -1)
	b, err := hex.DecodeString(s)
	if err != nil {
		return UUID{}, err
	}
	if err := lengthErr(len(b)); err != nil {
		return UUID{}, err
	}
	return UUID{b}, nil
}

// MustParseUUID parses a standard-format UUID string,
// like ParseUUID, but panics in case of error.
func MustParseUUID(s string) UUID {
	u, err := ParseUUID(s)
	if err != nil {
		panic(err)
	}
	return u
}

// lengthErr returns an error if n is an invalid UUID length.
func lengthErr(n int) error {
	switch n {
	case 2, 16:
		return nil
	}
	return fmt.Errorf("UUIDs must have length 2 or 16, got %d", n)
}

// String hex-encodes a UUID.
func (u UUID) String() string {
	return fmt.Sprintf("%x", u.b)
}

// Len returns the length of the UUID in bytes, 2 or 16.
func (u UUID) Len() int {
	return len(u.b)
}

// Equal returns a boolean reporting whether v represent the same UUID as u.
func (u UUID) Equal(v UUID) bool {
	return bytes.Equal(u.b, v.b)
}

// IsZero reports whether u is the zero UUID. The zero UUID marks an
// unset filter or wildcard characteristic.
func (u UUID) IsZero() bool {
	return len(u.b) == 0
}

func uuidEqual(u, v UUID) bool {
	return u.Equal(v)
}

// reverseBytes returns a big-endian UUID as little-endian,
// as used on the wire, and vice versa.
func (u UUID) reverseBytes() []byte {
	return reverse(u.b)
}

// reverse returns a reversed copy of u.
func reverse(u []byte) []byte {
	// Special-case 16 bit UUIDS for speed.
	l := len(u)
	if l == 2 {
		return []byte{u[1], u[0]}
	}
	b := make([]byte, l)
	for i := 0; i < l/2+1; i++ {
		b[i], b[l-i-1] = u[l-i-1], u[i]
	}
	return b
}
