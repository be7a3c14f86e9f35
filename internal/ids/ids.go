// Package ids defines the opaque 16-byte identifiers shared by every
// Marathon component: task, node, VM, and client IDs are all the same
// underlying shape, formatted as 32-character lowercase hex.
package ids

import (
	"crypto/rand"
	"encoding/hex"
	"errors"

	"github.com/google/uuid"
)

// Size is the fixed byte length of every Marathon identifier.
const Size = 16

// ID is an opaque 16-byte identifier. The zero value is not a valid ID.
type ID [Size]byte

// ErrInvalidLength is returned by Parse when the input does not decode
// to exactly Size bytes.
var ErrInvalidLength = errors.New("ids: invalid identifier length")

// New generates a cryptographically random ID.
//
// google/uuid's random source is backed by crypto/rand and produces a
// v4 UUID: 122 random bits, with the 6 version/variant bits fixed. We
// reuse it instead of hand-rolling another CSPRNG read.
func New() ID {
	u := uuid.New()
	var id ID
	copy(id[:], u[:])
	return id
}

// Parse decodes a 32-character lowercase hex string into an ID.
func Parse(s string) (ID, error) {
	var id ID
	b, err := hex.DecodeString(s)
	if err != nil {
		return id, err
	}
	if len(b) != Size {
		return id, ErrInvalidLength
	}
	copy(id[:], b)
	return id, nil
}

// FromBytes copies a byte slice into an ID, failing if the length is wrong.
func FromBytes(b []byte) (ID, error) {
	var id ID
	if len(b) != Size {
		return id, ErrInvalidLength
	}
	copy(id[:], b)
	return id, nil
}

// String formats the ID as 32 lowercase hex characters.
func (id ID) String() string {
	return hex.EncodeToString(id[:])
}

// Bytes returns the identifier's raw 16 bytes.
func (id ID) Bytes() []byte {
	return id[:]
}

// IsZero reports whether id is the unset zero value.
func (id ID) IsZero() bool {
	return id == ID{}
}

// MustNewRandomBytes returns n cryptographically random bytes, panicking
// only on an unrecoverable system entropy failure (matches the stdlib's
// own behavior for crypto/rand.Read).
func MustNewRandomBytes(n int) []byte {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		panic(err)
	}
	return b
}
