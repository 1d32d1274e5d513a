package types

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// Identity is an authenticated account reference supplied by the signing collaborator
type Identity string

// IsZero reports whether the identity is empty
func (i Identity) IsZero() bool {
	return strings.TrimSpace(string(i)) == ""
}

// String returns the identity as a string
func (i Identity) String() string {
	return string(i)
}

// HashSize is the width of a content hash in bytes
const HashSize = sha256.Size

// RecordHash is a fixed-width content hash identifying an off-chain record
type RecordHash [HashSize]byte

// ParseRecordHash decodes a hex encoded content hash, with or without a 0x prefix
func ParseRecordHash(s string) (RecordHash, error) {
	var h RecordHash
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	if len(s) != HashSize*2 {
		return h, NewPolicyViolationError(ErrCodeInvalidInput,
			fmt.Sprintf("record hash must be %d hex characters", HashSize*2))
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return h, NewPolicyViolationError(ErrCodeInvalidInput, "record hash is not valid hex")
	}
	copy(h[:], b)
	return h, nil
}

// HashContent computes the content hash of a record body
func HashContent(content []byte) RecordHash {
	return RecordHash(sha256.Sum256(content))
}

// String returns the hex encoding of the hash
func (h RecordHash) String() string {
	return hex.EncodeToString(h[:])
}

// IsZero reports whether the hash is all zero bytes
func (h RecordHash) IsZero() bool {
	return h == RecordHash{}
}

// MarshalText implements encoding.TextMarshaler
func (h RecordHash) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (h *RecordHash) UnmarshalText(text []byte) error {
	parsed, err := ParseRecordHash(string(text))
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}
