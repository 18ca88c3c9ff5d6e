// Package identifier implements the node identifier described in the core
// runtime spec: a 128-bit random payload with a 4-byte integrity checksum,
// presented externally as "bry0:<base58>".
package identifier

import (
	"bytes"
	"crypto/rand"
	"errors"
	"fmt"

	"github.com/mr-tron/base58"
	"golang.org/x/crypto/sha3"
)

const (
	// Prefix is the reserved metadata tag embedded in every encoded identifier.
	Prefix = "bry0:"

	payloadSize    = 16
	checksumSize   = 4
	payloadDomain  = "brypt-identifier-payload-v0"
	checksumDomain = "brypt-identifier-checksum-v0"
)

// ErrMalformedIdentifier is returned when decoding fails: missing prefix,
// bad base58 payload, wrong length, or checksum mismatch.
var ErrMalformedIdentifier = errors.New("identifier: malformed")

// ErrReservedIdentifier is returned when a generated or decoded payload is
// the reserved all-zero value.
var ErrReservedIdentifier = errors.New("identifier: reserved value")

// ID is an immutable, cloneable node identifier. The zero value is invalid
// and never compares equal to anything, including another zero value.
type ID struct {
	payload  [payloadSize]byte
	checksum [checksumSize]byte
	valid    bool
}

// Generate samples 128 random bits from the OS entropy source, runs them
// through the extensible-output hash to derive the payload, and derives the
// identifier's checksum from that payload. Reserved (all-zero) payloads are
// resampled.
func Generate() (ID, error) {
	for {
		var seed [payloadSize]byte
		if _, err := rand.Read(seed[:]); err != nil {
			return ID{}, fmt.Errorf("identifier: generate: %w", err)
		}
		payload := derivePayload(seed)
		if isReserved(payload) {
			continue
		}
		return ID{payload: payload, checksum: checksum(payload), valid: true}, nil
	}
}

// derivePayload runs a random seed through the SHAKE-256 XOF, with domain
// separation distinct from the checksum instance, to produce the
// identifier's payload (spec §4.1).
func derivePayload(seed [payloadSize]byte) [payloadSize]byte {
	h := sha3.NewShake256()
	h.Write(seed[:])
	h.Write([]byte(payloadDomain))
	var out [payloadSize]byte
	_, _ = h.Read(out[:])
	return out
}

// MustGenerate is Generate but panics on error; intended for tests and
// fixture construction.
func MustGenerate() ID {
	id, err := Generate()
	if err != nil {
		panic(err)
	}
	return id
}

// Decode parses the "bry0:<base58(payload||checksum)>" wire form.
func Decode(s string) (ID, error) {
	if len(s) < len(Prefix) || s[:len(Prefix)] != Prefix {
		return ID{}, ErrMalformedIdentifier
	}
	raw, err := base58.Decode(s[len(Prefix):])
	if err != nil {
		return ID{}, fmt.Errorf("%w: %v", ErrMalformedIdentifier, err)
	}
	if len(raw) != payloadSize+checksumSize {
		return ID{}, ErrMalformedIdentifier
	}
	var payload [payloadSize]byte
	var sum [checksumSize]byte
	copy(payload[:], raw[:payloadSize])
	copy(sum[:], raw[payloadSize:])
	if isReserved(payload) {
		return ID{}, ErrReservedIdentifier
	}
	if checksum(payload) != sum {
		return ID{}, ErrMalformedIdentifier
	}
	return ID{payload: payload, checksum: sum, valid: true}, nil
}

// Encode renders the identifier's wire form. It returns "" for an invalid ID.
func (id ID) Encode() string {
	if !id.valid {
		return ""
	}
	buf := append(append([]byte{}, id.payload[:]...), id.checksum[:]...)
	return Prefix + base58.Encode(buf)
}

// String implements fmt.Stringer.
func (id ID) String() string { return id.Encode() }

// Short returns the prefix followed by the first 8 base58 characters, for
// log lines that abbreviate peer identifiers.
func (id ID) Short() string {
	s := id.Encode()
	if len(s) <= len(Prefix)+8 {
		return s
	}
	return s[:len(Prefix)+8]
}

// Valid reports whether id was produced by Generate or a successful Decode.
func (id ID) Valid() bool { return id.valid }

// Bytes returns the 16-byte payload. It is empty for an invalid ID.
func (id ID) Bytes() []byte {
	if !id.valid {
		return nil
	}
	return append([]byte{}, id.payload[:]...)
}

// Equal reports whether id and other are both valid and share the same
// payload. Invalid identifiers never compare equal, even to themselves.
func (id ID) Equal(other ID) bool {
	if !id.valid || !other.valid {
		return false
	}
	return bytes.Equal(id.payload[:], other.payload[:])
}

// Less provides a total order over valid identifiers by payload. Invalid
// identifiers sort after all valid ones and are ordered arbitrarily but
// deterministically relative to each other.
func (id ID) Less(other ID) bool {
	if id.valid != other.valid {
		return id.valid
	}
	return bytes.Compare(id.payload[:], other.payload[:]) < 0
}

func isReserved(payload [payloadSize]byte) bool {
	var zero [payloadSize]byte
	return payload == zero
}

func checksum(payload [payloadSize]byte) [checksumSize]byte {
	h := sha3.NewShake256()
	h.Write(payload[:])
	h.Write([]byte(checksumDomain))
	var out [checksumSize]byte
	_, _ = h.Read(out[:])
	return out
}
