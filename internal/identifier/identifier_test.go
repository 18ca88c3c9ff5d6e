package identifier

import (
	"testing"

	"github.com/mr-tron/base58"
)

func TestGenerateRoundTrip(t *testing.T) {
	for i := 0; i < 10000; i++ {
		id, err := Generate()
		if err != nil {
			t.Fatalf("generate: %v", err)
		}
		if !id.Valid() {
			t.Fatalf("generated identifier not valid")
		}
		encoded := id.Encode()
		decoded, err := Decode(encoded)
		if err != nil {
			t.Fatalf("decode(%s): %v", encoded, err)
		}
		if !decoded.Equal(id) {
			t.Fatalf("round trip mismatch for %s", encoded)
		}
		if decoded.Encode() != encoded {
			t.Fatalf("re-encode mismatch: %s != %s", decoded.Encode(), encoded)
		}
	}
}

func TestDecodeRejectsBadPrefix(t *testing.T) {
	if _, err := Decode("nope:abc"); err != ErrMalformedIdentifier {
		t.Fatalf("expected ErrMalformedIdentifier, got %v", err)
	}
}

func TestDecodeRejectsBadChecksum(t *testing.T) {
	id := MustGenerate()
	encoded := id.Encode()
	mutated := []byte(encoded)
	// flip the last character, which falls within the checksum's base58 span
	mutated[len(mutated)-1] ^= 1
	if mutated[len(mutated)-1] == encoded[len(encoded)-1] {
		mutated[len(mutated)-1] ^= 3
	}
	if _, err := Decode(string(mutated)); err == nil {
		t.Fatalf("expected decode failure on mutated checksum")
	}
}

func TestInvalidNeverEqual(t *testing.T) {
	var a, b ID
	if a.Equal(b) {
		t.Fatalf("two invalid identifiers must never compare equal")
	}
	if a.Equal(a) {
		t.Fatalf("an invalid identifier must never compare equal to itself")
	}
}

func TestReservedPayloadRejectedOnDecode(t *testing.T) {
	// Construct the all-zero payload with a validly-derived checksum and
	// confirm Decode still rejects it as reserved.
	var zero [payloadSize]byte
	sum := checksum(zero)
	raw := append(append([]byte{}, zero[:]...), sum[:]...)
	encoded := Prefix + base58.Encode(raw)
	if _, err := Decode(encoded); err != ErrReservedIdentifier {
		t.Fatalf("expected ErrReservedIdentifier, got %v", err)
	}
}

func TestTotalOrder(t *testing.T) {
	a := MustGenerate()
	b := MustGenerate()
	if a.Equal(b) {
		t.Skip("astronomically unlikely collision")
	}
	if !(a.Less(b) || b.Less(a)) {
		t.Fatalf("expected strict order between distinct identifiers")
	}
	if a.Less(b) && b.Less(a) {
		t.Fatalf("order must be antisymmetric")
	}
}
