package envelope

import (
	"testing"

	"brypt/internal/identifier"
)

var sessionKey = []byte("0123456789abcdef0123456789abcdef")

func buildTestEnvelope(t *testing.T) Envelope {
	t.Helper()
	source := identifier.MustGenerate()
	dest := Destination{Kind: DestinationUnicast, Target: identifier.MustGenerate()}
	route, err := ParseRoute("/query/ping")
	if err != nil {
		t.Fatalf("parse route: %v", err)
	}
	e, err := NewBuilder(source, dest).
		WithRoute(route).
		WithCommand("ping", PhaseRequest).
		WithPayload([]byte("hello")).
		WithNonce(1).
		ValidatedBuild(sessionKey)
	if err != nil {
		t.Fatalf("validated build: %v", err)
	}
	return e
}

func TestValidatedBuildRoundTrip(t *testing.T) {
	e := buildTestEnvelope(t)
	raw, err := e.Pack(sessionKey)
	if err != nil {
		t.Fatalf("pack: %v", err)
	}
	got, result := Validate(raw, sessionKey, nil, nil)
	if result != Success {
		t.Fatalf("expected success, got %v", result)
	}
	if !got.Source.Equal(e.Source) {
		t.Fatalf("source mismatch after round trip")
	}
	if got.Destination.Kind != e.Destination.Kind || !got.Destination.Target.Equal(e.Destination.Target) {
		t.Fatalf("destination mismatch after round trip")
	}
	if got.Command != e.Command || got.Route.String() != e.Route.String() {
		t.Fatalf("command/route mismatch: got %q/%q want %q/%q", got.Command, got.Route.String(), e.Command, e.Route.String())
	}
	if string(got.Payload) != string(e.Payload) {
		t.Fatalf("payload mismatch: got %q want %q", got.Payload, e.Payload)
	}
	if got.Nonce != e.Nonce {
		t.Fatalf("nonce mismatch: got %d want %d", got.Nonce, e.Nonce)
	}
}

func TestUnsignedBuildHasNoTag(t *testing.T) {
	source := identifier.MustGenerate()
	e, err := NewBuilder(source, Destination{Kind: DestinationCluster}).
		WithCommand("handshake", PhaseRequest).
		Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if len(e.Tag) != 0 {
		t.Fatalf("expected unsigned envelope to have no tag")
	}
}

func TestBitFlipCausesBadAuth(t *testing.T) {
	e := buildTestEnvelope(t)
	raw, err := e.Pack(sessionKey)
	if err != nil {
		t.Fatalf("pack: %v", err)
	}
	for _, idx := range []int{0, len(raw) / 2, len(raw) - 1} {
		mutated := append([]byte{}, raw...)
		mutated[idx] ^= 0xFF
		_, result := Validate(mutated, sessionKey, nil, nil)
		if result != BadAuth {
			t.Fatalf("bit flip at %d: expected BadAuth, got %v", idx, result)
		}
	}
}

type staticNonceSource struct {
	last  uint64
	found bool
}

func (s staticNonceSource) LastNonce(identifier.ID) (uint64, bool) { return s.last, s.found }

func TestNonceRegressionRejected(t *testing.T) {
	e := buildTestEnvelope(t)
	raw, err := e.Pack(sessionKey)
	if err != nil {
		t.Fatalf("pack: %v", err)
	}
	_, result := Validate(raw, sessionKey, staticNonceSource{last: 5, found: true}, nil)
	if result != NonceRegression {
		t.Fatalf("expected NonceRegression, got %v", result)
	}

	_, result = Validate(raw, sessionKey, staticNonceSource{last: 0, found: true}, nil)
	if result != Success {
		t.Fatalf("expected success when nonce exceeds last-seen, got %v", result)
	}
}

type denyAllAuthorizer struct{}

func (denyAllAuthorizer) IsAllowed(identifier.ID) bool { return false }

func TestUnknownSourceRejected(t *testing.T) {
	e := buildTestEnvelope(t)
	raw, err := e.Pack(sessionKey)
	if err != nil {
		t.Fatalf("pack: %v", err)
	}
	_, result := Validate(raw, sessionKey, nil, denyAllAuthorizer{})
	if result != UnknownSource {
		t.Fatalf("expected UnknownSource, got %v", result)
	}
}

func TestPayloadTooLargeRejected(t *testing.T) {
	source := identifier.MustGenerate()
	_, err := NewBuilder(source, Destination{Kind: DestinationCluster}).
		WithPayload(make([]byte, MaxPayloadSize+1)).
		Build()
	if err != ErrPayloadTooLarge {
		t.Fatalf("expected ErrPayloadTooLarge, got %v", err)
	}
}
