package peer

import (
	"errors"
	"sync"
	"testing"

	"brypt/internal/endpoint"
	"brypt/internal/envelope"
	"brypt/internal/events"
	"brypt/internal/identifier"
)

// scriptedSync drives a fixed, two-round exchange to Ready regardless of
// input, so proxy tests can exercise the security state machine without a
// real cryptographic handshake.
type scriptedSync struct {
	step int
	key  []byte
}

func (s *scriptedSync) Step(input []byte) ([]byte, SyncStatus, error) {
	s.step++
	if s.step == 1 {
		return []byte("hello"), SyncContinue, nil
	}
	return nil, SyncReady, nil
}

func (s *scriptedSync) CipherPackage() CipherPackage {
	return CipherPackage{Key: s.key}
}

type failingSync struct{}

func (failingSync) Step(input []byte) ([]byte, SyncStatus, error) {
	return nil, SyncError, errors.New("handshake rejected")
}
func (failingSync) CipherPackage() CipherPackage { return CipherPackage{} }

type recordingSend struct {
	mu   sync.Mutex
	sent [][]byte
}

func (r *recordingSend) fn(h endpoint.Handle, data []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, data)
	return nil
}

type recordingSink struct {
	mu  sync.Mutex
	got []envelope.Envelope
}

func (r *recordingSink) HandleEnvelope(from *Proxy, e envelope.Envelope) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, e)
}

func mustID(t *testing.T) identifier.ID {
	t.Helper()
	id, err := identifier.Generate()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	return id
}

func TestProxyDeclareTransitionsToProcessing(t *testing.T) {
	p := New(&scriptedSync{}, nil, nil, nil, nil)
	out, err := p.Declare()
	if err != nil {
		t.Fatalf("declare: %v", err)
	}
	if string(out) != "hello" {
		t.Fatalf("expected opening handshake bytes, got %q", out)
	}
	if p.State() != Processing {
		t.Fatalf("expected Processing, got %s", p.State())
	}
}

func TestProxyCompletesHandshakeAndPublishesConnected(t *testing.T) {
	var published []events.Event
	pub := events.New("test")
	pub.Advertise(events.PeerConnected)
	pub.Subscribe(events.PeerConnected, func(e events.Event) { published = append(published, e) })
	if err := pub.Suspend(); err != nil {
		t.Fatalf("suspend: %v", err)
	}

	sink := &recordingSink{}
	var connectCalled bool
	p := New(&scriptedSync{key: []byte("sessionkey")}, pub, sink, func(*Proxy) { connectCalled = true }, nil)

	send := &recordingSend{}
	p.RegisterEndpoint(1, "tcp", "127.0.0.1:9", send.fn)

	if _, err := p.Declare(); err != nil {
		t.Fatalf("declare: %v", err)
	}
	p.ScheduleReceive(1, []byte("anything"))

	if p.State() != Authorized {
		t.Fatalf("expected Authorized after handshake completes, got %s", p.State())
	}
	if !connectCalled {
		t.Fatalf("expected connectProtocol callback to fire")
	}

	pub.Dispatch()
	if len(published) != 1 || published[0].Protocol != "tcp" || published[0].Address != "127.0.0.1:9" {
		t.Fatalf("expected one PeerConnected event with protocol/address, got %+v", published)
	}
}

func TestProxyFlagsOnHandshakeError(t *testing.T) {
	p := New(failingSync{}, nil, nil, nil, nil)
	if _, err := p.Declare(); err == nil {
		t.Fatalf("expected Declare to surface the handshake error")
	}
	if p.State() != Flagged {
		t.Fatalf("expected Flagged after handshake failure, got %s", p.State())
	}
}

func TestProxySendFailsWhenNotAuthorized(t *testing.T) {
	p := New(&scriptedSync{}, nil, nil, nil, nil)
	if err := p.Send([]byte("x"), envelope.PhaseRequest); err != ErrFlagged {
		t.Fatalf("expected ErrFlagged sentinel for unauthorized send, got %v", err)
	}
}

func TestProxyReceiveEnvelopeRoutesToSinkOnSuccess(t *testing.T) {
	key := []byte("shared-session-key-material-32b")
	selfID := mustID(t)
	sink := &recordingSink{}

	p := New(&scriptedSync{key: key}, nil, sink, nil, nil)
	send := &recordingSend{}
	p.RegisterEndpoint(1, "tcp", "", send.fn)
	if _, err := p.Declare(); err != nil {
		t.Fatalf("declare: %v", err)
	}
	p.ScheduleReceive(1, []byte("go"))
	p.SetNodeID(selfID)

	builder := envelope.NewBuilder(selfID, envelope.Destination{Kind: envelope.DestinationNetwork}).
		WithCommand("ping", envelope.PhaseRequest).
		WithPayload([]byte("payload")).
		WithNonce(1)
	e, err := builder.ValidatedBuild(key)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	packed, err := e.Pack(key)
	if err != nil {
		t.Fatalf("pack: %v", err)
	}

	p.ScheduleReceive(1, packed)

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.got) != 1 || string(sink.got[0].Payload) != "payload" {
		t.Fatalf("expected payload delivered to sink, got %+v", sink.got)
	}
}

func TestProxyFlagsAfterConsecutiveValidationFailures(t *testing.T) {
	p := New(&scriptedSync{key: []byte("k")}, nil, nil, nil, nil)
	send := &recordingSend{}
	p.RegisterEndpoint(1, "tcp", "", send.fn)
	if _, err := p.Declare(); err != nil {
		t.Fatalf("declare: %v", err)
	}
	p.ScheduleReceive(1, []byte("go"))
	if p.State() != Authorized {
		t.Fatalf("expected Authorized, got %s", p.State())
	}

	for i := 0; i < consecutiveFailureLimit+1; i++ {
		p.ScheduleReceive(1, []byte("garbage, not a packed envelope"))
	}
	if p.State() != Flagged {
		t.Fatalf("expected Flagged after exceeding the consecutive failure limit, got %s", p.State())
	}
}

func TestWithdrawTransitionsToUnauthorizedAndPublishes(t *testing.T) {
	pub := events.New("test")
	pub.Advertise(events.PeerDisconnected)
	var got []events.Event
	pub.Subscribe(events.PeerDisconnected, func(e events.Event) { got = append(got, e) })
	if err := pub.Suspend(); err != nil {
		t.Fatalf("suspend: %v", err)
	}

	p := New(&scriptedSync{key: []byte("k")}, pub, nil, nil, nil)
	send := &recordingSend{}
	p.RegisterEndpoint(1, "tcp", "", send.fn)
	p.Declare()
	p.ScheduleReceive(1, []byte("go"))

	p.Withdraw(CauseSessionClosure)
	if p.State() != Unauthorized {
		t.Fatalf("expected Unauthorized after Withdraw, got %s", p.State())
	}
	pub.Dispatch()
	if len(got) != 1 || got[0].Cause != events.CauseSessionClosure {
		t.Fatalf("expected one PeerDisconnected with session-closure cause, got %+v", got)
	}
}
