package runtime

import (
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"brypt/internal/endpoint"
	"brypt/internal/identifier"
	"brypt/internal/tracker"
	"brypt/pkg/config"
)

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met before deadline")
}

func TestSetupGeneratesIdentifierAndBindsEndpoint(t *testing.T) {
	cfg := config.Config{
		Protocols: []config.ProtocolConfig{
			{Kind: "tcp", Bindings: []string{"127.0.0.1:0"}},
		},
	}
	rt, err := Setup(cfg, nil, quietLogger())
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	defer rt.Shutdown()

	if !rt.Self.Valid() {
		t.Fatalf("expected a generated, valid self identifier")
	}
	ep, ok := rt.endpoints["tcp"]
	if !ok {
		t.Fatalf("expected a tcp endpoint to be built")
	}
	waitFor(t, func() bool { return ep.URI() != "" })
}

func TestSetupHonorsConfiguredNodeIdentifier(t *testing.T) {
	id, err := identifier.Generate()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	cfg := config.Config{NodeIdentifier: id.Encode()}
	rt, err := Setup(cfg, nil, quietLogger())
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	defer rt.Shutdown()
	if !rt.Self.Equal(id) {
		t.Fatalf("expected configured identifier to be used verbatim")
	}
}

// TestOnReceiveTracksNewHandleAndCreatesPendingProxy confirms the runtime's
// onReceive entry point (spec §2's control flow) tracks a never-before-seen
// handle and allocates a server-role proxy for it on first bytes.
func TestOnReceiveTracksNewHandleAndCreatesPendingProxy(t *testing.T) {
	rt, err := Setup(config.Config{}, nil, quietLogger())
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	defer rt.Shutdown()

	h := endpoint.Handle(1)
	rt.onReceive("tcp", h, []byte("opening handshake bytes"))

	rt.mu.Lock()
	_, ok := rt.pending[h]
	rt.mu.Unlock()
	if !ok {
		t.Fatalf("expected a pending proxy to be created for the new handle")
	}
	if rt.Tracker.Size() != 1 {
		t.Fatalf("expected the handle to be tracked, got size %d", rt.Tracker.Size())
	}
}

// TestOnReceiveZeroLengthFrameMarksDisconnected confirms a zero-length frame
// (the transport's connection-close tick) transitions the tracked handle to
// Disconnected without touching the proxy.
func TestOnReceiveZeroLengthFrameMarksDisconnected(t *testing.T) {
	rt, err := Setup(config.Config{}, nil, quietLogger())
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	defer rt.Shutdown()

	h := endpoint.Handle(1)
	rt.onReceive("tcp", h, []byte("hello"))
	rt.onReceive("tcp", h, nil)

	var found bool
	var state tracker.State
	rt.Tracker.ReadEach(tracker.DefaultFilter(), func(handle endpoint.Handle, d tracker.Details) tracker.IterResult {
		if handle == h {
			found = true
			state = d.State
		}
		return tracker.Continue
	})
	if !found {
		t.Fatalf("expected handle to remain tracked after disconnect tick")
	}
	if state != tracker.StateDisconnected {
		t.Fatalf("expected state Disconnected, got %v", state)
	}
}
