package tcp

import (
	"testing"
	"time"

	"brypt/internal/endpoint"
)

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("condition not met before deadline")
}

func TestBindConnectSendRoundTrip(t *testing.T) {
	server := New(nil)
	if err := server.Bind("127.0.0.1:0"); err != nil {
		t.Fatalf("bind: %v", err)
	}
	defer server.Close()

	addr := server.URI()[len("tcp://"):]

	client := New(nil)
	if err := client.Connect(addr); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer client.Close()

	if err := client.Send(endpoint.Handle(1), []byte("hello")); err != nil {
		t.Fatalf("send: %v", err)
	}

	var received []byte
	waitFor(t, func() bool {
		server.Poll(func(h endpoint.Handle, data []byte) {
			if len(data) > 0 {
				received = data
			}
		})
		return received != nil
	})
	if string(received) != "hello" {
		t.Fatalf("expected %q, got %q", "hello", received)
	}
}

func TestBindWildcardHostRewritesListenAddress(t *testing.T) {
	server := New(nil)
	if err := server.Bind("*:0"); err != nil {
		t.Fatalf("bind: %v", err)
	}
	defer server.Close()
	if server.URI() == "" {
		t.Fatalf("expected a bound URI after wildcard bind")
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	tr := New(nil)
	if err := tr.Bind("127.0.0.1:0"); err != nil {
		t.Fatalf("bind: %v", err)
	}
	if err := tr.Close(); err != nil {
		t.Fatalf("first close: %v", err)
	}
	if err := tr.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
}

func TestSendOnUnknownHandleErrors(t *testing.T) {
	tr := New(nil)
	if err := tr.Send(endpoint.Handle(999), []byte("x")); err == nil {
		t.Fatalf("expected error sending on an unregistered handle")
	}
}
