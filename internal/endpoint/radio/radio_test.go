package radio

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

	addr := server.URI()[len("radio://"):]

	client := New(nil)
	if err := client.Connect(addr); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer client.Close()

	if err := client.Send(endpoint.Handle(1), []byte("beep")); err != nil {
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
	if string(received) != "beep" {
		t.Fatalf("expected %q, got %q", "beep", received)
	}
}

func TestSendOversizedDatagramRejected(t *testing.T) {
	client := New(nil)
	if err := client.Connect("127.0.0.1:0"); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer client.Close()
	oversized := make([]byte, maxDatagramSize+1)
	if err := client.Send(endpoint.Handle(1), oversized); err == nil {
		t.Fatalf("expected oversized datagram to be rejected")
	}
}

func TestSendOnUnknownHandleErrors(t *testing.T) {
	tr := New(nil)
	if err := tr.Send(endpoint.Handle(42), []byte("x")); err == nil {
		t.Fatalf("expected error sending on an unregistered handle")
	}
}
