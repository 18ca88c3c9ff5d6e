package awaitable

import (
	"sync"
	"testing"
	"time"

	"brypt/internal/identifier"
)

func mustID(t *testing.T) identifier.ID {
	t.Helper()
	id, err := identifier.Generate()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	return id
}

func TestStageAndProcessFulfillsImmediately(t *testing.T) {
	s := New(nil, nil)
	responder := mustID(t)

	var mu sync.Mutex
	var gotPayload []byte
	var gotErr *ErrorKind

	token := s.Stage([]identifier.ID{responder}, 0,
		func(r identifier.ID, payload []byte) {
			mu.Lock()
			gotPayload = payload
			mu.Unlock()
		},
		func(tok Token, r identifier.ID, kind ErrorKind) {
			mu.Lock()
			gotErr = &kind
			mu.Unlock()
		})

	if err := s.Process(token, responder, []byte("hello")); err != nil {
		t.Fatalf("process: %v", err)
	}
	if s.Pending() != 1 {
		t.Fatalf("expected entry to remain pending until CheckTracked, got %d", s.Pending())
	}

	s.CheckTracked()
	if s.Pending() != 0 {
		t.Fatalf("expected fulfilled entry to be dropped, got %d pending", s.Pending())
	}

	mu.Lock()
	defer mu.Unlock()
	if string(gotPayload) != "hello" {
		t.Fatalf("expected payload %q, got %q", "hello", gotPayload)
	}
	if gotErr != nil {
		t.Fatalf("expected no error callback, got %v", *gotErr)
	}
}

func TestProcessRejectsUnexpectedResponder(t *testing.T) {
	s := New(nil, nil)
	expected := mustID(t)
	stranger := mustID(t)

	token := s.Stage([]identifier.ID{expected}, time.Minute, nil, nil)
	if err := s.Process(token, stranger, []byte("x")); err != ErrUnexpectedResponder {
		t.Fatalf("expected ErrUnexpectedResponder, got %v", err)
	}
}

func TestProcessRejectsDuplicateResponse(t *testing.T) {
	s := New(nil, nil)
	responder := mustID(t)
	token := s.Stage([]identifier.ID{responder}, time.Minute, nil, nil)

	if err := s.Process(token, responder, []byte("x")); err != nil {
		t.Fatalf("first process: %v", err)
	}
	if err := s.Process(token, responder, []byte("y")); err != ErrDuplicateResponse {
		t.Fatalf("expected ErrDuplicateResponse, got %v", err)
	}
}

func TestProcessRejectsUnknownToken(t *testing.T) {
	s := New(nil, nil)
	var bogus Token
	if err := s.Process(bogus, mustID(t), nil); err != ErrUnknownToken {
		t.Fatalf("expected ErrUnknownToken, got %v", err)
	}
}

func TestCheckTrackedTimesOutUnfilledSlots(t *testing.T) {
	s := New(nil, nil)
	responder := mustID(t)

	var mu sync.Mutex
	var timedOut bool
	s.Stage([]identifier.ID{responder}, time.Millisecond,
		func(identifier.ID, []byte) { t.Fatalf("unexpected response callback") },
		func(tok Token, r identifier.ID, kind ErrorKind) {
			mu.Lock()
			timedOut = kind == ErrorTimeout
			mu.Unlock()
		})

	time.Sleep(5 * time.Millisecond)
	s.CheckTracked()

	mu.Lock()
	defer mu.Unlock()
	if !timedOut {
		t.Fatalf("expected timeout callback to fire")
	}
	if s.Pending() != 0 {
		t.Fatalf("expected expired entry to be dropped")
	}
}

func TestPartialFulfillmentWaitsForAllResponders(t *testing.T) {
	s := New(nil, nil)
	a, b := mustID(t), mustID(t)
	token := s.Stage([]identifier.ID{a, b}, time.Minute, nil, nil)

	if err := s.Process(token, a, []byte("a")); err != nil {
		t.Fatalf("process a: %v", err)
	}
	s.CheckTracked()
	if s.Pending() != 1 {
		t.Fatalf("expected the half-filled entry to remain pending, got %d", s.Pending())
	}
}
