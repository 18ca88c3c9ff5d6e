// Package awaitable implements the Awaitable Tracking Service (spec §4.6):
// correlating outgoing requests with incoming responses, aggregating under
// a deadline, and dispatching fulfillment callbacks.
package awaitable

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"brypt/internal/identifier"
)

// DefaultTimeout is the deadline applied to a staged entry when the caller
// does not override it (spec §3).
const DefaultTimeout = 1500 * time.Millisecond

// CheckInterval is the cadence the scheduler drives Service.CheckTracked at.
const CheckInterval = 100 * time.Millisecond

// Token is the 16-byte correlator embedded in a request's await extension
// and echoed back in matching responses.
type Token [16]byte

func newToken() Token {
	var t Token
	copy(t[:], uuid.New()[:])
	return t
}

func (t Token) String() string { return uuid.UUID(t).String() }

// ErrorKind classifies why an on-error callback fired.
type ErrorKind int

const (
	ErrorTimeout ErrorKind = iota
	ErrorTypeMismatch
)

// OnResponse is invoked once per received response.
type OnResponse func(responder identifier.ID, payload []byte)

// OnError is invoked at deadline, with ErrorTimeout, for each unanswered
// responder. ErrorTypeMismatch is declared but nothing in this package
// reports it.
type OnError func(token Token, responder identifier.ID, kind ErrorKind)

// ErrUnexpectedResponder is returned by Process when the response's source
// is not in the entry's expected-responder set.
var ErrUnexpectedResponder = errors.New("awaitable: unexpected responder")

// ErrDuplicateResponse is returned by Process when a responder's slot has
// already been filled.
var ErrDuplicateResponse = errors.New("awaitable: duplicate response")

// ErrUnknownToken is returned by Process when no entry matches the token.
var ErrUnknownToken = errors.New("awaitable: unknown token")

type slotStatus int

const (
	slotUnfulfilled slotStatus = iota
	slotFilled
)

type entryState int

const (
	statePending entryState = iota
	stateFulfilled
	stateExpired
)

type slot struct {
	status  slotStatus
	payload []byte
}

type entry struct {
	token      Token
	responders []identifier.ID
	slots      map[identifier.ID]*slot
	received   int
	deadline   time.Time
	state      entryState
	onResponse OnResponse
	onError    OnError
}

func (e *entry) fulfilled() bool { return e.received >= len(e.responders) }

// Service is the Awaitable Tracking Service. It is safe for concurrent use;
// Process may be called from any endpoint worker goroutine.
type Service struct {
	log *logrus.Logger

	mu      sync.Mutex
	entries map[Token]*entry

	fulfilledCounter prometheus.Counter
	timeoutCounter   prometheus.Counter
}

// New constructs an empty Service. log may be nil (defaults to the standard
// logger); registerer may be nil to skip Prometheus registration (tests).
// If registerer already holds counters of the same names, the new Service
// shares them.
func New(log *logrus.Logger, registerer prometheus.Registerer) *Service {
	if log == nil {
		log = logrus.StandardLogger()
	}
	fulfilled := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "brypt_awaitable_fulfilled_total",
		Help: "Total number of awaitable tracker entries that reached Fulfilled.",
	})
	timeout := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "brypt_awaitable_timeout_total",
		Help: "Total number of responder slots that missed their deadline.",
	})
	if registerer != nil {
		for _, c := range []*prometheus.Counter{&fulfilled, &timeout} {
			if err := registerer.Register(*c); err != nil {
				are, ok := err.(prometheus.AlreadyRegisteredError)
				if !ok {
					panic(err)
				}
				*c = are.ExistingCollector.(prometheus.Counter)
			}
		}
	}
	return &Service{
		log:              log,
		entries:          make(map[Token]*entry),
		fulfilledCounter: fulfilled,
		timeoutCounter:   timeout,
	}
}

// Stage allocates a fresh token and registers a tracked entry awaiting a
// response from each of responders. timeout <= 0 applies DefaultTimeout.
func (s *Service) Stage(responders []identifier.ID, timeout time.Duration, onResponse OnResponse, onError OnError) Token {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	token := newToken()
	e := &entry{
		token:      token,
		responders: append([]identifier.ID{}, responders...),
		slots:      make(map[identifier.ID]*slot, len(responders)),
		deadline:   time.Now().Add(timeout),
		state:      statePending,
		onResponse: onResponse,
		onError:    onError,
	}
	for _, r := range e.responders {
		e.slots[r] = &slot{status: slotUnfulfilled}
	}
	s.mu.Lock()
	s.entries[token] = e
	s.mu.Unlock()
	return token
}

// Process records a response against the entry identified by token. It
// rejects responses from unexpected responders or that duplicate a filled
// slot; both cases leave the entry untouched and are reported to the
// caller, never propagated as a panic or surfaced to the sender.
func (s *Service) Process(token Token, responder identifier.ID, payload []byte) error {
	s.mu.Lock()
	e, ok := s.entries[token]
	if !ok {
		s.mu.Unlock()
		return ErrUnknownToken
	}
	sl, ok := e.slots[responder]
	if !ok {
		s.mu.Unlock()
		return ErrUnexpectedResponder
	}
	if sl.status == slotFilled {
		s.mu.Unlock()
		return ErrDuplicateResponse
	}
	sl.status = slotFilled
	sl.payload = append([]byte{}, payload...)
	e.received++
	if e.fulfilled() {
		e.state = stateFulfilled
	}
	s.mu.Unlock()
	return nil
}

// CheckTracked is driven by the scheduler on CheckInterval. It marks every
// past-deadline pending entry Expired, then emits the final callbacks for
// and drops every Fulfilled or Expired entry: on_response for each received
// slot, on_error(Timeout) for each slot still unfulfilled.
func (s *Service) CheckTracked() {
	now := time.Now()

	s.mu.Lock()
	var ready []*entry
	for token, e := range s.entries {
		if e.state == statePending && now.After(e.deadline) {
			e.state = stateExpired
		}
		if e.state == stateFulfilled || e.state == stateExpired {
			ready = append(ready, e)
			delete(s.entries, token)
		}
	}
	s.mu.Unlock()

	for _, e := range ready {
		if e.state == stateFulfilled {
			s.fulfilledCounter.Inc()
		}
		for _, responder := range e.responders {
			sl := e.slots[responder]
			if sl.status == slotFilled {
				if e.onResponse != nil {
					e.onResponse(responder, sl.payload)
				}
				continue
			}
			s.timeoutCounter.Inc()
			if e.onError != nil {
				e.onError(e.token, responder, ErrorTimeout)
			}
		}
	}
}

// Pending returns the number of entries still awaiting fulfillment or expiry.
func (s *Service) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
