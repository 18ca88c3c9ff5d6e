// Package events implements the Event Publisher (spec §4.7): a typed
// subscription/dispatch fabric for peer lifecycle notifications. A single
// "subscriber thread" registers its listeners at construction time; once
// subscriptions are suspended the listener table is read-only and safe for
// lock-free dispatch from the scheduler.
package events

import (
	"fmt"
	"sync"

	"brypt/internal/identifier"
)

// Kind enumerates the lifecycle events the runtime advertises.
type Kind int

const (
	PeerResolving Kind = iota
	PeerConnected
	PeerDisconnected
	EndpointFailed
)

func (k Kind) String() string {
	switch k {
	case PeerResolving:
		return "peer_resolving"
	case PeerConnected:
		return "peer_connected"
	case PeerDisconnected:
		return "peer_disconnected"
	case EndpointFailed:
		return "endpoint_failed"
	default:
		return "unknown"
	}
}

// DisconnectCause records why a PeerDisconnected event fired.
type DisconnectCause int

const (
	CauseSessionClosure DisconnectCause = iota
	CauseNetworkShutdown
	CauseHandshakeFailure
)

func (c DisconnectCause) String() string {
	switch c {
	case CauseSessionClosure:
		return "session_closure"
	case CauseNetworkShutdown:
		return "network_shutdown"
	case CauseHandshakeFailure:
		return "handshake_failure"
	default:
		return "unknown"
	}
}

// Event is the typed payload carried to listeners. Only the fields relevant
// to Kind are populated.
type Event struct {
	Kind     Kind
	NodeID   identifier.ID
	Address  string
	Protocol string
	Cause    DisconnectCause
}

// Listener receives one dispatched Event.
type Listener func(Event)

// Publisher is the event fabric described in spec §4.7. Subscriptions are
// only valid before the first call to Dispatch; Dispatch panics if called
// before subscriptions are suspended, matching the source's assertion that
// subscriptions close before dispatch begins.
type Publisher struct {
	subscriberThread string

	mu         sync.Mutex
	suspended  bool
	advertised map[Kind]bool
	listeners  map[Kind][]Listener

	qmu   sync.Mutex
	queue []Event
}

// New constructs a Publisher bound to subscriberThread, the identity of the
// single goroutine allowed to call Subscribe/Advertise/Suspend.
func New(subscriberThread string) *Publisher {
	return &Publisher{
		subscriberThread: subscriberThread,
		advertised:       make(map[Kind]bool),
		listeners:        make(map[Kind][]Listener),
	}
}

// Advertise records that the runtime intends to emit events of the given
// kinds. Suspend checks every advertised kind has at least one listener.
func (p *Publisher) Advertise(kinds ...Kind) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.suspended {
		panic("events: Advertise called after subscriptions were suspended")
	}
	for _, k := range kinds {
		p.advertised[k] = true
	}
}

// Subscribe registers l against kind. It must be called before Suspend.
func (p *Publisher) Subscribe(kind Kind, l Listener) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.suspended {
		panic("events: Subscribe called after subscriptions were suspended")
	}
	p.listeners[kind] = append(p.listeners[kind], l)
}

// Suspend closes the subscription phase. After Suspend, Subscribe/Advertise
// panic and Dispatch becomes callable. It returns an error if any
// advertised kind has no registered listener, or vice versa — the
// advertised_count == listener_count self-check from spec §4.7/§8.
func (p *Publisher) Suspend() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.suspended {
		return nil
	}
	advertisedCount := len(p.advertised)
	listenerCount := len(p.listeners)
	if advertisedCount != listenerCount {
		return fmt.Errorf("events: advertised_count=%d listener_count=%d mismatch", advertisedCount, listenerCount)
	}
	for k := range p.advertised {
		if _, ok := p.listeners[k]; !ok {
			return fmt.Errorf("events: kind %s advertised but has no listener", k)
		}
	}
	p.suspended = true
	return nil
}

// Publish enqueues an event for the next Dispatch. Safe to call from any
// goroutine (endpoint workers, the resolution service).
func (p *Publisher) Publish(e Event) {
	p.qmu.Lock()
	p.queue = append(p.queue, e)
	p.qmu.Unlock()
}

// Dispatch drains the queued events, invoking every registered listener for
// each event's kind in insertion order, and returns the number of events
// delivered. It panics if called before Suspend.
func (p *Publisher) Dispatch() int {
	p.mu.Lock()
	suspended := p.suspended
	p.mu.Unlock()
	if !suspended {
		panic("events: Dispatch called before subscriptions were suspended")
	}

	p.qmu.Lock()
	pending := p.queue
	p.queue = nil
	p.qmu.Unlock()

	for _, e := range pending {
		for _, l := range p.listeners[e.Kind] {
			l(e)
		}
	}
	return len(pending)
}

// ListenerCount returns the number of distinct kinds with a registered
// listener, for diagnostics and the §8 self-check.
func (p *Publisher) ListenerCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.listeners)
}

// AdvertisedCount returns the number of kinds Advertise has been called with.
func (p *Publisher) AdvertisedCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.advertised)
}

// SubscriberThread returns the identity this Publisher was constructed with.
func (p *Publisher) SubscriberThread() string { return p.subscriberThread }
