package peer

import (
	"sync"

	"github.com/sirupsen/logrus"

	"brypt/internal/awaitable"
	"brypt/internal/endpoint"
	"brypt/internal/envelope"
	"brypt/internal/events"
	"brypt/internal/identifier"
	"brypt/internal/tracker"
)

// Observer receives synchronous notifications of peer connection state
// transitions (spec §4.5's IPeerObserver).
type Observer interface {
	OnRemoteConnected(id identifier.ID)
	OnRemoteDisconnected(id identifier.ID, cause WithdrawCause)
}

// ActivityFilter selects which proxies ForEach/For Each-style queries visit.
type ActivityFilter int

const (
	FilterNone ActivityFilter = iota
	FilterActive
	FilterInactive
)

// SynchronizerFactory produces a fresh Synchronizer for each new proxy;
// client/server role is selected by the caller (declaring vs. accepting).
type SynchronizerFactory func(operation endpoint.Operation) Synchronizer

type resolvingEntry struct {
	address string
	proxy   *Proxy
}

// Service implements spec §4.5's IResolutionService: it owns every Proxy's
// strong reference, drives resolution, and fans outgoing requests across
// authorized peers.
type Service struct {
	log *logrus.Logger

	newSynchronizer SynchronizerFactory
	publisher       *events.Publisher
	tracker         *tracker.Tracker
	awaiter         *awaitable.Service
	allowedSource   identifier.ID // this node's own identifier, for self-filtering
	connectProtocol func(*Proxy)

	mu         sync.Mutex
	byAddress  map[string]*resolvingEntry
	byNode     map[identifier.ID]*Proxy
	observers  []Observer
}

// NewService constructs a Resolution Service. newSynchronizer must be
// supplied by the caller (e.g. handshake.NewClient/handshake.NewServer)
// since the Synchronizer's concrete cryptography is out of this package's
// concern (spec §1).
func NewService(newSynchronizer SynchronizerFactory, publisher *events.Publisher, tr *tracker.Tracker, awaiter *awaitable.Service, self identifier.ID, connectProtocol func(*Proxy), log *logrus.Logger) *Service {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Service{
		log:             log,
		newSynchronizer: newSynchronizer,
		publisher:       publisher,
		tracker:         tr,
		awaiter:         awaiter,
		allowedSource:   self,
		connectProtocol: connectProtocol,
		byAddress:       make(map[string]*resolvingEntry),
		byNode:          make(map[identifier.ID]*Proxy),
	}
}

// RegisterObserver adds an observer notified synchronously on state
// transitions.
func (s *Service) RegisterObserver(o Observer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observers = append(s.observers, o)
}

// DeclareResolvingPeer begins resolution toward address, emitting
// PeerResolving and returning the opening handshake bytes the caller must
// send over the endpoint. If a resolution is already pending for address it
// does nothing and returns nil bytes and a nil error.
func (s *Service) DeclareResolvingPeer(address string) ([]byte, error) {
	s.mu.Lock()
	if _, ok := s.byAddress[address]; ok {
		s.mu.Unlock()
		return nil, nil // idempotent: already declared, nothing new to send
	}
	sync := s.newSynchronizer(endpoint.OperationClient)
	proxy := New(sync, s.publisher, nil, s.connectProtocol, s.log)
	s.byAddress[address] = &resolvingEntry{address: address, proxy: proxy}
	s.mu.Unlock()

	out, err := proxy.Declare()
	if err != nil {
		s.mu.Lock()
		delete(s.byAddress, address)
		s.mu.Unlock()
		return nil, err
	}
	if s.publisher != nil {
		s.publisher.Publish(events.Event{Kind: events.PeerResolving, Address: address})
	}
	return out, nil
}

// RescindResolvingPeer cancels a pending declaration for address.
func (s *Service) RescindResolvingPeer(address string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.byAddress, address)
}

// AcceptResolvingPeer begins server-side resolution for an inbound
// connection that has not yet sent a handshake frame: it allocates a fresh
// server-role proxy without requiring a prior DeclareResolvingPeer call.
func (s *Service) AcceptResolvingPeer(address string) *Proxy {
	sync := s.newSynchronizer(endpoint.OperationServer)
	proxy := New(sync, s.publisher, nil, s.connectProtocol, s.log)
	s.mu.Lock()
	s.byAddress[address] = &resolvingEntry{address: address, proxy: proxy}
	s.mu.Unlock()
	return proxy
}

// LinkPeer completes resolution: it promotes the resolving entry matched by
// address to a fully identified proxy, or — if no resolving entry exists
// for that address — registers a fresh association. Either way it notifies
// observers of the new connection and returns the shared proxy.
func (s *Service) LinkPeer(id identifier.ID, address string) *Proxy {
	s.mu.Lock()
	entry, ok := s.byAddress[address]
	var proxy *Proxy
	if ok {
		proxy = entry.proxy
		delete(s.byAddress, address)
	} else {
		sync := s.newSynchronizer(endpoint.OperationServer)
		proxy = New(sync, s.publisher, nil, s.connectProtocol, s.log)
	}
	proxy.SetNodeID(id)
	s.byNode[id] = proxy
	observers := append([]Observer{}, s.observers...)
	s.mu.Unlock()

	for _, o := range observers {
		o.OnRemoteConnected(id)
	}
	return proxy
}

// Adopt registers an already-constructed proxy (one the runtime created
// directly for an inbound connection whose address was never declared) as
// the resolved association for id, notifying observers. Unlike LinkPeer it
// never allocates a new proxy — the caller already has the one that just
// authenticated.
func (s *Service) Adopt(p *Proxy, id identifier.ID) {
	s.mu.Lock()
	s.byNode[id] = p
	observers := append([]Observer{}, s.observers...)
	s.mu.Unlock()

	for _, o := range observers {
		o.OnRemoteConnected(id)
	}
}

// Unlink removes the proxy association for id, notifying observers of the
// disconnect.
func (s *Service) Unlink(id identifier.ID, cause WithdrawCause) {
	s.mu.Lock()
	delete(s.byNode, id)
	observers := append([]Observer{}, s.observers...)
	s.mu.Unlock()

	for _, o := range observers {
		o.OnRemoteDisconnected(id, cause)
	}
}

// ProxyFor returns the shared proxy for a resolved node identifier.
func (s *Service) ProxyFor(id identifier.ID) (*Proxy, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.byNode[id]
	return p, ok
}

func (s *Service) snapshot(filter ActivityFilter) []*Proxy {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Proxy, 0, len(s.byNode))
	for _, p := range s.byNode {
		active := p.State() == Authorized
		switch filter {
		case FilterActive:
			if !active {
				continue
			}
		case FilterInactive:
			if active {
				continue
			}
		}
		out = append(out, p)
	}
	return out
}

// ForEach visits every known proxy matching filter.
func (s *Service) ForEach(filter ActivityFilter, fn func(*Proxy)) {
	for _, p := range s.snapshot(filter) {
		fn(p)
	}
}

// ActiveCount returns the number of Authorized proxies.
func (s *Service) ActiveCount() int { return len(s.snapshot(FilterActive)) }

// InactiveCount returns the number of known, non-Authorized proxies.
func (s *Service) InactiveCount() int { return len(s.snapshot(FilterInactive)) }

// ObservedCount returns the total number of resolved (linked) proxies.
func (s *Service) ObservedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byNode)
}

// ResolvingCount returns the number of pending, unresolved declarations.
func (s *Service) ResolvingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byAddress)
}

// RequestResult carries the awaitable token and the number of responders a
// Request call staged, for callers that need to report progress.
type RequestResult struct {
	Token    awaitable.Token
	Expected int
}

// Request builds an envelope toward destination, binds an awaitable token,
// registers it with the Tracking Service, and enqueues delivery on every
// matching authorized peer (spec §4.5). destination == Unicast requires the
// target peer to already be linked; Cluster/Network fan out to every
// Authorized proxy. It returns nil if no peer matches (UnknownPeer, spec
// §7) for a unicast destination.
func (s *Service) Request(source identifier.ID, destination envelope.Destination, route envelope.Route, command string, payload []byte, onResponse awaitable.OnResponse, onError awaitable.OnError) (*RequestResult, error) {
	var targets []*Proxy
	switch destination.Kind {
	case envelope.DestinationUnicast:
		p, ok := s.ProxyFor(destination.Target)
		if !ok || p.State() != Authorized {
			return nil, nil
		}
		targets = []*Proxy{p}
	default:
		targets = s.snapshot(FilterActive)
	}

	responders := make([]identifier.ID, 0, len(targets))
	for _, p := range targets {
		responders = append(responders, p.NodeID())
	}

	token := s.awaiter.Stage(responders, 0, onResponse, func(tok awaitable.Token, responder identifier.ID, kind awaitable.ErrorKind) {
		if onError != nil {
			onError(tok, responder, kind)
		}
	})

	var awaitToken envelope.AwaitToken
	copy(awaitToken[:], token[:])

	for _, p := range targets {
		builder := envelope.NewBuilder(source, destination).
			WithAwait(awaitToken).
			WithRoute(route).
			WithCommand(command, envelope.PhaseRequest).
			WithPayload(payload).
			WithNonce(p.NextNonce())
		e, err := builder.ValidatedBuild(p.SessionKey())
		if err != nil {
			s.log.Warnf("peer: request build failed for %s: %v", p.NodeID(), err)
			continue
		}
		packed, err := e.Pack(p.SessionKey())
		if err != nil {
			s.log.Warnf("peer: request pack failed for %s: %v", p.NodeID(), err)
			continue
		}
		if err := p.Send(packed, envelope.PhaseRequest); err != nil {
			s.log.Warnf("peer: request send failed for %s: %v", p.NodeID(), err)
		}
	}

	return &RequestResult{Token: token, Expected: len(targets)}, nil
}

// SessionKey exposes the proxy's cipher key for building outgoing
// envelopes (requests from the Resolution Service, responses from the
// runtime's message sink), without making Cipher a public field.
func (p *Proxy) SessionKey() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cipher.Key
}
