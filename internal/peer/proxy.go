// Package peer implements the Peer Proxy and Resolution Service (spec §4.5):
// the in-process representative of a remote node, its security handshake
// state machine, and the service that resolves connections to proxies and
// routes outgoing requests across them.
//
// Per the source's anti-cyclic-reference redesign (spec §9), a Proxy holds
// no reference back to the tracker or the endpoints that feed it bytes; it
// only calls the scheduled-send closures each endpoint supplied during
// RegisterEndpoint.
package peer

import (
	"errors"
	"sync"

	"github.com/sirupsen/logrus"

	"brypt/internal/endpoint"
	"brypt/internal/envelope"
	"brypt/internal/events"
	"brypt/internal/identifier"
)

// SecurityState enumerates a proxy's authentication lifecycle (spec §4.5).
type SecurityState int

const (
	Unauthorized SecurityState = iota
	Processing
	Authorized
	Flagged
)

func (s SecurityState) String() string {
	switch s {
	case Unauthorized:
		return "unauthorized"
	case Processing:
		return "processing"
	case Authorized:
		return "authorized"
	case Flagged:
		return "flagged"
	default:
		return "unknown"
	}
}

// SyncStatus reports a Synchronizer round's outcome.
type SyncStatus int

const (
	SyncContinue SyncStatus = iota
	SyncReady
	SyncError
)

// CipherPackage holds the session key material a completed handshake
// produces. Key is used directly as the envelope authentication key.
type CipherPackage struct {
	Key []byte
}

// Synchronizer drives the security handshake state machine through its
// rounds (spec's "handshake synchronizer", §4.5/§9). A concrete
// implementation lives in internal/peer/handshake.
type Synchronizer interface {
	// Step consumes one inbound handshake frame (nil for the very first,
	// locally-initiated round) and produces the next frame to send, if any.
	Step(input []byte) (output []byte, status SyncStatus, err error)
	// CipherPackage returns the session key material. Only valid once Step
	// has reported SyncReady.
	CipherPackage() CipherPackage
}

// WithdrawCause records why a proxy's authenticated session ended.
type WithdrawCause int

const (
	CauseSessionClosure WithdrawCause = iota
	CauseNetworkShutdown
	CauseHandshakeFailure
)

func (c WithdrawCause) toEvent() events.DisconnectCause {
	switch c {
	case CauseNetworkShutdown:
		return events.CauseNetworkShutdown
	case CauseHandshakeFailure:
		return events.CauseHandshakeFailure
	default:
		return events.CauseSessionClosure
	}
}

// ErrFlagged is returned by Send whenever the proxy is not Authorized: in the
// terminal Flagged state, and equally while Unauthorized or Processing.
var ErrFlagged = errors.New("peer: proxy is flagged")

// ErrUnknownEndpoint is returned when scheduling a send against an endpoint
// a proxy never registered.
var ErrUnknownEndpoint = errors.New("peer: endpoint not registered")

// consecutiveFailureLimit bounds how many consecutive envelope validation
// failures (malformed/route-invalid/nonce-regression/bad-auth) an
// Authorized proxy tolerates before being Flagged (spec §7).
const consecutiveFailureLimit = 5

// MessageSink receives envelopes once a proxy has authenticated and
// unpacked them (spec §2's "handed to application handlers" / "delivered to
// Awaitable Service" control flow).
type MessageSink interface {
	HandleEnvelope(from *Proxy, e envelope.Envelope)
}

type endpointRoute struct {
	protocol string
	send     func(handle endpoint.Handle, data []byte) error
}

// Proxy is the in-process representative of a remote node (spec §4.5): it
// owns session state, the multi-endpoint route book, and drives the
// handshake. Proxies are always accessed through a shared reference; the
// Resolution Service owns the strong reference (spec §3's "Lifetimes").
type Proxy struct {
	log *logrus.Logger

	mu     sync.Mutex
	nodeID identifier.ID
	state  SecurityState
	sync   Synchronizer
	cipher CipherPackage

	routes    map[endpoint.Handle]endpointRoute
	addresses map[endpoint.Handle]string

	phase            envelope.Phase
	nonce            uint64
	outboundNonce    uint64
	consecutiveFails int

	withdrawCause WithdrawCause

	publisher       *events.Publisher
	sink            MessageSink
	connectProtocol func(*Proxy)
}

// New constructs an Unauthorized proxy driven by sync. publisher may be nil
// to suppress event emission (tests); sink receives authenticated
// envelopes; connectProtocol, if non-nil, is invoked once on the
// Processing→Authorized transition so the application layer can send its
// first application message (spec §4.5).
func New(sync Synchronizer, publisher *events.Publisher, sink MessageSink, connectProtocol func(*Proxy), log *logrus.Logger) *Proxy {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Proxy{
		log:             log,
		state:           Unauthorized,
		sync:            sync,
		routes:          make(map[endpoint.Handle]endpointRoute),
		addresses:       make(map[endpoint.Handle]string),
		phase:           envelope.PhaseRequest,
		publisher:       publisher,
		sink:            sink,
		connectProtocol: connectProtocol,
	}
}

// NodeID returns the proxy's resolved node identifier. It is invalid until
// the Resolution Service calls SetNodeID.
func (p *Proxy) NodeID() identifier.ID {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.nodeID
}

// SetNodeID binds the proxy to a resolved identity. Called by the
// Resolution Service once resolution completes.
func (p *Proxy) SetNodeID(id identifier.ID) {
	p.mu.Lock()
	p.nodeID = id
	p.mu.Unlock()
}

// State returns the proxy's current security state.
func (p *Proxy) State() SecurityState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// RegisterEndpoint attaches endpoint route bookkeeping for handle: the
// protocol label and the scheduled-send closure the endpoint supplied.
func (p *Proxy) RegisterEndpoint(handle endpoint.Handle, protocol, address string, send func(endpoint.Handle, []byte) error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.routes[handle] = endpointRoute{protocol: protocol, send: send}
	if address != "" {
		p.addresses[handle] = address
	}
}

// UnregisterEndpoint drops a previously registered endpoint route.
func (p *Proxy) UnregisterEndpoint(handle endpoint.Handle) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.routes, handle)
	delete(p.addresses, handle)
}

// Declare transitions Unauthorized→Processing for a locally-initiated
// resolution, returning the opening handshake bytes to send.
func (p *Proxy) Declare() ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != Unauthorized {
		return nil, errors.New("peer: proxy already resolving or authorized")
	}
	p.state = Processing
	out, status, err := p.sync.Step(nil)
	if err != nil || status == SyncError {
		p.flagLocked(err)
		return nil, err
	}
	return out, nil
}

// ScheduleReceive delivers inbound bytes from endpoint handle. Bytes are
// routed into the handshake synchronizer until Authorized, then unpacked
// as envelopes and forwarded to the sink (spec §4.5).
func (p *Proxy) ScheduleReceive(handle endpoint.Handle, data []byte) {
	p.mu.Lock()
	state := p.state
	p.mu.Unlock()

	switch state {
	case Unauthorized, Processing:
		p.stepHandshake(handle, data)
	case Authorized:
		p.receiveEnvelope(data)
	case Flagged:
		p.log.Debugf("peer: dropping frame from flagged proxy on endpoint %d", handle)
	}
}

func (p *Proxy) stepHandshake(handle endpoint.Handle, data []byte) {
	p.mu.Lock()
	if p.state == Unauthorized {
		p.state = Processing
	}
	out, status, err := p.sync.Step(data)
	if err != nil || status == SyncError {
		p.flagLocked(err)
		p.mu.Unlock()
		p.withdrawAllEndpoints(handle)
		return
	}
	switch status {
	case SyncContinue:
		p.mu.Unlock()
		p.sendVia(handle, out)
	case SyncReady:
		p.cipher = p.sync.CipherPackage()
		p.state = Authorized
		id := p.nodeID
		connectProtocol := p.connectProtocol
		publisher := p.publisher
		addr := p.addresses[handle]
		protocol := p.routes[handle].protocol
		p.mu.Unlock()
		if len(out) > 0 {
			p.sendVia(handle, out)
		}
		if publisher != nil {
			publisher.Publish(events.Event{Kind: events.PeerConnected, NodeID: id, Address: addr, Protocol: protocol})
		}
		if connectProtocol != nil {
			connectProtocol(p)
		}
	}
}

func (p *Proxy) receiveEnvelope(data []byte) {
	p.mu.Lock()
	key := p.cipher.Key
	p.mu.Unlock()

	e, result := envelope.Validate(data, key, p, p)
	if result != envelope.Success {
		p.recordFailure(result)
		return
	}
	p.mu.Lock()
	p.nonce = e.Nonce
	p.consecutiveFails = 0
	if e.Phase == envelope.PhaseResponse {
		p.phase = envelope.PhaseRequest
	}
	sink := p.sink
	p.mu.Unlock()
	if sink != nil {
		sink.HandleEnvelope(p, e)
	}
}

func (p *Proxy) recordFailure(result envelope.Result) {
	p.mu.Lock()
	p.consecutiveFails++
	exceeded := p.consecutiveFails > consecutiveFailureLimit
	p.log.Warnf("peer: envelope validation failed (%s), consecutive=%d", result, p.consecutiveFails)
	if exceeded {
		p.flagLocked(errors.New("peer: validation failure threshold exceeded"))
	}
	p.mu.Unlock()
	if exceeded {
		p.withdrawAllEndpoints(0)
	}
}

// NextNonce returns the next per-session outbound nonce: strictly
// increasing across every envelope this proxy sends, starting at 1 (spec
// §3's "nonce, monotonic per session"). Callers building outgoing envelopes
// for this proxy's session (the Resolution Service's requests, the
// runtime's responses) must stamp each with a fresh call to NextNonce.
func (p *Proxy) NextNonce() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.outboundNonce++
	return p.outboundNonce
}

// LastNonce implements envelope.NonceSource.
func (p *Proxy) LastNonce(source identifier.ID) (uint64, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.nodeID.Valid() || !p.nodeID.Equal(source) {
		return 0, false
	}
	return p.nonce, true
}

// IsAllowed implements envelope.SourceAuthorizer: once a proxy's identity is
// resolved, only that identity is an allowed source on its own session. A
// proxy that has not yet resolved an identity (a server-role proxy before
// its first authenticated envelope, or a client-role proxy declared by
// address before LinkPeer) accepts any well-formed source for that first
// parcel — the session key it was authenticated under is itself proof of
// participation in this proxy's handshake — and the MessageSink that
// receiveEnvelope hands the parcel to binds the proxy to its identity.
func (p *Proxy) IsAllowed(source identifier.ID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !source.Valid() {
		return false
	}
	if !p.nodeID.Valid() {
		return true
	}
	return p.nodeID.Equal(source)
}

// Send schedules data for delivery across every registered endpoint route.
// Per spec §5's phase alternation, sending flips the local phase to
// Request once this was a response.
func (p *Proxy) Send(data []byte, phase envelope.Phase) error {
	p.mu.Lock()
	if p.state != Authorized {
		p.mu.Unlock()
		return ErrFlagged
	}
	if phase == envelope.PhaseResponse {
		p.phase = envelope.PhaseRequest
	}
	routes := make([]endpointRoute, 0, len(p.routes))
	handles := make([]endpoint.Handle, 0, len(p.routes))
	for h, r := range p.routes {
		routes = append(routes, r)
		handles = append(handles, h)
	}
	p.mu.Unlock()

	if len(routes) == 0 {
		return ErrUnknownEndpoint
	}
	var firstErr error
	for i, r := range routes {
		if err := r.send(handles[i], data); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (p *Proxy) sendVia(handle endpoint.Handle, data []byte) {
	p.mu.Lock()
	route, ok := p.routes[handle]
	p.mu.Unlock()
	if !ok || len(data) == 0 {
		return
	}
	if err := route.send(handle, data); err != nil {
		p.log.Warnf("peer: handshake send on endpoint %d failed: %v", handle, err)
	}
}

// flagLocked transitions the proxy to Flagged. Caller must hold p.mu.
func (p *Proxy) flagLocked(cause error) {
	if p.state == Flagged {
		return
	}
	p.state = Flagged
	p.withdrawCause = CauseHandshakeFailure
	if cause != nil {
		p.log.Warnf("peer: flagged: %v", cause)
	}
}

func (p *Proxy) withdrawAllEndpoints(except endpoint.Handle) {
	p.mu.Lock()
	id := p.nodeID
	publisher := p.publisher
	p.mu.Unlock()
	if publisher != nil {
		publisher.Publish(events.Event{Kind: events.PeerDisconnected, NodeID: id, Cause: events.CauseHandshakeFailure})
	}
}

// Withdraw transitions Authorized→Unauthorized (spec §4.5) and fires a
// PeerDisconnected event with cause.
func (p *Proxy) Withdraw(cause WithdrawCause) {
	p.mu.Lock()
	if p.state == Flagged {
		p.mu.Unlock()
		return
	}
	p.state = Unauthorized
	p.withdrawCause = cause
	id := p.nodeID
	publisher := p.publisher
	p.mu.Unlock()
	if publisher != nil {
		publisher.Publish(events.Event{Kind: events.PeerDisconnected, NodeID: id, Cause: cause.toEvent()})
	}
}

// LastWithdrawCause reports the cause recorded by the most recent Withdraw or
// handshake failure.
func (p *Proxy) LastWithdrawCause() WithdrawCause {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.withdrawCause
}
