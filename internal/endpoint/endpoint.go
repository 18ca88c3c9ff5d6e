// Package endpoint defines the transport-agnostic endpoint contract and the
// worker loop shared by every concrete protocol driver (stream socket,
// datagram radio, websocket bridge).
package endpoint

import "time"

// Kind identifies the transport family an endpoint drives.
type Kind int

const (
	KindStream Kind = iota
	KindDatagram
	KindBridge
)

func (k Kind) String() string {
	switch k {
	case KindStream:
		return "stream"
	case KindDatagram:
		return "datagram"
	case KindBridge:
		return "bridge"
	default:
		return "unknown"
	}
}

// Operation distinguishes a server-bound endpoint from a client-initiated one.
type Operation int

const (
	OperationServer Operation = iota
	OperationClient
)

// Handle is an opaque, transport-specific connection token. It is generated
// monotonically by each endpoint and is the Connection Tracker's primary key.
type Handle uint64

// MessageRetryLimit bounds per-message send attempts before a frame is
// dropped (spec §4.3).
const MessageRetryLimit = 3

// CycleTimeout bounds how long a worker sleeps between instruction/outbound
// drain passes when it has no new work to react to.
const CycleTimeout = 10 * time.Millisecond

// ReceiveFunc delivers an inbound frame to the Connection Tracker lookup. A
// zero-length frame on a stream transport signals a connection-state tick.
type ReceiveFunc func(handle Handle, data []byte)

// Endpoint is the uniform contract every protocol driver exposes.
type Endpoint interface {
	InternalType() Kind
	ProtocolType() string
	URI() string
	ScheduleBind(address string) error
	ScheduleConnect(address string) error
	Startup() error
	ScheduleSend(handle Handle, data []byte) error
	Shutdown() error
}

// PhaseGate reports whether an outbound frame to handle is currently
// permitted under the request/response alternation rule (spec §5): a
// server-side endpoint may answer only when the peer's phase is Response,
// or send unconditionally when acting as the local initiator.
type PhaseGate interface {
	AllowSend(handle Handle) bool
}
