// Package radio implements the datagram endpoint standing in for a LoRa-style
// link layer. It is built on net.PacketConn since no real radio hardware is
// available in this environment, so its URI is radio://<host>:<port> of the
// underlying UDP socket rather than a frequency and channel; the framing and
// handle-registration model is what a genuine radio driver would plug into.
package radio

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"brypt/internal/endpoint"
)

const maxDatagramSize = 2048

type Transport struct {
	log        *logrus.Logger
	nextHandle uint64

	mu         sync.Mutex
	conn       net.PacketConn
	uri        string
	handles    map[string]endpoint.Handle // remote addr -> handle
	addrs      map[endpoint.Handle]net.Addr
	incoming   chan frame
	closed     chan struct{}
	readerDone chan struct{}
}

type frame struct {
	handle endpoint.Handle
	data   []byte
}

func New(log *logrus.Logger) *Transport {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Transport{
		log:        log,
		handles:    make(map[string]endpoint.Handle),
		addrs:      make(map[endpoint.Handle]net.Addr),
		incoming:   make(chan frame, 256),
		closed:     make(chan struct{}),
		readerDone: make(chan struct{}),
	}
}

func (t *Transport) allocHandle() endpoint.Handle {
	return endpoint.Handle(atomic.AddUint64(&t.nextHandle, 1))
}

// Bind opens a UDP-style packet listener on address (server role).
func (t *Transport) Bind(address string) error {
	conn, err := net.ListenPacket("udp", address)
	if err != nil {
		return fmt.Errorf("radio: bind %s: %w", address, err)
	}
	t.mu.Lock()
	t.conn = conn
	t.uri = "radio://" + conn.LocalAddr().String()
	t.mu.Unlock()
	go t.readLoop()
	return nil
}

// Connect opens a local ephemeral socket and records the peer as the
// default destination; a handle is allocated eagerly since datagram
// transports have no accept step.
func (t *Transport) Connect(address string) error {
	conn, err := net.ListenPacket("udp", ":0")
	if err != nil {
		return fmt.Errorf("radio: connect: %w", err)
	}
	remote, err := net.ResolveUDPAddr("udp", address)
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("radio: resolve %s: %w", address, err)
	}
	t.mu.Lock()
	t.conn = conn
	t.uri = "radio://" + conn.LocalAddr().String()
	handle := t.allocHandle()
	t.handles[remote.String()] = handle
	t.addrs[handle] = remote
	t.mu.Unlock()
	go t.readLoop()
	return nil
}

func (t *Transport) readLoop() {
	defer close(t.readerDone)
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	buf := make([]byte, maxDatagramSize)
	for {
		n, addr, err := conn.ReadFrom(buf)
		if err != nil {
			select {
			case <-t.closed:
				return
			default:
				t.log.Warnf("radio: read: %v", err)
				return
			}
		}
		handle := t.handleFor(addr)
		data := append([]byte{}, buf[:n]...)
		select {
		case t.incoming <- frame{handle: handle, data: data}:
		case <-t.closed:
			return
		}
	}
}

func (t *Transport) handleFor(addr net.Addr) endpoint.Handle {
	key := addr.String()
	t.mu.Lock()
	defer t.mu.Unlock()
	if h, ok := t.handles[key]; ok {
		return h
	}
	h := t.allocHandle()
	t.handles[key] = h
	t.addrs[h] = addr
	return h
}

// Poll drains buffered datagrams without blocking.
func (t *Transport) Poll(deliver endpoint.ReceiveFunc) {
	for {
		select {
		case f := <-t.incoming:
			deliver(f.handle, f.data)
		default:
			return
		}
	}
}

// Send writes one datagram to the peer registered under handle.
func (t *Transport) Send(handle endpoint.Handle, data []byte) error {
	t.mu.Lock()
	conn := t.conn
	addr, ok := t.addrs[handle]
	t.mu.Unlock()
	if !ok || conn == nil {
		return fmt.Errorf("radio: unknown handle %d", handle)
	}
	if len(data) > maxDatagramSize {
		return fmt.Errorf("radio: datagram exceeds %d bytes", maxDatagramSize)
	}
	_, err := conn.WriteTo(data, addr)
	return err
}

// Close releases the packet connection.
func (t *Transport) Close() error {
	select {
	case <-t.closed:
		return nil
	default:
		close(t.closed)
	}
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
		<-t.readerDone
	}
	return nil
}

func (t *Transport) URI() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.uri
}

var _ endpoint.Transport = (*Transport)(nil)

// NewEndpoint wraps a fresh Transport in a worker for the radio protocol.
func NewEndpoint(operation endpoint.Operation, onReceive endpoint.ReceiveFunc, gate endpoint.PhaseGate, log *logrus.Logger) endpoint.Endpoint {
	transport := New(log)
	return endpoint.NewWorker(endpoint.KindDatagram, "lora", operation, transport, onReceive, gate, log)
}
