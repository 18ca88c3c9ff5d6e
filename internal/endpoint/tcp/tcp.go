// Package tcp implements the stream-socket endpoint: a reliable,
// connection-oriented transport driver satisfying endpoint.Transport.
package tcp

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"brypt/internal/endpoint"
	"brypt/internal/nat"
)

const maxFrameSize = 1 << 20

// frame holds a completed read from a connection, ready to hand to the
// worker's deliver callback.
type frame struct {
	handle endpoint.Handle
	data   []byte
}

// Transport drives TCP connections for one endpoint (either server-bound
// via Bind, or client connections via Connect; an endpoint may do both).
type Transport struct {
	log        *logrus.Logger
	nextHandle uint64

	mu         sync.Mutex
	listener   net.Listener
	conns      map[endpoint.Handle]net.Conn
	uri        string
	natManager *nat.Manager

	incoming chan frame
	closed   chan struct{}
	wg       sync.WaitGroup
}

// New constructs an unbound TCP transport.
func New(log *logrus.Logger) *Transport {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Transport{
		log:      log,
		conns:    make(map[endpoint.Handle]net.Conn),
		incoming: make(chan frame, 256),
		closed:   make(chan struct{}),
	}
}

func (t *Transport) allocHandle() endpoint.Handle {
	return endpoint.Handle(atomic.AddUint64(&t.nextHandle, 1))
}

// Bind opens a listener on address and accepts connections in the
// background, registering each as a new handle. A wildcard host ("*:port",
// spec §6) binds to all interfaces; NAT traversal is then attempted
// best-effort so the endpoint's externally reachable address can be
// advertised, never failing the bind itself.
func (t *Transport) Bind(address string) error {
	listenAddr := address
	if host, port, ok := strings.Cut(address, ":"); ok && host == "*" {
		listenAddr = ":" + port
	}
	ln, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return fmt.Errorf("tcp: bind %s: %w", address, err)
	}
	t.mu.Lock()
	t.listener = ln
	t.uri = "tcp://" + ln.Addr().String()
	t.mu.Unlock()

	if listenAddr != address {
		t.tryMapNAT(ln.Addr())
	}

	t.wg.Add(1)
	go t.acceptLoop(ln)
	return nil
}

// tryMapNAT discovers the gateway and maps port on it, logging and
// continuing on failure (spec §7: EndpointBindFailed is about the listen
// call itself, not the best-effort NAT step).
func (t *Transport) tryMapNAT(addr net.Addr) {
	tcpAddr, ok := addr.(*net.TCPAddr)
	if !ok {
		return
	}
	mgr, err := nat.Discover()
	if err != nil {
		t.log.Debugf("tcp: nat discovery skipped: %v", err)
		return
	}
	if err := mgr.Map(tcpAddr.Port); err != nil {
		t.log.Warnf("tcp: nat port mapping failed: %v", err)
		return
	}
	t.mu.Lock()
	t.natManager = mgr
	t.uri = fmt.Sprintf("tcp://%s:%d", mgr.ExternalIP(), tcpAddr.Port)
	t.mu.Unlock()
}

func (t *Transport) acceptLoop(ln net.Listener) {
	defer t.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-t.closed:
				return
			default:
				t.log.Warnf("tcp: accept: %v", err)
				return
			}
		}
		t.registerConn(conn)
	}
}

// Connect dials address and registers the resulting connection.
func (t *Transport) Connect(address string) error {
	conn, err := net.DialTimeout("tcp", address, 5*time.Second)
	if err != nil {
		return fmt.Errorf("tcp: connect %s: %w", address, err)
	}
	t.registerConn(conn)
	return nil
}

func (t *Transport) registerConn(conn net.Conn) {
	handle := t.allocHandle()
	t.mu.Lock()
	t.conns[handle] = conn
	t.mu.Unlock()

	t.wg.Add(1)
	go t.readLoop(handle, conn)
}

func (t *Transport) readLoop(handle endpoint.Handle, conn net.Conn) {
	defer t.wg.Done()
	lenBuf := make([]byte, 4)
	for {
		if _, err := io.ReadFull(conn, lenBuf); err != nil {
			t.deliverClose(handle)
			return
		}
		size := binary.BigEndian.Uint32(lenBuf)
		if size > maxFrameSize {
			t.log.Warnf("tcp: oversized frame (%d bytes) from handle %d, closing", size, handle)
			t.deliverClose(handle)
			return
		}
		payload := make([]byte, size)
		if size > 0 {
			if _, err := io.ReadFull(conn, payload); err != nil {
				t.deliverClose(handle)
				return
			}
		}
		select {
		case t.incoming <- frame{handle: handle, data: payload}:
		case <-t.closed:
			return
		}
	}
}

// deliverClose enqueues the zero-length frame the worker treats as a
// ConnectionStateChange tick, then drops the connection.
func (t *Transport) deliverClose(handle endpoint.Handle) {
	t.mu.Lock()
	delete(t.conns, handle)
	t.mu.Unlock()
	select {
	case t.incoming <- frame{handle: handle, data: nil}:
	case <-t.closed:
	}
}

// Poll drains whatever frames have arrived since the last call without blocking.
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

// Send writes one length-prefixed frame to handle.
func (t *Transport) Send(handle endpoint.Handle, data []byte) error {
	t.mu.Lock()
	conn, ok := t.conns[handle]
	t.mu.Unlock()
	if !ok {
		return fmt.Errorf("tcp: unknown handle %d", handle)
	}
	header := make([]byte, 4)
	binary.BigEndian.PutUint32(header, uint32(len(data)))
	if _, err := conn.Write(header); err != nil {
		return fmt.Errorf("tcp: write header: %w", err)
	}
	if len(data) > 0 {
		if _, err := conn.Write(data); err != nil {
			return fmt.Errorf("tcp: write payload: %w", err)
		}
	}
	return nil
}

// Close closes the listener and every tracked connection.
func (t *Transport) Close() error {
	select {
	case <-t.closed:
		return nil
	default:
		close(t.closed)
	}
	t.mu.Lock()
	if t.listener != nil {
		_ = t.listener.Close()
	}
	for _, c := range t.conns {
		_ = c.Close()
	}
	t.conns = make(map[endpoint.Handle]net.Conn)
	natManager := t.natManager
	t.mu.Unlock()
	if natManager != nil {
		_ = natManager.Unmap()
	}
	t.wg.Wait()
	return nil
}

// URI reports the bound listener address, if any.
func (t *Transport) URI() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.uri
}

var _ endpoint.Transport = (*Transport)(nil)

// NewEndpoint wraps a fresh Transport in a worker, producing a ready-to-start
// endpoint.Endpoint for the stream-socket protocol.
func NewEndpoint(operation endpoint.Operation, onReceive endpoint.ReceiveFunc, gate endpoint.PhaseGate, log *logrus.Logger) endpoint.Endpoint {
	transport := New(log)
	return endpoint.NewWorker(endpoint.KindStream, "tcp", operation, transport, onReceive, gate, log)
}
