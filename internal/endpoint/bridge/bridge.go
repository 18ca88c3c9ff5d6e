// Package bridge implements the bridge/relay endpoint variant: a
// message-framed transport over a websocket connection, standing in for the
// source's bridge link layer (spec §6 reserves the "bridge" protocol tag
// without describing a concrete driver).
package bridge

import (
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"brypt/internal/endpoint"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

type frame struct {
	handle endpoint.Handle
	data   []byte
}

// Transport drives websocket connections for one bridge endpoint.
type Transport struct {
	log        *logrus.Logger
	nextHandle uint64

	mu     sync.Mutex
	server *http.Server
	conns  map[endpoint.Handle]*websocket.Conn
	uri    string

	incoming chan frame
	closed   chan struct{}
	wg       sync.WaitGroup
}

func New(log *logrus.Logger) *Transport {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Transport{
		log:      log,
		conns:    make(map[endpoint.Handle]*websocket.Conn),
		incoming: make(chan frame, 256),
		closed:   make(chan struct{}),
	}
}

func (t *Transport) allocHandle() endpoint.Handle {
	return endpoint.Handle(atomic.AddUint64(&t.nextHandle, 1))
}

// Bind starts an HTTP server upgrading every request on "/" to a websocket
// connection (server role).
func (t *Transport) Bind(address string) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.log.Warnf("bridge: upgrade: %v", err)
			return
		}
		t.registerConn(conn)
	})
	server := &http.Server{Addr: address, Handler: mux}
	t.mu.Lock()
	t.server = server
	t.uri = "bridge://" + address
	t.mu.Unlock()

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			t.log.Warnf("bridge: serve: %v", err)
		}
	}()
	return nil
}

// Connect dials a websocket endpoint at address (client role).
func (t *Transport) Connect(address string) error {
	conn, _, err := websocket.DefaultDialer.Dial(address, nil)
	if err != nil {
		return fmt.Errorf("bridge: connect %s: %w", address, err)
	}
	t.mu.Lock()
	if t.uri == "" {
		t.uri = "bridge://" + address
	}
	t.mu.Unlock()
	t.registerConn(conn)
	return nil
}

func (t *Transport) registerConn(conn *websocket.Conn) {
	handle := t.allocHandle()
	t.mu.Lock()
	t.conns[handle] = conn
	t.mu.Unlock()

	t.wg.Add(1)
	go t.readLoop(handle, conn)
}

func (t *Transport) readLoop(handle endpoint.Handle, conn *websocket.Conn) {
	defer t.wg.Done()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.mu.Lock()
			delete(t.conns, handle)
			t.mu.Unlock()
			select {
			case t.incoming <- frame{handle: handle, data: nil}:
			case <-t.closed:
			}
			return
		}
		select {
		case t.incoming <- frame{handle: handle, data: data}:
		case <-t.closed:
			return
		}
	}
}

// Poll drains buffered websocket messages without blocking.
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

// Send writes one binary websocket message to handle.
func (t *Transport) Send(handle endpoint.Handle, data []byte) error {
	t.mu.Lock()
	conn, ok := t.conns[handle]
	t.mu.Unlock()
	if !ok {
		return fmt.Errorf("bridge: unknown handle %d", handle)
	}
	return conn.WriteMessage(websocket.BinaryMessage, data)
}

// Close shuts down the server, if any, and every tracked connection.
func (t *Transport) Close() error {
	select {
	case <-t.closed:
		return nil
	default:
		close(t.closed)
	}
	t.mu.Lock()
	server := t.server
	for _, c := range t.conns {
		_ = c.Close()
	}
	t.conns = make(map[endpoint.Handle]*websocket.Conn)
	t.mu.Unlock()
	if server != nil {
		_ = server.Close()
	}
	t.wg.Wait()
	return nil
}

func (t *Transport) URI() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.uri
}

var _ endpoint.Transport = (*Transport)(nil)

// NewEndpoint wraps a fresh Transport in a worker for the bridge protocol.
func NewEndpoint(operation endpoint.Operation, onReceive endpoint.ReceiveFunc, gate endpoint.PhaseGate, log *logrus.Logger) endpoint.Endpoint {
	transport := New(log)
	return endpoint.NewWorker(endpoint.KindBridge, "bridge", operation, transport, onReceive, gate, log)
}
