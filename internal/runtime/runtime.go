// Package runtime wires the seven core components into a running node
// (spec §9's "explicit dependency-injected singletons passed into setup()"):
// no package-level mutable state, a single Setup constructor building
// everything in dependency order.
package runtime

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"brypt/internal/awaitable"
	"brypt/internal/bootstrap"
	"brypt/internal/endpoint"
	"brypt/internal/endpoint/bridge"
	"brypt/internal/endpoint/radio"
	"brypt/internal/endpoint/tcp"
	"brypt/internal/envelope"
	"brypt/internal/events"
	"brypt/internal/identifier"
	"brypt/internal/peer"
	"brypt/internal/peer/handshake"
	"brypt/internal/scheduler"
	"brypt/internal/tracker"
	"brypt/pkg/config"
)

// RequestHandler processes a request-phase envelope once a proxy has
// authenticated it, returning the application payload and status to send
// back (spec §2: "if request-bound, handed to application handlers").
type RequestHandler func(from identifier.ID, e envelope.Envelope) ([]byte, envelope.StatusCode)

// Runtime holds every wired core-runtime singleton.
type Runtime struct {
	Self       identifier.ID
	Log        *logrus.Logger
	Tracker    *tracker.Tracker
	Publisher  *events.Publisher
	Awaiter    *awaitable.Service
	Resolution *peer.Service
	Bootstrap  *bootstrap.Persistor
	Scheduler  *scheduler.Scheduler

	mu        sync.Mutex
	endpoints map[string]endpoint.Endpoint
	pending   map[endpoint.Handle]*peer.Proxy

	requestHandler RequestHandler
	cfg            config.Config
}

// Setup constructs every component in dependency order and wires their
// callbacks. It is the sole entry point the outer program (cmd/bryptd)
// calls. The only process-wide state it touches is the Prometheus default
// registry, where the Awaitable Service's counters are registered.
func Setup(cfg config.Config, requestHandler RequestHandler, log *logrus.Logger) (*Runtime, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}

	self, err := selfIdentifier(cfg.NodeIdentifier)
	if err != nil {
		return nil, fmt.Errorf("runtime: identifier: %w", err)
	}

	rt := &Runtime{
		Self:           self,
		Log:            log,
		Tracker:        tracker.New(),
		Publisher:      events.New("runtime"),
		Awaiter:        awaitable.New(log, prometheus.DefaultRegisterer),
		Scheduler:      scheduler.New(log),
		endpoints:      make(map[string]endpoint.Endpoint),
		pending:        make(map[endpoint.Handle]*peer.Proxy),
		requestHandler: requestHandler,
		cfg:            cfg,
	}

	peersFile := cfg.PeersFile
	if peersFile == "" {
		peersFile = "known_peers.json"
	}
	rt.Bootstrap = bootstrap.New(peersFile, log)

	rt.Publisher.Advertise(events.PeerResolving, events.PeerConnected, events.PeerDisconnected, events.EndpointFailed)
	rt.Publisher.Subscribe(events.PeerResolving, func(events.Event) {})
	rt.Publisher.Subscribe(events.PeerConnected, rt.Bootstrap.OnPeerConnected)
	rt.Publisher.Subscribe(events.PeerDisconnected, rt.Bootstrap.OnPeerDisconnected)
	rt.Publisher.Subscribe(events.EndpointFailed, func(e events.Event) {
		log.Warnf("runtime: endpoint failed: protocol=%s address=%s", e.Protocol, e.Address)
	})
	if err := rt.Publisher.Suspend(); err != nil {
		return nil, fmt.Errorf("runtime: event publisher: %w", err)
	}

	var defaults []bootstrap.Entry
	for _, p := range cfg.Protocols {
		for _, addr := range p.Bootstraps {
			defaults = append(defaults, bootstrap.Entry{Protocol: bootstrap.Protocol(p.Kind), Address: addr})
		}
	}
	if err := rt.Bootstrap.Load(defaults); err != nil {
		return nil, fmt.Errorf("runtime: bootstrap: %w", err)
	}

	synchronizerFactory := func(operation endpoint.Operation) peer.Synchronizer {
		if operation == endpoint.OperationClient {
			return handshake.NewClient()
		}
		return handshake.NewServer()
	}
	rt.Resolution = peer.NewService(synchronizerFactory, rt.Publisher, rt.Tracker, rt.Awaiter, self, nil, log)

	for _, p := range cfg.Protocols {
		ep, err := rt.buildEndpoint(p)
		if err != nil {
			return nil, fmt.Errorf("runtime: endpoint %s: %w", p.Kind, err)
		}
		rt.endpoints[p.Kind] = ep
	}

	rt.Scheduler.Register("awaitable-check", awaitable.CheckInterval, rt.Awaiter.CheckTracked)
	rt.Scheduler.Register("event-dispatch", cycleTimeoutOrDefault(cfg), func() { rt.Publisher.Dispatch() })

	return rt, nil
}

func selfIdentifier(configured string) (identifier.ID, error) {
	if configured == "" {
		return identifier.Generate()
	}
	return identifier.Decode(configured)
}

func cycleTimeoutOrDefault(c config.Config) time.Duration {
	if c.CycleTimeout > 0 {
		return c.CycleTimeout
	}
	return endpoint.CycleTimeout
}

func (rt *Runtime) buildEndpoint(p config.ProtocolConfig) (endpoint.Endpoint, error) {
	onReceive := func(handle endpoint.Handle, data []byte) {
		rt.onReceive(p.Kind, handle, data)
	}
	gate := endpoint.PhaseGate(nil)

	var ep endpoint.Endpoint
	switch p.Kind {
	case "tcp":
		ep = tcp.NewEndpoint(endpoint.OperationServer, onReceive, gate, rt.Log)
	case "lora":
		ep = radio.NewEndpoint(endpoint.OperationServer, onReceive, gate, rt.Log)
	case "bridge":
		ep = bridge.NewEndpoint(endpoint.OperationServer, onReceive, gate, rt.Log)
	default:
		return nil, fmt.Errorf("unknown protocol kind %q", p.Kind)
	}

	if err := ep.Startup(); err != nil {
		return nil, err
	}
	for _, b := range p.Bindings {
		if err := ep.ScheduleBind(b); err != nil {
			return nil, err
		}
	}
	return ep, nil
}

// onReceive implements the spec §2 control-flow entry point: an Endpoint
// hands raw bytes to the Connection Tracker lookup, which yields the owning
// Peer Proxy (creating one for a not-yet-seen handle), and forwards bytes
// into its security processor.
func (rt *Runtime) onReceive(protocol string, handle endpoint.Handle, data []byte) {
	rt.mu.Lock()
	p, ok := rt.pending[handle]
	if !ok {
		p = peer.New(handshake.NewServer(), rt.Publisher, rt, nil, rt.Log)
		p.RegisterEndpoint(handle, protocol, "", rt.sendVia(protocol, handle))
		rt.pending[handle] = p
		rt.Tracker.Track(handle, "")
	}
	rt.mu.Unlock()

	if len(data) == 0 {
		rt.Tracker.SetState(handle, tracker.StateDisconnected)
		return
	}
	p.ScheduleReceive(handle, data)
}

func (rt *Runtime) sendVia(protocol string, _ endpoint.Handle) func(endpoint.Handle, []byte) error {
	return func(h endpoint.Handle, data []byte) error {
		rt.mu.Lock()
		ep, ok := rt.endpoints[protocol]
		rt.mu.Unlock()
		if !ok {
			return fmt.Errorf("runtime: no endpoint registered for protocol %q", protocol)
		}
		return ep.ScheduleSend(h, data)
	}
}

// HandleEnvelope implements peer.MessageSink. The first authenticated
// envelope from a proxy establishes its resolved identity (spec §4.5's
// resolution completing once the application layer confirms who it's
// talking to); subsequent envelopes route by phase: responses to the
// Awaitable Service, requests to the registered handler.
func (rt *Runtime) HandleEnvelope(from *peer.Proxy, e envelope.Envelope) {
	if !from.NodeID().Valid() {
		from.SetNodeID(e.Source)
		rt.Resolution.Adopt(from, e.Source)
	}

	if !e.Await.Empty() && e.Phase == envelope.PhaseResponse {
		var token awaitable.Token
		copy(token[:], e.Await[:])
		if err := rt.Awaiter.Process(token, e.Source, e.Payload); err != nil {
			rt.Log.Debugf("runtime: awaitable process: %v", err)
		}
		return
	}

	if rt.requestHandler == nil {
		return
	}
	payload, status := rt.requestHandler(e.Source, e)
	builder := envelope.NewBuilder(rt.Self, envelope.Destination{Kind: envelope.DestinationUnicast, Target: e.Source}).
		WithAwait(e.Await).
		WithRoute(e.Route).
		WithCommand(e.Command, envelope.PhaseResponse).
		WithPayload(payload).
		WithStatus(status).
		WithNonce(from.NextNonce())
	resp, err := builder.ValidatedBuild(from.SessionKey())
	if err != nil {
		rt.Log.Warnf("runtime: response build failed: %v", err)
		return
	}
	packed, err := resp.Pack(from.SessionKey())
	if err != nil {
		rt.Log.Warnf("runtime: response pack failed: %v", err)
		return
	}
	if err := from.Send(packed, envelope.PhaseResponse); err != nil {
		rt.Log.Warnf("runtime: response send failed: %v", err)
	}
}

// Shutdown sets the terminate flag on every endpoint, joins their workers,
// and stops the scheduler (spec §5).
func (rt *Runtime) Shutdown() error {
	rt.Scheduler.Stop()
	rt.mu.Lock()
	endpoints := make([]endpoint.Endpoint, 0, len(rt.endpoints))
	for _, ep := range rt.endpoints {
		endpoints = append(endpoints, ep)
	}
	rt.mu.Unlock()

	var firstErr error
	for _, ep := range endpoints {
		if err := ep.Shutdown(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	rt.Resolution.ForEach(peer.FilterActive, func(p *peer.Proxy) {
		p.Withdraw(peer.CauseNetworkShutdown)
	})
	return firstErr
}

// Run blocks until ctx is cancelled, then shuts down cleanly.
func (rt *Runtime) Run(ctx context.Context) error {
	rt.Scheduler.Start(ctx)
	<-ctx.Done()
	return rt.Shutdown()
}
