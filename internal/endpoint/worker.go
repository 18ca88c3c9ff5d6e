package endpoint

import (
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Transport is the per-protocol driver a Worker pumps. Concrete endpoints
// (tcp, bridge, radio) implement it, and their NewEndpoint wraps the
// transport in a Worker that owns the shared lifecycle, matching the
// source's "composed base struct, not a base class" direction.
type Transport interface {
	// Bind starts listening/receiving on address (server role).
	Bind(address string) error
	// Connect establishes an outbound association with address (client role).
	Connect(address string) error
	// Poll performs one non-blocking receive pass, delivering any available
	// frames to deliver. It must not block.
	Poll(deliver ReceiveFunc)
	// Send writes one frame to handle. Errors are retried by the Worker up
	// to MessageRetryLimit before the frame is dropped.
	Send(handle Handle, data []byte) error
	// Close releases transport descriptors.
	Close() error
	// URI reports the endpoint's bound or configured address.
	URI() string
}

type instructionKind int

const (
	instructionBind instructionKind = iota
	instructionConnect
)

type instruction struct {
	kind    instructionKind
	address string
}

type outboundFrame struct {
	handle   Handle
	data     []byte
	attempts int
}

// Worker drives a single Transport through the spec §4.3 loop: drain
// instructions, poll for inbound frames, drain a bounded batch of outbound
// frames, then sleep until new work or shutdown wakes it.
type Worker struct {
	id        Handle
	kind      Kind
	protocol  string
	operation Operation
	transport Transport
	log       *logrus.Logger
	onReceive ReceiveFunc
	gate      PhaseGate

	mu           sync.Mutex
	instructions []instruction
	outbox       []outboundFrame
	wake         chan struct{}
	done         chan struct{}
	terminate    bool
	started      bool
	wg           sync.WaitGroup

	maxOutboundPerCycle int
}

// NewWorker constructs a Worker. onReceive is invoked for every inbound
// frame; gate may be nil, in which case all sends are permitted.
func NewWorker(kind Kind, protocol string, operation Operation, transport Transport, onReceive ReceiveFunc, gate PhaseGate, log *logrus.Logger) *Worker {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Worker{
		kind:                kind,
		protocol:            protocol,
		operation:           operation,
		transport:           transport,
		onReceive:           onReceive,
		gate:                gate,
		log:                 log,
		wake:                make(chan struct{}, 1),
		done:                make(chan struct{}),
		maxOutboundPerCycle: 32,
	}
}

func (w *Worker) InternalType() Kind    { return w.kind }
func (w *Worker) ProtocolType() string  { return w.protocol }
func (w *Worker) URI() string           { return w.transport.URI() }

// Startup launches the worker goroutine. It is idempotent.
func (w *Worker) Startup() error {
	w.mu.Lock()
	if w.started {
		w.mu.Unlock()
		return nil
	}
	w.started = true
	w.mu.Unlock()

	w.wg.Add(1)
	go w.loop()
	return nil
}

// ScheduleBind enqueues a bind instruction for the worker loop to execute.
func (w *Worker) ScheduleBind(address string) error {
	return w.enqueueInstruction(instruction{kind: instructionBind, address: address})
}

// ScheduleConnect enqueues a connect instruction for the worker loop to execute.
func (w *Worker) ScheduleConnect(address string) error {
	return w.enqueueInstruction(instruction{kind: instructionConnect, address: address})
}

func (w *Worker) enqueueInstruction(ins instruction) error {
	w.mu.Lock()
	if w.terminate {
		w.mu.Unlock()
		return fmt.Errorf("endpoint: worker shutting down")
	}
	w.instructions = append(w.instructions, ins)
	w.mu.Unlock()
	w.signal()
	return nil
}

// ScheduleSend enqueues an outbound frame. Phase-gate violations are
// skipped and logged, never returned as an error (spec §4.3).
func (w *Worker) ScheduleSend(handle Handle, data []byte) error {
	if w.gate != nil && !w.gate.AllowSend(handle) {
		w.log.Warnf("endpoint[%s]: skipping send to %d, phase gate closed", w.protocol, handle)
		return nil
	}
	w.mu.Lock()
	if w.terminate {
		w.mu.Unlock()
		return fmt.Errorf("endpoint: worker shutting down")
	}
	w.outbox = append(w.outbox, outboundFrame{handle: handle, data: data})
	w.mu.Unlock()
	w.signal()
	return nil
}

func (w *Worker) signal() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// Shutdown sets the terminate flag, wakes the worker, and joins it.
func (w *Worker) Shutdown() error {
	w.mu.Lock()
	if w.terminate {
		w.mu.Unlock()
		w.wg.Wait()
		return nil
	}
	w.terminate = true
	w.mu.Unlock()
	close(w.done)
	w.wg.Wait()
	return w.transport.Close()
}

func (w *Worker) loop() {
	defer w.wg.Done()
	ticker := time.NewTicker(CycleTimeout)
	defer ticker.Stop()
	for {
		w.drainInstructions()
		w.transport.Poll(w.onReceive)
		w.drainOutbound()

		select {
		case <-w.done:
			return
		case <-w.wake:
		case <-ticker.C:
		}

		w.mu.Lock()
		terminate := w.terminate
		w.mu.Unlock()
		if terminate {
			// Drain whatever remains once more before exiting so no
			// already-queued frame is silently lost on shutdown.
			w.drainInstructions()
			w.transport.Poll(w.onReceive)
			w.drainOutbound()
			return
		}
	}
}

func (w *Worker) drainInstructions() {
	w.mu.Lock()
	pending := w.instructions
	w.instructions = nil
	w.mu.Unlock()

	for _, ins := range pending {
		var err error
		switch ins.kind {
		case instructionBind:
			err = w.transport.Bind(ins.address)
		case instructionConnect:
			err = w.transport.Connect(ins.address)
		}
		if err != nil {
			w.log.Warnf("endpoint[%s]: instruction %v failed: %v", w.protocol, ins, err)
		}
	}
}

func (w *Worker) drainOutbound() {
	w.mu.Lock()
	n := len(w.outbox)
	if n > w.maxOutboundPerCycle {
		n = w.maxOutboundPerCycle
	}
	batch := w.outbox[:n]
	w.outbox = w.outbox[n:]
	w.mu.Unlock()

	var retry []outboundFrame
	for _, frame := range batch {
		if err := w.transport.Send(frame.handle, frame.data); err != nil {
			frame.attempts++
			if frame.attempts >= MessageRetryLimit {
				w.log.Warnf("endpoint[%s]: dropping frame to %d after %d attempts: %v", w.protocol, frame.handle, frame.attempts, err)
				continue
			}
			retry = append(retry, frame)
		}
	}
	if len(retry) > 0 {
		w.mu.Lock()
		w.outbox = append(retry, w.outbox...)
		w.mu.Unlock()
	}
}
