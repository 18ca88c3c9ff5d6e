// Package scheduler implements the periodic driver named but never
// concretely defined by spec §4.6/§4.7/§5: a single ticker-driven loop per
// registered tick function, grounded in the teacher's context+cancel+
// ticker+logrus coordinator loop.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Tick is a unit of periodic work driven by the Scheduler (e.g. the
// Tracking Service's CheckTracked, or an event Publisher's Dispatch).
type Tick func()

type registration struct {
	name     string
	interval time.Duration
	fn       Tick
}

// Scheduler drives zero or more registered Ticks on independent tickers,
// all bound to one cancellation context.
type Scheduler struct {
	log *logrus.Logger

	mu   sync.Mutex
	regs []registration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs a Scheduler. log may be nil.
func New(log *logrus.Logger) *Scheduler {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Scheduler{log: log}
}

// Register adds a named Tick to run every interval once Start is called.
// Registrations made after Start are picked up immediately.
func (s *Scheduler) Register(name string, interval time.Duration, fn Tick) {
	s.mu.Lock()
	reg := registration{name: name, interval: interval, fn: fn}
	s.regs = append(s.regs, reg)
	running := s.ctx != nil
	ctx := s.ctx
	s.mu.Unlock()
	if running {
		s.spawn(ctx, reg)
	}
}

// Start launches every registered Tick on its own goroutine.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.ctx != nil {
		s.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	s.ctx = ctx
	s.cancel = cancel
	regs := append([]registration{}, s.regs...)
	s.mu.Unlock()

	for _, reg := range regs {
		s.spawn(ctx, reg)
	}
}

func (s *Scheduler) spawn(ctx context.Context, reg registration) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(reg.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.runTick(reg)
			}
		}
	}()
}

func (s *Scheduler) runTick(reg registration) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Errorf("scheduler: tick %q panicked: %v", reg.name, r)
		}
	}()
	reg.fn()
}

// Stop cancels every running tick and waits for its goroutine to exit.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	s.wg.Wait()
}
