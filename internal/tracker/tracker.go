// Package tracker implements the Connection Tracker: a multi-indexed
// registry mapping transport handles to node identifiers and remote
// addresses, carrying per-connection state and update timestamps.
//
// Per the source's anti-cyclic-reference redesign (spec §9), the tracker
// never holds a reference to a Peer Proxy — only the node identifier it
// resolves to. The Resolution Service owns proxies.
package tracker

import (
	"errors"
	"sync"
	"time"

	"brypt/internal/endpoint"
	"brypt/internal/identifier"
)

// State enumerates a connection's lifecycle stage.
type State int

const (
	StateResolving State = iota
	StateConnected
	StateDisconnected
	StateUnknown
)

// StateMask is a bitmask composition of States, letting a caller request
// e.g. Connected|Resolving in one iteration pass.
type StateMask uint8

func MaskOf(states ...State) StateMask {
	var m StateMask
	for _, s := range states {
		m |= 1 << uint(s)
	}
	return m
}

// AllStates matches every connection regardless of state.
const AllStates StateMask = StateMask(1<<StateResolving | 1<<StateConnected | 1<<StateDisconnected | 1<<StateUnknown)

func (m StateMask) matches(s State) bool { return m&(1<<uint(s)) != 0 }

// Promotion filters entries by whether a node identifier has been attached.
type Promotion int

const (
	PromotionAny Promotion = iota
	PromotionPromoted
	PromotionUnpromoted
)

// Details is the per-connection record carried alongside a handle.
type Details struct {
	RemoteAddress string
	LastUpdate    time.Time
	State         State
	NodeID        identifier.ID // zero value (invalid) until Promote is called
}

func (d Details) promoted() bool { return d.NodeID.Valid() }

// IterResult controls whether an iteration continues or stops early.
type IterResult int

const (
	Continue IterResult = iota
	Stop
)

// Filter narrows which entries ForEach/ReadEach/UpdateEach visit.
type Filter struct {
	States     StateMask
	Promotion  Promotion
	UpdatedAfter time.Time // zero value disables this predicate
}

// DefaultFilter matches every tracked connection.
func DefaultFilter() Filter { return Filter{States: AllStates} }

func (f Filter) match(d Details) bool {
	mask := f.States
	if mask == 0 {
		mask = AllStates
	}
	if !mask.matches(d.State) {
		return false
	}
	switch f.Promotion {
	case PromotionPromoted:
		if !d.promoted() {
			return false
		}
	case PromotionUnpromoted:
		if d.promoted() {
			return false
		}
	}
	if !f.UpdatedAfter.IsZero() && d.LastUpdate.Before(f.UpdatedAfter) {
		return false
	}
	return true
}

var (
	ErrAlreadyTracked = errors.New("tracker: handle already tracked")
	ErrNotTracked     = errors.New("tracker: handle not tracked")
	ErrNotFound       = errors.New("tracker: not found")
)

type entry struct {
	handle  endpoint.Handle
	details Details
}

// Tracker is the multi-indexed connection registry. It is safe for
// concurrent use; iteration callbacks may themselves call back into the
// Tracker (e.g. Untrack a peer while iterating) because ForEach/ReadEach/
// UpdateEach invoke callbacks against a point-in-time snapshot taken under
// the lock, rather than while holding it — Go has no recursive mutex, so
// this is the idiomatic equivalent of the source's reentrant-lock contract.
type Tracker struct {
	mu        sync.Mutex
	byHandle  map[endpoint.Handle]*entry
	byNode    map[identifier.ID]endpoint.Handle
	byAddress map[string]endpoint.Handle
}

// New constructs an empty Tracker.
func New() *Tracker {
	return &Tracker{
		byHandle:  make(map[endpoint.Handle]*entry),
		byNode:    make(map[identifier.ID]endpoint.Handle),
		byAddress: make(map[string]endpoint.Handle),
	}
}

// Track inserts a Resolving entry for handle. It is a no-op if the handle
// is already tracked.
func (t *Tracker) Track(handle endpoint.Handle, address string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.byHandle[handle]; ok {
		return
	}
	t.byHandle[handle] = &entry{
		handle: handle,
		details: Details{
			RemoteAddress: address,
			LastUpdate:    time.Now(),
			State:         StateResolving,
		},
	}
	if address != "" {
		t.byAddress[address] = handle
	}
}

// Promote attaches a resolved node identifier and connected state to an
// existing handle. It fails if the handle is not tracked.
func (t *Tracker) Promote(handle endpoint.Handle, nodeID identifier.ID) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.byHandle[handle]
	if !ok {
		return ErrNotTracked
	}
	e.details.NodeID = nodeID
	e.details.State = StateConnected
	e.details.LastUpdate = time.Now()
	t.byNode[nodeID] = handle
	return nil
}

// SetState updates a tracked entry's connection state.
func (t *Tracker) SetState(handle endpoint.Handle, state State) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.byHandle[handle]
	if !ok {
		return ErrNotTracked
	}
	e.details.State = state
	e.details.LastUpdate = time.Now()
	return nil
}

// Untrack removes handle and its secondary-index entries.
func (t *Tracker) Untrack(handle endpoint.Handle) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.byHandle[handle]
	if !ok {
		return
	}
	delete(t.byHandle, handle)
	if e.details.NodeID.Valid() {
		delete(t.byNode, e.details.NodeID)
	}
	if e.details.RemoteAddress != "" {
		delete(t.byAddress, e.details.RemoteAddress)
	}
}

// TranslateHandle resolves a handle to its promoted node identifier.
func (t *Tracker) TranslateHandle(handle endpoint.Handle) (identifier.ID, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.byHandle[handle]
	if !ok || !e.details.NodeID.Valid() {
		return identifier.ID{}, false
	}
	return e.details.NodeID, true
}

// TranslateNode resolves a node identifier to its tracked handle.
func (t *Tracker) TranslateNode(id identifier.ID) (endpoint.Handle, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	h, ok := t.byNode[id]
	return h, ok
}

// IsURITracked reports whether address has an associated handle.
func (t *Tracker) IsURITracked(address string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.byAddress[address]
	return ok
}

// Size returns the number of tracked connections.
func (t *Tracker) Size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.byHandle)
}

// IsEmpty reports whether the tracker holds no connections.
func (t *Tracker) IsEmpty() bool { return t.Size() == 0 }

// Reset removes every tracked connection.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.byHandle = make(map[endpoint.Handle]*entry)
	t.byNode = make(map[identifier.ID]endpoint.Handle)
	t.byAddress = make(map[string]endpoint.Handle)
}

func (t *Tracker) snapshot(filter Filter) []entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]entry, 0, len(t.byHandle))
	for _, e := range t.byHandle {
		if filter.match(e.details) {
			out = append(out, *e)
		}
	}
	return out
}

// ForEach visits matching entries read-only, stopping early if fn returns Stop.
func (t *Tracker) ForEach(filter Filter, fn func(endpoint.Handle, Details) IterResult) {
	for _, e := range t.snapshot(filter) {
		if fn(e.handle, e.details) == Stop {
			return
		}
	}
}

// ReadEach is an alias for ForEach kept for parity with the source's naming
// of its read-only iteration entry point.
func (t *Tracker) ReadEach(filter Filter, fn func(endpoint.Handle, Details) IterResult) {
	t.ForEach(filter, fn)
}

// UpdateEach visits matching entries, writing back whatever mutation fn
// makes to the Details value it receives.
func (t *Tracker) UpdateEach(filter Filter, fn func(endpoint.Handle, Details) (Details, IterResult)) {
	for _, snap := range t.snapshot(filter) {
		updated, result := fn(snap.handle, snap.details)
		t.mu.Lock()
		if e, ok := t.byHandle[snap.handle]; ok {
			e.details = updated
		}
		t.mu.Unlock()
		if result == Stop {
			return
		}
	}
}
