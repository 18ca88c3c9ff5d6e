// Package bootstrap implements the Bootstrap Persistor (spec §4.7): a
// per-protocol set of known-peer contact addresses, persisted to a capped
// JSON file and kept current by subscribing to peer lifecycle events.
package bootstrap

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/sirupsen/logrus"

	"brypt/internal/events"
)

// Protocol identifies the transport a bootstrap address is dialed over
// (spec §6's recognized protocol tags).
type Protocol string

const (
	ProtocolTCP    Protocol = "tcp"
	ProtocolLora   Protocol = "lora"
	ProtocolBridge Protocol = "bridge"
)

func validProtocol(p Protocol) bool {
	switch p {
	case ProtocolTCP, ProtocolLora, ProtocolBridge:
		return true
	default:
		return false
	}
}

// MaxFileSize bounds the serialized known-peers file (spec §4.7).
const MaxFileSize = 12 * 1024

// fileBootstrap mirrors one element of the on-disk bootstrap target list
// (spec §6's bootstrap file grammar).
type fileBootstrap struct {
	Target string `json:"target"`
}

// fileProtocolEntry mirrors one element of the bootstrap file's top-level
// array.
type fileProtocolEntry struct {
	Protocol    string          `json:"protocol"`
	Bootstraps  []fileBootstrap `json:"bootstraps"`
}

// Entry is a single persisted bootstrap record.
type Entry struct {
	Protocol Protocol
	Address  string
}

// Persistor holds the known-peers set and serializes it to path on every
// mutation. It is safe for concurrent use.
type Persistor struct {
	log  *logrus.Logger
	path string

	mu      sync.Mutex
	entries map[Protocol]map[string]struct{}
}

// New constructs an empty Persistor bound to path. log may be nil.
func New(path string, log *logrus.Logger) *Persistor {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Persistor{
		log:     log,
		path:    path,
		entries: make(map[Protocol]map[string]struct{}),
	}
}

// Load reads the known-peers file at path. Decoding failures or an absent
// file are not fatal: the Persistor falls back to defaults and logs a
// warning (spec §4.7).
func (p *Persistor) Load(defaults []Entry) error {
	data, err := os.ReadFile(p.path)
	if err != nil {
		p.log.Warnf("bootstrap: peers file unreadable (%v), falling back to configured defaults", err)
		p.seed(defaults)
		return nil
	}

	var parsed []fileProtocolEntry
	if err := json.Unmarshal(data, &parsed); err != nil {
		p.log.Warnf("bootstrap: peers file malformed (%v), falling back to configured defaults", err)
		p.seed(defaults)
		return nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	for _, pe := range parsed {
		proto := Protocol(pe.Protocol)
		if !validProtocol(proto) {
			p.log.Warnf("bootstrap: skipping unknown protocol %q in peers file", pe.Protocol)
			continue
		}
		set := p.entries[proto]
		if set == nil {
			set = make(map[string]struct{})
			p.entries[proto] = set
		}
		for _, b := range pe.Bootstraps {
			set[b.Target] = struct{}{}
		}
	}
	return nil
}

func (p *Persistor) seed(defaults []Entry) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, e := range defaults {
		set := p.entries[e.Protocol]
		if set == nil {
			set = make(map[string]struct{})
			p.entries[e.Protocol] = set
		}
		set[e.Address] = struct{}{}
	}
}

// Insert adds address under protocol, de-duplicated, and flushes.
func (p *Persistor) Insert(protocol Protocol, address string) {
	p.mu.Lock()
	set := p.entries[protocol]
	if set == nil {
		set = make(map[string]struct{})
		p.entries[protocol] = set
	}
	set[address] = struct{}{}
	p.mu.Unlock()
	p.flush()
}

// Remove drops address from protocol's set, and flushes.
func (p *Persistor) Remove(protocol Protocol, address string) {
	p.mu.Lock()
	if set, ok := p.entries[protocol]; ok {
		delete(set, address)
	}
	p.mu.Unlock()
	p.flush()
}

// Entries returns the currently known bootstrap addresses for protocol.
func (p *Persistor) Entries(protocol Protocol) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	set := p.entries[protocol]
	out := make([]string, 0, len(set))
	for addr := range set {
		out = append(out, addr)
	}
	return out
}

// OnPeerConnected subscribes as an events.Listener for events.PeerConnected:
// it records the peer's address as a reconnect candidate.
func (p *Persistor) OnPeerConnected(e events.Event) {
	if e.Address == "" {
		return
	}
	p.Insert(Protocol(e.Protocol), e.Address)
}

// OnPeerDisconnected subscribes as an events.Listener for
// events.PeerDisconnected. Per spec §9's Open Question resolution,
// SessionClosure and NetworkShutdown retain the bootstrap entry (the peer
// may come back); HandshakeFailure is stricter than the source and drops
// it, since a peer that failed to authenticate is not a reconnect
// candidate.
func (p *Persistor) OnPeerDisconnected(e events.Event) {
	if e.Address == "" {
		return
	}
	if e.Cause == events.CauseHandshakeFailure {
		p.Remove(Protocol(e.Protocol), e.Address)
	}
	// SessionClosure / NetworkShutdown: retain, no mutation needed.
}

func (p *Persistor) flush() {
	p.mu.Lock()
	out := make([]fileProtocolEntry, 0, len(p.entries))
	for proto, set := range p.entries {
		bootstraps := make([]fileBootstrap, 0, len(set))
		for addr := range set {
			bootstraps = append(bootstraps, fileBootstrap{Target: addr})
		}
		out = append(out, fileProtocolEntry{Protocol: string(proto), Bootstraps: bootstraps})
	}
	p.mu.Unlock()

	data, err := json.Marshal(out)
	if err != nil {
		p.log.Warnf("bootstrap: encode failed, retaining in-memory set: %v", err)
		return
	}
	if len(data) > MaxFileSize {
		p.log.Warnf("bootstrap: serialized peers file would exceed %d bytes, skipping write", MaxFileSize)
		return
	}
	if err := os.WriteFile(p.path, data, 0o644); err != nil {
		p.log.Warnf("bootstrap: write failed, retaining in-memory set: %v", fmt.Errorf("write %s: %w", p.path, err))
	}
}
