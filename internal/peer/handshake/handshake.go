// Package handshake implements the default Synchronizer (spec §4.5, §9's
// "handshake synchronizer"): a minimal 3-round challenge-response exchange
// that derives a session key from both sides' nonces. Spec §1 excludes
// "third-party cryptographic primitive selection" from the core's concern,
// so this is a deliberately small reference implementation behind the
// swappable peer.Synchronizer interface — a production deployment would
// substitute a vetted protocol (e.g. Noise) without touching peer.Proxy.
package handshake

import (
	"crypto/rand"
	"encoding/binary"
	"errors"

	"golang.org/x/crypto/blake2b"

	"brypt/internal/peer"
)

const nonceSize = 16

type role int

const (
	roleClient role = iota
	roleServer
)

type round int

const (
	roundInitial round = iota
	roundChallenge
	roundResponse
	roundDone
)

// Synchronizer drives the 3-round exchange: client sends a nonce, server
// replies with its own nonce plus a signature over both, client replies
// with its own signature over both. Either side derives the session key by
// mixing both nonces through BLAKE2b once both are known.
type Synchronizer struct {
	r          role
	rnd        round
	clientNonce []byte
	serverNonce []byte
	key        []byte
}

// NewClient starts a synchronizer in the client (initiating) role.
func NewClient() *Synchronizer { return &Synchronizer{r: roleClient, rnd: roundInitial} }

// NewServer starts a synchronizer in the server (responding) role.
func NewServer() *Synchronizer { return &Synchronizer{r: roleServer, rnd: roundInitial} }

func randomNonce() ([]byte, error) {
	n := make([]byte, nonceSize)
	if _, err := rand.Read(n); err != nil {
		return nil, err
	}
	return n, nil
}

func sign(clientNonce, serverNonce []byte) ([]byte, error) {
	h, err := blake2b.New256(nil)
	if err != nil {
		return nil, err
	}
	h.Write(clientNonce)
	h.Write(serverNonce)
	return h.Sum(nil), nil
}

func deriveKey(clientNonce, serverNonce []byte) ([]byte, error) {
	h, err := blake2b.New256([]byte("brypt-handshake-session-key"))
	if err != nil {
		return nil, err
	}
	h.Write(clientNonce)
	h.Write(serverNonce)
	return h.Sum(nil), nil
}

// Step implements peer.Synchronizer. input is nil for the client's first,
// locally-initiated call.
func (s *Synchronizer) Step(input []byte) ([]byte, peer.SyncStatus, error) {
	switch s.r {
	case roleClient:
		return s.stepClient(input)
	case roleServer:
		return s.stepServer(input)
	default:
		return nil, peer.SyncError, errors.New("handshake: unknown role")
	}
}

func (s *Synchronizer) stepClient(input []byte) ([]byte, peer.SyncStatus, error) {
	switch s.rnd {
	case roundInitial:
		nonce, err := randomNonce()
		if err != nil {
			return nil, peer.SyncError, err
		}
		s.clientNonce = nonce
		s.rnd = roundChallenge
		return nonce, peer.SyncContinue, nil
	case roundChallenge:
		// input: serverNonce || signature-over(clientNonce, serverNonce)
		if len(input) != nonceSize+32 {
			return nil, peer.SyncError, errors.New("handshake: malformed challenge")
		}
		serverNonce := input[:nonceSize]
		serverSig := input[nonceSize:]
		expected, err := sign(s.clientNonce, serverNonce)
		if err != nil {
			return nil, peer.SyncError, err
		}
		if !hmacEqual(expected, serverSig) {
			return nil, peer.SyncError, errors.New("handshake: server signature mismatch")
		}
		s.serverNonce = serverNonce
		clientSig, err := sign(serverNonce, s.clientNonce)
		if err != nil {
			return nil, peer.SyncError, err
		}
		key, err := deriveKey(s.clientNonce, s.serverNonce)
		if err != nil {
			return nil, peer.SyncError, err
		}
		s.key = key
		s.rnd = roundDone
		return clientSig, peer.SyncReady, nil
	default:
		return nil, peer.SyncError, errors.New("handshake: client already complete")
	}
}

func (s *Synchronizer) stepServer(input []byte) ([]byte, peer.SyncStatus, error) {
	switch s.rnd {
	case roundInitial:
		// input: clientNonce
		if len(input) != nonceSize {
			return nil, peer.SyncError, errors.New("handshake: malformed initial frame")
		}
		s.clientNonce = input
		nonce, err := randomNonce()
		if err != nil {
			return nil, peer.SyncError, err
		}
		s.serverNonce = nonce
		sig, err := sign(s.clientNonce, s.serverNonce)
		if err != nil {
			return nil, peer.SyncError, err
		}
		s.rnd = roundResponse
		out := append(append([]byte{}, s.serverNonce...), sig...)
		return out, peer.SyncContinue, nil
	case roundResponse:
		// input: clientSignature over (serverNonce, clientNonce)
		expected, err := sign(s.serverNonce, s.clientNonce)
		if err != nil {
			return nil, peer.SyncError, err
		}
		if !hmacEqual(expected, input) {
			return nil, peer.SyncError, errors.New("handshake: client signature mismatch")
		}
		key, err := deriveKey(s.clientNonce, s.serverNonce)
		if err != nil {
			return nil, peer.SyncError, err
		}
		s.key = key
		s.rnd = roundDone
		return nil, peer.SyncReady, nil
	default:
		return nil, peer.SyncError, errors.New("handshake: server already complete")
	}
}

// CipherPackage implements peer.Synchronizer. It must only be called after
// Step has reported SyncReady.
func (s *Synchronizer) CipherPackage() peer.CipherPackage {
	return peer.CipherPackage{Key: append([]byte{}, s.key...)}
}

func hmacEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	var v byte
	for i := range a {
		v |= a[i] ^ b[i]
	}
	return v == 0
}

var _ peer.Synchronizer = (*Synchronizer)(nil)
