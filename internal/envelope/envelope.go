package envelope

import (
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/blake2b"

	"brypt/internal/identifier"
)

// Control bytes delimiting the packed wire form. Chosen, as the source
// design mandates, so they never collide with base58 identifier bytes or
// alphanumeric route/command components.
const (
	ctrlSOH = 0x01 // start of envelope
	ctrlETX = 0x03 // end of chunk text
	ctrlUS  = 0x1F // unit separator, closes a chunk alongside ETX
	ctrlEOT = 0x04 // end of transmission, precedes the raw tag
)

const tagSize = 32 // blake2b-256 output

// DestinationKind enumerates the logical addressing modes.
type DestinationKind int

const (
	DestinationUnicast DestinationKind = iota
	DestinationCluster
	DestinationNetwork
)

// Destination is the envelope's logical recipient: a single node, every
// authorized peer in the cluster, or the whole network.
type Destination struct {
	Kind   DestinationKind
	Target identifier.ID // only meaningful when Kind == DestinationUnicast
}

func (d Destination) encode() string {
	switch d.Kind {
	case DestinationUnicast:
		return "u:" + d.Target.Encode()
	case DestinationCluster:
		return "cluster"
	case DestinationNetwork:
		return "network"
	default:
		return ""
	}
}

func decodeDestination(s string) (Destination, error) {
	switch {
	case s == "cluster":
		return Destination{Kind: DestinationCluster}, nil
	case s == "network":
		return Destination{Kind: DestinationNetwork}, nil
	case strings.HasPrefix(s, "u:"):
		id, err := identifier.Decode(s[2:])
		if err != nil {
			return Destination{}, err
		}
		return Destination{Kind: DestinationUnicast, Target: id}, nil
	default:
		return Destination{}, errors.New("envelope: unrecognized destination")
	}
}

// Valid reports whether d is a well-formed destination.
func (d Destination) Valid() bool {
	switch d.Kind {
	case DestinationCluster, DestinationNetwork:
		return true
	case DestinationUnicast:
		return d.Target.Valid()
	default:
		return false
	}
}

// Phase is a command's position within its state machine, advancing by one
// on each reply.
type Phase int

const (
	PhaseRequest Phase = iota
	PhaseResponse
	PhaseNotify
)

func (p Phase) String() string {
	switch p {
	case PhaseRequest:
		return "request"
	case PhaseResponse:
		return "response"
	case PhaseNotify:
		return "notify"
	default:
		return "unknown"
	}
}

// StatusCode is carried in the envelope's extension block, set on response
// phases to report the outcome of handling a request.
type StatusCode int

const (
	StatusNone StatusCode = iota
	StatusOK
	StatusRejected
	StatusNotFound
)

// AwaitToken correlates a response to its originating request.
type AwaitToken [16]byte

// Empty reports whether the token is the zero value (unset).
func (t AwaitToken) Empty() bool { return t == AwaitToken{} }

func (t AwaitToken) encode() string {
	if t.Empty() {
		return ""
	}
	return fmt.Sprintf("%x", t[:])
}

func decodeAwaitToken(s string) (AwaitToken, error) {
	var tok AwaitToken
	if s == "" {
		return tok, nil
	}
	if len(s) != 32 {
		return tok, errors.New("envelope: malformed await token")
	}
	decoded, err := hex.DecodeString(s)
	if err != nil {
		return tok, fmt.Errorf("envelope: malformed await token: %w", err)
	}
	copy(tok[:], decoded)
	return tok, nil
}

// Envelope is the decoded representation of a request or response parcel.
type Envelope struct {
	Source      identifier.ID
	Destination Destination
	Await       AwaitToken
	Route       Route
	Command     string
	Phase       Phase
	Payload     []byte
	Nonce       uint64
	Timestamp   time.Time
	Status      StatusCode
	Tag         []byte // set by ValidatedBuild, and by Unpack/Validate from the wire bytes; nil for an Unsigned build
}

// ErrPayloadTooLarge is returned when a builder's payload exceeds the
// envelope's maximum carriable size (2^16 bytes).
var ErrPayloadTooLarge = errors.New("envelope: payload too large")

const MaxPayloadSize = 1 << 16

// Builder accumulates envelope fields before a validated build.
type Builder struct {
	source      identifier.ID
	destination Destination
	await       AwaitToken
	route       Route
	command     string
	phase       Phase
	payload     []byte
	status      StatusCode
	nonce       uint64
	err         error
}

// NewBuilder starts a builder for an envelope from source to destination.
func NewBuilder(source identifier.ID, destination Destination) *Builder {
	return &Builder{source: source, destination: destination}
}

// WithAwait binds a request/response correlation token.
func (b *Builder) WithAwait(token AwaitToken) *Builder {
	b.await = token
	return b
}

// WithRoute sets the logical route path.
func (b *Builder) WithRoute(r Route) *Builder {
	b.route = r
	return b
}

// WithCommand sets the command type and phase.
func (b *Builder) WithCommand(command string, phase Phase) *Builder {
	b.command = command
	b.phase = phase
	return b
}

// WithPayload sets the application payload.
func (b *Builder) WithPayload(payload []byte) *Builder {
	if len(payload) > MaxPayloadSize {
		b.err = ErrPayloadTooLarge
		return b
	}
	b.payload = payload
	return b
}

// WithStatus sets the response status extension.
func (b *Builder) WithStatus(status StatusCode) *Builder {
	b.status = status
	return b
}

// WithNonce sets the per-session monotonic nonce.
func (b *Builder) WithNonce(nonce uint64) *Builder {
	b.nonce = nonce
	return b
}

// Build assembles the envelope without attaching a session key, for
// handshake traffic that precedes an authenticated session. The result is
// Unsigned: Tag is nil.
func (b *Builder) Build() (Envelope, error) {
	return b.build(nil)
}

// ValidatedBuild assembles the envelope and attaches an authentication tag
// keyed by the session key. It fails if the source, destination, or payload
// size are invalid. The route is not checked: an envelope with a zero-value
// Route builds and packs with an empty route.
func (b *Builder) ValidatedBuild(sessionKey []byte) (Envelope, error) {
	if len(sessionKey) == 0 {
		return Envelope{}, errors.New("envelope: validated build requires a session key")
	}
	return b.build(sessionKey)
}

func (b *Builder) build(sessionKey []byte) (Envelope, error) {
	if b.err != nil {
		return Envelope{}, b.err
	}
	if !b.source.Valid() {
		return Envelope{}, errors.New("envelope: invalid source")
	}
	if !b.destination.Valid() {
		return Envelope{}, errors.New("envelope: invalid destination")
	}
	e := Envelope{
		Source:      b.source,
		Destination: b.destination,
		Await:       b.await,
		Route:       b.route,
		Command:     b.command,
		Phase:       b.phase,
		Payload:     append([]byte{}, b.payload...),
		Nonce:       b.nonce,
		Timestamp:   time.Now().UTC(),
		Status:      b.status,
	}
	if sessionKey != nil {
		packed, err := e.pack(sessionKey)
		if err != nil {
			return Envelope{}, err
		}
		e.Tag = packed.Tag
	}
	return e, nil
}

// packed holds the raw wire bytes alongside the tag span, so Pack and
// Validate share one encoding path.
type packed struct {
	Bytes []byte
	Tag   []byte
}

func writeChunk(buf []byte, s string) []byte {
	buf = append(buf, s...)
	buf = append(buf, ctrlETX, ctrlUS)
	return buf
}

// pack renders the envelope to its wire form, computing the authentication
// tag over every byte except the tag itself when sessionKey is non-nil.
func (e Envelope) pack(sessionKey []byte) (packed, error) {
	buf := []byte{ctrlSOH}
	buf = writeChunk(buf, e.Source.Encode())
	buf = writeChunk(buf, e.Destination.encode())
	buf = writeChunk(buf, e.Await.encode())
	buf = writeChunk(buf, encodeCommand(e.Route, e.Command))
	buf = writeChunk(buf, strconv.Itoa(int(e.Phase)))
	buf = writeChunk(buf, strconv.FormatUint(e.Nonce, 10))
	buf = writeChunk(buf, strconv.Itoa(len(e.Payload)))
	buf = append(buf, e.Payload...)
	buf = append(buf, ctrlETX, ctrlUS)
	buf = writeChunk(buf, strconv.FormatInt(e.Timestamp.UnixNano(), 10))
	buf = writeChunk(buf, encodeExtensions(e))
	buf = append(buf, ctrlEOT)

	var tag []byte
	if sessionKey != nil {
		tag = authenticate(sessionKey, buf)
		buf = append(buf, tag...)
	}
	return packed{Bytes: buf, Tag: tag}, nil
}

// Pack renders the envelope's wire bytes, re-signing with sessionKey if
// provided (nil produces an Unsigned frame with no trailing tag).
func (e Envelope) Pack(sessionKey []byte) ([]byte, error) {
	p, err := e.pack(sessionKey)
	if err != nil {
		return nil, err
	}
	return p.Bytes, nil
}

// encodeCommand packs the route and command into the wire format's single
// "cmd" chunk as "<route>:<command>", since the packed envelope carries no
// separate route field. Route components are alphanumeric, so decodeCommand
// splits at the last colon; the command itself is not validated, and one
// containing a colon makes the chunk fail to decode.
func encodeCommand(route Route, command string) string {
	return route.String() + ":" + command
}

func decodeCommand(s string) (Route, string, error) {
	idx := strings.LastIndexByte(s, ':')
	if idx < 0 {
		return Route{}, "", errors.New("envelope: malformed command chunk")
	}
	routeStr, command := s[:idx], s[idx+1:]
	if routeStr == "" {
		return Route{}, command, nil
	}
	route, err := ParseRoute(routeStr)
	if err != nil {
		return Route{}, "", err
	}
	return route, command, nil
}

func encodeExtensions(e Envelope) string {
	if e.Status == StatusNone {
		return ""
	}
	return strconv.Itoa(int(e.Status))
}

func authenticate(key, data []byte) []byte {
	h, err := blake2b.New256(key)
	if err != nil {
		// blake2b.New256 only fails for keys longer than 64 bytes; session
		// keys in this runtime are fixed-size, so fall back to an unkeyed
		// hash rather than panicking on malformed input.
		h, _ = blake2b.New256(nil)
	}
	h.Write(data)
	return h.Sum(nil)
}

// Result classifies the outcome of Validate.
type Result int

const (
	Success Result = iota
	DecodeError
	BadAuth
	NonceRegression
	UnknownSource
	RouteInvalid
)

func (r Result) String() string {
	switch r {
	case Success:
		return "success"
	case DecodeError:
		return "decode_error"
	case BadAuth:
		return "bad_auth"
	case NonceRegression:
		return "nonce_regression"
	case UnknownSource:
		return "unknown_source"
	case RouteInvalid:
		return "route_invalid"
	default:
		return "unknown"
	}
}

func readChunk(buf []byte) (chunk []byte, rest []byte, err error) {
	for i := 0; i+1 < len(buf); i++ {
		if buf[i] == ctrlETX && buf[i+1] == ctrlUS {
			return buf[:i], buf[i+2:], nil
		}
	}
	return nil, nil, errors.New("envelope: truncated chunk")
}

// Unpack parses a packed byte stream into an Envelope, without verifying the
// authentication tag (see Validate). It supports the legacy convention of a
// ";<await-token-hex>" suffix embedded in the destination chunk.
func Unpack(data []byte) (Envelope, error) {
	if len(data) == 0 || data[0] != ctrlSOH {
		return Envelope{}, errors.New("envelope: missing start marker")
	}
	buf := data[1:]

	sourceChunk, buf, err := readChunk(buf)
	if err != nil {
		return Envelope{}, err
	}
	source, err := identifier.Decode(string(sourceChunk))
	if err != nil {
		return Envelope{}, fmt.Errorf("envelope: source: %w", err)
	}

	destChunk, buf, err := readChunk(buf)
	if err != nil {
		return Envelope{}, err
	}
	destStr := string(destChunk)
	var legacyAwaitHex string
	if idx := strings.IndexByte(destStr, ';'); idx >= 0 {
		legacyAwaitHex = destStr[idx+1:]
		destStr = destStr[:idx]
	}
	destination, err := decodeDestination(destStr)
	if err != nil {
		return Envelope{}, err
	}

	awaitChunk, buf, err := readChunk(buf)
	if err != nil {
		return Envelope{}, err
	}
	awaitStr := string(awaitChunk)
	if awaitStr == "" {
		awaitStr = legacyAwaitHex
	}
	await, err := decodeAwaitToken(awaitStr)
	if err != nil {
		return Envelope{}, err
	}

	cmdChunk, buf, err := readChunk(buf)
	if err != nil {
		return Envelope{}, err
	}
	route, command, err := decodeCommand(string(cmdChunk))
	if err != nil {
		return Envelope{}, fmt.Errorf("envelope: %w: %v", ErrRouteInvalid, err)
	}

	phaseChunk, buf, err := readChunk(buf)
	if err != nil {
		return Envelope{}, err
	}
	phaseVal, err := strconv.Atoi(string(phaseChunk))
	if err != nil {
		return Envelope{}, fmt.Errorf("envelope: phase: %w", err)
	}

	nonceChunk, buf, err := readChunk(buf)
	if err != nil {
		return Envelope{}, err
	}
	nonce, err := strconv.ParseUint(string(nonceChunk), 10, 64)
	if err != nil {
		return Envelope{}, fmt.Errorf("envelope: nonce: %w", err)
	}

	sizeChunk, buf, err := readChunk(buf)
	if err != nil {
		return Envelope{}, err
	}
	size, err := strconv.Atoi(string(sizeChunk))
	if err != nil || size < 0 {
		return Envelope{}, fmt.Errorf("envelope: size: invalid")
	}
	if size > len(buf) {
		return Envelope{}, errors.New("envelope: truncated payload")
	}
	payload := append([]byte{}, buf[:size]...)
	buf = buf[size:]
	if len(buf) < 2 || buf[0] != ctrlETX || buf[1] != ctrlUS {
		return Envelope{}, errors.New("envelope: malformed payload terminator")
	}
	buf = buf[2:]

	tsChunk, buf, err := readChunk(buf)
	if err != nil {
		return Envelope{}, err
	}
	tsNano, err := strconv.ParseInt(string(tsChunk), 10, 64)
	if err != nil {
		return Envelope{}, fmt.Errorf("envelope: timestamp: %w", err)
	}

	extChunk, buf, err := readChunk(buf)
	if err != nil {
		return Envelope{}, err
	}
	status := StatusNone
	if len(extChunk) > 0 {
		statusVal, err := strconv.Atoi(string(extChunk))
		if err != nil {
			return Envelope{}, fmt.Errorf("envelope: extensions: %w", err)
		}
		status = StatusCode(statusVal)
	}

	if len(buf) == 0 || buf[0] != ctrlEOT {
		return Envelope{}, errors.New("envelope: missing end marker")
	}
	tag := append([]byte{}, buf[1:]...)

	e := Envelope{
		Source:      source,
		Destination: destination,
		Await:       await,
		Route:       route,
		Command:     command,
		Phase:       Phase(phaseVal),
		Nonce:       nonce,
		Payload:     payload,
		Timestamp:   time.Unix(0, tsNano).UTC(),
		Status:      status,
		Tag:         tag,
	}
	return e, nil
}

// NonceSource reports the last-seen nonce for a given source identifier, so
// Validate can enforce strict monotonicity per peer.
type NonceSource interface {
	LastNonce(source identifier.ID) (uint64, bool)
}

// SourceAuthorizer reports whether a source identifier is an allowed peer.
type SourceAuthorizer interface {
	IsAllowed(source identifier.ID) bool
}

// Validate authenticates and decodes a packed envelope. It recomputes the
// tag over every byte before the trailing tagSize-byte span and compares in
// constant time, then decodes the envelope and checks source authorization
// and nonce monotonicity.
func Validate(raw []byte, sessionKey []byte, nonces NonceSource, authz SourceAuthorizer) (Envelope, Result) {
	if len(raw) < tagSize {
		return Envelope{}, DecodeError
	}
	tagStart := len(raw) - tagSize
	expected := authenticate(sessionKey, raw[:tagStart])
	if subtle.ConstantTimeCompare(expected, raw[tagStart:]) != 1 {
		return Envelope{}, BadAuth
	}
	e, err := Unpack(raw)
	if err != nil {
		if errors.Is(err, ErrRouteInvalid) {
			return Envelope{}, RouteInvalid
		}
		return Envelope{}, DecodeError
	}
	if authz != nil && !authz.IsAllowed(e.Source) {
		return e, UnknownSource
	}
	if nonces != nil {
		if last, ok := nonces.LastNonce(e.Source); ok && e.Nonce <= last {
			return e, NonceRegression
		}
	}
	return e, Success
}
