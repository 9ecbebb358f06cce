package postoffice

import (
	"crypto/rand"
	"encoding/hex"
	"sync/atomic"

	"github.com/google/uuid"
)

// PeerID is the logical identity of a participant, independent of the
// physical connection it arrives on.
type PeerID uuid.UUID

// NewPeerID returns a random peer id.
func NewPeerID() PeerID {
	return PeerID(uuid.New())
}

// String returns the canonical uuid form of the id.
func (p PeerID) String() string {
	return uuid.UUID(p).String()
}

// IsZero reports whether p is the zero id, used for peers not yet identified.
func (p PeerID) IsZero() bool {
	return p == PeerID{}
}

// Secret is exchanged during the handshake so that a peer can later prove it
// is the participant that completed it.
type Secret [16]byte

// NewSecret returns a secret read from crypto/rand.
func NewSecret() (Secret, error) {
	var s Secret
	if _, err := rand.Read(s[:]); err != nil {
		return Secret{}, err
	}
	return s, nil
}

// String hides the secret value.
func (s Secret) String() string {
	return "secret(" + hex.EncodeToString(s[:2]) + "…)"
}

// ConnID numbers physical connections on one side of the network.
type ConnID uint64

// StreamID identifies a logical message stream. Both peers allocate stream
// ids without coordination; the offset assigned at handshake time keeps
// their ranges disjoint.
type StreamID uint64

const (
	// StreamIDOffsetInitiator is the first stream id of the side that
	// started the handshake.
	StreamIDOffsetInitiator StreamID = 0
	// StreamIDOffsetResponder is the first stream id of the side that
	// answered the handshake.
	StreamIDOffsetResponder StreamID = 1 << 63
)

// Identity is the result of a completed handshake. Each peer holds its own
// copy; it does not change for the life of the connection.
type Identity struct {
	// Conn is the local number of the physical connection.
	Conn ConnID

	Local  PeerID
	Remote PeerID

	// Secret is the secret the remote peer presented.
	Secret Secret

	// StreamIDOffset is the start of the stream id range owned by the local side.
	StreamIDOffset StreamID

	// Initiator is true on the side that sent the first Handshake frame.
	Initiator bool
}

// StreamIDs returns an allocator handing out ids from the local range.
func (id Identity) StreamIDs() *StreamIDAllocator {
	return &StreamIDAllocator{offset: id.StreamIDOffset}
}

// StreamIDAllocator hands out increasing stream ids within one half of the
// id space. It is safe for concurrent use.
type StreamIDAllocator struct {
	offset StreamID
	next   atomic.Uint64
}

// Next returns the next unused stream id.
// It panics once the half-range is exhausted.
func (a *StreamIDAllocator) Next() StreamID {
	n := a.next.Add(1) - 1
	if n >= uint64(StreamIDOffsetResponder) {
		panic("postoffice: stream id range exhausted")
	}
	return a.offset + StreamID(n)
}
