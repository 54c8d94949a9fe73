// Package transport defines the friend-transport oracle the call core sits
// above (spec §1: "treated as an oracle that delivers a payload byte slice
// tagged with a per-friend identifier and guarantees best-effort lossy or
// reliable lossless delivery"), plus an in-memory adapter used in tests and the
// CLI's loopback mode.
package transport

import (
	"context"
	"sync"

	averrors "github.com/alxayo/toxav-go/internal/errors"
)

// PacketID is the first byte of every datagram the call core emits,
// distinguishing the payload's framing (spec §6.1).
type PacketID byte

const (
	PacketAudioLossy     PacketID = 0xC0
	PacketVideoLossy     PacketID = 0xC1
	PacketVideoLossless  PacketID = 0xC2
	PacketComm           PacketID = 0xC3
)

// Lossless reports whether this packet id should be requested over the
// transport's reliable delivery mode.
func (p PacketID) Lossless() bool {
	return p == PacketVideoLossless || p == PacketComm
}

// FriendTransport is the external collaborator that actually moves bytes.
// Implementations are expected to be safe for concurrent use by multiple
// call sessions.
type FriendTransport interface {
	// Send delivers data to friendID. lossless requests the reliable
	// delivery mode; otherwise best-effort lossy delivery is used.
	Send(friendID uint32, lossless bool, data []byte) error
}

// ReceiveFunc is invoked by a transport adapter for every inbound datagram.
type ReceiveFunc func(friendID uint32, data []byte)

// InMemory is a deterministic, in-process FriendTransport used by tests and
// the integration scenarios in spec §8 (S1-S6): two InMemory instances
// wired to each other's receive callback form a loopback friend pair.
type InMemory struct {
	mu      sync.Mutex
	peer    FriendTransport
	onRecv  ReceiveFunc
	closed  bool
	friendID uint32
}

// NewInMemory creates a transport endpoint. Wire returns from two calls
// together with Connect to form a bidirectional pair.
func NewInMemory(friendID uint32) *InMemory {
	return &InMemory{friendID: friendID}
}

// OnReceive registers the callback driven by the peer's Send calls.
func (m *InMemory) OnReceive(fn ReceiveFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onRecv = fn
}

// Connect wires two in-memory endpoints to deliver to each other
// synchronously. Call order does not matter.
func Connect(a, b *InMemory) {
	a.mu.Lock()
	a.peer = b
	a.mu.Unlock()
	b.mu.Lock()
	b.peer = a
	b.mu.Unlock()
}

// Send implements FriendTransport by invoking the connected peer's receive
// callback inline. lossless is accepted for interface compatibility but has
// no effect here: delivery is always reliable and ordered in this adapter.
func (m *InMemory) Send(friendID uint32, lossless bool, data []byte) error {
	m.mu.Lock()
	peer := m.peer
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return averrors.NewTransportError("inmemory.send", context.Canceled)
	}
	if peer == nil {
		return averrors.NewTransportError("inmemory.send", nil)
	}
	ip, ok := peer.(*InMemory)
	if !ok {
		return peer.Send(friendID, lossless, data)
	}
	ip.mu.Lock()
	recv := ip.onRecv
	ip.mu.Unlock()
	if recv != nil {
		cp := make([]byte, len(data))
		copy(cp, data)
		recv(friendID, cp)
	}
	return nil
}

// Close marks the endpoint closed; subsequent Send calls fail.
func (m *InMemory) Close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
}
