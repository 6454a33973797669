// ABOUTME: Transport abstraction between the master and its minions
// ABOUTME: Defines Send/OnReceive plus the envelope and result types crossing the boundary

package transport

import (
	"errors"
	"time"
)

// ErrUnreachable indicates the minion cannot currently receive envelopes.
// The publisher records it as a per-slot failure; it never fails a job.
var ErrUnreachable = errors.New("minion unreachable")

// Envelope is the unit of work handed to the transport for one minion.
// Wire encoding is the transport implementation's concern.
type Envelope struct {
	JID       string        `json:"jid"`
	Command   []byte        `json:"command"`
	CreatedAt time.Time     `json:"created_at"`
	Timeout   time.Duration `json:"timeout"`
}

// Result is a minion's asynchronous reply pushed up the receive path.
type Result struct {
	JID      string `json:"jid"`
	MinionID string `json:"minion_id"`
	Payload  []byte `json:"payload"`
	Errored  bool   `json:"errored"`
}

// ReceiveFunc is invoked for every result arriving from the transport.
// Implementations may call it concurrently from many delivery goroutines.
type ReceiveFunc func(Result)

// Transport is the narrow interface the dispatch core publishes through.
// Delivery is at-least-once at best: duplicates and losses are the
// consumer's problem, which is why result slots are idempotent.
type Transport interface {
	// Send attempts exactly one delivery of the envelope to the minion.
	// A failed send returns an error (typically ErrUnreachable) and is
	// not retried by the transport.
	Send(minionID string, env *Envelope) error

	// OnReceive registers the callback for incoming results. Only one
	// callback is supported; registration replaces any previous one.
	OnReceive(fn ReceiveFunc)
}
