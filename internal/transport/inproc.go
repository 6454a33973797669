// ABOUTME: In-process transport with buffered per-minion inboxes
// ABOUTME: Backs the HTTP long-poll delivery path and the dispatch test harness

package transport

import (
	"context"
	"log/slog"
	"sync"
)

// inboxSize is the per-minion envelope buffer. A minion that falls this
// far behind is treated as unreachable rather than blocking publishers.
const inboxSize = 64

// InProc is an in-process Transport. Minions attach an inbox channel;
// Send fails with ErrUnreachable when no inbox is attached or the inbox
// is full.
type InProc struct {
	mu      sync.RWMutex
	inboxes map[string]chan *Envelope
	receive ReceiveFunc
	logger  *slog.Logger
}

// NewInProc creates an in-process transport.
func NewInProc(logger *slog.Logger) *InProc {
	if logger == nil {
		logger = slog.Default()
	}
	return &InProc{
		inboxes: make(map[string]chan *Envelope),
		logger:  logger.With("component", "transport"),
	}
}

// Attach opens (or returns the existing) inbox for a minion. The minion
// side consumes envelopes from the returned channel.
func (t *InProc) Attach(minionID string) <-chan *Envelope {
	t.mu.Lock()
	defer t.mu.Unlock()

	if ch, ok := t.inboxes[minionID]; ok {
		return ch
	}
	ch := make(chan *Envelope, inboxSize)
	t.inboxes[minionID] = ch
	t.logger.Debug("inbox attached", "minion_id", minionID)
	return ch
}

// Detach closes and removes a minion's inbox. Subsequent sends to the
// minion fail with ErrUnreachable.
func (t *InProc) Detach(minionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if ch, ok := t.inboxes[minionID]; ok {
		delete(t.inboxes, minionID)
		close(ch)
		t.logger.Debug("inbox detached", "minion_id", minionID)
	}
}

// Send delivers the envelope into the minion's inbox without blocking.
func (t *InProc) Send(minionID string, env *Envelope) error {
	t.mu.RLock()
	ch, ok := t.inboxes[minionID]
	t.mu.RUnlock()

	if !ok {
		return ErrUnreachable
	}

	select {
	case ch <- env:
		return nil
	default:
		// Full inbox means the minion is not keeping up; publishing
		// must not block on it.
		t.logger.Warn("inbox full, dropping envelope",
			"minion_id", minionID,
			"jid", env.JID,
		)
		return ErrUnreachable
	}
}

// OnReceive registers the result callback.
func (t *InProc) OnReceive(fn ReceiveFunc) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.receive = fn
}

// Deliver pushes a minion's result up the receive path. Called by the
// HTTP result handler and directly by tests.
func (t *InProc) Deliver(res Result) {
	t.mu.RLock()
	fn := t.receive
	t.mu.RUnlock()

	if fn == nil {
		t.logger.Warn("result dropped, no receiver registered",
			"jid", res.JID,
			"minion_id", res.MinionID,
		)
		return
	}
	fn(res)
}

// Next blocks until an envelope is available on the minion's inbox, the
// context is done, or the inbox is detached. Used by the long-poll
// handler; returns nil when nothing was delivered.
func (t *InProc) Next(ctx context.Context, minionID string) *Envelope {
	t.mu.RLock()
	ch, ok := t.inboxes[minionID]
	t.mu.RUnlock()
	if !ok {
		return nil
	}

	select {
	case env, open := <-ch:
		if !open {
			return nil
		}
		return env
	case <-ctx.Done():
		return nil
	}
}
