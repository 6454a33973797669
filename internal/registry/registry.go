// ABOUTME: Tracks known minions, their liveness, and the jobs they have accepted.
// ABOUTME: Read-mostly registry used by the dispatcher for target matching and by the API for listing.

package registry

import (
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/herdctl/herd/internal/target"
)

// ErrMinionNotFound indicates the specified minion has never registered.
var ErrMinionNotFound = errors.New("minion not found")

// Minion is the registry's record of one remote execution endpoint.
// Minions are never deleted; a minion that stops heartbeating is
// reported as stale but its record (and accepted-job history) remains.
type Minion struct {
	ID           string
	FirstSeen    time.Time
	LastSeen     time.Time
	AcceptedJobs []string
}

// Info is a copy of a minion record handed to callers.
type Info struct {
	ID           string    `json:"id"`
	FirstSeen    time.Time `json:"first_seen"`
	LastSeen     time.Time `json:"last_seen"`
	Stale        bool      `json:"stale"`
	AcceptedJobs []string  `json:"accepted_jobs,omitempty"`
}

// Registry coordinates the liveness table for all known minions.
type Registry struct {
	mu      sync.RWMutex
	minions map[string]*Minion

	staleAfter time.Duration
	logger     *slog.Logger

	// now is swapped in tests to control staleness decisions.
	now func() time.Time
}

// New creates a registry. Minions whose last heartbeat is older than
// staleAfter are reported stale; zero disables staleness entirely.
func New(staleAfter time.Duration, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		minions:    make(map[string]*Minion),
		staleAfter: staleAfter,
		logger:     logger.With("component", "registry"),
		now:        time.Now,
	}
}

// Register records a minion as known and live. Re-registration of an
// existing ID refreshes LastSeen and keeps its history.
func (r *Registry) Register(minionID string) {
	now := r.now()

	r.mu.Lock()
	defer r.mu.Unlock()

	if m, ok := r.minions[minionID]; ok {
		m.LastSeen = now
		r.logger.Debug("minion re-registered", "minion_id", minionID)
		return
	}

	r.minions[minionID] = &Minion{
		ID:        minionID,
		FirstSeen: now,
		LastSeen:  now,
	}
	r.logger.Info("minion registered",
		"minion_id", minionID,
		"total_minions", len(r.minions),
	)
}

// Heartbeat refreshes a minion's liveness timestamp.
// Returns ErrMinionNotFound for minions that never registered.
func (r *Registry) Heartbeat(minionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.minions[minionID]
	if !ok {
		return ErrMinionNotFound
	}
	m.LastSeen = r.now()
	return nil
}

// Matches evaluates a target expression against the current registry
// state and returns the sorted set of matching minion IDs. The result
// is a pure function of registry contents and the expression; staleness
// does not exclude a minion here, it surfaces later as a transport
// failure on its slot.
func (r *Registry) Matches(expr target.Expr) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var ids []string
	for id := range r.minions {
		if expr.Matches(id) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// RecordAccepted appends a job ID to the minion's accepted set.
func (r *Registry) RecordAccepted(minionID, jid string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.minions[minionID]
	if !ok {
		return
	}
	m.AcceptedJobs = append(m.AcceptedJobs, jid)
}

// IsStale reports whether the minion has missed its liveness horizon.
// Unknown minions are stale by definition.
func (r *Registry) IsStale(minionID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	m, ok := r.minions[minionID]
	if !ok {
		return true
	}
	return r.staleAt(m)
}

// Known reports whether the minion has ever registered.
func (r *Registry) Known(minionID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.minions[minionID]
	return ok
}

// List returns a snapshot of every known minion, sorted by ID.
func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]Info, 0, len(r.minions))
	for _, m := range r.minions {
		infos = append(infos, Info{
			ID:           m.ID,
			FirstSeen:    m.FirstSeen,
			LastSeen:     m.LastSeen,
			Stale:        r.staleAt(m),
			AcceptedJobs: append([]string(nil), m.AcceptedJobs...),
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos
}

// staleAt must be called with at least the read lock held.
func (r *Registry) staleAt(m *Minion) bool {
	if r.staleAfter <= 0 {
		return false
	}
	return r.now().Sub(m.LastSeen) > r.staleAfter
}
