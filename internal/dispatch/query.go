// ABOUTME: Read-only view over jobs for callers polling or waiting on completion
// ABOUTME: Await parks on the store's per-job done channel instead of busy polling

package dispatch

import (
	"context"
	"time"

	"github.com/herdctl/herd/internal/job"
	"github.com/herdctl/herd/internal/store"
)

// Query serves caller-facing reads. It never mutates job state and
// never returns an error for partial failures: those live in the
// per-slot states of the returned JobView.
type Query struct {
	store *store.Store
}

// NewQuery creates a query view over the store.
func NewQuery(st *store.Store) *Query {
	return &Query{store: st}
}

// Status returns a non-blocking snapshot of the job. Jobs that live
// only in the archive (reaped, or submitted before a restart) are
// served from there.
func (q *Query) Status(jid string) (*job.JobView, error) {
	return q.store.Load(jid)
}

// Await blocks until the job reaches Complete, TimedOut, or Cancelled,
// or until maxWait elapses or ctx is done, whichever comes first. The
// returned snapshot reflects whatever state the job was in when the
// wait ended; callers inspect JobView.Status to tell which.
func (q *Query) Await(ctx context.Context, jid string, maxWait time.Duration) (*job.JobView, error) {
	done, err := q.store.Done(jid)
	if err != nil {
		// Not in memory. An archived job is no longer progressing, so
		// there is nothing to wait for.
		return q.store.Load(jid)
	}

	var expired <-chan time.Time
	if maxWait > 0 {
		timer := time.NewTimer(maxWait)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case <-done:
	case <-expired:
	case <-ctx.Done():
	}
	// Load, not Snapshot: the reaper may have dropped the job from
	// memory while we waited.
	return q.store.Load(jid)
}
