// ABOUTME: In-memory job store: per-job locked records of jobs and their result slots
// ABOUTME: Single authoritative copy; mutations write through to an optional durable archive

package store

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/herdctl/herd/internal/job"
)

// ErrDuplicateJob is returned when a caller-supplied JID collides.
var ErrDuplicateJob = errors.New("job already exists")

// ErrJobNotFound is returned when the requested job does not exist.
var ErrJobNotFound = errors.New("job not found")

// ErrSlotNotFound is returned when a result arrives for a minion that
// was never part of the job's target set.
var ErrSlotNotFound = errors.New("result slot not found")

// record holds one job and its slots. All mutation happens under the
// record's own mutex; the store-level map lock is only held for lookup,
// so operations on different jobs never block each other.
type record struct {
	mu         sync.Mutex
	job        job.Job
	slots      map[string]*job.ResultSlot
	finishedAt time.Time
	done       chan struct{}
}

// Store is the in-memory job store.
type Store struct {
	mu   sync.RWMutex
	jobs map[string]*record

	archive Archive
	logger  *slog.Logger
}

// New creates a store. archive may be nil to run without durability.
func New(archive Archive, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		jobs:    make(map[string]*record),
		archive: archive,
		logger:  logger.With("component", "store"),
	}
}

// Create registers a new job with one Awaiting slot per target minion.
// The slot set is fixed here; no targets can be added later.
func (s *Store) Create(j job.Job, targets []string) error {
	slots := make(map[string]*job.ResultSlot, len(targets))
	for _, id := range targets {
		slots[id] = &job.ResultSlot{
			JID:      j.JID,
			MinionID: id,
			State:    job.SlotAwaiting,
		}
	}

	rec := &record{
		job:   j,
		slots: slots,
		done:  make(chan struct{}),
	}

	s.mu.Lock()
	if _, exists := s.jobs[j.JID]; exists {
		s.mu.Unlock()
		return ErrDuplicateJob
	}
	s.jobs[j.JID] = rec
	s.mu.Unlock()

	if s.archive != nil {
		if err := s.archive.SaveJob(j, targets); err != nil {
			s.logger.Error("archiving job failed", "jid", j.JID, "error", err)
		}
	}

	s.logger.Debug("job created", "jid", j.JID, "targets", len(targets))
	return nil
}

// lookup fetches a record under the map read lock.
func (s *Store) lookup(jid string) (*record, error) {
	s.mu.RLock()
	rec, ok := s.jobs[jid]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrJobNotFound
	}
	return rec, nil
}

// WriteResult records a minion's result payload. Returns false if the
// slot already holds a terminal state: duplicate deliveries are a no-op,
// not an error. The first write wins and is never overwritten.
func (s *Store) WriteResult(jid, minionID string, payload []byte) (bool, error) {
	return s.writeSlot(jid, minionID, job.SlotReceived, "", payload)
}

// WriteError records a per-minion failure (unreachable, denied,
// execution error) with the same idempotence as WriteResult.
func (s *Store) WriteError(jid, minionID string, reason job.ErrorReason, payload []byte) (bool, error) {
	return s.writeSlot(jid, minionID, job.SlotErrored, reason, payload)
}

func (s *Store) writeSlot(jid, minionID string, state job.SlotState, reason job.ErrorReason, payload []byte) (bool, error) {
	rec, err := s.lookup(jid)
	if err != nil {
		return false, err
	}

	rec.mu.Lock()
	slot, ok := rec.slots[minionID]
	if !ok {
		rec.mu.Unlock()
		return false, ErrSlotNotFound
	}
	if slot.State.Terminal() {
		rec.mu.Unlock()
		return false, nil
	}
	slot.State = state
	slot.Reason = reason
	slot.Payload = payload
	slot.ReceivedAt = time.Now().UTC()
	archived := *slot
	rec.mu.Unlock()

	s.archiveSlot(&archived)
	return true, nil
}

// Slot returns a copy of one result slot.
func (s *Store) Slot(jid, minionID string) (job.SlotView, error) {
	rec, err := s.lookup(jid)
	if err != nil {
		return job.SlotView{}, err
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()

	slot, ok := rec.slots[minionID]
	if !ok {
		return job.SlotView{}, ErrSlotNotFound
	}
	return slotView(slot), nil
}

// SetStatus applies a non-terminal lifecycle transition
// (Pending -> Publishing -> Running). Terminal transitions go through
// CompleteIfSettled, MarkTimedOut, or Cancel so the done channel is
// managed in one place. Transitions on an already-terminal job are
// ignored.
func (s *Store) SetStatus(jid string, status job.Status) error {
	rec, err := s.lookup(jid)
	if err != nil {
		return err
	}

	rec.mu.Lock()
	if rec.job.Status.Terminal() {
		rec.mu.Unlock()
		return nil
	}
	rec.job.Status = status
	rec.mu.Unlock()

	s.archiveStatus(jid, status, time.Time{})
	return nil
}

// CompleteIfSettled transitions the job to Complete when every slot is
// terminal. Returns true only for the call that performed the
// transition; once terminal the job never changes again.
func (s *Store) CompleteIfSettled(jid string) (bool, error) {
	rec, err := s.lookup(jid)
	if err != nil {
		return false, err
	}

	rec.mu.Lock()
	if rec.job.Status.Terminal() {
		rec.mu.Unlock()
		return false, nil
	}
	for _, slot := range rec.slots {
		if !slot.State.Terminal() {
			rec.mu.Unlock()
			return false, nil
		}
	}

	rec.job.Status = job.StatusComplete
	rec.finishedAt = time.Now().UTC()
	finished := rec.finishedAt
	close(rec.done)
	rec.mu.Unlock()

	s.archiveStatus(jid, job.StatusComplete, finished)
	return true, nil
}

// MarkTimedOut fails every Awaiting slot with ReasonTimeout and moves
// the job to TimedOut, all under one lock acquisition so no result can
// slip in between the slot sweep and the status change. Returns false
// if the job was already terminal.
func (s *Store) MarkTimedOut(jid string) (bool, error) {
	rec, err := s.lookup(jid)
	if err != nil {
		return false, err
	}

	rec.mu.Lock()
	if rec.job.Status.Terminal() {
		rec.mu.Unlock()
		return false, nil
	}

	now := time.Now().UTC()
	var swept []job.ResultSlot
	for _, slot := range rec.slots {
		if slot.State.Terminal() {
			continue
		}
		slot.State = job.SlotErrored
		slot.Reason = job.ReasonTimeout
		slot.ReceivedAt = now
		swept = append(swept, *slot)
	}

	rec.job.Status = job.StatusTimedOut
	rec.finishedAt = now
	close(rec.done)
	rec.mu.Unlock()

	for i := range swept {
		s.archiveSlot(&swept[i])
	}
	s.archiveStatus(jid, job.StatusTimedOut, now)
	return true, nil
}

// Cancel moves a non-terminal job to Cancelled. Awaiting slots are left
// as-is: in-flight publishes are not retracted, and late arrivals are
// still written to their slots for audit without reopening the job.
func (s *Store) Cancel(jid string) (bool, error) {
	rec, err := s.lookup(jid)
	if err != nil {
		return false, err
	}

	rec.mu.Lock()
	if rec.job.Status.Terminal() {
		rec.mu.Unlock()
		return false, nil
	}
	rec.job.Status = job.StatusCancelled
	rec.finishedAt = time.Now().UTC()
	finished := rec.finishedAt
	close(rec.done)
	rec.mu.Unlock()

	s.archiveStatus(jid, job.StatusCancelled, finished)
	return true, nil
}

// Done returns a channel closed when the job reaches a terminal state.
func (s *Store) Done(jid string) (<-chan struct{}, error) {
	rec, err := s.lookup(jid)
	if err != nil {
		return nil, err
	}
	return rec.done, nil
}

// Snapshot returns a deep copy of the job and all slots.
func (s *Store) Snapshot(jid string) (*job.JobView, error) {
	rec, err := s.lookup(jid)
	if err != nil {
		return nil, err
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()

	view := &job.JobView{
		JID:        rec.job.JID,
		Target:     rec.job.Target,
		Status:     rec.job.Status,
		CreatedAt:  rec.job.CreatedAt,
		FinishedAt: rec.finishedAt,
		Timeout:    rec.job.Timeout,
		Slots:      make(map[string]job.SlotView, len(rec.slots)),
	}
	for id, slot := range rec.slots {
		view.Slots[id] = slotView(slot)
	}
	return view, nil
}

// Load returns a snapshot of the job, reading the archive for jobs no
// longer held in memory. Jobs submitted before a restart, or reaped
// from memory while their archive rows survive, stay queryable.
func (s *Store) Load(jid string) (*job.JobView, error) {
	view, err := s.Snapshot(jid)
	if err == nil {
		return view, nil
	}
	if s.archive == nil {
		return nil, err
	}
	return s.archive.LoadJob(jid)
}

// Reap drops terminal jobs that finished before the cutoff from memory
// and from the archive. Returns the number of jobs removed.
func (s *Store) Reap(olderThan time.Duration) int {
	cutoff := time.Now().UTC().Add(-olderThan)

	s.mu.Lock()
	var reaped []string
	for jid, rec := range s.jobs {
		rec.mu.Lock()
		expired := rec.job.Status.Terminal() && !rec.finishedAt.IsZero() && rec.finishedAt.Before(cutoff)
		rec.mu.Unlock()
		if expired {
			delete(s.jobs, jid)
			reaped = append(reaped, jid)
		}
	}
	s.mu.Unlock()

	if s.archive != nil && len(reaped) > 0 {
		if err := s.archive.Delete(reaped); err != nil {
			s.logger.Error("reaping archived jobs failed", "error", err)
		}
	}
	if len(reaped) > 0 {
		s.logger.Info("reaped terminal jobs", "count", len(reaped))
	}
	return len(reaped)
}

func (s *Store) archiveSlot(slot *job.ResultSlot) {
	if s.archive == nil {
		return
	}
	if err := s.archive.SaveResult(slot); err != nil {
		s.logger.Error("archiving result failed",
			"jid", slot.JID,
			"minion_id", slot.MinionID,
			"error", err,
		)
	}
}

func (s *Store) archiveStatus(jid string, status job.Status, finishedAt time.Time) {
	if s.archive == nil {
		return
	}
	if err := s.archive.SetStatus(jid, status, finishedAt); err != nil {
		s.logger.Error("archiving status failed", "jid", jid, "error", err)
	}
}

func slotView(slot *job.ResultSlot) job.SlotView {
	return job.SlotView{
		MinionID:   slot.MinionID,
		State:      slot.State,
		Reason:     slot.Reason,
		Payload:    append([]byte(nil), slot.Payload...),
		ReceivedAt: slot.ReceivedAt,
	}
}
