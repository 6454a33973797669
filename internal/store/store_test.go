// ABOUTME: Tests for the in-memory job store
// ABOUTME: Covers slot idempotence, terminal transitions, cancellation audit writes, and concurrency

package store

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/herdctl/herd/internal/job"
)

func newTestJob(jid string) job.Job {
	return job.Job{
		JID:       jid,
		Command:   []byte(`{"fun":"test.ping"}`),
		Target:    "web*",
		CreatedAt: time.Now().UTC(),
		Timeout:   5 * time.Second,
		Status:    job.StatusPending,
	}
}

func TestCreateAndSnapshot(t *testing.T) {
	s := New(nil, nil)

	err := s.Create(newTestJob("jid-1"), []string{"web1", "web2", "web3"})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	view, err := s.Snapshot("jid-1")
	if err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}
	if len(view.Slots) != 3 {
		t.Errorf("expected 3 slots, got %d", len(view.Slots))
	}
	for id, slot := range view.Slots {
		if slot.State != job.SlotAwaiting {
			t.Errorf("slot %s state = %s, want awaiting", id, slot.State)
		}
	}
	if view.Status != job.StatusPending {
		t.Errorf("status = %s, want pending", view.Status)
	}
}

func TestCreateDuplicate(t *testing.T) {
	s := New(nil, nil)

	if err := s.Create(newTestJob("jid-1"), []string{"web1"}); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	err := s.Create(newTestJob("jid-1"), []string{"web2"})
	if !errors.Is(err, ErrDuplicateJob) {
		t.Errorf("Create duplicate = %v, want ErrDuplicateJob", err)
	}
}

func TestWriteResultIdempotent(t *testing.T) {
	s := New(nil, nil)
	if err := s.Create(newTestJob("jid-1"), []string{"web1"}); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	wrote, err := s.WriteResult("jid-1", "web1", []byte("first"))
	if err != nil || !wrote {
		t.Fatalf("first WriteResult = (%v, %v), want (true, nil)", wrote, err)
	}

	// Duplicate delivery is a no-op, not an error, and never overwrites.
	wrote, err = s.WriteResult("jid-1", "web1", []byte("second"))
	if err != nil {
		t.Fatalf("second WriteResult error: %v", err)
	}
	if wrote {
		t.Error("second WriteResult reported a write, want no-op")
	}

	slot, err := s.Slot("jid-1", "web1")
	if err != nil {
		t.Fatalf("Slot failed: %v", err)
	}
	if string(slot.Payload) != "first" {
		t.Errorf("payload = %q, want first write preserved", slot.Payload)
	}
}

func TestWriteResultUnknown(t *testing.T) {
	s := New(nil, nil)
	if err := s.Create(newTestJob("jid-1"), []string{"web1"}); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	if _, err := s.WriteResult("nope", "web1", nil); !errors.Is(err, ErrJobNotFound) {
		t.Errorf("unknown job = %v, want ErrJobNotFound", err)
	}
	if _, err := s.WriteResult("jid-1", "db9", nil); !errors.Is(err, ErrSlotNotFound) {
		t.Errorf("unmatched minion = %v, want ErrSlotNotFound", err)
	}
}

func TestCompleteIfSettled(t *testing.T) {
	s := New(nil, nil)
	if err := s.Create(newTestJob("jid-1"), []string{"web1", "web2"}); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	done, _ := s.Done("jid-1")

	if ok, _ := s.CompleteIfSettled("jid-1"); ok {
		t.Fatal("job completed with awaiting slots")
	}

	s.WriteResult("jid-1", "web1", []byte("ok"))
	if ok, _ := s.CompleteIfSettled("jid-1"); ok {
		t.Fatal("job completed with one slot still awaiting")
	}

	s.WriteError("jid-1", "web2", job.ReasonUnreachable, nil)
	ok, err := s.CompleteIfSettled("jid-1")
	if err != nil || !ok {
		t.Fatalf("CompleteIfSettled = (%v, %v), want (true, nil)", ok, err)
	}

	select {
	case <-done:
	default:
		t.Error("done channel not closed on completion")
	}

	// Second settle check must not re-transition.
	if ok, _ := s.CompleteIfSettled("jid-1"); ok {
		t.Error("CompleteIfSettled transitioned twice")
	}
}

func TestMarkTimedOut(t *testing.T) {
	s := New(nil, nil)
	if err := s.Create(newTestJob("jid-1"), []string{"web1", "web2", "web3"}); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	s.WriteResult("jid-1", "web1", []byte("ok"))

	ok, err := s.MarkTimedOut("jid-1")
	if err != nil || !ok {
		t.Fatalf("MarkTimedOut = (%v, %v), want (true, nil)", ok, err)
	}

	view, _ := s.Snapshot("jid-1")
	if view.Status != job.StatusTimedOut {
		t.Errorf("status = %s, want timed_out", view.Status)
	}
	if view.Slots["web1"].State != job.SlotReceived {
		t.Error("received slot was clobbered by timeout sweep")
	}
	for _, id := range []string{"web2", "web3"} {
		slot := view.Slots[id]
		if slot.State != job.SlotErrored || slot.Reason != job.ReasonTimeout {
			t.Errorf("slot %s = %s/%s, want errored/timeout", id, slot.State, slot.Reason)
		}
	}

	// No further slot mutation after timeout.
	wrote, err := s.WriteResult("jid-1", "web2", []byte("late"))
	if err != nil || wrote {
		t.Errorf("post-timeout write = (%v, %v), want (false, nil)", wrote, err)
	}
}

func TestCancelRecordsLateArrivals(t *testing.T) {
	s := New(nil, nil)
	if err := s.Create(newTestJob("jid-1"), []string{"web1", "web2"}); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	ok, err := s.Cancel("jid-1")
	if err != nil || !ok {
		t.Fatalf("Cancel = (%v, %v), want (true, nil)", ok, err)
	}
	if ok, _ := s.Cancel("jid-1"); ok {
		t.Error("Cancel succeeded twice")
	}

	// Arrivals for a cancelled job are still recorded for audit...
	wrote, err := s.WriteResult("jid-1", "web1", []byte("late"))
	if err != nil || !wrote {
		t.Fatalf("post-cancel write = (%v, %v), want (true, nil)", wrote, err)
	}

	// ...but never reopen the job.
	view, _ := s.Snapshot("jid-1")
	if view.Status != job.StatusCancelled {
		t.Errorf("status = %s, want cancelled after late arrival", view.Status)
	}
	if ok, _ := s.CompleteIfSettled("jid-1"); ok {
		t.Error("settle check reopened a cancelled job")
	}
}

func TestConcurrentWritesDifferentMinions(t *testing.T) {
	s := New(nil, nil)
	targets := make([]string, 50)
	for i := range targets {
		targets[i] = "minion-" + string(rune('0'+i/10)) + string(rune('0'+i%10))
	}
	if err := s.Create(newTestJob("jid-1"), targets); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	var wg sync.WaitGroup
	for _, id := range targets {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			wrote, err := s.WriteResult("jid-1", id, []byte(id))
			if err != nil || !wrote {
				t.Errorf("WriteResult(%s) = (%v, %v)", id, wrote, err)
			}
		}(id)
	}
	wg.Wait()

	view, _ := s.Snapshot("jid-1")
	counts := view.Counts()
	if counts.Received != len(targets) {
		t.Errorf("received = %d, want %d (no lost updates)", counts.Received, len(targets))
	}
}

func TestConcurrentDuplicateWritesSingleWinner(t *testing.T) {
	s := New(nil, nil)
	if err := s.Create(newTestJob("jid-1"), []string{"web1"}); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	const n = 20
	var wg sync.WaitGroup
	wins := make(chan struct{}, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if wrote, _ := s.WriteResult("jid-1", "web1", []byte("x")); wrote {
				wins <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(wins)

	var count int
	for range wins {
		count++
	}
	if count != 1 {
		t.Errorf("%d writers reported success, want exactly 1", count)
	}
}

func TestReap(t *testing.T) {
	s := New(nil, nil)
	if err := s.Create(newTestJob("old"), []string{"web1"}); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := s.Create(newTestJob("live"), []string{"web1"}); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	s.WriteResult("old", "web1", nil)
	s.CompleteIfSettled("old")

	// Terminal but not yet past the TTL.
	if n := s.Reap(time.Hour); n != 0 {
		t.Errorf("Reap(1h) removed %d jobs, want 0", n)
	}

	// Zero TTL reaps any finished job immediately; the running one stays.
	if n := s.Reap(0); n != 1 {
		t.Errorf("Reap(0) removed %d jobs, want 1", n)
	}
	if _, err := s.Snapshot("old"); !errors.Is(err, ErrJobNotFound) {
		t.Errorf("reaped job still present: %v", err)
	}
	if _, err := s.Snapshot("live"); err != nil {
		t.Errorf("running job was reaped: %v", err)
	}
}

func TestLoadSurvivesRestart(t *testing.T) {
	a := newTestArchive(t)

	s := New(a, nil)
	j := newTestJob("20260830120000000006")
	if err := s.Create(j, []string{"web1"}); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	s.WriteResult(j.JID, "web1", []byte("pong"))
	s.CompleteIfSettled(j.JID)

	// A rebuilt store over the same archive serves the job from disk.
	fresh := New(a, nil)
	if _, err := fresh.Snapshot(j.JID); !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("Snapshot on fresh store = %v, want ErrJobNotFound", err)
	}

	view, err := fresh.Load(j.JID)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if view.Status != job.StatusComplete {
		t.Errorf("status = %s, want complete", view.Status)
	}
	if string(view.Slots["web1"].Payload) != "pong" {
		t.Errorf("payload = %q, want pong", view.Slots["web1"].Payload)
	}
}

func TestLoadWithoutArchive(t *testing.T) {
	s := New(nil, nil)

	if err := s.Create(newTestJob("jid-load"), []string{"web1"}); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	if _, err := s.Load("jid-load"); err != nil {
		t.Fatalf("Load of live job failed: %v", err)
	}
	if _, err := s.Load("jid-missing"); !errors.Is(err, ErrJobNotFound) {
		t.Errorf("Load of unknown job = %v, want ErrJobNotFound", err)
	}
}
