// ABOUTME: Tests for the result collector's write, duplicate, and discard paths
// ABOUTME: Exercises the collector directly against a store, without a full dispatcher

package dispatch

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/herdctl/herd/internal/job"
	"github.com/herdctl/herd/internal/store"
	"github.com/herdctl/herd/internal/transport"
)

func newCollectorStore(t *testing.T) *store.Store {
	t.Helper()
	st := store.New(nil, nil)
	j := job.Job{
		JID:       "jid-1",
		Command:   []byte("x"),
		Target:    "web*",
		CreatedAt: time.Now().UTC(),
		Timeout:   time.Minute,
		Status:    job.StatusRunning,
	}
	require.NoError(t, st.Create(j, []string{"web1", "web2"}))
	return st
}

func TestCollectorRecordsAndNotifies(t *testing.T) {
	st := newCollectorStore(t)

	var notified []string
	c := NewCollector(st, func(jid string) { notified = append(notified, jid) }, nil)

	c.HandleResult(transport.Result{JID: "jid-1", MinionID: "web1", Payload: []byte("ok")})

	slot, err := st.Slot("jid-1", "web1")
	require.NoError(t, err)
	assert.Equal(t, job.SlotReceived, slot.State)
	assert.Equal(t, []string{"jid-1"}, notified, "completion check triggered per write")
}

func TestCollectorExecutionError(t *testing.T) {
	st := newCollectorStore(t)
	c := NewCollector(st, nil, nil)

	c.HandleResult(transport.Result{JID: "jid-1", MinionID: "web2", Payload: []byte("boom"), Errored: true})

	slot, err := st.Slot("jid-1", "web2")
	require.NoError(t, err)
	assert.Equal(t, job.SlotErrored, slot.State)
	assert.Equal(t, job.ReasonExecution, slot.Reason)
}

func TestCollectorDuplicateDoesNotNotify(t *testing.T) {
	st := newCollectorStore(t)

	var notifies int
	c := NewCollector(st, func(string) { notifies++ }, nil)

	c.HandleResult(transport.Result{JID: "jid-1", MinionID: "web1", Payload: []byte("a")})
	c.HandleResult(transport.Result{JID: "jid-1", MinionID: "web1", Payload: []byte("b")})

	assert.Equal(t, 1, notifies, "duplicate must not re-trigger the completion check")

	slot, _ := st.Slot("jid-1", "web1")
	assert.Equal(t, "a", string(slot.Payload))
}

func TestCollectorDiscardsUnknown(t *testing.T) {
	st := newCollectorStore(t)

	c := NewCollector(st, func(string) { t.Error("notify on discarded result") }, nil)

	// Unknown job and unmatched minion both log-and-drop.
	c.HandleResult(transport.Result{JID: "ghost", MinionID: "web1"})
	c.HandleResult(transport.Result{JID: "jid-1", MinionID: "db9"})
}
