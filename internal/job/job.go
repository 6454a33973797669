// ABOUTME: Core job data model: Job, ResultSlot, JobView and their state enums
// ABOUTME: Defines the lifecycle states shared by the store, dispatcher, and query layers

package job

import "time"

// Status is the lifecycle state of a job.
type Status string

// Job lifecycle states. A job is terminal once it reaches Complete,
// TimedOut, or Cancelled; no slot mutation affects status afterward.
const (
	StatusPending    Status = "pending"
	StatusPublishing Status = "publishing"
	StatusRunning    Status = "running"
	StatusComplete   Status = "complete"
	StatusTimedOut   Status = "timed_out"
	StatusCancelled  Status = "cancelled"
)

// Terminal reports whether the status is a final state.
func (s Status) Terminal() bool {
	switch s {
	case StatusComplete, StatusTimedOut, StatusCancelled:
		return true
	}
	return false
}

// SlotState is the delivery state of a single minion's result slot.
type SlotState string

const (
	SlotAwaiting SlotState = "awaiting"
	SlotReceived SlotState = "received"
	SlotErrored  SlotState = "errored"
)

// Terminal reports whether the slot has received its single permitted write.
func (s SlotState) Terminal() bool {
	return s == SlotReceived || s == SlotErrored
}

// ErrorReason explains why a slot entered SlotErrored.
type ErrorReason string

const (
	// ReasonUnreachable is set when the transport send to the minion failed.
	ReasonUnreachable ErrorReason = "unreachable"
	// ReasonTimeout is set when the job timed out before the minion replied.
	ReasonTimeout ErrorReason = "timeout"
	// ReasonDenied is set when the minion failed the authorization check.
	ReasonDenied ErrorReason = "denied"
	// ReasonExecution is set when the minion reported a failed execution.
	ReasonExecution ErrorReason = "execution"
)

// Job is one unit of work fanned out to a target set of minions.
type Job struct {
	JID       string
	Command   []byte
	Target    string
	CreatedAt time.Time
	Timeout   time.Duration
	Status    Status
}

// ResultSlot tracks a single (job, minion) result. One slot exists per
// matched minion, fixed at publish time. Awaiting -> Received|Errored
// happens exactly once; later arrivals are duplicates.
type ResultSlot struct {
	JID        string
	MinionID   string
	State      SlotState
	Reason     ErrorReason
	Payload    []byte
	ReceivedAt time.Time
}

// SlotView is an immutable copy of a ResultSlot for callers.
type SlotView struct {
	MinionID   string      `json:"minion_id"`
	State      SlotState   `json:"state"`
	Reason     ErrorReason `json:"reason,omitempty"`
	Payload    []byte      `json:"payload,omitempty"`
	ReceivedAt time.Time   `json:"received_at,omitzero"`
}

// JobView is a point-in-time snapshot of a job and all of its slots.
// status and await always return a JobView; partial failures live in the
// per-slot states, never in an error.
type JobView struct {
	JID        string              `json:"jid"`
	Target     string              `json:"target"`
	Status     Status              `json:"status"`
	CreatedAt  time.Time           `json:"created_at"`
	FinishedAt time.Time           `json:"finished_at,omitzero"`
	Timeout    time.Duration       `json:"timeout"`
	Slots      map[string]SlotView `json:"slots"`
}

// Counts aggregates slot states for quick inspection.
type Counts struct {
	Awaiting int `json:"awaiting"`
	Received int `json:"received"`
	Errored  int `json:"errored"`
}

// Counts tallies the slot states in the view.
func (v *JobView) Counts() Counts {
	var c Counts
	for _, s := range v.Slots {
		switch s.State {
		case SlotAwaiting:
			c.Awaiting++
		case SlotReceived:
			c.Received++
		case SlotErrored:
			c.Errored++
		}
	}
	return c
}

// Settled reports whether every slot is terminal.
func (v *JobView) Settled() bool {
	for _, s := range v.Slots {
		if !s.State.Terminal() {
			return false
		}
	}
	return true
}
