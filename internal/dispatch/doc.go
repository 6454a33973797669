// Package dispatch coordinates job submission, fan-out, and result collection.
//
// # Overview
//
// The Dispatcher is the orchestration core of the master. A submission flows
// through target resolution, jid assignment, store creation, and asynchronous
// publishing; results flow back through the Collector into the store until
// the job settles or its timeout fires.
//
// # Components
//
//   - Dispatcher: Submit, Cancel, and lifecycle management (timeouts, reaping)
//   - Publisher: Bounded-concurrency fan-out of envelopes to matched minions
//   - Collector: Transport receive hook that writes results into the store
//   - Query: Read-side access (Status, Await)
//
// # Job Lifecycle
//
// Submit resolves the selector against the registry, rejects empty matches,
// creates the job, arms a timeout timer, and returns the jid immediately.
// Publishing happens on a background goroutine so Status right after Submit
// observes the job in a pre-terminal state. A job completes when every slot
// is settled, times out when its timer fires first, or is cancelled by the
// caller. All three transitions are one-way.
//
// # Authorization
//
// The Publisher consults an auth.Authorizer per (minion, jid) pair before
// sending. A denied minion gets an errored slot with reason "denied"; if
// every matched minion is denied, Submit fails up front with ErrUnauthorized.
package dispatch
