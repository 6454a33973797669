// ABOUTME: Orchestrates the publish -> collect -> finalize lifecycle for every in-flight job
// ABOUTME: Owns per-job timeout timers, the cancel path, and the terminal-state transitions

package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/herdctl/herd/internal/auth"
	"github.com/herdctl/herd/internal/job"
	"github.com/herdctl/herd/internal/registry"
	"github.com/herdctl/herd/internal/store"
	"github.com/herdctl/herd/internal/target"
	"github.com/herdctl/herd/internal/transport"
)

// ErrNoMinionsMatched is returned at submit when the target expression
// matches no registered minion.
var ErrNoMinionsMatched = errors.New("no minions matched the target")

// ErrUnauthorized is returned at submit when every matched minion fails
// the authorization check.
var ErrUnauthorized = errors.New("no matched minion is authorized for this job")

// Options tune dispatcher behavior. Zero values get sensible defaults.
type Options struct {
	// DefaultTimeout applies when a submit carries no timeout.
	DefaultTimeout time.Duration
	// RetentionTTL is how long terminal jobs are kept before reaping.
	RetentionTTL time.Duration
	// ReapInterval is how often the reaper sweeps. Zero disables it.
	ReapInterval time.Duration
	// PublishWorkers bounds the publish fan-out.
	PublishWorkers int
	// PublishRate caps sends per second; zero means unlimited.
	PublishRate float64
}

func (o *Options) withDefaults() {
	if o.DefaultTimeout <= 0 {
		o.DefaultTimeout = 30 * time.Second
	}
	if o.RetentionTTL <= 0 {
		o.RetentionTTL = 24 * time.Hour
	}
}

// SubmitRequest describes one job submission.
type SubmitRequest struct {
	// Target is the selector expression choosing the minions.
	Target string
	// Command is the opaque payload executed by each minion.
	Command []byte
	// Timeout bounds the whole job; zero uses the dispatcher default.
	Timeout time.Duration
	// JID optionally supplies the job ID. Empty means generate one.
	JID string
}

// Dispatcher coordinates many concurrently in-flight jobs. Each job's
// lifecycle is independent; the only structure shared across jobs is
// the registry's liveness table.
type Dispatcher struct {
	registry  *registry.Registry
	store     *store.Store
	publisher *Publisher
	collector *Collector
	query     *Query
	opts      Options
	logger    *slog.Logger

	timerMu sync.Mutex
	timers  map[string]*time.Timer
}

// New wires up a dispatcher and registers its collector on the
// transport's receive path.
func New(reg *registry.Registry, st *store.Store, tr transport.Transport, az auth.Authorizer, opts Options, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	opts.withDefaults()

	d := &Dispatcher{
		registry: reg,
		store:    st,
		opts:     opts,
		logger:   logger.With("component", "dispatcher"),
		timers:   make(map[string]*time.Timer),
	}
	d.publisher = NewPublisher(tr, st, reg, az, logger,
		WithWorkers(opts.PublishWorkers),
		WithRateLimit(opts.PublishRate),
	)
	d.collector = NewCollector(st, d.checkComplete, logger)
	d.query = NewQuery(st)

	tr.OnReceive(d.collector.HandleResult)
	return d
}

// Submit validates the request, creates the job with its fixed slot
// set, arms the timeout timer, and starts the publish fan-out. It
// returns the JID as soon as the job exists; publishing proceeds in the
// background, so an immediate Status call reports Pending or
// Publishing.
func (d *Dispatcher) Submit(ctx context.Context, req SubmitRequest) (string, error) {
	expr, err := target.Parse(req.Target)
	if err != nil {
		return "", err
	}

	targets := d.registry.Matches(expr)
	if len(targets) == 0 {
		return "", ErrNoMinionsMatched
	}

	jid := req.JID
	if jid == "" {
		jid = job.NewJID()
	}

	if !d.anyAuthorized(targets, jid) {
		return "", ErrUnauthorized
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = d.opts.DefaultTimeout
	}

	j := job.Job{
		JID:       jid,
		Command:   req.Command,
		Target:    req.Target,
		CreatedAt: time.Now().UTC(),
		Timeout:   timeout,
		Status:    job.StatusPending,
	}
	if err := d.store.Create(j, targets); err != nil {
		return "", fmt.Errorf("creating job: %w", err)
	}

	d.armTimer(jid, timeout)

	d.logger.Info("job submitted",
		"jid", jid,
		"target", req.Target,
		"matched", len(targets),
		"timeout", timeout,
	)

	go d.publish(j, targets)
	return jid, nil
}

// publish runs the fan-out lifecycle off the submit path.
func (d *Dispatcher) publish(j job.Job, targets []string) {
	if err := d.store.SetStatus(j.JID, job.StatusPublishing); err != nil {
		d.logger.Error("marking job publishing failed", "jid", j.JID, "error", err)
		return
	}

	d.publisher.Publish(context.Background(), j, targets)

	if err := d.store.SetStatus(j.JID, job.StatusRunning); err != nil {
		d.logger.Error("marking job running failed", "jid", j.JID, "error", err)
	}

	// Every send may already have failed (all unreachable); settle now
	// rather than waiting for a timeout that nothing will interrupt.
	d.checkComplete(j.JID)
}

// anyAuthorized reports whether at least one target passes the auth
// check. Individual denials are handled per-slot by the publisher; only
// a fully denied target set rejects the submit.
func (d *Dispatcher) anyAuthorized(targets []string, jid string) bool {
	for _, id := range targets {
		if d.publisher.authorizer.Authorized(id, jid) {
			return true
		}
	}
	return false
}

// checkComplete finalizes the job if every slot is terminal. Called by
// the collector after each write and by publish after the fan-out.
func (d *Dispatcher) checkComplete(jid string) {
	done, err := d.store.CompleteIfSettled(jid)
	if err != nil || !done {
		return
	}
	d.disarmTimer(jid)
	d.logger.Info("job complete", "jid", jid)
}

// Cancel transitions a non-terminal job to Cancelled. In-flight
// publishes are not retracted; late results are recorded for audit but
// the job stays cancelled. Returns false for unknown or already
// terminal jobs.
func (d *Dispatcher) Cancel(jid string) bool {
	cancelled, err := d.store.Cancel(jid)
	if err != nil {
		d.logger.Warn("cancel failed", "jid", jid, "error", err)
		return false
	}
	if cancelled {
		d.disarmTimer(jid)
		d.logger.Info("job cancelled", "jid", jid)
	}
	return cancelled
}

// Status returns a point-in-time snapshot of the job.
func (d *Dispatcher) Status(jid string) (*job.JobView, error) {
	return d.query.Status(jid)
}

// Await blocks until the job reaches a terminal state or maxWait
// elapses, then returns a snapshot either way.
func (d *Dispatcher) Await(ctx context.Context, jid string, maxWait time.Duration) (*job.JobView, error) {
	return d.query.Await(ctx, jid, maxWait)
}

// Run drives the retention reaper until ctx is done. Safe to skip when
// ReapInterval is zero.
func (d *Dispatcher) Run(ctx context.Context) {
	if d.opts.ReapInterval <= 0 {
		<-ctx.Done()
		return
	}

	ticker := time.NewTicker(d.opts.ReapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.store.Reap(d.opts.RetentionTTL)
		}
	}
}

// armTimer schedules the job-level timeout. The timer is set at submit
// time and disarmed on any terminal transition to avoid leaks.
func (d *Dispatcher) armTimer(jid string, timeout time.Duration) {
	t := time.AfterFunc(timeout, func() { d.timeoutJob(jid) })

	d.timerMu.Lock()
	d.timers[jid] = t
	d.timerMu.Unlock()
}

func (d *Dispatcher) disarmTimer(jid string) {
	d.timerMu.Lock()
	t, ok := d.timers[jid]
	if ok {
		delete(d.timers, jid)
	}
	d.timerMu.Unlock()

	if ok {
		t.Stop()
	}
}

func (d *Dispatcher) timeoutJob(jid string) {
	d.timerMu.Lock()
	delete(d.timers, jid)
	d.timerMu.Unlock()

	timedOut, err := d.store.MarkTimedOut(jid)
	if err != nil {
		d.logger.Warn("timeout fired for missing job", "jid", jid, "error", err)
		return
	}
	if timedOut {
		d.logger.Info("job timed out", "jid", jid)
	}
}
