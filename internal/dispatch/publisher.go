// ABOUTME: Fans a job out to the transport for every matched minion, exactly one attempt each
// ABOUTME: Bounded parallel sends; per-minion failures land on the slot, never on the job

package dispatch

import (
	"context"
	"log/slog"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/herdctl/herd/internal/auth"
	"github.com/herdctl/herd/internal/job"
	"github.com/herdctl/herd/internal/registry"
	"github.com/herdctl/herd/internal/store"
	"github.com/herdctl/herd/internal/transport"
)

// defaultPublishWorkers bounds the fan-out when no worker count is configured.
const defaultPublishWorkers = 8

// Publisher performs the one-shot fan-out of a job to its target set.
// It never retries: a failed send marks the slot Errored(Unreachable)
// and moves on. Retry policy, if ever added, belongs to the Dispatcher.
type Publisher struct {
	transport  transport.Transport
	store      *store.Store
	registry   *registry.Registry
	authorizer auth.Authorizer
	workers    int
	limiter    *rate.Limiter
	logger     *slog.Logger
}

// PublisherOption configures a Publisher.
type PublisherOption func(*Publisher)

// WithWorkers bounds the number of concurrent transport sends.
func WithWorkers(n int) PublisherOption {
	return func(p *Publisher) {
		if n > 0 {
			p.workers = n
		}
	}
}

// WithRateLimit caps transport sends per second across all jobs.
// Zero or negative disables limiting.
func WithRateLimit(perSecond float64) PublisherOption {
	return func(p *Publisher) {
		if perSecond > 0 {
			p.limiter = rate.NewLimiter(rate.Limit(perSecond), 1)
		}
	}
}

// NewPublisher creates a publisher.
func NewPublisher(tr transport.Transport, st *store.Store, reg *registry.Registry, az auth.Authorizer, logger *slog.Logger, opts ...PublisherOption) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	if az == nil {
		az = auth.AllowAll{}
	}
	p := &Publisher{
		transport:  tr,
		store:      st,
		registry:   reg,
		authorizer: az,
		workers:    defaultPublishWorkers,
		logger:     logger.With("component", "publisher"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Publish attempts exactly one send per target minion and returns once
// every attempt has been made, not once minions have replied. Denied
// minions are failed on their slot without a send. No job lock is held
// across a send; slot writes take it internally per write.
func (p *Publisher) Publish(ctx context.Context, j job.Job, targets []string) {
	env := &transport.Envelope{
		JID:       j.JID,
		Command:   j.Command,
		CreatedAt: j.CreatedAt,
		Timeout:   j.Timeout,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(p.workers)

	for _, minionID := range targets {
		minionID := minionID
		g.Go(func() error {
			p.sendOne(ctx, j.JID, minionID, env)
			return nil
		})
	}
	g.Wait()

	p.logger.Debug("publish attempts complete", "jid", j.JID, "targets", len(targets))
}

func (p *Publisher) sendOne(ctx context.Context, jid, minionID string, env *transport.Envelope) {
	if !p.authorizer.Authorized(minionID, jid) {
		p.logger.Warn("minion denied for job", "jid", jid, "minion_id", minionID)
		p.failSlot(jid, minionID, job.ReasonDenied)
		return
	}

	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			p.failSlot(jid, minionID, job.ReasonUnreachable)
			return
		}
	}

	if err := p.transport.Send(minionID, env); err != nil {
		p.logger.Warn("send failed",
			"jid", jid,
			"minion_id", minionID,
			"error", err,
		)
		p.failSlot(jid, minionID, job.ReasonUnreachable)
		return
	}

	if p.registry != nil {
		p.registry.RecordAccepted(minionID, jid)
	}
}

func (p *Publisher) failSlot(jid, minionID string, reason job.ErrorReason) {
	if _, err := p.store.WriteError(jid, minionID, reason, nil); err != nil {
		p.logger.Error("recording publish failure failed",
			"jid", jid,
			"minion_id", minionID,
			"error", err,
		)
	}
}
