// ABOUTME: Ingests asynchronous per-minion results from the transport receive path
// ABOUTME: Idempotent slot writes; duplicates are logged and discarded, every write triggers a completion check

package dispatch

import (
	"log/slog"

	"github.com/herdctl/herd/internal/job"
	"github.com/herdctl/herd/internal/store"
	"github.com/herdctl/herd/internal/transport"
)

// Collector is the transport-facing result sink. Safe for concurrent
// invocation across jobs; writes within one job serialize on the
// store's per-job lock.
type Collector struct {
	store  *store.Store
	logger *slog.Logger

	// onWrite is invoked after every successful slot write so the
	// dispatcher can run its completion check. Event-driven, no polling.
	onWrite func(jid string)
}

// NewCollector creates a collector. onWrite may be nil.
func NewCollector(st *store.Store, onWrite func(jid string), logger *slog.Logger) *Collector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Collector{
		store:   st,
		logger:  logger.With("component", "collector"),
		onWrite: onWrite,
	}
}

// HandleResult records one minion's result. Registered as the
// transport's receive callback.
func (c *Collector) HandleResult(res transport.Result) {
	var wrote bool
	var err error
	if res.Errored {
		wrote, err = c.store.WriteError(res.JID, res.MinionID, job.ReasonExecution, res.Payload)
	} else {
		wrote, err = c.store.WriteResult(res.JID, res.MinionID, res.Payload)
	}

	if err != nil {
		// Unknown job (reaped, or never existed) or a minion outside the
		// target set. The transport below does not guarantee delivery to
		// only live jobs, so this is noise, not a failure.
		c.logger.Warn("discarding result",
			"jid", res.JID,
			"minion_id", res.MinionID,
			"error", err,
		)
		return
	}

	if !wrote {
		c.logger.Info("duplicate result ignored",
			"jid", res.JID,
			"minion_id", res.MinionID,
		)
		return
	}

	c.logger.Debug("result recorded",
		"jid", res.JID,
		"minion_id", res.MinionID,
		"errored", res.Errored,
	)

	if c.onWrite != nil {
		c.onWrite(res.JID)
	}
}
