// ABOUTME: HTTP control surface for herd-master using chi
// ABOUTME: Caller API for submit/status/await/cancel plus the minion register/poll/result path

package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/herdctl/herd/internal/auth"
	"github.com/herdctl/herd/internal/dispatch"
	"github.com/herdctl/herd/internal/registry"
	"github.com/herdctl/herd/internal/store"
	"github.com/herdctl/herd/internal/target"
	"github.com/herdctl/herd/internal/transport"
)

// Server exposes the dispatch core over HTTP. Callers drive jobs
// through /api/v1/jobs; minions register, long-poll for envelopes, and
// push results through /api/v1/minions.
type Server struct {
	dispatcher  *dispatch.Dispatcher
	registry    *registry.Registry
	transport   *transport.InProc
	verifier    auth.TokenVerifier
	pollTimeout time.Duration
	logger      *slog.Logger
}

// NewServer creates the HTTP API server.
func NewServer(d *dispatch.Dispatcher, reg *registry.Registry, tr *transport.InProc, verifier auth.TokenVerifier, pollTimeout time.Duration, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if pollTimeout <= 0 {
		pollTimeout = 30 * time.Second
	}
	return &Server{
		dispatcher:  d,
		registry:    reg,
		transport:   tr,
		verifier:    verifier,
		pollTimeout: pollTimeout,
		logger:      logger.With("component", "httpapi"),
	}
}

// Router builds the chi route tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(s.requireToken)

		r.Route("/jobs", func(r chi.Router) {
			r.Post("/", s.handleSubmit)
			r.Get("/{jid}", s.handleStatus)
			r.Get("/{jid}/wait", s.handleAwait)
			r.Delete("/{jid}", s.handleCancel)
		})

		r.Get("/minions", s.handleListMinions)
		r.Route("/minions/{minionID}", func(r chi.Router) {
			r.Use(s.requireMinionIdentity)
			r.Post("/register", s.handleRegister)
			r.Post("/heartbeat", s.handleHeartbeat)
			r.Get("/jobs", s.handlePoll)
			r.Post("/results", s.handleResult)
		})
	})

	return r
}

// requireToken rejects requests without a valid bearer token.
func (s *Server) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		subject, err := s.verifyBearer(r)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid or missing token")
			return
		}
		ctx := context.WithValue(r.Context(), subjectKey{}, subject)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requireMinionIdentity ensures the token subject matches the minion ID
// in the path, so one minion cannot poll or answer for another.
func (s *Server) requireMinionIdentity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		minionID := chi.URLParam(r, "minionID")
		subject, _ := r.Context().Value(subjectKey{}).(string)
		if subject != minionID {
			writeError(w, http.StatusForbidden, "token subject does not match minion id")
			return
		}
		next.ServeHTTP(w, r)
	})
}

type subjectKey struct{}

func (s *Server) verifyBearer(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || token == "" {
		return "", auth.ErrInvalidToken
	}
	return s.verifier.Verify(token)
}

// submitRequest is the POST /api/v1/jobs body.
type submitRequest struct {
	Target  string `json:"target"`
	Command string `json:"command"`
	Timeout string `json:"timeout,omitempty"`
	JID     string `json:"jid,omitempty"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	var timeout time.Duration
	if req.Timeout != "" {
		var err error
		timeout, err = time.ParseDuration(req.Timeout)
		if err != nil {
			writeError(w, http.StatusBadRequest, "bad timeout: "+err.Error())
			return
		}
	}

	jid, err := s.dispatcher.Submit(r.Context(), dispatch.SubmitRequest{
		Target:  req.Target,
		Command: []byte(req.Command),
		Timeout: timeout,
		JID:     req.JID,
	})
	if err != nil {
		switch {
		case errors.Is(err, target.ErrInvalidSelector):
			writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, dispatch.ErrNoMinionsMatched):
			writeError(w, http.StatusNotFound, err.Error())
		case errors.Is(err, dispatch.ErrUnauthorized):
			writeError(w, http.StatusForbidden, err.Error())
		case errors.Is(err, store.ErrDuplicateJob):
			writeError(w, http.StatusConflict, err.Error())
		default:
			s.logger.Error("submit failed", "error", err)
			writeError(w, http.StatusInternalServerError, "submit failed")
		}
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{"jid": jid})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	view, err := s.dispatcher.Status(chi.URLParam(r, "jid"))
	if err != nil {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// maxAwaitWindow bounds how long one /wait request may hold its
// connection. It is deliberately larger than the minion poll window so
// callers can wait out slow jobs in a single request.
const maxAwaitWindow = 10 * time.Minute

func (s *Server) handleAwait(w http.ResponseWriter, r *http.Request) {
	maxWait := s.pollTimeout
	if raw := r.URL.Query().Get("max_wait"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			writeError(w, http.StatusBadRequest, "bad max_wait: must be a positive duration")
			return
		}
		maxWait = min(d, maxAwaitWindow)
	}

	view, err := s.dispatcher.Await(r.Context(), chi.URLParam(r, "jid"), maxWait)
	if err != nil {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	cancelled := s.dispatcher.Cancel(chi.URLParam(r, "jid"))
	writeJSON(w, http.StatusOK, map[string]bool{"cancelled": cancelled})
}

func (s *Server) handleListMinions(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.registry.List())
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	minionID := chi.URLParam(r, "minionID")
	s.registry.Register(minionID)
	s.transport.Attach(minionID)
	writeJSON(w, http.StatusOK, map[string]string{"minion_id": minionID})
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	minionID := chi.URLParam(r, "minionID")
	if err := s.registry.Heartbeat(minionID); err != nil {
		writeError(w, http.StatusNotFound, "minion not registered")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handlePoll long-polls the minion's inbox. 200 with an envelope when
// one arrives, 204 when the poll window closes empty.
func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request) {
	minionID := chi.URLParam(r, "minionID")

	// Polling doubles as liveness.
	_ = s.registry.Heartbeat(minionID)

	ctx, cancel := context.WithTimeout(r.Context(), s.pollTimeout)
	defer cancel()

	env := s.transport.Next(ctx, minionID)
	if env == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, env)
}

// resultRequest is the POST results body.
type resultRequest struct {
	JID     string `json:"jid"`
	Payload string `json:"payload"`
	Errored bool   `json:"errored"`
}

func (s *Server) handleResult(w http.ResponseWriter, r *http.Request) {
	minionID := chi.URLParam(r, "minionID")

	var req resultRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if req.JID == "" {
		writeError(w, http.StatusBadRequest, "jid is required")
		return
	}

	_ = s.registry.Heartbeat(minionID)
	s.transport.Deliver(transport.Result{
		JID:      req.JID,
		MinionID: minionID,
		Payload:  []byte(req.Payload),
		Errored:  req.Errored,
	})
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
