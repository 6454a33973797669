// ABOUTME: Tests for the HTTP API using httptest against the full chi router
// ABOUTME: Covers auth enforcement, submit/status/cancel round-trips, and the minion poll/result path

package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/herdctl/herd/internal/auth"
	"github.com/herdctl/herd/internal/dispatch"
	"github.com/herdctl/herd/internal/job"
	"github.com/herdctl/herd/internal/registry"
	"github.com/herdctl/herd/internal/store"
	"github.com/herdctl/herd/internal/transport"
)

type apiHarness struct {
	server   *httptest.Server
	verifier *auth.JWTVerifier
	tr       *transport.InProc
}

func newAPIHarness(t *testing.T) *apiHarness {
	t.Helper()

	verifier, err := auth.NewJWTVerifier([]byte("test-secret"))
	require.NoError(t, err)

	reg := registry.New(time.Minute, nil)
	tr := transport.NewInProc(nil)
	st := store.New(nil, nil)
	d := dispatch.New(reg, st, tr, nil, dispatch.Options{DefaultTimeout: 5 * time.Second}, nil)

	api := NewServer(d, reg, tr, verifier, 500*time.Millisecond, nil)
	ts := httptest.NewServer(api.Router())
	t.Cleanup(ts.Close)

	return &apiHarness{server: ts, verifier: verifier, tr: tr}
}

func (h *apiHarness) token(t *testing.T, subject string) string {
	t.Helper()
	token, err := h.verifier.Issue(subject, time.Minute)
	require.NoError(t, err)
	return token
}

func (h *apiHarness) do(t *testing.T, method, path, token string, body any) *http.Response {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, h.server.URL+path, &buf)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

// registerMinion registers a minion over the API with its own token.
func (h *apiHarness) registerMinion(t *testing.T, id string) string {
	t.Helper()
	token := h.token(t, id)
	resp := h.do(t, http.MethodPost, "/api/v1/minions/"+id+"/register", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	return token
}

func TestHealthNoAuth(t *testing.T) {
	h := newAPIHarness(t)

	resp, err := http.Get(h.server.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestAuthRequired(t *testing.T) {
	h := newAPIHarness(t)

	resp := h.do(t, http.MethodGet, "/api/v1/minions", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = h.do(t, http.MethodGet, "/api/v1/minions", "garbage-token", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestMinionIdentityEnforced(t *testing.T) {
	h := newAPIHarness(t)

	// A token for web1 cannot act as web2.
	token := h.token(t, "web1")
	resp := h.do(t, http.MethodPost, "/api/v1/minions/web2/register", token, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestSubmitStatusRoundTrip(t *testing.T) {
	h := newAPIHarness(t)
	h.registerMinion(t, "web1")
	caller := h.token(t, "operator")

	resp := h.do(t, http.MethodPost, "/api/v1/jobs", caller, map[string]string{
		"target":  "web*",
		"command": "uptime",
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	jid := decode[map[string]string](t, resp)["jid"]
	require.NotEmpty(t, jid)

	resp = h.do(t, http.MethodGet, "/api/v1/jobs/"+jid, caller, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	view := decode[job.JobView](t, resp)
	assert.Equal(t, jid, view.JID)
	assert.Len(t, view.Slots, 1)
}

func TestSubmitErrors(t *testing.T) {
	h := newAPIHarness(t)
	h.registerMinion(t, "web1")
	caller := h.token(t, "operator")

	t.Run("invalid selector", func(t *testing.T) {
		resp := h.do(t, http.MethodPost, "/api/v1/jobs", caller, map[string]string{
			"target": "web* and", "command": "x",
		})
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("no minions matched", func(t *testing.T) {
		resp := h.do(t, http.MethodPost, "/api/v1/jobs", caller, map[string]string{
			"target": "db*", "command": "x",
		})
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})

	t.Run("duplicate jid", func(t *testing.T) {
		body := map[string]string{"target": "web1", "command": "x", "jid": "dup-1"}
		resp := h.do(t, http.MethodPost, "/api/v1/jobs", caller, body)
		require.Equal(t, http.StatusAccepted, resp.StatusCode)
		resp = h.do(t, http.MethodPost, "/api/v1/jobs", caller, body)
		assert.Equal(t, http.StatusConflict, resp.StatusCode)
	})

	t.Run("bad timeout", func(t *testing.T) {
		resp := h.do(t, http.MethodPost, "/api/v1/jobs", caller, map[string]string{
			"target": "web1", "command": "x", "timeout": "soon",
		})
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
}

func TestMinionPollAndResult(t *testing.T) {
	h := newAPIHarness(t)
	minionToken := h.registerMinion(t, "web1")
	caller := h.token(t, "operator")

	resp := h.do(t, http.MethodPost, "/api/v1/jobs", caller, map[string]string{
		"target":  "web1",
		"command": "test.ping",
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	jid := decode[map[string]string](t, resp)["jid"]

	// The minion long-polls and receives the envelope.
	resp = h.do(t, http.MethodGet, "/api/v1/minions/web1/jobs", minionToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	env := decode[transport.Envelope](t, resp)
	assert.Equal(t, jid, env.JID)

	// It pushes its result back.
	resp = h.do(t, http.MethodPost, "/api/v1/minions/web1/results", minionToken, map[string]any{
		"jid":     jid,
		"payload": "pong",
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	// The caller awaits completion.
	resp = h.do(t, http.MethodGet, "/api/v1/jobs/"+jid+"/wait?max_wait=2s", caller, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	view := decode[job.JobView](t, resp)
	assert.Equal(t, job.StatusComplete, view.Status)
	assert.Equal(t, job.SlotReceived, view.Slots["web1"].State)
}

func TestPollEmptyReturns204(t *testing.T) {
	h := newAPIHarness(t)
	minionToken := h.registerMinion(t, "web1")

	resp := h.do(t, http.MethodGet, "/api/v1/minions/web1/jobs", minionToken, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestCancelEndpoint(t *testing.T) {
	h := newAPIHarness(t)
	h.registerMinion(t, "web1")
	caller := h.token(t, "operator")

	resp := h.do(t, http.MethodPost, "/api/v1/jobs", caller, map[string]string{
		"target": "web1", "command": "x",
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	jid := decode[map[string]string](t, resp)["jid"]

	resp = h.do(t, http.MethodDelete, "/api/v1/jobs/"+jid, caller, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, decode[map[string]bool](t, resp)["cancelled"])

	resp = h.do(t, http.MethodDelete, "/api/v1/jobs/"+jid, caller, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.False(t, decode[map[string]bool](t, resp)["cancelled"])
}

func TestStatusUnknownJob(t *testing.T) {
	h := newAPIHarness(t)
	caller := h.token(t, "operator")

	resp := h.do(t, http.MethodGet, "/api/v1/jobs/nope", caller, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestListMinions(t *testing.T) {
	h := newAPIHarness(t)
	h.registerMinion(t, "web1")
	h.registerMinion(t, "db1")
	caller := h.token(t, "operator")

	resp := h.do(t, http.MethodGet, "/api/v1/minions", caller, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	minions := decode[[]registry.Info](t, resp)
	require.Len(t, minions, 2)
	assert.Equal(t, "db1", minions[0].ID)
	assert.Equal(t, "web1", minions[1].ID)
}

func TestAwaitHonorsCallerMaxWait(t *testing.T) {
	h := newAPIHarness(t)
	h.registerMinion(t, "web1")
	caller := h.token(t, "operator")

	resp := h.do(t, http.MethodPost, "/api/v1/jobs", caller, map[string]string{
		"target":  "web1",
		"command": "uptime",
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	jid := decode[map[string]string](t, resp)["jid"]

	// The result lands well after the poll window (500ms); a caller wait
	// longer than that window must still see the terminal view.
	go func() {
		time.Sleep(800 * time.Millisecond)
		h.tr.Deliver(transport.Result{JID: jid, MinionID: "web1", Payload: []byte("up")})
	}()

	resp = h.do(t, http.MethodGet, "/api/v1/jobs/"+jid+"/wait?max_wait=5s", caller, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	view := decode[job.JobView](t, resp)
	assert.Equal(t, job.StatusComplete, view.Status)

	resp = h.do(t, http.MethodGet, "/api/v1/jobs/"+jid+"/wait?max_wait=-1s", caller, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
