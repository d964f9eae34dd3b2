package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/rca-engine/internal/admission"
	"github.com/sells-group/rca-engine/internal/config"
	"github.com/sells-group/rca-engine/internal/model"
	"github.com/sells-group/rca-engine/internal/monitoring"
	"github.com/sells-group/rca-engine/internal/orchestrator"
	"github.com/sells-group/rca-engine/internal/store"
)

type stubSubmitter struct {
	run        *model.Run
	created    bool
	err        error
	lastCaller string
}

func (s *stubSubmitter) Submit(_ context.Context, req model.Request, caller string) (*model.Run, bool, error) {
	s.lastCaller = caller
	if s.err != nil {
		return nil, false, s.err
	}
	if s.run != nil {
		return s.run, s.created, nil
	}
	run := &model.Run{ID: req.RunID(), Request: req.Normalized(), Status: model.RunStatusQueued}
	return run, true, nil
}

func newTestServer(t *testing.T, sub RunSubmitter, cfg config.ServerConfig) (*Server, store.Store) {
	t.Helper()
	st := store.NewMemory()
	srv := New(sub, st, monitoring.NewCollector(st, nil), cfg)
	return srv, st
}

func postRCA(t *testing.T, h http.Handler, body any) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/rca", bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestSubmitAccepted(t *testing.T) {
	sub := &stubSubmitter{}
	srv, _ := newTestServer(t, sub, config.ServerConfig{})
	h := srv.Router()

	rr := postRCA(t, h, model.Request{Period: "2025-08", Region: "APAC"})

	assert.Equal(t, http.StatusAccepted, rr.Code)

	var resp submitResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.True(t, resp.Created)
	require.NotNil(t, resp.Run)
	assert.Equal(t, model.RunStatusQueued, resp.Run.Status)
	assert.Equal(t, "2025-08", resp.Run.Request.Period)
}

func TestSubmitDeduplicated(t *testing.T) {
	existing := &model.Run{ID: "abc", Status: model.RunStatusRunning}
	sub := &stubSubmitter{run: existing, created: false}
	srv, _ := newTestServer(t, sub, config.ServerConfig{})

	rr := postRCA(t, srv.Router(), model.Request{Period: "2025-08"})

	assert.Equal(t, http.StatusOK, rr.Code)

	var resp submitResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.False(t, resp.Created)
	assert.Equal(t, "abc", resp.Run.ID)
}

func TestSubmitInvalidBody(t *testing.T) {
	srv, _ := newTestServer(t, &stubSubmitter{}, config.ServerConfig{})

	req := httptest.NewRequest(http.MethodPost, "/rca", bytes.NewReader([]byte("not json")))
	rr := httptest.NewRecorder()
	srv.Router().ServeHTTP(rr, req)

	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Contains(t, rr.Body.String(), "invalid_request")
}

func TestSubmitErrorMapping(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"queue full", eris.Wrap(admission.ErrQueueFull, "8 of 8 slots occupied"), http.StatusTooManyRequests, "queue_full"},
		{"rate limited", admission.ErrRateLimited, http.StatusTooManyRequests, "rate_limited"},
		{"shutting down", orchestrator.ErrShuttingDown, http.StatusServiceUnavailable, "shutting_down"},
		{"validation", eris.Wrapf(orchestrator.ErrInvalidRequest, "period must be YYYY-MM"), http.StatusBadRequest, "invalid_request"},
		{"store failure", eris.Wrap(eris.New("database is locked"), "orchestrator: create run"), http.StatusInternalServerError, "internal_error"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv, _ := newTestServer(t, &stubSubmitter{err: tc.err}, config.ServerConfig{})

			rr := postRCA(t, srv.Router(), model.Request{Period: "2025-08"})

			assert.Equal(t, tc.status, rr.Code)

			var resp errorResponse
			require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
			assert.Equal(t, tc.code, resp.Error.Code)
		})
	}
}

func TestCallerIDFromHeader(t *testing.T) {
	sub := &stubSubmitter{}
	srv, _ := newTestServer(t, sub, config.ServerConfig{})

	raw, _ := json.Marshal(model.Request{Period: "2025-08"})
	req := httptest.NewRequest(http.MethodPost, "/rca", bytes.NewReader(raw))
	req.Header.Set("X-Caller-ID", "finance-bot")
	rr := httptest.NewRecorder()
	srv.Router().ServeHTTP(rr, req)

	assert.Equal(t, http.StatusAccepted, rr.Code)
	assert.Equal(t, "finance-bot", sub.lastCaller)
}

func TestCallerIDFallsBackToRemoteAddr(t *testing.T) {
	sub := &stubSubmitter{}
	srv, _ := newTestServer(t, sub, config.ServerConfig{})

	rr := postRCA(t, srv.Router(), model.Request{Period: "2025-08"})

	assert.Equal(t, http.StatusAccepted, rr.Code)
	// httptest.NewRequest sets RemoteAddr to 192.0.2.1:1234.
	assert.Equal(t, "192.0.2.1", sub.lastCaller)
}

func TestGetRun(t *testing.T) {
	srv, st := newTestServer(t, &stubSubmitter{}, config.ServerConfig{})
	run, _, err := st.CreateRun(context.Background(), model.Request{Period: "2025-08", Region: "APAC"})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/rca/"+run.ID, nil)
	rr := httptest.NewRecorder()
	srv.Router().ServeHTTP(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)

	var got model.Run
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &got))
	assert.Equal(t, run.ID, got.ID)
	assert.Equal(t, model.RunStatusQueued, got.Status)
}

func TestGetRunNotFound(t *testing.T) {
	srv, _ := newTestServer(t, &stubSubmitter{}, config.ServerConfig{})

	req := httptest.NewRequest(http.MethodGet, "/rca/no-such-run", nil)
	rr := httptest.NewRecorder()
	srv.Router().ServeHTTP(rr, req)

	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Contains(t, rr.Body.String(), "not_found")
}

func TestListRuns(t *testing.T) {
	srv, st := newTestServer(t, &stubSubmitter{}, config.ServerConfig{})
	ctx := context.Background()
	for _, region := range []string{"APAC", "EMEA", "AMER"} {
		_, _, err := st.CreateRun(ctx, model.Request{Period: "2025-08", Region: region})
		require.NoError(t, err)
	}

	req := httptest.NewRequest(http.MethodGet, "/rca?limit=2", nil)
	rr := httptest.NewRecorder()
	srv.Router().ServeHTTP(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)

	var resp listResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Len(t, resp.Runs, 2)
	assert.Equal(t, 3, resp.Total)
	assert.Equal(t, 2, resp.Limit)
}

func TestListRunsStatusFilter(t *testing.T) {
	srv, st := newTestServer(t, &stubSubmitter{}, config.ServerConfig{})
	ctx := context.Background()
	run, _, err := st.CreateRun(ctx, model.Request{Period: "2025-08", Region: "APAC"})
	require.NoError(t, err)
	_, err = st.UpdateStatus(ctx, run.ID, store.StatusUpdate{Status: model.RunStatusRunning})
	require.NoError(t, err)
	_, _, err = st.CreateRun(ctx, model.Request{Period: "2025-08", Region: "EMEA"})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/rca?status=running", nil)
	rr := httptest.NewRecorder()
	srv.Router().ServeHTTP(rr, req)

	var resp listResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.Len(t, resp.Runs, 1)
	assert.Equal(t, run.ID, resp.Runs[0].ID)
}

func TestListRunsBadLimit(t *testing.T) {
	srv, _ := newTestServer(t, &stubSubmitter{}, config.ServerConfig{})

	req := httptest.NewRequest(http.MethodGet, "/rca?limit=banana", nil)
	rr := httptest.NewRecorder()
	srv.Router().ServeHTTP(rr, req)

	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestHealth(t *testing.T) {
	srv, _ := newTestServer(t, &stubSubmitter{}, config.ServerConfig{})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rr := httptest.NewRecorder()
	srv.Router().ServeHTTP(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "ok")
}

func TestMetrics(t *testing.T) {
	srv, st := newTestServer(t, &stubSubmitter{}, config.ServerConfig{})
	_, _, err := st.CreateRun(context.Background(), model.Request{Period: "2025-08"})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr := httptest.NewRecorder()
	srv.Router().ServeHTTP(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)

	var snap monitoring.MetricsSnapshot
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &snap))
	assert.Equal(t, 1, snap.RunsTotal)
	assert.Equal(t, 1, snap.RunsQueued)
}

func TestAPIKeyRequired(t *testing.T) {
	srv, _ := newTestServer(t, &stubSubmitter{}, config.ServerConfig{APIKey: "secret"})
	h := srv.Router()

	req := httptest.NewRequest(http.MethodGet, "/rca", nil)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	req = httptest.NewRequest(http.MethodGet, "/rca", nil)
	req.Header.Set("X-API-Key", "secret")
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusOK, rr.Code)

	// Health stays open for probes.
	req = httptest.NewRequest(http.MethodGet, "/health", nil)
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusOK, rr.Code)
}
