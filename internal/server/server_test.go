package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chromakey/chromakey/pkg/bridge"
	"github.com/chromakey/chromakey/pkg/catalog"
	"github.com/chromakey/chromakey/pkg/runner"
)

// fakeController scripts RunController responses.
type fakeController struct {
	status    *bridge.RunStatus
	statusErr error
	results   []runner.TaskResult
	cancelErr error
	cancelled bool
}

func (f *fakeController) Status(ctx context.Context) (*bridge.RunStatus, error) {
	return f.status, f.statusErr
}

func (f *fakeController) Results(ctx context.Context) ([]runner.TaskResult, error) {
	return f.results, nil
}

func (f *fakeController) Cancel(ctx context.Context) error {
	f.cancelled = true
	return f.cancelErr
}

func doRequest(t *testing.T, srv *Server, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func TestServerUsesStandardErrorEnvelope(t *testing.T) {
	srv := New("127.0.0.1", 0, &fakeController{}, nil)

	rec := doRequest(t, srv, http.MethodGet, "/does-not-exist")
	require.Equal(t, http.StatusNotFound, rec.Code)

	var body HTTPErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, "NOT_FOUND", body.Error.Code)
}

func TestServerMethodNotAllowed(t *testing.T) {
	srv := New("127.0.0.1", 0, &fakeController{}, nil)

	rec := doRequest(t, srv, http.MethodPost, "/api/status")
	require.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	var body HTTPErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, "METHOD_NOT_ALLOWED", body.Error.Code)
}

func TestServerHealthz(t *testing.T) {
	srv := New("127.0.0.1", 0, &fakeController{}, nil)

	rec := doRequest(t, srv, http.MethodGet, "/healthz")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestServerStatus(t *testing.T) {
	ctrl := &fakeController{
		status: &bridge.RunStatus{
			Running:  true,
			RunID:    "run-7",
			Progress: runner.Progress{Completed: 4, Total: 9, Failed: 1},
		},
	}
	srv := New("127.0.0.1", 0, ctrl, nil)

	rec := doRequest(t, srv, http.MethodGet, "/api/status")
	require.Equal(t, http.StatusOK, rec.Code)

	var st bridge.RunStatus
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&st))
	assert.True(t, st.Running)
	assert.Equal(t, "run-7", st.RunID)
	assert.Equal(t, int64(4), st.Progress.Completed)
}

func TestServerStatusWorkerDown(t *testing.T) {
	ctrl := &fakeController{statusErr: errors.New("worker not started")}
	srv := New("127.0.0.1", 0, ctrl, nil)

	rec := doRequest(t, srv, http.MethodGet, "/api/status")
	require.Equal(t, http.StatusBadGateway, rec.Code)

	var body HTTPErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, "WORKER_UNAVAILABLE", body.Error.Code)
}

func TestServerResults(t *testing.T) {
	ctrl := &fakeController{
		results: []runner.TaskResult{
			{
				Task:    catalog.Task{StoryID: "btn", Browser: "chromium", ViewportName: "desktop"},
				Outcome: catalog.Outcome{Status: catalog.StatusPassed},
			},
		},
	}
	srv := New("127.0.0.1", 0, ctrl, nil)

	rec := doRequest(t, srv, http.MethodGet, "/api/results")
	require.Equal(t, http.StatusOK, rec.Code)

	var results []runner.TaskResult
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&results))
	require.Len(t, results, 1)
	assert.Equal(t, "btn", results[0].Task.StoryID)
}

func TestServerResultsEmpty(t *testing.T) {
	srv := New("127.0.0.1", 0, &fakeController{}, nil)

	rec := doRequest(t, srv, http.MethodGet, "/api/results")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())
}

func TestServerCancel(t *testing.T) {
	ctrl := &fakeController{}
	srv := New("127.0.0.1", 0, ctrl, nil)

	rec := doRequest(t, srv, http.MethodPost, "/api/cancel")
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.True(t, ctrl.cancelled)
}

func TestServerCancelConflict(t *testing.T) {
	ctrl := &fakeController{cancelErr: errors.New("no active run")}
	srv := New("127.0.0.1", 0, ctrl, nil)

	rec := doRequest(t, srv, http.MethodPost, "/api/cancel")
	require.Equal(t, http.StatusConflict, rec.Code)

	var body HTTPErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, "CANCEL_FAILED", body.Error.Code)
}

func TestServerPort(t *testing.T) {
	srv := New("127.0.0.1", 9000, &fakeController{}, nil)
	assert.Equal(t, 9000, srv.Port())
	assert.NotNil(t, srv.Handler())
}
