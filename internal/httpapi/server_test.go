package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"swarmcore/internal/board"
	"swarmcore/internal/mailbox"
	"swarmcore/internal/orchestrator"
	"swarmcore/internal/subtask"
	"swarmcore/internal/wakeup"
)

func newTestServer(t *testing.T) (*Server, *board.Board) {
	t.Helper()
	dir := t.TempDir()
	ctx := context.Background()

	b := board.NewDefault(filepath.Join(dir, "task_board.json"))
	require.NoError(t, b.EnsureSchema(ctx))
	registry := subtask.NewRegistry(filepath.Join(dir, "subtasks.json"))
	mb := mailbox.New(filepath.Join(dir, "mailboxes"))
	wake := wakeup.New("")

	orch := orchestrator.New(b, registry, mb, wake, orchestrator.Config{
		TaskTimeout:      200 * time.Millisecond,
		PollInterval:     5 * time.Millisecond,
		ProgressInterval: time.Hour,
	})

	return New(orch, b, nil, Config{}), b
}

func TestHandleHealthz(t *testing.T) {
	s, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHandleProviders_NoModelClientConfigured(t *testing.T) {
	s, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/api/providers", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string][]providerStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Empty(t, resp["providers"])
}

func TestHandleProviderReset_NoModelClientConfigured(t *testing.T) {
	s, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/api/providers/openai/reset", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleSubmitAndStatus(t *testing.T) {
	s, _ := newTestServer(t)

	body, err := json.Marshal(submitRequest{Text: "hi", Channel: "cli"})
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/api/tasks", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusAccepted, rec.Code)

	var submitResp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &submitResp))
	taskID := submitResp["task_id"]
	require.NotEmpty(t, taskID)

	statusReq := httptest.NewRequest(http.MethodGet, "/api/tasks/"+taskID, nil)
	statusRec := httptest.NewRecorder()
	s.Handler().ServeHTTP(statusRec, statusReq)
	require.Equal(t, http.StatusOK, statusRec.Code)

	var status taskStatus
	require.NoError(t, json.Unmarshal(statusRec.Body.Bytes(), &status))
	assert.Equal(t, taskID, status.TaskID)
	assert.Equal(t, "pending", status.Status)
	assert.Equal(t, "planner", status.RequiredRole)
}

func TestHandleCancel(t *testing.T) {
	s, b := newTestServer(t)
	ctx := context.Background()

	task, err := b.Create(ctx, board.CreateSpec{Description: "do it", RequiredRole: "implement"})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/api/tasks/"+task.ID+"/cancel", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	final, err := b.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, board.StatusCancelled, final.Status)
}

func TestHandleWait_TimesOutWhenStillPending(t *testing.T) {
	s, _ := newTestServer(t)

	body, err := json.Marshal(submitRequest{Text: "hi"})
	require.NoError(t, err)
	submitReq := httptest.NewRequest(http.MethodPost, "/api/tasks", bytes.NewReader(body))
	submitReq.Header.Set("Content-Type", "application/json")
	submitRec := httptest.NewRecorder()
	s.Handler().ServeHTTP(submitRec, submitReq)
	require.Equal(t, http.StatusAccepted, submitRec.Code)

	var submitResp map[string]string
	require.NoError(t, json.Unmarshal(submitRec.Body.Bytes(), &submitResp))
	taskID := submitResp["task_id"]

	waitBody, err := json.Marshal(waitRequest{TimeoutSeconds: 0})
	require.NoError(t, err)
	waitReq := httptest.NewRequest(http.MethodPost, "/api/tasks/"+taskID+"/wait", bytes.NewReader(waitBody))
	waitReq.Header.Set("Content-Type", "application/json")
	waitRec := httptest.NewRecorder()

	s.cfg.WaitTimeout = 20 * time.Millisecond
	s.Handler().ServeHTTP(waitRec, waitReq)

	assert.Equal(t, http.StatusOK, waitRec.Code)
	var status taskStatus
	require.NoError(t, json.Unmarshal(waitRec.Body.Bytes(), &status))
	assert.Equal(t, taskID, status.TaskID)
}
