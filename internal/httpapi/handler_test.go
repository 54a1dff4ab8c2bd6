package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	miniredis "github.com/alicebob/miniredis/v2"
	"go.uber.org/zap"

	"github.com/canopyworks/agentd/internal/intent"
	"github.com/canopyworks/agentd/internal/memory"
	"github.com/canopyworks/agentd/internal/orchestrator"
	"github.com/canopyworks/agentd/internal/planner"
	"github.com/canopyworks/agentd/internal/taskstore"
	"github.com/canopyworks/agentd/internal/tools"
)

func newTestServer(t *testing.T, authToken string, rps float64) (*httptest.Server, *tools.Authority) {
	t.Helper()
	logger := zap.NewNop()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	mem, err := memory.NewManager(mr.Addr(), "", logger)
	if err != nil {
		t.Fatalf("failed to create memory manager: %v", err)
	}
	t.Cleanup(func() { mem.Close() })

	store, err := taskstore.NewStore(filepath.Join(t.TempDir(), "tasks.db"), logger)
	if err != nil {
		t.Fatalf("failed to create task store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	engine, err := planner.NewEngine(logger)
	if err != nil {
		t.Fatalf("failed to create planner: %v", err)
	}

	authority := tools.NewAuthority(logger)
	orch := orchestrator.New(logger, intent.NewClassifier(logger), engine, store, mem, authority)

	mux := http.NewServeMux()
	NewHandler(orch, authority, store, logger, authToken, rps, int(rps)).RegisterRoutes(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, authority
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	raw, _ := json.Marshal(body)
	resp, err := http.Post(url, "application/json", bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, dst any) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func TestProcessAndApproveFlow(t *testing.T) {
	srv, authority := newTestServer(t, "", 0)

	resp := postJSON(t, srv.URL+"/agent/process", map[string]any{
		"input":   "file a dispute about an unauthorized charge",
		"user_id": "user-1",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var result orchestrator.AgentResult
	decodeBody(t, resp, &result)
	if !result.Success || result.TaskID == "" {
		t.Fatalf("unexpected result: %+v", result)
	}
	if !strings.Contains(result.Message, "Requires approval") {
		t.Errorf("expected approval prompt, got %q", result.Message)
	}

	// Task is visible and awaiting approval.
	resp, err := http.Get(srv.URL + "/agent/tasks/" + result.TaskID)
	if err != nil {
		t.Fatalf("get task failed: %v", err)
	}
	var task taskstore.Task
	decodeBody(t, resp, &task)
	if task.State != taskstore.StateAwaitingApproval {
		t.Fatalf("expected awaiting_approval, got %s", task.State)
	}

	if err := authority.GrantApproval("database_write"); err != nil {
		t.Fatalf("grant failed: %v", err)
	}

	resp = postJSON(t, srv.URL+"/agent/approve", map[string]any{
		"task_id": result.TaskID,
		"user_id": "user-1",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var approved orchestrator.AgentResult
	decodeBody(t, resp, &approved)
	if !approved.Success {
		t.Fatalf("approval execution failed: %q", approved.Error)
	}
}

func TestApproveUnknownTask(t *testing.T) {
	srv, _ := newTestServer(t, "", 0)

	resp := postJSON(t, srv.URL+"/agent/approve", map[string]any{"task_id": "task_missing"})
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestProcessRejectsInvalidPayload(t *testing.T) {
	srv, _ := newTestServer(t, "", 0)

	resp := postJSON(t, srv.URL+"/agent/process", map[string]any{"input": "do it", "bogus": true})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown field, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = postJSON(t, srv.URL+"/agent/process", map[string]any{"user_id": "user-1"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing input, got %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestListTasksByState(t *testing.T) {
	srv, _ := newTestServer(t, "", 0)

	resp := postJSON(t, srv.URL+"/agent/process", map[string]any{
		"input": "file a dispute about a late fee",
	})
	var result orchestrator.AgentResult
	decodeBody(t, resp, &result)

	resp, err := http.Get(srv.URL + "/agent/tasks?state=awaiting_approval")
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	var listing struct {
		Tasks []taskstore.Task `json:"tasks"`
		Count int              `json:"count"`
	}
	decodeBody(t, resp, &listing)
	if listing.Count != 1 {
		t.Fatalf("expected 1 awaiting task, got %d", listing.Count)
	}

	resp, err = http.Get(srv.URL + "/agent/tasks?state=completed")
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	decodeBody(t, resp, &listing)
	if listing.Count != 0 {
		t.Fatalf("expected 0 completed tasks, got %d", listing.Count)
	}
}

func TestToolEndpoints(t *testing.T) {
	srv, authority := newTestServer(t, "", 0)

	resp, err := http.Get(srv.URL + "/agent/tools")
	if err != nil {
		t.Fatalf("list tools failed: %v", err)
	}
	var tl struct {
		Tools []tools.Capability `json:"tools"`
	}
	decodeBody(t, resp, &tl)
	if len(tl.Tools) == 0 {
		t.Fatal("expected non-empty tool catalogue")
	}

	resp = postJSON(t, srv.URL+"/agent/tools/approve", map[string]any{"tool": "email_send"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	resp.Body.Close()
	if !authority.IsApproved("email_send") {
		t.Fatal("expected email_send approved")
	}

	resp = postJSON(t, srv.URL+"/agent/tools/revoke", map[string]any{"tool": "email_send"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	resp.Body.Close()
	if authority.IsApproved("email_send") {
		t.Fatal("expected email_send revoked")
	}

	resp = postJSON(t, srv.URL+"/agent/tools/approve", map[string]any{"tool": "nope"})
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown tool, got %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestContextSummaryAndHistory(t *testing.T) {
	srv, _ := newTestServer(t, "", 0)

	postJSON(t, srv.URL+"/agent/process", map[string]any{
		"input":        "run the nightly report",
		"user_id":      "user-7",
		"auto_execute": true,
	}).Body.Close()

	resp, err := http.Get(srv.URL + "/agent/context/user-7/summary")
	if err != nil {
		t.Fatalf("summary failed: %v", err)
	}
	var summary struct {
		UserID  string `json:"user_id"`
		Summary string `json:"summary"`
	}
	decodeBody(t, resp, &summary)
	if !strings.Contains(summary.Summary, "Recent Interactions") {
		t.Errorf("expected interactions in summary, got %q", summary.Summary)
	}

	resp, err = http.Get(srv.URL + "/agent/context/user-7/history?limit=1")
	if err != nil {
		t.Fatalf("history failed: %v", err)
	}
	var hist struct {
		History []memory.Message `json:"history"`
		Count   int              `json:"count"`
	}
	decodeBody(t, resp, &hist)
	if hist.Count != 1 {
		t.Fatalf("expected 1 message with limit=1, got %d", hist.Count)
	}

	resp, err = http.Get(srv.URL + "/agent/context/user-7/history?limit=oops")
	if err != nil {
		t.Fatalf("history failed: %v", err)
	}
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad limit, got %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestStatsEndpoint(t *testing.T) {
	srv, _ := newTestServer(t, "", 0)

	postJSON(t, srv.URL+"/agent/process", map[string]any{
		"input":        "run the cleanup",
		"auto_execute": true,
	}).Body.Close()

	resp, err := http.Get(srv.URL + "/agent/stats")
	if err != nil {
		t.Fatalf("stats failed: %v", err)
	}
	var stats orchestrator.Stats
	decodeBody(t, resp, &stats)
	if stats.TasksByState[taskstore.StateCompleted] != 1 {
		t.Errorf("expected 1 completed task, got %+v", stats.TasksByState)
	}
}

func TestBearerAuth(t *testing.T) {
	srv, _ := newTestServer(t, "sekrit", 0)

	resp, err := http.Get(srv.URL + "/agent/tools")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/agent/tools", nil)
	req.Header.Set("Authorization", "Bearer sekrit")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestRateLimiting(t *testing.T) {
	srv, _ := newTestServer(t, "", 2)

	limited := false
	for i := 0; i < 10; i++ {
		resp, err := http.Get(srv.URL + "/agent/tools")
		if err != nil {
			t.Fatalf("request failed: %v", err)
		}
		if resp.StatusCode == http.StatusTooManyRequests {
			limited = true
		}
		resp.Body.Close()
	}
	if !limited {
		t.Fatal("expected at least one rate-limited response")
	}
}
