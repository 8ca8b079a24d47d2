package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/termdeck/termdeck/internal/audit"
	"github.com/termdeck/termdeck/internal/config"
	"github.com/termdeck/termdeck/internal/database"
	"github.com/termdeck/termdeck/internal/mux"
	"github.com/termdeck/termdeck/internal/policy"
	"github.com/termdeck/termdeck/internal/session"
)

// echoTransport acks every init frame and swallows everything else, so
// sessions created in tests reach the connected state.
type echoTransport struct {
	toMux chan mux.Frame

	mu   sync.Mutex
	sent []mux.Frame

	closed    chan struct{}
	closeOnce sync.Once
}

func newEchoTransport() *echoTransport {
	return &echoTransport{
		toMux:  make(chan mux.Frame, 64),
		closed: make(chan struct{}),
	}
}

func (t *echoTransport) ReadFrame(ctx context.Context) (mux.Frame, error) {
	select {
	case f := <-t.toMux:
		return f, nil
	case <-t.closed:
		return mux.Frame{}, errors.New("transport closed")
	case <-ctx.Done():
		return mux.Frame{}, ctx.Err()
	}
}

func (t *echoTransport) WriteFrame(ctx context.Context, f mux.Frame) error {
	select {
	case <-t.closed:
		return errors.New("transport closed")
	default:
	}
	t.mu.Lock()
	t.sent = append(t.sent, f)
	t.mu.Unlock()
	if f.Kind == mux.KindInit {
		t.toMux <- mux.Frame{Kind: mux.KindInit, SessionID: f.SessionID}
	}
	return nil
}

func (t *echoTransport) Close() error {
	t.closeOnce.Do(func() { close(t.closed) })
	return nil
}

func (t *echoTransport) sentKinds() []mux.Kind {
	t.mu.Lock()
	defer t.mu.Unlock()
	kinds := make([]mux.Kind, len(t.sent))
	for i, f := range t.sent {
		kinds[i] = f.Kind
	}
	return kinds
}

type testServer struct {
	srv      *httptest.Server
	registry *session.Registry
	m        *mux.Mux
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	et := newEchoTransport()
	dialed := false
	dial := func(ctx context.Context) (mux.Transport, error) {
		if dialed {
			<-ctx.Done()
			return nil, ctx.Err()
		}
		dialed = true
		return et, nil
	}

	db, err := database.Open(filepath.Join(t.TempDir(), "test.db"), &audit.Event{})
	if err != nil {
		t.Fatal(err)
	}
	auditor := audit.NewAuditor(db)

	registry := session.NewRegistry(6, 100)
	catalog := policy.DefaultCatalog()
	m := mux.New(mux.Config{}, registry, policy.NewValidator(catalog), auditor, dial)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	m.Start(ctx)

	settings := config.Settings{TrustedRoot: "/home/dev/workspace"}
	srv := httptest.NewServer(New(settings, m, registry, catalog, auditor).Routes())
	t.Cleanup(srv.Close)

	return &testServer{srv: srv, registry: registry, m: m}
}

func (ts *testServer) do(t *testing.T, method, path string, body interface{}) (*http.Response, map[string]interface{}) {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req, err := http.NewRequest(method, ts.srv.URL+path, &buf)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	var decoded map[string]interface{}
	json.NewDecoder(resp.Body).Decode(&decoded)
	return resp, decoded
}

func (ts *testServer) createSession(t *testing.T) string {
	t.Helper()
	resp, body := ts.do(t, http.MethodPost, "/api/v1/sessions", map[string]string{
		"workbranch_id": "wb-1",
		"shell":         "bash",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create session status = %d", resp.StatusCode)
	}
	id, _ := body["id"].(string)
	if id == "" {
		t.Fatalf("no session id in %v", body)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s, ok := ts.registry.Get(id); ok && s.State == session.StateConnected {
			return id
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("session never connected")
	return ""
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t)
	resp, body := ts.do(t, http.MethodGet, "/health", nil)
	if resp.StatusCode != http.StatusOK || body["status"] != "ok" {
		t.Fatalf("health = %d %v", resp.StatusCode, body)
	}
}

func TestCreateSession_Validation(t *testing.T) {
	ts := newTestServer(t)

	resp, _ := ts.do(t, http.MethodPost, "/api/v1/sessions", map[string]string{"shell": "bash"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("missing workbranch_id: status = %d", resp.StatusCode)
	}

	resp, _ = ts.do(t, http.MethodPost, "/api/v1/sessions", map[string]string{
		"workbranch_id": "wb-1", "shell": "fish",
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("unknown shell: status = %d", resp.StatusCode)
	}
}

func TestSessionLifecycle(t *testing.T) {
	ts := newTestServer(t)
	id := ts.createSession(t)

	resp, body := ts.do(t, http.MethodGet, "/api/v1/sessions/"+id, nil)
	if resp.StatusCode != http.StatusOK || body["id"] != id {
		t.Fatalf("get session = %d %v", resp.StatusCode, body)
	}

	resp, body = ts.do(t, http.MethodGet, "/api/v1/sessions", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list status = %d", resp.StatusCode)
	}
	sessions, _ := body["sessions"].([]interface{})
	if len(sessions) != 1 {
		t.Errorf("listed %d sessions, want 1", len(sessions))
	}

	resp, _ = ts.do(t, http.MethodDelete, "/api/v1/sessions/"+id, nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("destroy status = %d", resp.StatusCode)
	}
	if _, ok := ts.registry.Get(id); ok {
		t.Error("session still present after delete")
	}

	// Idempotent.
	resp, _ = ts.do(t, http.MethodDelete, "/api/v1/sessions/"+id, nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("second destroy status = %d", resp.StatusCode)
	}
}

func TestSendCommand_AllowedAndDenied(t *testing.T) {
	ts := newTestServer(t)
	id := ts.createSession(t)

	resp, body := ts.do(t, http.MethodPost, "/api/v1/sessions/"+id+"/command",
		map[string]string{"command": "npm run dev"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if body["accepted"] != true {
		t.Errorf("allowed command not accepted: %v", body)
	}

	resp, body = ts.do(t, http.MethodPost, "/api/v1/sessions/"+id+"/command",
		map[string]string{"command": "rm -rf /"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if body["accepted"] != false {
		t.Errorf("dangerous command accepted: %v", body)
	}
	verdict, _ := body["verdict"].(map[string]interface{})
	if verdict["reason"] != string(policy.ReasonDangerousPattern) {
		t.Errorf("verdict = %v", verdict)
	}
	if verdict["guidance"] == "" {
		t.Error("no guidance on denial")
	}
}

func TestSendCommand_UnknownSession(t *testing.T) {
	ts := newTestServer(t)
	resp, _ := ts.do(t, http.MethodPost, "/api/v1/sessions/nope/command",
		map[string]string{"command": "npm test"})
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestResizeEndpoint(t *testing.T) {
	ts := newTestServer(t)
	id := ts.createSession(t)

	resp, _ := ts.do(t, http.MethodPost, "/api/v1/sessions/"+id+"/resize",
		map[string]int{"cols": 120, "rows": 40})
	if resp.StatusCode != http.StatusAccepted {
		t.Errorf("resize status = %d", resp.StatusCode)
	}

	resp, _ = ts.do(t, http.MethodPost, "/api/v1/sessions/nope/resize",
		map[string]int{"cols": 120, "rows": 40})
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("resize unknown session status = %d", resp.StatusCode)
	}
}

func TestHistoryLock(t *testing.T) {
	ts := newTestServer(t)
	id := ts.createSession(t)

	ts.registry.AppendOutput(id, "output line\r\n")

	resp, body := ts.do(t, http.MethodGet, "/api/v1/sessions/"+id+"/history", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("history status = %d", resp.StatusCode)
	}
	history, _ := body["history"].([]interface{})
	if len(history) != 1 {
		t.Errorf("history = %v", history)
	}

	resp, _ = ts.do(t, http.MethodPost, "/api/v1/sessions/"+id+"/lock",
		map[string]bool{"locked": true})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("lock status = %d", resp.StatusCode)
	}

	resp, _ = ts.do(t, http.MethodDelete, "/api/v1/sessions/"+id+"/history", nil)
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("clear locked history status = %d, want 409", resp.StatusCode)
	}

	resp, _ = ts.do(t, http.MethodPost, "/api/v1/sessions/"+id+"/lock",
		map[string]bool{"locked": false})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unlock status = %d", resp.StatusCode)
	}

	resp, _ = ts.do(t, http.MethodDelete, "/api/v1/sessions/"+id+"/history", nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("clear history status = %d", resp.StatusCode)
	}
	h, _ := ts.registry.History(id)
	if len(h) != 0 {
		t.Error("history not cleared")
	}
}

func TestWorkbranchOpen(t *testing.T) {
	ts := newTestServer(t)

	resp, body := ts.do(t, http.MethodPost, "/api/v1/workbranches/open",
		map[string]string{"path": "src/app.ts"})
	if resp.StatusCode != http.StatusOK || body["allowed"] != true {
		t.Errorf("contained path = %d %v", resp.StatusCode, body)
	}

	resp, body = ts.do(t, http.MethodPost, "/api/v1/workbranches/open",
		map[string]string{"path": "../../etc/passwd"})
	if resp.StatusCode != http.StatusForbidden || body["reason"] != "path-traversal" {
		t.Errorf("traversal = %d %v", resp.StatusCode, body)
	}

	resp, body = ts.do(t, http.MethodPost, "/api/v1/workbranches/open",
		map[string]string{"path": "run.sh"})
	if resp.StatusCode != http.StatusForbidden || body["reason"] != "extension-not-allowed" {
		t.Errorf("bad extension = %d %v", resp.StatusCode, body)
	}
}

func TestStatusEndpoint(t *testing.T) {
	ts := newTestServer(t)
	ts.createSession(t)

	resp, body := ts.do(t, http.MethodGet, "/api/v1/status", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if body["running"] != true {
		t.Errorf("running = %v", body["running"])
	}
	if body["session_count"] != float64(1) {
		t.Errorf("session_count = %v", body["session_count"])
	}
}

func TestAuditEndpoint(t *testing.T) {
	ts := newTestServer(t)
	id := ts.createSession(t)

	ts.do(t, http.MethodPost, "/api/v1/sessions/"+id+"/command",
		map[string]string{"command": "rm -rf /"})

	resp, body := ts.do(t, http.MethodGet, "/api/v1/audit/events?limit=10", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("audit status = %d", resp.StatusCode)
	}
	events, _ := body["events"].([]interface{})
	if len(events) == 0 {
		t.Fatal("no audit events recorded")
	}

	resp, body = ts.do(t, http.MethodGet, "/api/v1/sessions/"+id+"/audit", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("session audit status = %d", resp.StatusCode)
	}
	events, _ = body["events"].([]interface{})
	found := false
	for _, e := range events {
		ev, _ := e.(map[string]interface{})
		if ev["kind"] == audit.KindCommand && ev["allowed"] == false {
			found = true
		}
	}
	if !found {
		t.Error("denied command missing from session audit trail")
	}
}

func TestTokenBucket(t *testing.T) {
	tb := newTokenBucket(3, 1)

	for i := 0; i < 3; i++ {
		if !tb.allow() {
			t.Fatalf("message %d rejected within burst", i)
		}
	}
	if tb.allow() {
		t.Error("message allowed past burst with no refill")
	}

	tb.lastRefill = time.Now().Add(-2 * time.Second)
	if !tb.allow() {
		t.Error("message rejected after refill window")
	}
}
