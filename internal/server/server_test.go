package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"faz/internal/agent"
	"faz/internal/config"
	"faz/internal/db"
	"faz/internal/domain"
	"faz/internal/engine"
	"faz/internal/migrate"
)

type stubInvoker struct{}

func (stubInvoker) Invoke(ctx context.Context, kind domain.AgentKind, in agent.Input, timeout time.Duration) (agent.Result, error) {
	res := agent.Result{Summary: string(kind) + " done", TokensIn: 10, TokensOut: 5}
	if in.Phase == domain.PhaseBuilding {
		res.Files = []agent.File{{Path: "src/" + in.StepName + ".txt", Content: "output of " + in.StepName}}
	}
	return res, nil
}

type testServer struct {
	URL    string
	Engine *engine.Engine
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	cfg := config.Default("faz")
	cfg.Agents.BackoffSeconds = 0
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, cfg, stubInvoker{})
	handler, err := New(Config{Engine: e, BasePath: "/v0", Auth: AuthConfig{AllowLegacyActorHeader: true}})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		Engine: e,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Actor-Id", "tester")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func pendingGateID(t *testing.T, srv *testServer, projectID string) string {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/projects/"+projectID+"/gates", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list gates status %d: %s", res.StatusCode, string(data))
	}
	var gates []GateResponse
	if err := json.Unmarshal(data, &gates); err != nil {
		t.Fatalf("unmarshal gates: %v", err)
	}
	for _, g := range gates {
		if g.Status == domain.GatePending {
			return g.ID
		}
	}
	t.Fatalf("no pending gate: %s", string(data))
	return ""
}

func TestProjectLifecycleOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects", map[string]any{
		"name":  "demo shop",
		"brief": "build a web shop",
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create status %d: %s", res.StatusCode, string(data))
	}
	var created ProjectResponse
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal project: %v", err)
	}
	if created.Phase != domain.PhaseIntake {
		t.Fatalf("expected intake, got %s", created.Phase)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects/"+created.ID+"/start", map[string]any{}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("start status %d: %s", res.StatusCode, string(data))
	}
	srv.Engine.Wait()

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/projects/"+created.ID, nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get status %d: %s", res.StatusCode, string(data))
	}
	var got ProjectResponse
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal project: %v", err)
	}
	if got.Status != domain.ProjectAwaitingApproval || got.Phase != domain.PhasePlanning {
		t.Fatalf("expected planning gate, got phase=%s status=%s", got.Phase, got.Status)
	}

	gateID := pendingGateID(t, srv, created.ID)
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/gates/"+gateID+"/decision", map[string]any{
		"decision": domain.GateApproved,
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("decide status %d: %s", res.StatusCode, string(data))
	}
	srv.Engine.Wait()

	gateID = pendingGateID(t, srv, created.ID)
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/gates/"+gateID+"/decision", map[string]any{
		"decision": domain.GateApproved,
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("decide status %d: %s", res.StatusCode, string(data))
	}
	srv.Engine.Wait()

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/projects/"+created.ID, nil, nil)
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal project: %v", err)
	}
	if got.Status != domain.ProjectComplete {
		t.Fatalf("expected complete, got %s: %s", got.Status, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/projects/"+created.ID+"/runs", nil, nil)
	var runs []RunResponse
	if err := json.Unmarshal(data, &runs); err != nil {
		t.Fatalf("unmarshal runs: %v", err)
	}
	if len(runs) != 7 {
		t.Fatalf("expected 7 runs, got %d", len(runs))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/projects/"+created.ID+"/files?content=true", nil, nil)
	var files []ArtifactResponse
	if err := json.Unmarshal(data, &files); err != nil {
		t.Fatalf("unmarshal files: %v", err)
	}
	if len(files) != 2 {
		t.Fatalf("expected 2 files, got %d", len(files))
	}
	for _, f := range files {
		if f.Content == "" {
			t.Errorf("expected content for %s", f.Path)
		}
	}
}

func TestErrorEnvelope(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/projects/does-not-exist", nil, nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %s", res.StatusCode, string(data))
	}
	var envelope struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	if envelope.Error.Code != "not_found" {
		t.Fatalf("expected not_found, got %q", envelope.Error.Code)
	}

	// Double gate decision conflicts.
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects", map[string]any{"name": "x"}, nil)
	var created ProjectResponse
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal project: %v", err)
	}
	doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects/"+created.ID+"/start", map[string]any{}, nil)
	srv.Engine.Wait()
	gateID := pendingGateID(t, srv, created.ID)
	doJSON(t, client, http.MethodPost, srv.URL+"/v0/gates/"+gateID+"/decision", map[string]any{"decision": "approved"}, nil)
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/gates/"+gateID+"/decision", map[string]any{"decision": "approved"}, nil)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", res.StatusCode, string(data))
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	if envelope.Error.Code != "gate_closed" {
		t.Fatalf("expected gate_closed, got %q", envelope.Error.Code)
	}
	srv.Engine.Wait()
}

func TestUnauthenticatedRequestRejected(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/v0/projects", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	res, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", res.StatusCode)
	}

	// Health stays open.
	res2, err := srv.Client().Get(srv.URL + "/v0/health")
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	defer res2.Body.Close()
	if res2.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 health, got %d", res2.StatusCode)
	}
}

func TestCommandsEndpoint(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	_, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects", map[string]any{"name": "cmd"}, nil)
	var created ProjectResponse
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal project: %v", err)
	}

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects/"+created.ID+"/commands", map[string]any{
		"command": "run",
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("run command status %d: %s", res.StatusCode, string(data))
	}
	srv.Engine.Wait()

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects/"+created.ID+"/commands", map[string]any{
		"command": "decide_gate",
		"gate_id": pendingGateID(t, srv, created.ID),
		"decision": "approved",
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("decide command status %d: %s", res.StatusCode, string(data))
	}
	srv.Engine.Wait()

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects/"+created.ID+"/commands", map[string]any{
		"command": "chat",
	}, nil)
	if res.StatusCode != http.StatusBadRequest && res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 400 for unsupported command, got %d: %s", res.StatusCode, string(data))
	}
}

func TestStreamReplaysEvents(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	_, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects", map[string]any{"name": "sse"}, nil)
	var created ProjectResponse
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal project: %v", err)
	}
	doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects/"+created.ID+"/start", map[string]any{}, nil)
	srv.Engine.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/v0/projects/"+created.ID+"/stream?resume_after=0", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("X-Actor-Id", "tester")
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	defer res.Body.Close()
	if ct := res.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Fatalf("expected event-stream content type, got %q", ct)
	}

	scanner := bufio.NewScanner(res.Body)
	var sawRunStarted bool
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "data:") && strings.Contains(line, "run_started") {
			sawRunStarted = true
			break
		}
	}
	if !sawRunStarted {
		t.Fatal("expected a replayed run_started event on the stream")
	}
}
