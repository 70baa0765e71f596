package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"stageline/internal/config"
	"stageline/internal/db"
	"stageline/internal/domain"
	"stageline/internal/engine"
	"stageline/internal/engine/auth"
	"stageline/internal/migrate"
	"stageline/internal/repo"
	"stageline/internal/runner"
)

type passRunner struct{}

func (passRunner) RunStage(ctx context.Context, sc runner.Context) (runner.Result, error) {
	return runner.Result{Status: domain.RunStatusPassed}, nil
}

type envAuth struct{}

func (envAuth) Resolve(ctx context.Context, req auth.Request) (auth.Material, error) {
	return auth.Material{Env: map[string]string{"ANTHROPIC_API_KEY": "sk-test"}, Source: auth.SourceEnv}, nil
}

const testSecret = "test-secret"

type testServer struct {
	URL    string
	Engine engine.Engine
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T, authCfg AuthConfig) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	cfg := config.Default()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, cfg, workspace)
	e.Runner = passRunner{}
	e.Auth = envAuth{}
	if err := e.Repo.ReplaceProfiles(context.Background(), cfg.Profiles); err != nil {
		t.Fatalf("seed profiles: %v", err)
	}
	d := engine.NewDispatcher(e)
	ctx, cancel := context.WithCancel(context.Background())
	handler, err := New(Config{Dispatcher: d, BasePath: "/v0", Auth: authCfg, Context: ctx})
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
		client: &http.Client{Timeout: 10 * time.Second},
		close: func() {
			d.Stop()
			cancel()
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

func decode[T any](t *testing.T, data []byte) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal %T: %v (%s)", out, err, string(data))
	}
	return out
}

func errorCode(t *testing.T, data []byte) string {
	t.Helper()
	var env struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal error: %v (%s)", err, string(data))
	}
	return env.Error.Code
}

func createItem(t *testing.T, srv *testServer, body map[string]any) domain.WorkItem {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/items", body, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create item status %d: %s", res.StatusCode, string(data))
	}
	return decode[domain.WorkItem](t, data)
}

func TestHealthSkipsAuth(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{JWTSecret: testSecret})
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/items", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without credentials, got %d: %s", res.StatusCode, string(data))
	}
	if code := errorCode(t, data); code != "unauthorized" {
		t.Fatalf("expected unauthorized code, got %q", code)
	}
}

func TestAPIKeyAndTokenExchange(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{JWTSecret: testSecret})
	defer cleanup()
	ctx := context.Background()
	if err := srv.Engine.Repo.InsertAPIKey(ctx, domain.APIKey{ID: "k1", Owner: "ops", KeyHash: repo.HashAPIKey("plain-key")}); err != nil {
		t.Fatalf("insert api key: %v", err)
	}

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/dispatcher", nil, map[string]string{"X-Api-Key": "wrong"})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for wrong key, got %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/auth/token", map[string]any{"subject": "ops", "ttl_seconds": 60}, map[string]string{"X-Api-Key": "plain-key"})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("token status %d: %s", res.StatusCode, string(data))
	}
	tok := decode[TokenResponse](t, data)
	if tok.Token == "" {
		t.Fatalf("expected token")
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/dispatcher", nil, map[string]string{"Authorization": "Bearer " + tok.Token})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("bearer status %d: %s", res.StatusCode, string(data))
	}

	forged, err := SignToken("other-secret", "ops", time.Minute, time.Now())
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/dispatcher", nil, map[string]string{"Authorization": "Bearer " + forged})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for forged token, got %d", res.StatusCode)
	}
}

func TestRunItemProcessesAllStages(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{Disabled: true})
	defer cleanup()

	item := createItem(t, srv, map[string]any{"title": "Add pagination", "body": "Paginate the list endpoint."})
	if item.Status != domain.StatusNew {
		t.Fatalf("expected new, got %s", item.Status)
	}

	res, data := doJSON(t, srv.Client(), http.MethodPost, fmt.Sprintf("%s/v0/items/%d/run", srv.URL, item.ID), nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("run item status %d: %s", res.StatusCode, string(data))
	}
	out := decode[engine.Outcome](t, data)
	if out.Item.Status != domain.StatusCompleted {
		t.Fatalf("expected completed, got %s (%s)", out.Item.Status, out.Item.LastError)
	}
	if out.Complexity != domain.ComplexitySimple {
		t.Fatalf("expected simple complexity, got %s", out.Complexity)
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, fmt.Sprintf("%s/v0/items/%d/runs", srv.URL, item.ID), nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("runs status %d: %s", res.StatusCode, string(data))
	}
	runs := decode[[]domain.Run](t, data)
	if len(runs) != len(domain.Stages) {
		t.Fatalf("expected %d runs, got %d", len(domain.Stages), len(runs))
	}

	res, data = doJSON(t, srv.Client(), http.MethodPost, fmt.Sprintf("%s/v0/items/%d/run", srv.URL, item.ID), nil, nil)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 rerunning completed item, got %d: %s", res.StatusCode, string(data))
	}
	if code := errorCode(t, data); code != "not_runnable" {
		t.Fatalf("expected not_runnable, got %q", code)
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, fmt.Sprintf("%s/v0/items/%d", srv.URL, item.ID), nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get item status %d: %s", res.StatusCode, string(data))
	}
	detail := decode[ItemDetailResponse](t, data)
	if detail.Item.ID != item.ID || detail.Children == nil || detail.Findings == nil {
		t.Fatalf("unexpected detail: %+v", detail)
	}
}

func TestRunOnceAndItemErrors(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{Disabled: true})
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/dispatcher/run-once", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("run-once status %d: %s", res.StatusCode, string(data))
	}
	if got := decode[RunOnceResponse](t, data); got.Claimed || got.Outcome != nil {
		t.Fatalf("expected nothing claimed, got %+v", got)
	}

	first := createItem(t, srv, map[string]any{"title": "later", "priority": 5})
	second := createItem(t, srv, map[string]any{"title": "sooner", "priority": 1})
	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/dispatcher/run-once", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("run-once status %d: %s", res.StatusCode, string(data))
	}
	got := decode[RunOnceResponse](t, data)
	if !got.Claimed || got.Outcome == nil || got.Outcome.Item.ID != second.ID {
		t.Fatalf("expected item %d processed first, got %+v", second.ID, got)
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/items?status=new", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list status %d: %s", res.StatusCode, string(data))
	}
	list := decode[paginatedItems](t, data)
	if len(list.Items) != 1 || list.Items[0].ID != first.ID {
		t.Fatalf("expected only item %d still new, got %+v", first.ID, list.Items)
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/items/9999", nil, nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %s", res.StatusCode, string(data))
	}
	if code := errorCode(t, data); code != "not_found" {
		t.Fatalf("expected not_found, got %q", code)
	}

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/items", map[string]any{"title": "child", "parent_id": 9999}, nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for missing parent, got %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, srv.Client(), http.MethodPost, fmt.Sprintf("%s/v0/items/%d/requeue", srv.URL, first.ID), nil, nil)
	if res.StatusCode == http.StatusOK {
		t.Fatalf("expected requeue of a new item to fail: %s", string(data))
	}
}

func TestDispatcherStartStop(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{Disabled: true})
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/dispatcher/start?poll_interval_seconds=60", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("start status %d: %s", res.StatusCode, string(data))
	}
	status := decode[engine.Status](t, data)
	if !status.Running || status.PollIntervalSeconds != 60 || status.OwnerID == "" {
		t.Fatalf("unexpected status after start: %+v", status)
	}

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/dispatcher/start", nil, nil)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 on second start, got %d: %s", res.StatusCode, string(data))
	}
	if code := errorCode(t, data); code != "already_running" {
		t.Fatalf("expected already_running, got %q", code)
	}

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/dispatcher/stop", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("stop status %d: %s", res.StatusCode, string(data))
	}
	if status := decode[engine.Status](t, data); status.Running {
		t.Fatalf("expected stopped, got %+v", status)
	}
}

func TestEventsCursor(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{Disabled: true})
	defer cleanup()

	for i := 0; i < 3; i++ {
		createItem(t, srv, map[string]any{"title": fmt.Sprintf("item %d", i)})
	}
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/events?kind=work_item.created&limit=2", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events status %d: %s", res.StatusCode, string(data))
	}
	page := decode[paginatedEvents](t, data)
	if len(page.Items) != 2 || page.NextCursor == "" {
		t.Fatalf("expected 2 events and a cursor, got %+v", page)
	}
	if !strings.Contains(string(page.Items[0].Payload), "priority") {
		t.Fatalf("expected payload object, got %s", string(page.Items[0].Payload))
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/events?cursor=abc", nil, nil)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad cursor, got %d: %s", res.StatusCode, string(data))
	}
}

func TestPutProfile(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{Disabled: true})
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodPut, srv.URL+"/v0/profiles/simple/plan", map[string]any{
		"id":        "simple.plan",
		"agent":     "gemini",
		"model":     "gemini-2.5-pro",
		"runtime":   "host",
		"provider":  "google",
		"auth_mode": "api_key",
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("put profile status %d: %s", res.StatusCode, string(data))
	}
	if p := decode[domain.ExecutionProfile](t, data); p.Agent != "gemini" || p.Stage != domain.StagePlan {
		t.Fatalf("unexpected profile: %+v", p)
	}

	res, data = doJSON(t, srv.Client(), http.MethodPut, srv.URL+"/v0/profiles/simple/plan", map[string]any{"agent": "nope"}, nil)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown agent, got %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/profiles", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list profiles status %d: %s", res.StatusCode, string(data))
	}
	if profiles := decode[[]domain.ExecutionProfile](t, data); len(profiles) != 9 {
		t.Fatalf("expected 9 profiles, got %d", len(profiles))
	}
}
