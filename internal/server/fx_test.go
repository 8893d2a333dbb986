package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/scraper-fleet/internal/config"
	"github.com/JakeFAU/scraper-fleet/internal/fleet"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Fleet.DispatchInterval = 50 * time.Millisecond
	cfg.Events.LogEnabled = false
	return &cfg
}

func buildTestApp(t *testing.T) *App {
	t.Helper()
	app, err := Build(context.Background(), testConfig(t),
		WithLogger(zap.NewNop()),
		WithRegisterer(prometheus.NewRegistry()),
	)
	require.NoError(t, err)
	return app
}

func postJSON(t *testing.T, url, body string, out any) int {
	t.Helper()
	resp, err := http.Post(url, "application/json", bytes.NewBufferString(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

type envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

func readEvent(t *testing.T, conn *websocket.Conn) envelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var env envelope
	require.NoError(t, conn.ReadJSON(&env))
	return env
}

func TestBuildInMemoryServesHealth(t *testing.T) {
	app := buildTestApp(t)
	t.Cleanup(func() { require.NoError(t, app.Close(context.Background())) })

	rec := httptest.NewRecorder()
	app.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestBuildRejectsBadArchive(t *testing.T) {
	cfg := testConfig(t)
	cfg.Archive.Backend = config.ArchiveLocal
	cfg.Archive.BaseDir = ""
	_, err := Build(context.Background(), cfg, WithLogger(zap.NewNop()), WithRegisterer(prometheus.NewRegistry()))
	require.Error(t, err)
}

func TestMigrateRequiresDSN(t *testing.T) {
	t.Parallel()

	err := Migrate(context.Background(), &config.Config{}, zap.NewNop())
	require.Error(t, err)
}

type liveApp struct {
	app *App
	url string
}

// startApp serves app over HTTP and runs the real dispatcher loop until the
// test ends.
func startApp(t *testing.T, cfg *config.Config) liveApp {
	t.Helper()
	app, err := Build(context.Background(), cfg,
		WithLogger(zap.NewNop()),
		WithRegisterer(prometheus.NewRegistry()),
	)
	require.NoError(t, err)
	srv := httptest.NewServer(app.Handler())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		app.dispatch.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		srv.Close()
		require.NoError(t, app.gateway.Shutdown(context.Background()))
		require.NoError(t, app.Close(context.Background()))
	})
	return liveApp{app: app, url: srv.URL}
}

func (a liveApp) registerWorker(t *testing.T, name string) (fleet.Worker, string) {
	t.Helper()
	var registered struct {
		Worker fleet.Worker `json:"worker"`
		Token  string       `json:"token"`
	}
	require.Equal(t, http.StatusCreated, postJSON(t, a.url+"/v1/workers", `{"name":"`+name+`"}`, &registered))
	return registered.Worker, registered.Token
}

func (a liveApp) connect(t *testing.T, tok string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(a.url, "http") + "/workers?token=" + tok
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	require.Equal(t, "worker:registered", readEvent(t, conn).Event)
	return conn
}

func (a liveApp) createTask(t *testing.T, body string) fleet.Task {
	t.Helper()
	var task fleet.Task
	require.Equal(t, http.StatusCreated, postJSON(t, a.url+"/v1/tasks", body, &task))
	return task
}

func (a liveApp) getJSON(t *testing.T, path string, out any) {
	t.Helper()
	resp, err := http.Get(a.url + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
}

// fetchJSON is getJSON for polling conditions, which must not fail the test
// from another goroutine.
func (a liveApp) fetchJSON(path string, out any) bool {
	resp, err := http.Get(a.url + path)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK && json.NewDecoder(resp.Body).Decode(out) == nil
}

type assignment struct {
	TaskID        string `json:"taskId"`
	AttemptNumber int    `json:"attemptNumber"`
}

func nextAssignment(t *testing.T, conn *websocket.Conn) assignment {
	t.Helper()
	env := readEvent(t, conn)
	for env.Event != "task:assigned" {
		env = readEvent(t, conn)
	}
	var got assignment
	require.NoError(t, json.Unmarshal(env.Data, &got))
	return got
}

func sendIdleHeartbeat(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(map[string]any{
		"event": "worker:heartbeat",
		"data":  map[string]any{"status": "idle"},
	}))
}

func TestWorkerLifecycleEndToEnd(t *testing.T) {
	live := startApp(t, testConfig(t))
	_, tok := live.registerWorker(t, "e2e")
	conn := live.connect(t, tok)

	task := live.createTask(t, `{"url":"https://shop.example.com/p/1","priority":3}`)
	payload := nextAssignment(t, conn)
	require.Equal(t, task.ID, payload.TaskID)
	require.Equal(t, 1, payload.AttemptNumber)

	require.NoError(t, conn.WriteJSON(map[string]any{
		"event": "task:completed",
		"data": map[string]any{
			"taskId": task.ID,
			"result": map[string]any{"productUrl": "https://shop.example.com/p/1", "title": "Widget", "price": 9.5},
		},
	}))

	require.Eventually(t, func() bool {
		var current fleet.Task
		return live.fetchJSON("/v1/tasks/"+task.ID, &current) && current.Status == fleet.TaskCompleted
	}, 5*time.Second, 20*time.Millisecond)

	var body struct {
		Results []fleet.Result `json:"results"`
	}
	live.getJSON(t, "/v1/tasks/"+task.ID+"/results", &body)
	require.Len(t, body.Results, 1)
	require.Equal(t, "Widget", body.Results[0].Title)
}

func TestDispatchLoopEndToEnd(t *testing.T) {
	t.Run("repeated network failures exhaust attempts", func(t *testing.T) {
		cfg := testConfig(t)
		// Only heartbeats, task creation, and outcomes drive dispatch.
		cfg.Fleet.DispatchInterval = time.Hour
		live := startApp(t, cfg)

		task := live.createTask(t, `{"url":"https://shop.example.com/p/flaky"}`)
		w, tok := live.registerWorker(t, "edge-1")
		conn := live.connect(t, tok)
		sendIdleHeartbeat(t, conn)

		for attempt := 1; attempt <= fleet.DefaultMaxAttempts; attempt++ {
			got := nextAssignment(t, conn)
			require.Equal(t, task.ID, got.TaskID)
			require.Equal(t, attempt, got.AttemptNumber)

			require.NoError(t, conn.WriteJSON(map[string]any{
				"event": "task:failed",
				"data": map[string]any{
					"taskId": task.ID,
					"error":  map[string]any{"type": "NETWORK", "message": "connection reset"},
				},
			}))
			sendIdleHeartbeat(t, conn)
		}

		require.Eventually(t, func() bool {
			var current fleet.Task
			return live.fetchJSON("/v1/tasks/"+task.ID, &current) && current.Status == fleet.TaskPermanentlyFailed
		}, 5*time.Second, 20*time.Millisecond)

		var final fleet.Task
		live.getJSON(t, "/v1/tasks/"+task.ID, &final)
		require.Equal(t, fleet.DefaultMaxAttempts, final.AttemptCount)
		require.Equal(t, fleet.ErrorNetwork, final.LastErrorType)
		require.Empty(t, final.AssignedWorkerID)

		require.Eventually(t, func() bool {
			var current fleet.Worker
			return live.fetchJSON("/v1/workers/"+w.ID, &current) && current.Status == fleet.WorkerConnected && current.CurrentTaskID == ""
		}, 5*time.Second, 20*time.Millisecond)
	})

	t.Run("highest priority task goes first", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.Fleet.DispatchInterval = time.Hour
		live := startApp(t, cfg)

		live.createTask(t, `{"url":"https://shop.example.com/p/a","priority":5}`)
		urgent := live.createTask(t, `{"url":"https://shop.example.com/p/b","priority":20}`)
		_, tok := live.registerWorker(t, "edge-1")
		conn := live.connect(t, tok)
		sendIdleHeartbeat(t, conn)

		got := nextAssignment(t, conn)
		require.Equal(t, urgent.ID, got.TaskID)
	})
}
