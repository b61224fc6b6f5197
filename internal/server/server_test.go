package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ytget/ytdl-web/internal/backend"
	"github.com/ytget/ytdl-web/internal/compress"
	"github.com/ytget/ytdl-web/internal/download"
	"github.com/ytget/ytdl-web/internal/model"
	"github.com/ytget/ytdl-web/internal/notify"
	"github.com/ytget/ytdl-web/internal/progress"
	"github.com/ytget/ytdl-web/internal/pubsub"
	"github.com/ytget/ytdl-web/internal/registry"
	"github.com/ytget/ytdl-web/internal/store"
	"github.com/ytget/ytdl-web/internal/tracker"
	"github.com/ytget/ytdl-web/internal/transport"
)

type runnerFunc func(ctx context.Context, job download.Job, onProgress func(download.Progress)) (download.Result, error)

func (f runnerFunc) Run(ctx context.Context, job download.Job, onProgress func(download.Progress)) (download.Result, error) {
	return f(ctx, job, onProgress)
}

// blockingRunner runs until the download is cancelled
var blockingRunner = runnerFunc(func(ctx context.Context, job download.Job, onProgress func(download.Progress)) (download.Result, error) {
	<-ctx.Done()
	return download.Result{}, ctx.Err()
})

// instantRunner reports one progress update and finishes
var instantRunner = runnerFunc(func(ctx context.Context, job download.Job, onProgress func(download.Progress)) (download.Result, error) {
	total := int64(2048)
	onProgress(download.Progress{Phase: download.PhaseDownloading, Title: "Sample", DownloadedBytes: 2048, TotalBytes: &total, Speed: 1024})
	return download.Result{Title: "Sample"}, nil
})

type nopEncoder struct{}

func (nopEncoder) Duration(ctx context.Context, path string) (float64, error) { return 1, nil }

func (nopEncoder) Encode(ctx context.Context, input, output string, onTime func(float64)) error {
	<-ctx.Done()
	return ctx.Err()
}

type testEnv struct {
	srv    *httptest.Server
	reg    *registry.Registry
	router *pubsub.Router
}

func newTestEnv(t *testing.T, runner download.Runner) *testEnv {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())

	reg := registry.New(registry.Options{})
	tr := tracker.New(reg, progress.NewAggregator(progress.DefaultWindowSize))

	router, err := pubsub.NewRouter(ctx, transport.NewMemory(), pubsub.Options{})
	require.NoError(t, err)
	archive, err := store.OpenSQLite(filepath.Join(t.TempDir(), "archive.db"))
	require.NoError(t, err)
	snapshots := store.NewHashStore(transport.NewMemory(), 0)
	go notify.NewDispatcher(reg.Events(), router, notify.Options{Snapshots: snapshots, Archive: archive}).Run(ctx)

	downloads := download.NewService(tr, runner, download.Options{
		DownloadDir:  t.TempDir(),
		MaxParallel:  2,
		RetryDelay:   time.Millisecond,
		PollInterval: 5 * time.Millisecond,
	})
	selector := backend.NewSelector(nil, nil, backend.Options{})
	selector.Start(ctx)

	s := New(Options{
		Tasks:       reg,
		Downloads:   downloads,
		Conversions: compress.NewService(tr, nopEncoder{}),
		Subscriber:  router,
		Health:      selector,
		History:     store.Multi{snapshots, archive},
		Heartbeat:   50 * time.Millisecond,
	})
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		srv.Close()
		_ = downloads.Shutdown(context.Background())
		_ = router.Close()
		cancel()
		_ = archive.Close()
	})
	return &testEnv{srv: srv, reg: reg, router: router}
}

func (e *testEnv) do(t *testing.T, method, path, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, e.srv.URL+path, strings.NewReader(body))
	require.NoError(t, err)
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

func TestTaskAPI(t *testing.T) {
	env := newTestEnv(t, blockingRunner)

	resp := env.do(t, http.MethodPost, "/api/tasks", `{"url":"https://youtube.com/watch?v=abc","client_id":"alice"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	task := decode[model.Task](t, resp)
	assert.True(t, strings.HasPrefix(task.ID, "task-"))
	assert.Equal(t, "alice", task.Metadata[model.MetaClientID])

	resp = env.do(t, http.MethodPost, "/api/tasks", `{"url":"https://youtube.com/watch?v=abc"}`)
	assert.Equal(t, http.StatusConflict, resp.StatusCode, "duplicate url")

	resp = env.do(t, http.MethodGet, "/api/tasks", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, decode[[]model.Task](t, resp), 1)

	resp = env.do(t, http.MethodGet, "/api/tasks?type=conversion", "")
	assert.Empty(t, decode[[]model.Task](t, resp))

	resp = env.do(t, http.MethodGet, "/api/tasks/"+task.ID, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, task.ID, decode[model.Task](t, resp).ID)

	resp = env.do(t, http.MethodGet, "/api/tasks/missing", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAddTaskRejectsBadInput(t *testing.T) {
	env := newTestEnv(t, blockingRunner)

	for _, body := range []string{`not json`, `{"url":""}`, `{"url":"ftp://host/x"}`, `{"url":"youtube"}`} {
		resp := env.do(t, http.MethodPost, "/api/tasks", body)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, body)
	}
}

func TestCancelAndDelete(t *testing.T) {
	env := newTestEnv(t, blockingRunner)

	resp := env.do(t, http.MethodPost, "/api/tasks", `{"url":"https://youtube.com/watch?v=abc"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	id := decode[model.Task](t, resp).ID

	resp = env.do(t, http.MethodDelete, "/api/tasks/"+id, "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode, "active tasks cannot be deleted")

	resp = env.do(t, http.MethodPost, "/api/tasks/"+id+"/cancel", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, model.TaskStatusCancelled, decode[model.Task](t, resp).Status)

	resp = env.do(t, http.MethodPost, "/api/tasks/"+id+"/cancel", "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = env.do(t, http.MethodDelete, "/api/tasks/"+id, "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = env.do(t, http.MethodGet, "/api/tasks/"+id, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = env.do(t, http.MethodPost, "/api/tasks/missing/cancel", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestConversionAPI(t *testing.T) {
	env := newTestEnv(t, blockingRunner)

	resp := env.do(t, http.MethodPost, "/api/conversions", `{"path":"/nope/video.mkv"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	input := filepath.Join(t.TempDir(), "video.mkv")
	require.NoError(t, os.WriteFile(input, []byte("x"), 0o644))

	resp = env.do(t, http.MethodPost, "/api/conversions", fmt.Sprintf(`{"path":%q}`, input))
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	task := decode[model.Task](t, resp)
	assert.Equal(t, model.TaskTypeConversion, task.Type)

	require.Eventually(t, func() bool {
		status, err := env.reg.Status(task.ID)
		return err == nil && status == model.TaskStatusRunning
	}, time.Second, 5*time.Millisecond)

	resp = env.do(t, http.MethodPost, "/api/tasks/"+task.ID+"/cancel", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, model.TaskStatusCancelled, decode[model.Task](t, resp).Status)
}

func TestEventsStream(t *testing.T) {
	env := newTestEnv(t, instantRunner)

	resp := env.do(t, http.MethodGet, "/api/events?client_id=alice&groups=ops", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	reader := bufio.NewReader(resp.Body)

	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, ": connected alice\n", line)

	add := env.do(t, http.MethodPost, "/api/tasks", `{"url":"https://youtube.com/watch?v=abc","client_id":"alice"}`)
	require.Equal(t, http.StatusCreated, add.StatusCode)

	var events []string
	var completed model.Notification
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		if name, ok := strings.CutPrefix(line, "event: "); ok {
			events = append(events, strings.TrimSpace(name))
		}
		if data, ok := strings.CutPrefix(line, "data: "); ok && events[len(events)-1] == string(model.NotificationTaskCompleted) {
			require.NoError(t, json.Unmarshal([]byte(data), &completed))
			break
		}
	}

	require.NotEmpty(t, events)
	assert.Equal(t, string(model.NotificationTaskCreated), events[0])
	assert.Contains(t, events, string(model.NotificationTaskStarted))
	assert.Equal(t, string(model.NotificationTaskCompleted), events[len(events)-1])
	assert.Equal(t, "alice", completed.ClientID)
	assert.Equal(t, "Download completed", completed.Title)
}

func TestEvictedTaskServedFromArchive(t *testing.T) {
	env := newTestEnv(t, instantRunner)

	resp := env.do(t, http.MethodPost, "/api/tasks", `{"url":"https://youtube.com/watch?v=abc"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	id := decode[model.Task](t, resp).ID

	require.Eventually(t, func() bool {
		resp := env.do(t, http.MethodGet, "/api/history", "")
		for _, snap := range decode[[]model.TaskSnapshot](t, resp) {
			if snap.ID == id && snap.Status == model.TaskStatusCompleted {
				return true
			}
		}
		return false
	}, 3*time.Second, 20*time.Millisecond)

	require.NoError(t, env.reg.Evict(id))
	_, err := env.reg.Get(id)
	require.ErrorIs(t, err, model.ErrTaskNotFound)

	resp = env.do(t, http.MethodGet, "/api/tasks/"+id, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	snap := decode[model.TaskSnapshot](t, resp)
	assert.Equal(t, model.TaskStatusCompleted, snap.Status)
	assert.Equal(t, "Sample", snap.Title)
	assert.Equal(t, "https://youtube.com/watch?v=abc", snap.URL)

	resp = env.do(t, http.MethodGet, "/api/tasks/missing", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestEventsReconnectKeepsNewestStream(t *testing.T) {
	env := newTestEnv(t, blockingRunner)

	first := env.do(t, http.MethodGet, "/api/events?client_id=tab", "")
	require.Equal(t, http.StatusOK, first.StatusCode)
	firstReader := bufio.NewReader(first.Body)
	line, err := firstReader.ReadString('\n')
	require.NoError(t, err)
	require.Equal(t, ": connected tab\n", line)

	second := env.do(t, http.MethodGet, "/api/events?client_id=tab", "")
	require.Equal(t, http.StatusOK, second.StatusCode)
	reader := bufio.NewReader(second.Body)
	line, err = reader.ReadString('\n')
	require.NoError(t, err)
	require.Equal(t, ": connected tab\n", line)

	// the first stream ends once its queue is taken over, without
	// unregistering the client
	_, err = io.ReadAll(firstReader)
	require.NoError(t, err)
	assert.Equal(t, 1, env.router.LocalClients())

	require.NoError(t, env.router.Publish(context.Background(), model.Notification{
		Type: model.NotificationClientMessage, ClientID: "tab", Title: "still here",
	}))
	deadline := time.Now().Add(2 * time.Second)
	var data string
	for data == "" && time.Now().Before(deadline) {
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		data, _ = strings.CutPrefix(line, "data: ")
	}
	var n model.Notification
	require.NoError(t, json.Unmarshal([]byte(data), &n))
	assert.Equal(t, "still here", n.Title)
}

func TestEventsRequiresClientID(t *testing.T) {
	env := newTestEnv(t, blockingRunner)

	resp := env.do(t, http.MethodGet, "/api/events", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = env.do(t, http.MethodGet, "/api/ws", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestWebSocketDelivery(t *testing.T) {
	env := newTestEnv(t, blockingRunner)

	wsURL := "ws" + strings.TrimPrefix(env.srv.URL, "http") + "/api/ws?client_id=bob&groups=ops"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return env.router.LocalClients() == 1 }, time.Second, 5*time.Millisecond)

	ctx := context.Background()
	require.NoError(t, env.router.Publish(ctx, model.Notification{Type: model.NotificationClientMessage, GroupID: "ops", Title: "Maintenance"}))
	require.NoError(t, env.router.Publish(ctx, model.Notification{Type: model.NotificationClientMessage, ClientID: "bob", Title: "Hello bob"}))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var first, second model.Notification
	require.NoError(t, conn.ReadJSON(&first))
	require.NoError(t, conn.ReadJSON(&second))
	assert.Equal(t, "Maintenance", first.Title)
	assert.Equal(t, "Hello bob", second.Title)
	assert.NotEmpty(t, second.ID)

	// client messages refresh last_seen
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"ping"}`)))

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return env.router.LocalClients() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, blockingRunner)

	resp := env.do(t, http.MethodGet, "/api/health", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	report := decode[backend.Report](t, resp)
	assert.True(t, report.Healthy)
	assert.False(t, report.Engaged)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		code int
	}{
		{model.NotFound("x"), http.StatusNotFound},
		{model.Duplicate("x"), http.StatusConflict},
		{&model.TransitionError{TaskID: "x", From: model.TaskStatusCompleted, To: model.TaskStatusCancelled}, http.StatusConflict},
		{fmt.Errorf("publish: %w", model.ErrInvalidAddress), http.StatusBadRequest},
		{model.ErrClientNotRegistered, http.StatusNotFound},
		{fmt.Errorf("hset: %w", model.ErrTransportUnavailable), http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.code, statusFor(tt.err), tt.err.Error())
	}
}
