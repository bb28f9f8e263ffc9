package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"schedline/internal/app"
	"schedline/internal/config"
	"schedline/internal/db"
	"schedline/internal/domain"
	"schedline/internal/events"
	"schedline/internal/migrate"
	"schedline/internal/repo"
)

type testServer struct {
	*httptest.Server
	svc *app.Service
	hub *Hub
}

func newTestServer(t *testing.T, auth AuthConfig) *testServer {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	require.NoError(t, migrate.Migrate(context.Background(), conn))
	cfg := config.Default()
	cfg.Engine.Clock = "pseudo"
	cfg.Producers.PageFaultProbability = 0
	svc := &app.Service{Config: cfg, Repo: repo.Repo{DB: conn}}
	hub := NewHub(nil)
	svc.OnTemperature = hub.Publish
	handler, err := New(Config{Service: svc, BasePath: "/v0", Auth: auth, Hub: hub})
	require.NoError(t, err)
	srv := httptest.NewServer(handler)
	t.Cleanup(func() {
		hub.Close()
		srv.Close()
		conn.Close()
	})
	return &testServer{Server: srv, svc: svc, hub: hub}
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader = bytes.NewReader(nil)
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, url, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	return res, data
}

func workload() map[string]any {
	return map[string]any{
		"system": map[string]any{"totalMemory": 4096, "cpuCores": 2},
		"processes": []map[string]any{
			{"id": 1, "priority": 1, "memoryRequirement": 1024, "instructions": 4, "ioInstructions": []int{2}},
			{"id": 2, "priority": 3, "memoryRequirement": 1024, "instructions": 2},
		},
	}
}

func schedule(t *testing.T, srv *testServer, body map[string]any, headers map[string]string) ScheduleResponse {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/schedule", body, headers)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var out ScheduleResponse
	require.NoError(t, json.Unmarshal(data, &out))
	return out
}

func TestHealth(t *testing.T) {
	srv := newTestServer(t, AuthConfig{})
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/health", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.JSONEq(t, `{"status":"ok"}`, string(data))
}

func TestScheduleAndBrowseRuns(t *testing.T) {
	srv := newTestServer(t, AuthConfig{})
	out := schedule(t, srv, workload(), nil)
	assert.Equal(t, domain.RunHalted, out.Run.Status)
	assert.Equal(t, "pseudo", out.Run.Clock)
	assert.Equal(t, out.Run.RulesFired, out.Report.RulesFired)
	require.Len(t, out.Snapshot.Processes, 2)
	for _, p := range out.Snapshot.Processes {
		assert.Equal(t, domain.StatusExit, p.Status)
	}

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/runs", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var runs paginatedRuns
	require.NoError(t, json.Unmarshal(data, &runs))
	require.Len(t, runs.Items, 1)
	assert.Equal(t, out.Run.ID, runs.Items[0].ID)
	assert.Empty(t, runs.NextCursor)

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/runs/"+out.Run.ID, nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var stored app.Stored
	require.NoError(t, json.Unmarshal(data, &stored))
	require.NotNil(t, stored.Description)
	assert.Len(t, stored.Description.Processes, 2)
	require.NotNil(t, stored.Snapshot)
	assert.Equal(t, 4096, stored.Snapshot.System.AvailableMemory)

	// page through events two at a time
	var all []EventResponse
	cursor := ""
	for range 100 {
		url := srv.URL + "/v0/runs/" + out.Run.ID + "/events?limit=2"
		if cursor != "" {
			url += "&cursor=" + cursor
		}
		res, data = doJSON(t, srv.Client(), http.MethodGet, url, nil, nil)
		require.Equal(t, http.StatusOK, res.StatusCode, string(data))
		var page paginatedEvents
		require.NoError(t, json.Unmarshal(data, &page))
		all = append(all, page.Items...)
		if page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
	}
	require.Len(t, all, len(out.Report.Events)+2)
	assert.Equal(t, events.RunStarted, all[0].Type)
	assert.Equal(t, events.RunFinished, all[len(all)-1].Type)
	assert.Equal(t, domain.RunHalted, all[len(all)-1].Payload["status"])

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/runs/"+out.Run.ID+"/events?type=PROCESS_FINISHED&process_id=2", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var finished paginatedEvents
	require.NoError(t, json.Unmarshal(data, &finished))
	require.Len(t, finished.Items, 1)
	assert.Equal(t, 2, *finished.Items[0].ProcessID)
}

func TestRunsPagination(t *testing.T) {
	srv := newTestServer(t, AuthConfig{})
	body := workload()
	body["producers"] = true
	for range 3 {
		schedule(t, srv, body, nil)
	}
	seen := map[string]bool{}
	cursor := ""
	for range 3 {
		url := srv.URL + "/v0/runs?limit=2"
		if cursor != "" {
			url += "&cursor=" + cursor
		}
		res, data := doJSON(t, srv.Client(), http.MethodGet, url, nil, nil)
		require.Equal(t, http.StatusOK, res.StatusCode, string(data))
		var page paginatedRuns
		require.NoError(t, json.Unmarshal(data, &page))
		for _, r := range page.Items {
			seen[r.ID] = true
		}
		if page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
	}
	assert.Len(t, seen, 3)

	res, _ := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/runs?cursor=garbage", nil, nil)
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
}

func TestScheduleErrors(t *testing.T) {
	srv := newTestServer(t, AuthConfig{})
	body := workload()
	body["processes"] = []map[string]any{
		{"id": 1, "priority": 1, "memoryRequirement": 10, "instructions": 1},
		{"id": 1, "priority": 1, "memoryRequirement": 10, "instructions": 1},
	}
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/schedule", body, nil)
	require.Equal(t, http.StatusBadRequest, res.StatusCode, string(data))
	var apiErr struct {
		Error apiErrorBody `json:"error"`
	}
	require.NoError(t, json.Unmarshal(data, &apiErr))
	assert.Equal(t, "invalid_description", apiErr.Error.Code)
	assert.Contains(t, apiErr.Error.Message, "duplicate process id 1")

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/runs/nope", nil, nil)
	require.Equal(t, http.StatusNotFound, res.StatusCode, string(data))
	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/runs/nope/events", nil, nil)
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
}

func TestConfigAndOpenAPI(t *testing.T) {
	srv := newTestServer(t, AuthConfig{})
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/config", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var cfg ConfigResponse
	require.NoError(t, json.Unmarshal(data, &cfg))
	assert.Equal(t, "pseudo", cfg.Clock)
	assert.Equal(t, "2s", cfg.Policy.PagingTimeout)
	assert.Len(t, cfg.Policy.Boost, 3)
	assert.Equal(t, "30s", cfg.TTL["page_fault"])

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/openapi.json", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Contains(t, string(data), "/v0/schedule")

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/metrics", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Contains(t, string(data), "go_goroutines")
}

func TestOpenAPIConcurrentReads(t *testing.T) {
	srv := newTestServer(t, AuthConfig{JWTSecret: "s"})
	bodies := make([]string, 8)
	var wg sync.WaitGroup
	for i := range bodies {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := srv.Client().Get(srv.URL + "/v0/openapi.json")
			if err != nil {
				return
			}
			defer res.Body.Close()
			data, _ := io.ReadAll(res.Body)
			bodies[i] = string(data)
		}(i)
	}
	wg.Wait()
	for _, b := range bodies {
		assert.Equal(t, bodies[0], b)
	}
	assert.Contains(t, bodies[0], "bearerAuth")
	assert.Contains(t, bodies[0], "/v0/runs/{run_id}/events")
}

func TestJWTAuth(t *testing.T) {
	const secret = "test-secret"
	srv := newTestServer(t, AuthConfig{JWTSecret: secret})

	res, _ := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/health", nil, nil)
	assert.Equal(t, http.StatusOK, res.StatusCode, "health stays open")

	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/runs", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)

	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/runs", nil, map[string]string{"Authorization": "Bearer not-a-token"})
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)

	reader, err := IssueToken(secret, "viewer", time.Minute, PermRunsRead)
	require.NoError(t, err)
	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/runs", nil, map[string]string{"Authorization": "Bearer " + reader})
	assert.Equal(t, http.StatusOK, res.StatusCode)

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/schedule", workload(), map[string]string{"Authorization": "Bearer " + reader})
	assert.Equal(t, http.StatusForbidden, res.StatusCode, string(data))

	forged, err := IssueToken("other-secret", "mallory", 0, "*")
	require.NoError(t, err)
	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/runs", nil, map[string]string{"Authorization": "Bearer " + forged})
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)

	admin, err := IssueToken(secret, "ops", time.Minute, "*")
	require.NoError(t, err)
	out := schedule(t, srv, workload(), map[string]string{"Authorization": "Bearer " + admin})
	assert.Equal(t, domain.RunHalted, out.Run.Status)
}

func TestTemperatureStream(t *testing.T) {
	srv := newTestServer(t, AuthConfig{})
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v0/temperature"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	// registration is asynchronous; publish until a frame arrives
	got := make(chan TemperatureFrame, 1)
	go func() {
		var frame TemperatureFrame
		if err := conn.ReadJSON(&frame); err == nil {
			got <- frame
		}
	}()
	deadline := time.After(2 * time.Second)
	for {
		srv.hub.Publish("run-x", 42.5)
		select {
		case frame := <-got:
			assert.Equal(t, "run-x", frame.RunID)
			assert.Equal(t, 42.5, frame.Temperature)
			return
		case <-deadline:
			t.Fatal("no temperature frame received")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestWebhookDelivery(t *testing.T) {
	srv := newTestServer(t, AuthConfig{})

	var mu sync.Mutex
	var received []webhookEvent
	var secrets []string
	sink := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var evt webhookEvent
		_ = json.NewDecoder(r.Body).Decode(&evt)
		mu.Lock()
		received = append(received, evt)
		secrets = append(secrets, r.Header.Get("X-Schedline-Secret"))
		mu.Unlock()
	}))
	defer sink.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := startWebhookDispatcher(ctx, srv.svc.Repo, []config.WebhookConfig{{
		URL:    sink.URL,
		Events: []string{"PROCESS_FINISHED", events.RunFinished},
		Secret: "s3cret",
	}}, nil, 10*time.Millisecond)
	defer func() {
		cancel()
		<-done
	}()

	out := schedule(t, srv, workload(), nil)
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 3
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	for i, evt := range received {
		assert.Equal(t, out.Run.ID, evt.RunID)
		assert.Equal(t, "s3cret", secrets[i])
	}
	assert.Equal(t, events.RunFinished, received[2].Type)
}

func TestEventFilter(t *testing.T) {
	assert.True(t, newEventFilter(nil).match("END"))
	assert.True(t, newEventFilter([]string{" "}).match("END"))
	f := newEventFilter([]string{"END"})
	assert.True(t, f.match("END"))
	assert.False(t, f.match("PAGING"))
}
