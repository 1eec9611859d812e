package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/careloop-ai/careloop/internal/agent"
	"github.com/careloop-ai/careloop/internal/bus"
	"github.com/careloop-ai/careloop/internal/eventlog"
	"github.com/careloop-ai/careloop/internal/model"
	"github.com/careloop-ai/careloop/internal/refdata"
	"github.com/careloop-ai/careloop/internal/registry"
	"github.com/careloop-ai/careloop/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type testEnv struct {
	server *httptest.Server
	bus    *bus.Bus
	log    *eventlog.Log
	db     *store.DB
}

// newTestEnv assembles the full pipeline behind an httptest server: sqlite
// store, bus with event log tap, run registry with a fast demo executor,
// and all three agents wired to static reference data.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := testLogger()

	db, err := store.Open(filepath.Join(t.TempDir(), "careloop.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	b := bus.New(logger, nil)
	log := eventlog.New(db, logger, 200, 64)
	b.AddTap(func(evt model.Event) {
		log.Append(context.Background(), evt)
	})

	exec := &registry.DemoExecutor{
		Clock:      clock.New(),
		StartDelay: time.Millisecond,
		TokenDelay: time.Millisecond,
		StepDelay:  time.Millisecond,
	}
	reg := registry.New(exec, logger, 64)

	policy := refdata.DefaultPolicy()
	offers := staticOffers{
		{ClinicID: "c1", ClinicName: "Downtown Clinic", InNetwork: true, DistanceMiles: 1.2,
			Slots: []string{"2026-09-01T09:00:00Z", "2026-09-02T09:00:00Z"}},
	}
	sched := agent.NewScheduler(agent.SchedulerConfig{
		Bus:             b,
		Store:           db,
		Offers:          offers,
		Clock:           clock.NewMock(),
		Logger:          logger,
		RecheckInterval: 15 * time.Second,
		BoostInterval:   5 * time.Second,
		BoostWindow:     time.Minute,
	})
	sched.Register()
	agent.NewCoverage(b, db, staticInsurance("Notes. Deductible: $2,000."), policy.Coverage, logger).Register()
	agent.NewWellness(b, db, policy.Triage, logger).Register()

	h := NewHandlers(HandlersDeps{
		Bus:       b,
		Log:       log,
		Registry:  reg,
		Store:     db,
		Pinger:    db,
		Logger:    logger,
		Version:   "test",
		Heartbeat: 50 * time.Millisecond,
		LogWindow: 50,
	})
	srv := New(ServerConfig{Handlers: h, Logger: logger, Port: 0})

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &testEnv{server: ts, bus: b, log: log, db: db}
}

type staticOffers []model.ClinicSlotOffer

func (s staticOffers) Offers() []model.ClinicSlotOffer { return s }

type staticInsurance string

func (s staticInsurance) InsuranceText() string { return string(s) }

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(raw))
	require.NoError(t, err)
	return resp
}

func decodeData[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var envelope struct {
		Data T                  `json:"data"`
		Meta model.ResponseMeta `json:"meta"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&envelope))
	assert.NotEmpty(t, envelope.Meta.RequestID)
	return envelope.Data
}

func TestRequestBookingRunsPipeline(t *testing.T) {
	env := newTestEnv(t)

	resp := postJSON(t, env.server.URL+"/api/request-booking", nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	evt := decodeData[model.Event](t, resp)
	assert.Equal(t, model.EventRequestBooking, evt.Type)

	env.bus.Drain()

	// The scheduler booked, which triggered the coverage agent.
	types := map[string]bool{}
	for _, entry := range env.log.Recent(50) {
		types[entry.Type] = true
	}
	assert.True(t, types[model.EventRequestBooking])
	assert.True(t, types[model.EventBookingUpdated])
	assert.True(t, types[model.EventCoverageReady])

	booking, err := store.ReadBooking(context.Background(), env.db)
	require.NoError(t, err)
	assert.Equal(t, "2026-09-01T09:00:00Z", booking.Slot)
}

func TestSubmitSymptomsValidatesAndPublishes(t *testing.T) {
	env := newTestEnv(t)

	resp := postJSON(t, env.server.URL+"/api/submit-symptoms", map[string]string{"text": "   "})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()

	resp = postJSON(t, env.server.URL+"/api/submit-symptoms",
		model.SubmitSymptomsRequest{Text: "mild cough"})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	evt := decodeData[model.Event](t, resp)
	assert.Equal(t, model.EventSymptomsSubmitted, evt.Type)

	env.bus.Drain()

	wellness, err := store.ReadWellness(context.Background(), env.db)
	require.NoError(t, err)
	assert.Equal(t, model.TriageLow, wellness.Triage.Level)
}

func TestSubmitEventRequiresType(t *testing.T) {
	env := newTestEnv(t)

	resp := postJSON(t, env.server.URL+"/api/events", model.SubmitEventRequest{Type: ""})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()

	resp = postJSON(t, env.server.URL+"/api/events",
		model.SubmitEventRequest{Type: "CUSTOM_PING", Payload: map[string]int{"n": 1}})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	resp.Body.Close()

	env.bus.Drain()

	var found bool
	for _, entry := range env.log.Recent(50) {
		if entry.Type == "CUSTOM_PING" {
			found = true
		}
	}
	assert.True(t, found, "unsubscribed event type still reaches the log")
}

func TestStateSnapshotStartsEmpty(t *testing.T) {
	env := newTestEnv(t)

	resp, err := http.Get(env.server.URL + "/api/state")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	snapshot := decodeData[model.Snapshot](t, resp)

	assert.Nil(t, snapshot.Booking)
	assert.Nil(t, snapshot.Coverage)
	assert.Nil(t, snapshot.Wellness)
	assert.Empty(t, snapshot.Log)
}

func TestRunLifecycleOverHTTP(t *testing.T) {
	env := newTestEnv(t)

	resp := postJSON(t, env.server.URL+"/api/agents/run", model.SubmitRunRequest{Task: "summarize"})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	started := decodeData[model.SubmitRunResponse](t, resp)
	assert.Equal(t, "started", started.Status)
	require.NotEmpty(t, started.RunID)

	require.Eventually(t, func() bool {
		resp, err := http.Get(env.server.URL + "/api/agents/runs/" + started.RunID)
		if err != nil {
			return false
		}
		result := decodeData[model.RunResult](t, resp)
		return result.Status == model.RunStatusDone
	}, 5*time.Second, 20*time.Millisecond)

	resp, err := http.Get(env.server.URL + "/api/agents/runs/" + started.RunID)
	require.NoError(t, err)
	result := decodeData[model.RunResult](t, resp)
	assert.Equal(t, "Done: summarize", result.FinalMessage)
	assert.NotEmpty(t, result.Steps)
}

func TestGetRunValidation(t *testing.T) {
	env := newTestEnv(t)

	resp, err := http.Get(env.server.URL + "/api/agents/runs/not-a-uuid")
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()

	resp, err = http.Get(env.server.URL + "/api/agents/runs/6a7e7b9e-07a4-4a64-a153-23b7df2bb4a9")
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func TestEmptyRunTaskRejected(t *testing.T) {
	env := newTestEnv(t)

	resp := postJSON(t, env.server.URL+"/api/agents/run", model.SubmitRunRequest{Task: " "})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)

	resp, err := http.Get(env.server.URL + "/health")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeData[map[string]any](t, resp)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, "connected", body["sqlite"])
}

// sseFrame is one parsed event/data pair from a stream.
type sseFrame struct {
	Event string
	Data  string
}

// readSSE reads frames from an open stream until want returns true or the
// deadline passes.
func readSSE(t *testing.T, body *bufio.Reader, deadline time.Duration, want func(sseFrame) bool) []sseFrame {
	t.Helper()
	var frames []sseFrame
	var current sseFrame
	timeout := time.After(deadline)
	lines := make(chan string, 16)
	go func() {
		for {
			line, err := body.ReadString('\n')
			if err != nil {
				close(lines)
				return
			}
			lines <- strings.TrimRight(line, "\n")
		}
	}()
	for {
		select {
		case <-timeout:
			t.Fatalf("timed out waiting for SSE frame, got %v", frames)
		case line, ok := <-lines:
			if !ok {
				t.Fatalf("stream closed early, got %v", frames)
			}
			switch {
			case strings.HasPrefix(line, "event: "):
				current.Event = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				current.Data = strings.TrimPrefix(line, "data: ")
			case line == "" && current.Event != "":
				frames = append(frames, current)
				done := want(current)
				current = sseFrame{}
				if done {
					return frames
				}
			}
		}
	}
}

func openStream(t *testing.T, url string) (*bufio.Reader, func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	return bufio.NewReader(resp.Body), func() {
		cancel()
		resp.Body.Close()
	}
}

func TestEventStreamDeliversPublishedEvents(t *testing.T) {
	env := newTestEnv(t)

	body, closeStream := openStream(t, env.server.URL+"/api/events/stream")
	defer closeStream()

	resp := postJSON(t, env.server.URL+"/api/events",
		model.SubmitEventRequest{Type: "CUSTOM_PING", Payload: map[string]string{"hello": "world"}})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	resp.Body.Close()

	frames := readSSE(t, body, 5*time.Second, func(f sseFrame) bool {
		return f.Event == "CUSTOM_PING"
	})
	last := frames[len(frames)-1]

	var entry model.LogEntry
	require.NoError(t, json.Unmarshal([]byte(last.Data), &entry))
	assert.Equal(t, "CUSTOM_PING", entry.Type)
	assert.Positive(t, entry.Seq)
}

func TestRunStreamSnapshotThenTail(t *testing.T) {
	env := newTestEnv(t)

	resp := postJSON(t, env.server.URL+"/api/agents/run", model.SubmitRunRequest{Task: "stream me"})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	started := decodeData[model.SubmitRunResponse](t, resp)

	body, closeStream := openStream(t,
		env.server.URL+"/api/agents/runs/"+started.RunID+"/stream")
	defer closeStream()

	frames := readSSE(t, body, 5*time.Second, func(f sseFrame) bool {
		return f.Event == model.RunChannelFinal
	})

	require.Equal(t, model.RunChannelStatus, frames[0].Event)

	// Snapshot plus tail yields the full step sequence exactly once.
	stepIndexes := map[int]int{}
	for _, f := range frames {
		if f.Event != model.RunChannelStep {
			continue
		}
		var step model.StepEvent
		require.NoError(t, json.Unmarshal([]byte(f.Data), &step))
		stepIndexes[step.Index]++
	}
	require.NotEmpty(t, stepIndexes)
	for idx, count := range stepIndexes {
		assert.Equal(t, 1, count, "step %d seen more than once", idx)
	}

	var final map[string]any
	require.NoError(t, json.Unmarshal([]byte(frames[len(frames)-1].Data), &final))
	assert.Equal(t, string(model.RunStatusDone), final["status"])
	assert.Equal(t, "Done: stream me", final["message"])
}

func TestRunStreamUnknownRun(t *testing.T) {
	env := newTestEnv(t)

	body, closeStream := openStream(t,
		env.server.URL+"/api/agents/runs/6a7e7b9e-07a4-4a64-a153-23b7df2bb4a9/stream")
	defer closeStream()

	frames := readSSE(t, body, 5*time.Second, func(f sseFrame) bool {
		return f.Event == model.RunChannelStatus
	})
	var status map[string]string
	require.NoError(t, json.Unmarshal([]byte(frames[0].Data), &status))
	assert.Equal(t, "unknown_run", status["status"])

	// The connection stays open on heartbeats even without a run to tail.
	readSSE(t, body, 5*time.Second, func(f sseFrame) bool {
		return f.Event == model.RunChannelHeartbeat
	})
}

func TestEventStreamHeartbeatIsNamedEvent(t *testing.T) {
	env := newTestEnv(t)

	body, closeStream := openStream(t, env.server.URL+"/api/events/stream")
	defer closeStream()

	// No events published; the only named frames are heartbeats.
	frames := readSSE(t, body, 5*time.Second, func(f sseFrame) bool {
		return f.Event == model.RunChannelHeartbeat
	})

	var beat map[string]int64
	require.NoError(t, json.Unmarshal([]byte(frames[len(frames)-1].Data), &beat))
	assert.Positive(t, beat["t"])
}

func TestStreamHeartbeatRunsOnInjectedClock(t *testing.T) {
	logger := testLogger()
	mock := clock.NewMock()
	log := eventlog.New(nil, logger, 10, 8)
	h := NewHandlers(HandlersDeps{
		Log:       log,
		Logger:    logger,
		Version:   "test",
		Heartbeat: 15 * time.Second,
		Clock:     mock,
	})
	srv := New(ServerConfig{Handlers: h, Logger: logger, Port: 0})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	body, closeStream := openStream(t, ts.URL+"/api/events/stream")
	defer closeStream()

	// The heartbeat ticker is armed inside the handler goroutine, so keep
	// advancing the virtual clock until a tick lands.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		for {
			select {
			case <-stop:
				return
			default:
				mock.Add(15 * time.Second)
				time.Sleep(5 * time.Millisecond)
			}
		}
	}()

	readSSE(t, body, 5*time.Second, func(f sseFrame) bool {
		return f.Event == model.RunChannelHeartbeat
	})
}

func TestRequestIDPropagation(t *testing.T) {
	env := newTestEnv(t)

	req, err := http.NewRequest(http.MethodGet, env.server.URL+"/health", nil)
	require.NoError(t, err)
	req.Header.Set("X-Request-ID", "req-42")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, "req-42", resp.Header.Get("X-Request-ID"))
	var envelope model.APIResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&envelope))
	assert.Equal(t, "req-42", envelope.Meta.RequestID)
}
