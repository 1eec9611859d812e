package careloop

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/careloop-ai/careloop/internal/model"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestApp(t *testing.T) *App {
	t.Helper()
	app, err := New(
		WithLogger(testLogger()),
		WithDatabasePath(filepath.Join(t.TempDir(), "test.db")),
		WithDataDir(t.TempDir()),
		WithVersion("test"),
	)
	require.NoError(t, err)
	t.Cleanup(app.shutdown)
	return app
}

func TestNewWiresAppAndServesHealth(t *testing.T) {
	app := newTestApp(t)

	srv := httptest.NewServer(app.srv.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	var envelope struct {
		Data struct {
			Status  string `json:"status"`
			Version string `json:"version"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(body, &envelope))
	assert.Equal(t, "healthy", envelope.Data.Status)
	assert.Equal(t, "test", envelope.Data.Version)
}

// The default executor streams output over real time. A run must still be
// in flight right after Start; instantaneous completion would mean the demo
// pacing was dropped from the wiring.
func TestDefaultExecutorPacesRuns(t *testing.T) {
	app := newTestApp(t)

	run := app.registry.Create("pace check", nil)
	require.NoError(t, app.registry.Start(context.Background(), run.ID))

	result, err := app.registry.Result(run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusRunning, result.Status)

	require.Eventually(t, func() bool {
		result, err := app.registry.Result(run.ID)
		return err == nil && result.Status == model.RunStatusDone
	}, 10*time.Second, 50*time.Millisecond)
}

// With no clinic offers on disk the booking pipeline still terminates: the
// scheduler answers REQUEST_BOOKING with BOOKING_FAILED and the log records
// both.
func TestBookingPipelineWithoutOffersFails(t *testing.T) {
	app := newTestApp(t)

	_, err := app.bus.Publish(context.Background(), model.EventRequestBooking, nil)
	require.NoError(t, err)
	app.bus.Drain()

	types := make(map[string]bool)
	for _, entry := range app.log.Recent(10) {
		types[entry.Type] = true
	}
	assert.True(t, types[model.EventRequestBooking])
	assert.True(t, types[model.EventBookingFailed])
}
