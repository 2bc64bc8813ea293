package main

import (
	"bytes"
	"context"
	"database/sql"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/speedcam/relay/internal/config"
)

// syncBuffer is a bytes.Buffer safe for a concurrent writer and reader.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestVersionCommand(t *testing.T) {
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"version"})

	require.NoError(t, cmd.Execute())
	assert.Equal(t, version+"\n", out.String())
}

func TestRootCommandRequiresConfig(t *testing.T) {
	cmd := newRootCmd()
	cmd.SetOut(io.Discard)
	cmd.SetErr(io.Discard)
	cmd.SetArgs([]string{"--config", filepath.Join(t.TempDir(), "missing.yaml")})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reading config file")
}

func TestRootCommandRejectsUnknownLogLevel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
source: cam
store:
  path: speed_cam.db
transport:
  channel: speedcam
  ably:
    api_key: app.key:secret
`), 0o600))

	cmd := newRootCmd()
	cmd.SetOut(io.Discard)
	cmd.SetErr(io.Discard)
	cmd.SetArgs([]string{"-c", path, "--log-level", "loud"})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown log level")
}

func TestNewPublisherRejectsUnknownTransport(t *testing.T) {
	cfg := config.Default()
	cfg.Transport.Kind = "mqtt"

	_, _, err := newPublisher(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unsupported transport "mqtt"`)
}

func TestRunGivesUpOnMissingDatabase(t *testing.T) {
	cfg := config.Default()
	cfg.Source = "cam"
	cfg.Store.Path = filepath.Join(t.TempDir(), "missing.db")
	cfg.Transport.Channel = "speedcam"
	cfg.Transport.Ably.APIKey = "xVLyHw.DGYdkQ:FtPUdjR0J3nVQKPq"
	cfg.Connect.Attempts = 2
	cfg.Connect.Backoff = time.Millisecond

	var logs bytes.Buffer
	err := run(context.Background(), cfg, slog.New(slog.NewTextHandler(&logs, nil)))

	require.Error(t, err)
	assert.Contains(t, err.Error(), "giving up after 2 connection attempts")
	assert.Contains(t, logs.String(), "Connection retry 1/2")
	_, statErr := os.Stat(cfg.Store.Path)
	assert.ErrorIs(t, statErr, os.ErrNotExist, "the database file must not be created")
}

func TestRunPublishesUntilCancelled(t *testing.T) {
	path := filepath.Join(t.TempDir(), "speed_cam.db")
	db, err := sql.Open("sqlite3", path)
	require.NoError(t, err)
	_, err = db.Exec("CREATE TABLE speed (idx TEXT, ave_speed REAL, speed_units TEXT, direction TEXT, status TEXT)")
	require.NoError(t, err)
	require.NoError(t, db.Close())

	cfg := config.Default()
	cfg.Source = "cam"
	cfg.Store.Path = path
	cfg.Transport.Channel = "speedcam"
	cfg.Transport.Ably.APIKey = "xVLyHw.DGYdkQ:FtPUdjR0J3nVQKPq"
	cfg.Interval = time.Hour
	cfg.Metrics.Listen = "127.0.0.1:0"

	ctx, cancel := context.WithCancel(context.Background())
	var logs syncBuffer
	done := make(chan error, 1)
	go func() {
		done <- run(ctx, cfg, slog.New(slog.NewTextHandler(&logs, nil)))
	}()

	require.Eventually(t, func() bool {
		return strings.Contains(logs.String(), "Published 0 of 0 rows")
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not return after cancellation")
	}
	assert.Contains(t, logs.String(), "relay stopped")
}
