package relay

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

const createSpeedTable = `CREATE TABLE speed (
	idx TEXT PRIMARY KEY,
	log_timestamp TEXT,
	camera TEXT,
	ave_speed REAL,
	speed_units TEXT,
	image_path TEXT,
	image_w INTEGER,
	image_h INTEGER,
	image_bigger INTEGER,
	direction TEXT,
	status TEXT
)`

// newTestDB creates a speed table in a fresh SQLite file.
func newTestDB(t *testing.T) (*sql.DB, string) {
	t.Helper()

	path := filepath.Join(t.TempDir(), "speed_cam.db")
	db := openTestDB(t, path)

	_, err := db.Exec(createSpeedTable)
	require.NoError(t, err)

	return db, path
}

func openTestDB(t *testing.T, path string) *sql.DB {
	t.Helper()

	db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?_busy_timeout=50", path))
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = db.Close()
	})
	return db
}

func insertRow(t *testing.T, db *sql.DB, idx string, speed float64, direction string, status any) {
	t.Helper()

	_, err := db.Exec(
		"INSERT INTO speed (idx, log_timestamp, camera, ave_speed, speed_units, direction, status) VALUES (?, ?, ?, ?, ?, ?, ?)",
		idx, "2023-06-15 14:30:00", "PiCam", speed, "mph", direction, status,
	)
	require.NoError(t, err)
}

func statusOf(t *testing.T, db *sql.DB, idx string) sql.NullString {
	t.Helper()

	var status sql.NullString
	err := db.QueryRow("SELECT status FROM speed WHERE idx = ?", idx).Scan(&status)
	require.NoError(t, err)
	return status
}

// fakePublisher records every published record and optionally fails.
type fakePublisher struct {
	mu         sync.Mutex
	published  []PublishRecord
	events     []string
	publishErr error
	onPublish  func(ctx context.Context, rec *PublishRecord)
}

func (f *fakePublisher) Publish(ctx context.Context, event string, rec *PublishRecord) error {
	if f.onPublish != nil {
		f.onPublish(ctx, rec)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, *rec)
	f.events = append(f.events, event)
	return f.publishErr
}

func (f *fakePublisher) records() []PublishRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]PublishRecord(nil), f.published...)
}

func (f *fakePublisher) count(key string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int
	for _, rec := range f.published {
		if rec.OriginalKey == key {
			n++
		}
	}
	return n
}

type fakeDB struct {
	mu sync.Mutex

	// connErr decides the outcome of the n-th (1-based) Conn call.
	connErr func(call int) error
	conn    *fakeConn

	connCalls int
	open      int
}

func (f *fakeDB) Conn(_ context.Context) (Conn, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.connCalls++
	if f.connErr != nil {
		if err := f.connErr(f.connCalls); err != nil {
			return nil, err
		}
	}
	f.open++

	conn := f.conn
	if conn == nil {
		conn = &fakeConn{}
	}
	conn.db = f
	return conn, nil
}

func (f *fakeDB) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connCalls
}

func (f *fakeDB) openConns() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.open
}

type fakeConn struct {
	db *fakeDB

	pingErr  error
	queryErr error
	beginErr error
	tx       *fakeTx
}

func (f *fakeConn) PingContext(_ context.Context) error {
	return f.pingErr
}

func (f *fakeConn) QueryContext(_ context.Context, _ string, _ ...any) (*sql.Rows, error) {
	if f.queryErr != nil {
		return nil, f.queryErr
	}
	return nil, fmt.Errorf("fake connection has no rows")
}

func (f *fakeConn) BeginTx(_ context.Context, _ *sql.TxOptions) (Tx, error) {
	if f.beginErr != nil {
		return nil, f.beginErr
	}
	if f.tx == nil {
		f.tx = &fakeTx{}
	}
	return f.tx, nil
}

func (f *fakeConn) Close() error {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	f.db.open--
	return nil
}

type fakeTx struct {
	execErr   error
	commitErr error

	execArgs   []any
	committed  bool
	rolledBack bool
}

func (f *fakeTx) ExecContext(_ context.Context, _ string, args ...any) (sql.Result, error) {
	f.execArgs = args
	return nil, f.execErr
}

func (f *fakeTx) Commit() error {
	f.committed = true
	return f.commitErr
}

func (f *fakeTx) Rollback() error {
	f.rolledBack = true
	return nil
}
