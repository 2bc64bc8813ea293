package relay

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/mattn/go-sqlite3"
)

// DefaultPublishedMarker is the status value written for delivered rows.
const DefaultPublishedMarker = "PUBLISHED"

// ErrStoreBusy reports that the row store refused a write because of a lock
// or operational conflict. Callers should retry the write later.
var ErrStoreBusy = errors.New("row store busy")

// Outcome is the result of a publish attempt persisted on a row.
type Outcome int

const (
	// OutcomePublished marks the row as delivered.
	OutcomePublished Outcome = iota
	// OutcomeReset clears the row status so the row is fetched again.
	OutcomeReset
)

func (o Outcome) String() string {
	switch o {
	case OutcomePublished:
		return "published"
	case OutcomeReset:
		return "reset"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Columns names the columns of the detection table used by the relay.
type Columns struct {
	Key       string
	Speed     string
	SpeedUnit string
	Direction string
	Status    string
}

// DefaultColumns matches the table written by the speed camera.
func DefaultColumns() Columns {
	return Columns{
		Key:       "idx",
		Speed:     "ave_speed",
		SpeedUnit: "speed_units",
		Direction: "direction",
		Status:    "status",
	}
}

// ConnectionError indicates that a connection to the row store could not be
// acquired.
type ConnectionError struct {
	Err error
}

func (e *ConnectionError) Error() string { return fmt.Sprintf("connecting to row store: %v", e.Err) }

func (e *ConnectionError) Unwrap() error { return e.Err }

// FetchError indicates an error when reading pending rows.
type FetchError struct {
	Err error
}

func (e *FetchError) Error() string { return fmt.Sprintf("fetching pending rows: %v", e.Err) }

func (e *FetchError) Unwrap() error { return e.Err }

// MarkError indicates that the outcome of a publish attempt could not be
// persisted. Use errors.Is(err, ErrStoreBusy) to detect lock conflicts.
type MarkError struct {
	RowID   string
	Outcome Outcome
	Err     error
}

func (e *MarkError) Error() string {
	return fmt.Sprintf("marking row %s as %s: %v", e.RowID, e.Outcome, e.Err)
}

func (e *MarkError) Unwrap() error { return e.Err }

// Store reads pending detection rows and records publish outcomes.
// Every operation uses its own short-lived connection.
type Store struct {
	db              DB
	dialect         SQLDialect
	tableName       string
	columns         Columns
	publishedMarker string
}

// StoreOption is a function that configures a Store instance.
type StoreOption func(*Store)

// WithTableName sets the detection table name.
// Default is "speed".
// The name must be a valid SQL identifier matching the pattern [a-zA-Z_][a-zA-Z0-9_]*;
// an invalid name causes a panic when creating the Store.
func WithTableName(tableName string) StoreOption {
	return func(s *Store) {
		s.tableName = tableName
	}
}

// WithColumns overrides the column mapping. Empty fields keep their default.
// Column names are validated like the table name.
func WithColumns(columns Columns) StoreOption {
	return func(s *Store) {
		if columns.Key != "" {
			s.columns.Key = columns.Key
		}
		if columns.Speed != "" {
			s.columns.Speed = columns.Speed
		}
		if columns.SpeedUnit != "" {
			s.columns.SpeedUnit = columns.SpeedUnit
		}
		if columns.Direction != "" {
			s.columns.Direction = columns.Direction
		}
		if columns.Status != "" {
			s.columns.Status = columns.Status
		}
	}
}

// WithPublishedMarker sets the status value written for delivered rows.
// Default is DefaultPublishedMarker. Must not be empty.
func WithPublishedMarker(marker string) StoreOption {
	return func(s *Store) {
		if marker != "" {
			s.publishedMarker = marker
		}
	}
}

// NewStore creates a new Store from a standard *sql.DB.
func NewStore(db *sql.DB, dialect SQLDialect, opts ...StoreOption) *Store {
	return NewStoreWithDB(&dbAdapter{DB: db}, dialect, opts...)
}

// NewStoreWithDB creates a new Store with a custom DB implementation.
// This is useful for users who want to provide their own database abstraction or for testing.
func NewStoreWithDB(db DB, dialect SQLDialect, opts ...StoreOption) *Store {
	s := &Store{
		db:              db,
		dialect:         dialect,
		tableName:       "speed",
		columns:         DefaultColumns(),
		publishedMarker: DefaultPublishedMarker,
	}

	for _, opt := range opts {
		opt(s)
	}

	if err := s.validate(); err != nil {
		panic(err)
	}

	return s
}

func (s *Store) validate() error {
	return errors.Join(
		validateIdentifier("table", s.tableName),
		validateIdentifier("key column", s.columns.Key),
		validateIdentifier("speed column", s.columns.Speed),
		validateIdentifier("speed unit column", s.columns.SpeedUnit),
		validateIdentifier("direction column", s.columns.Direction),
		validateIdentifier("status column", s.columns.Status),
	)
}

// Open acquires a dedicated connection to the row store and checks that it is usable.
// The returned error is a *ConnectionError.
func (s *Store) Open(ctx context.Context) (Conn, error) {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return nil, &ConnectionError{Err: err}
	}
	if err := conn.PingContext(ctx); err != nil {
		_ = conn.Close()
		return nil, &ConnectionError{Err: err}
	}
	return conn, nil
}

// FetchPending returns every row whose status is empty or NULL, ordered by key.
// conn is closed before FetchPending returns, whatever the outcome, so the
// store is not held while rows are being published.
func (s *Store) FetchPending(ctx context.Context, conn Conn) ([]DetectionRow, error) {
	defer func() {
		_ = conn.Close()
	}()

	rows, err := conn.QueryContext(ctx, s.buildSelectPendingQuery())
	if err != nil {
		return nil, &FetchError{Err: fmt.Errorf("querying pending rows: %w", err)}
	}
	defer func() {
		_ = rows.Close()
	}()

	var pending []DetectionRow
	for rows.Next() {
		var (
			row       DetectionRow
			unit      sql.NullString
			direction sql.NullString
			speed     sql.NullFloat64
		)
		if err := rows.Scan(&row.ID, &speed, &unit, &direction); err != nil {
			return nil, &FetchError{Err: fmt.Errorf("scanning pending row: %w", err)}
		}
		row.Speed = speed.Float64
		row.SpeedUnit = unit.String
		row.DirectionCode = direction.String
		pending = append(pending, row)
	}
	if err := rows.Err(); err != nil {
		return nil, &FetchError{Err: fmt.Errorf("iterating pending rows: %w", err)}
	}
	return pending, nil
}

// MarkStatus persists the outcome of a publish attempt on the row keyed by rowID
// using its own connection and transaction. The returned error is a *MarkError.
func (s *Store) MarkStatus(ctx context.Context, rowID string, outcome Outcome) error {
	err := s.markStatus(ctx, rowID, outcome)
	if err == nil {
		return nil
	}
	if isBusy(err) {
		err = errors.Join(ErrStoreBusy, err)
	}
	return &MarkError{RowID: rowID, Outcome: outcome, Err: err}
}

func (s *Store) markStatus(ctx context.Context, rowID string, outcome Outcome) error {
	var status any
	switch outcome {
	case OutcomePublished:
		status = s.publishedMarker
	case OutcomeReset:
		status = nil
	default:
		return fmt.Errorf("unknown outcome %s", outcome)
	}

	conn, err := s.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("acquiring connection: %w", err)
	}
	defer func() {
		_ = conn.Close()
	}()

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}

	var committed bool
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	if _, err := tx.ExecContext(ctx, s.buildUpdateStatusQuery(), status, rowID); err != nil {
		return fmt.Errorf("updating status: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	committed = true

	return nil
}

func (s *Store) buildSelectPendingQuery() string {
	c := s.columns
	// nolint:gosec
	return fmt.Sprintf(`SELECT %s, %s, %s, %s FROM %s WHERE %s = '' OR %s IS NULL ORDER BY %s ASC`,
		c.Key, c.Speed, c.SpeedUnit, c.Direction, s.tableName, c.Status, c.Status, c.Key)
}

func (s *Store) buildUpdateStatusQuery() string {
	// nolint:gosec
	return fmt.Sprintf("UPDATE %s SET %s = %s WHERE %s = %s",
		s.tableName, s.columns.Status, s.dialect.placeholder(1), s.columns.Key, s.dialect.placeholder(2))
}

// isBusy reports whether err is a lock conflict reported by the driver.
func isBusy(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked
	}
	return false
}
