package relay

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
)

// SQLDialect represents a SQL database dialect.
type SQLDialect string

// Supported database dialects.
const (
	SQLDialectSQLite    SQLDialect = "sqlite"
	SQLDialectPostgres  SQLDialect = "postgres"
	SQLDialectMySQL     SQLDialect = "mysql"
	SQLDialectMariaDB   SQLDialect = "mariadb"
	SQLDialectOracle    SQLDialect = "oracle"
	SQLDialectSQLServer SQLDialect = "sqlserver"
)

// Tx represents a database transaction.
// It is compatible with the standard sql.Tx type.
type Tx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	Commit() error
	Rollback() error
}

// Conn is a single dedicated connection to the row store.
// It is compatible with the standard sql.Conn type.
type Conn interface {
	PingContext(ctx context.Context) error
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	BeginTx(ctx context.Context, opts *sql.TxOptions) (Tx, error)
	Close() error
}

// DB hands out dedicated connections to the row store.
type DB interface {
	Conn(ctx context.Context) (Conn, error)
}

// placeholder returns the bind placeholder for the given 1-based index.
func (d SQLDialect) placeholder(index int) string {
	switch d {
	case SQLDialectPostgres:
		return fmt.Sprintf("$%d", index)

	case SQLDialectOracle:
		return fmt.Sprintf(":%d", index)

	case SQLDialectSQLServer:
		return fmt.Sprintf("@p%d", index)

	default:
		return "?"
	}
}

var sqlIdentifierRegexp = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func validateIdentifier(kind, name string) error {
	if name == "" {
		return fmt.Errorf("%s name cannot be empty", kind)
	}
	if !sqlIdentifierRegexp.MatchString(name) {
		return fmt.Errorf(
			"invalid %s name %q: must match [a-zA-Z_][a-zA-Z0-9_]*",
			kind, name,
		)
	}
	return nil
}

// txAdapter is a wrapper around a sql.Tx that implements the Tx interface.
type txAdapter struct {
	tx *sql.Tx
}

func (a *txAdapter) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return a.tx.ExecContext(ctx, query, args...)
}

func (a *txAdapter) Commit() error {
	return a.tx.Commit()
}

func (a *txAdapter) Rollback() error {
	return a.tx.Rollback()
}

// connAdapter is a wrapper around a sql.Conn that implements the Conn interface.
type connAdapter struct {
	conn *sql.Conn
}

func (a *connAdapter) PingContext(ctx context.Context) error {
	return a.conn.PingContext(ctx)
}

func (a *connAdapter) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return a.conn.QueryContext(ctx, query, args...)
}

func (a *connAdapter) BeginTx(ctx context.Context, opts *sql.TxOptions) (Tx, error) {
	tx, err := a.conn.BeginTx(ctx, opts)
	if err != nil {
		return nil, err
	}
	return &txAdapter{tx}, nil
}

func (a *connAdapter) Close() error {
	return a.conn.Close()
}

// dbAdapter is a wrapper around a sql.DB that implements the DB interface.
type dbAdapter struct {
	DB *sql.DB
}

func (a *dbAdapter) Conn(ctx context.Context) (Conn, error) {
	conn, err := a.DB.Conn(ctx)
	if err != nil {
		return nil, err
	}
	return &connAdapter{conn}, nil
}
