package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "pgx"
)

var schemas = map[string]string{
	DriverSQLite: `CREATE TABLE IF NOT EXISTS kv (
	ns TEXT NOT NULL,
	k  BLOB NOT NULL,
	v  BLOB NOT NULL,
	PRIMARY KEY (ns, k)
)`,
	DriverPostgres: `CREATE TABLE IF NOT EXISTS kv (
	ns TEXT  NOT NULL,
	k  BYTEA NOT NULL,
	v  BYTEA NOT NULL,
	PRIMARY KEY (ns, k)
)`,
}

// SQLStore keeps every namespace in a single kv table. Keys are stored as
// bytes because transport identifiers are not guaranteed to be text.
type SQLStore struct {
	db     *sqlx.DB
	driver string
}

type kvRow struct {
	K []byte `db:"k"`
	V []byte `db:"v"`
}

// OpenSQLite opens (or creates) spool.db below dir.
func OpenSQLite(ctx context.Context, dir string) (*SQLStore, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, fmt.Errorf("state directory is empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create state directory: %w", err)
	}
	dsn := "file:" + filepath.Join(dir, "spool.db") + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	return OpenSQL(ctx, DriverSQLite, dsn)
}

// OpenSQL connects with one of the supported drivers and ensures the schema.
func OpenSQL(ctx context.Context, driver, dsn string) (*SQLStore, error) {
	schema, ok := schemas[driver]
	if !ok {
		return nil, fmt.Errorf("unsupported sql driver %q", driver)
	}

	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}
	if driver == DriverSQLite {
		// one writer at a time; sqlite locks the whole file anyway
		db.SetMaxOpenConns(1)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping %s: %w", driver, err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}

	return &SQLStore{db: db, driver: driver}, nil
}

// DB exposes the connection so other components can share it.
func (s *SQLStore) DB() *sqlx.DB { return s.db }

func (s *SQLStore) Driver() string { return s.driver }

func (s *SQLStore) Get(ctx context.Context, ns Namespace, key string) ([]byte, error) {
	return sqlGet(ctx, s.db, ns, key)
}

func (s *SQLStore) Put(ctx context.Context, ns Namespace, key string, value []byte) error {
	return sqlPut(ctx, s.db, ns, key, value)
}

func (s *SQLStore) Delete(ctx context.Context, ns Namespace, key string) error {
	return sqlDelete(ctx, s.db, ns, key)
}

// Iterate loads the namespace before calling fn, so fn is free to write.
func (s *SQLStore) Iterate(ctx context.Context, ns Namespace, fn func(key string, value []byte) error) error {
	var rows []kvRow
	query := s.db.Rebind(`SELECT k, v FROM kv WHERE ns = ? ORDER BY k`)
	if err := s.db.SelectContext(ctx, &rows, query, string(ns)); err != nil {
		return fmt.Errorf("scan %s: %w", ns, err)
	}

	for _, row := range rows {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(string(row.K), row.V); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLStore) Update(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}

	if err := fn(&sqlTx{tx: tx}); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := ctx.Err(); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

type sqlTx struct {
	tx *sqlx.Tx
}

func (t *sqlTx) Get(ctx context.Context, ns Namespace, key string) ([]byte, error) {
	return sqlGet(ctx, t.tx, ns, key)
}

func (t *sqlTx) Put(ctx context.Context, ns Namespace, key string, value []byte) error {
	return sqlPut(ctx, t.tx, ns, key, value)
}

func (t *sqlTx) Delete(ctx context.Context, ns Namespace, key string) error {
	return sqlDelete(ctx, t.tx, ns, key)
}

func sqlGet(ctx context.Context, q sqlx.ExtContext, ns Namespace, key string) ([]byte, error) {
	var value []byte
	query := q.Rebind(`SELECT v FROM kv WHERE ns = ? AND k = ?`)
	err := sqlx.GetContext(ctx, q, &value, query, string(ns), []byte(key))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound(ns, key)
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", ns, err)
	}
	return value, nil
}

func sqlPut(ctx context.Context, q sqlx.ExtContext, ns Namespace, key string, value []byte) error {
	query := q.Rebind(`INSERT INTO kv (ns, k, v) VALUES (?, ?, ?)
ON CONFLICT (ns, k) DO UPDATE SET v = excluded.v`)
	if _, err := q.ExecContext(ctx, query, string(ns), []byte(key), cloneBytes(value)); err != nil {
		return fmt.Errorf("put %s: %w", ns, err)
	}
	return nil
}

func sqlDelete(ctx context.Context, q sqlx.ExtContext, ns Namespace, key string) error {
	query := q.Rebind(`DELETE FROM kv WHERE ns = ? AND k = ?`)
	res, err := q.ExecContext(ctx, query, string(ns), []byte(key))
	if err != nil {
		return fmt.Errorf("delete %s: %w", ns, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete %s: %w", ns, err)
	}
	if n == 0 {
		return notFound(ns, key)
	}
	return nil
}
