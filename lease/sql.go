package lease

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

const leaseSchema = `CREATE TABLE IF NOT EXISTS leases (
	name       TEXT   NOT NULL PRIMARY KEY,
	owner      TEXT   NOT NULL,
	expires_at BIGINT NOT NULL
)`

// SQLLocker keeps leases in a table next to the spool. Expiry is compared in
// unix milliseconds so sqlite and postgres behave the same.
type SQLLocker struct {
	db  *sqlx.DB
	now func() time.Time
}

func NewSQLLocker(ctx context.Context, db *sqlx.DB) (*SQLLocker, error) {
	if _, err := db.ExecContext(ctx, leaseSchema); err != nil {
		return nil, fmt.Errorf("ensure lease schema: %w", err)
	}
	return &SQLLocker{db: db, now: time.Now}, nil
}

func (s *SQLLocker) TryAcquire(ctx context.Context, name, owner string, ttl time.Duration) (bool, error) {
	now := s.now()
	query := s.db.Rebind(`INSERT INTO leases (name, owner, expires_at) VALUES (?, ?, ?)
ON CONFLICT (name) DO UPDATE SET owner = excluded.owner, expires_at = excluded.expires_at
WHERE leases.owner = excluded.owner OR leases.expires_at <= ?`)
	res, err := s.db.ExecContext(ctx, query, name, owner, now.Add(ttl).UnixMilli(), now.UnixMilli())
	if err != nil {
		return false, fmt.Errorf("lease upsert: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("lease upsert: %w", err)
	}
	return n == 1, nil
}

func (s *SQLLocker) Renew(ctx context.Context, name, owner string, ttl time.Duration) error {
	now := s.now()
	query := s.db.Rebind(`UPDATE leases SET expires_at = ? WHERE name = ? AND owner = ? AND expires_at > ?`)
	res, err := s.db.ExecContext(ctx, query, now.Add(ttl).UnixMilli(), name, owner, now.UnixMilli())
	if err != nil {
		return fmt.Errorf("lease renew: %w", err)
	}
	return requireOneRow(res)
}

func (s *SQLLocker) Release(ctx context.Context, name, owner string) error {
	query := s.db.Rebind(`DELETE FROM leases WHERE name = ? AND owner = ?`)
	res, err := s.db.ExecContext(ctx, query, name, owner)
	if err != nil {
		return fmt.Errorf("lease release: %w", err)
	}
	return requireOneRow(res)
}

func requireOneRow(res interface{ RowsAffected() (int64, error) }) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotHeld
	}
	return nil
}

// OpenSQLiteFile opens a standalone lease database at path. It serves the
// backends that have no shared database of their own.
func OpenSQLiteFile(ctx context.Context, path string) (*SQLLocker, func() error, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, nil, fmt.Errorf("create lease directory: %w", err)
	}
	db, err := sqlx.Open("sqlite", "file:"+path+"?_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, nil, fmt.Errorf("open lease db: %w", err)
	}
	locker, err := NewSQLLocker(ctx, db)
	if err != nil {
		db.Close()
		return nil, nil, err
	}
	return locker, db.Close, nil
}
