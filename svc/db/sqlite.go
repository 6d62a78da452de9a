package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"sync/atomic"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"

	"stashbin/pkg/domain"
)

var (
	ErrCircuitOpen = errors.New("database circuit breaker open")
	// ErrSlugConflict means the unique slug constraint fired on insert. With a
	// monotonic counter feeding the codec this cannot happen unless the
	// counter itself is broken, so callers treat it as an integrity fault.
	ErrSlugConflict = errors.New("slug already exists")
)

const (
	circuitClosed   = 0
	circuitOpen     = 1
	circuitHalfOpen = 2
	maxFailures     = 5
	cooldownSeconds = 30
)

const (
	defaultMaxOpenConns = 100
	defaultMaxIdleConns = 10
	defaultQueryTimeout = 5 * time.Second

	pasteIDCounter = "paste_id"
)

// SQLite is the durable source of truth for pastes. It also backs the id
// counter: allocation is a single UPDATE..RETURNING so concurrent callers can
// never observe the same value.
type SQLite struct {
	db            *sql.DB
	failures      int32
	circuitState  int32
	circuitOpened int64
	queryTimeout  time.Duration
}

func (s *SQLite) DB() *sql.DB {
	return s.db
}

func NewSQLite(path string) (*SQLite, error) {
	return NewSQLiteWithConfig(path, defaultMaxOpenConns, defaultMaxIdleConns, defaultQueryTimeout)
}

func NewSQLiteWithConfig(path string, maxOpenConns, maxIdleConns int, queryTimeout time.Duration) (*SQLite, error) {
	sdb, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open db")
	}
	sdb.SetMaxOpenConns(maxOpenConns)
	sdb.SetMaxIdleConns(maxIdleConns)
	sdb.SetConnMaxLifetime(1 * time.Hour)
	sdb.SetConnMaxIdleTime(10 * time.Minute)
	if err := sdb.Ping(); err != nil {
		return nil, errors.Wrap(err, "failed to ping db")
	}
	s := &SQLite{
		db:           sdb,
		queryTimeout: queryTimeout,
	}
	if err := s.migrate(); err != nil {
		return nil, errors.Wrap(err, "migration failed")
	}
	return s, nil
}

func (s *SQLite) migrate() error {
	if _, err := s.db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return errors.Wrap(err, "enable WAL mode")
	}
	if _, err := s.db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		return errors.Wrap(err, "set busy timeout")
	}
	if _, err := s.db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		return errors.Wrap(err, "enable foreign keys")
	}
	query := `
	CREATE TABLE IF NOT EXISTS pastes (
		id INTEGER PRIMARY KEY,
		slug TEXT NOT NULL UNIQUE,
		content TEXT NOT NULL,
		language TEXT NOT NULL,
		owner_id TEXT,
		ip_hash TEXT,
		created_at DATETIME NOT NULL,
		expires_at DATETIME,
		view_count INTEGER NOT NULL DEFAULT 0,
		last_viewed_at DATETIME,
		metadata TEXT,
		CHECK (owner_id IS NOT NULL OR expires_at IS NOT NULL)
	);
	CREATE INDEX IF NOT EXISTS idx_pastes_expires_at ON pastes(expires_at);
	CREATE TABLE IF NOT EXISTS counters (
		name TEXT PRIMARY KEY,
		value INTEGER NOT NULL
	);
	INSERT OR IGNORE INTO counters (name, value) VALUES ('` + pasteIDCounter + `', 0);
	`
	_, err := s.db.Exec(query)
	return err
}

func (s *SQLite) checkCircuit() error {
	state := atomic.LoadInt32(&s.circuitState)
	switch state {
	case circuitClosed:
		return nil
	case circuitOpen:
		opened := atomic.LoadInt64(&s.circuitOpened)
		if time.Now().Unix()-opened >= cooldownSeconds {
			if atomic.CompareAndSwapInt32(&s.circuitState, circuitOpen, circuitHalfOpen) {
				return nil
			}
		}
		return ErrCircuitOpen
	case circuitHalfOpen:
		return nil
	default:
		return nil
	}
}

func (s *SQLite) recordError(err error) {
	if err == nil {
		atomic.StoreInt32(&s.failures, 0)
		atomic.StoreInt32(&s.circuitState, circuitClosed)
		return
	}
	if errors.Is(err, sql.ErrNoRows) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) {
		return
	}
	failures := atomic.AddInt32(&s.failures, 1)
	if atomic.LoadInt32(&s.circuitState) == circuitHalfOpen {
		atomic.StoreInt32(&s.circuitState, circuitOpen)
		atomic.StoreInt64(&s.circuitOpened, time.Now().Unix())
		atomic.StoreInt32(&s.failures, 0)
		return
	}
	if failures >= maxFailures && atomic.LoadInt32(&s.circuitState) == circuitClosed {
		atomic.StoreInt32(&s.circuitState, circuitOpen)
		atomic.StoreInt64(&s.circuitOpened, time.Now().Unix())
	}
}

// NextID atomically allocates the next paste id. There is no fallback: if the
// counter cannot be advanced the create must fail, because a row without a
// slug is unreachable.
func (s *SQLite) NextID(ctx context.Context) (int64, error) {
	if err := s.checkCircuit(); err != nil {
		return 0, err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	var id int64
	err := s.db.QueryRowContext(queryCtx,
		`UPDATE counters SET value = value + 1 WHERE name = ? RETURNING value`,
		pasteIDCounter,
	).Scan(&id)
	s.recordError(err)
	if err != nil {
		return 0, errors.Wrap(err, "next id")
	}
	return id, nil
}

func (s *SQLite) Insert(ctx context.Context, p *domain.Paste) error {
	if err := s.checkCircuit(); err != nil {
		return err
	}
	if p.OwnerID == "" && p.ExpiresAt == nil {
		// Defense in depth; the orchestrator rejects this before allocating an id.
		return errors.New("anonymous paste must have an expiry")
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	meta, err := marshalMetadata(p.Metadata)
	if err != nil {
		return err
	}
	q := `
	INSERT INTO pastes (id, slug, content, language, owner_id, ip_hash, created_at, expires_at, metadata)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = s.db.ExecContext(queryCtx, q,
		p.ID, p.Slug, p.Content, p.Language,
		nullString(p.OwnerID), p.ClientIPHash,
		p.CreatedAt, nullTime(p.ExpiresAt), meta,
	)
	if err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return ErrSlugConflict
	}
	s.recordError(err)
	return errors.Wrap(err, "insert paste")
}

func (s *SQLite) GetBySlug(ctx context.Context, slug string) (*domain.Paste, error) {
	if err := s.checkCircuit(); err != nil {
		return nil, err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	q := `
	SELECT id, slug, content, language, owner_id, ip_hash, created_at, expires_at, view_count, last_viewed_at, metadata
	FROM pastes WHERE slug = ?
	`
	var (
		p          domain.Paste
		ownerID    sql.NullString
		expiresAt  sql.NullTime
		lastViewed sql.NullTime
		meta       sql.NullString
	)
	err := s.db.QueryRowContext(queryCtx, q, slug).Scan(
		&p.ID, &p.Slug, &p.Content, &p.Language, &ownerID, &p.ClientIPHash,
		&p.CreatedAt, &expiresAt, &p.Views, &lastViewed, &meta,
	)
	if err == sql.ErrNoRows {
		return nil, domain.ErrPasteNotFound
	}
	s.recordError(err)
	if err != nil {
		return nil, errors.Wrap(err, "get paste")
	}
	p.OwnerID = ownerID.String
	if expiresAt.Valid {
		t := expiresAt.Time
		p.ExpiresAt = &t
	}
	if lastViewed.Valid {
		t := lastViewed.Time
		p.LastViewedAt = &t
	}
	if meta.Valid && meta.String != "" {
		if err := json.Unmarshal([]byte(meta.String), &p.Metadata); err != nil {
			return nil, errors.Wrap(err, "decode metadata")
		}
	}
	return &p, nil
}

// IncrViews bumps the view counter in a single UPDATE expression so
// concurrent viewers never lose increments.
func (s *SQLite) IncrViews(ctx context.Context, id int64) error {
	if err := s.checkCircuit(); err != nil {
		return err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	q := `UPDATE pastes SET view_count = view_count + 1, last_viewed_at = ? WHERE id = ?`
	_, err := s.db.ExecContext(queryCtx, q, time.Now().UTC(), id)
	s.recordError(err)
	return errors.Wrap(err, "incr views")
}

// DeleteExpired sweeps expired rows in bounded batches so a large backlog
// never holds the write lock for long.
func (s *SQLite) DeleteExpired(ctx context.Context) (int, error) {
	if err := s.checkCircuit(); err != nil {
		return 0, err
	}
	totalDeleted := 0
	maxIterations := 10000
	for i := 0; i < maxIterations; i++ {
		select {
		case <-ctx.Done():
			return totalDeleted, ctx.Err()
		default:
		}
		queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
		result, err := s.db.ExecContext(queryCtx, `
			DELETE FROM pastes
			WHERE id IN (
				SELECT id FROM pastes
				WHERE expires_at IS NOT NULL AND expires_at < ?
				LIMIT 100
			)
		`, time.Now().UTC())
		cancel()
		s.recordError(err)
		if err != nil {
			return totalDeleted, errors.Wrap(err, "sweep batch failed")
		}
		deleted, _ := result.RowsAffected()
		totalDeleted += int(deleted)
		if deleted == 0 {
			break
		}
		select {
		case <-ctx.Done():
			return totalDeleted, ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}
	}
	return totalDeleted, nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

func marshalMetadata(m map[string]interface{}) (sql.NullString, error) {
	if len(m) == 0 {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return sql.NullString{}, errors.Wrap(err, "encode metadata")
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
