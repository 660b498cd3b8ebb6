package catalog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/reelgrab/reelgrab/internal/backend"

	// SQLite driver.
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS entities (
	id         TEXT PRIMARY KEY,
	kind       TEXT NOT NULL,
	name       TEXT NOT NULL COLLATE NOCASE,
	fields     TEXT NOT NULL DEFAULT '{}',
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	UNIQUE (kind, name)
);

CREATE TABLE IF NOT EXISTS titles (
	id          TEXT PRIMARY KEY,
	serial_code TEXT NOT NULL UNIQUE,
	name        TEXT NOT NULL,
	status      INTEGER NOT NULL,
	hash        TEXT NOT NULL DEFAULT '',
	size        INTEGER NOT NULL DEFAULT 0,
	created_at  INTEGER NOT NULL,
	updated_at  INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_titles_status ON titles (status);

CREATE TABLE IF NOT EXISTS title_entities (
	title_id  TEXT NOT NULL REFERENCES titles (id),
	entity_id TEXT NOT NULL REFERENCES entities (id),
	PRIMARY KEY (title_id, entity_id)
);

CREATE TABLE IF NOT EXISTS magnets (
	hash        TEXT PRIMARY KEY,
	serial_code TEXT NOT NULL,
	name        TEXT NOT NULL DEFAULT '',
	size        INTEGER NOT NULL DEFAULT 0,
	seeds       INTEGER NOT NULL DEFAULT 0,
	quality     REAL NOT NULL DEFAULT 0,
	created_at  INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_magnets_serial ON magnets (serial_code);

CREATE TABLE IF NOT EXISTS failures (
	id          TEXT PRIMARY KEY,
	serial_code TEXT NOT NULL,
	hash        TEXT NOT NULL,
	backend     TEXT NOT NULL DEFAULT '',
	reason      TEXT NOT NULL DEFAULT '',
	failed_at   INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_failures_serial ON failures (serial_code);
`

// SQLiteStore implements Store on a single SQLite database.
type SQLiteStore struct {
	db  *sql.DB
	log zerolog.Logger
}

// SQLiteOption customizes a SQLiteStore.
type SQLiteOption func(*SQLiteStore)

// WithStoreLogger sets the store logger.
func WithStoreLogger(log zerolog.Logger) SQLiteOption {
	return func(s *SQLiteStore) {
		s.log = log.With().Str("component", "catalog").Logger()
	}
}

// OpenSQLite opens (or creates) the catalog database at dsn and applies the
// schema. Use ":memory:" for tests.
func OpenSQLite(dsn string, opts ...SQLiteOption) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open catalog database: %w", err)
	}

	// One pooled connection avoids SQLITE_BUSY under concurrent writers and
	// keeps ":memory:" databases shared across callers.
	db.SetMaxOpenConns(1)

	ctx := context.Background()

	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode = WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply catalog schema: %w", err)
	}

	s := &SQLiteStore{
		db:  db,
		log: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func newID() string {
	return ulid.Make().String()
}

// isUniqueViolation detects a uniqueness constraint failure from the driver.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// --- EntityStore ---

// FindByName matches case-insensitively; the entities.name column carries
// NOCASE collation, so "Jane Doe" and "jane doe" resolve to one row.
func (s *SQLiteStore) FindByName(ctx context.Context, kind EntityKind, name string) (*Entity, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, kind, name, fields, created_at, updated_at
		 FROM entities WHERE kind = ? AND name = ?`, string(kind), name)
	return scanEntity(row)
}

func (s *SQLiteStore) Create(ctx context.Context, e *Entity) (*Entity, error) {
	fields, err := json.Marshal(orEmpty(e.Fields))
	if err != nil {
		return nil, fmt.Errorf("encode entity fields: %w", err)
	}

	now := time.Now()
	created := &Entity{
		ID:        newID(),
		Kind:      e.Kind,
		Name:      e.Name,
		Fields:    e.Fields,
		CreatedAt: now,
		UpdatedAt: now,
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO entities (id, kind, name, fields, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		created.ID, string(created.Kind), created.Name, string(fields), now.Unix(), now.Unix())
	if isUniqueViolation(err) {
		return nil, fmt.Errorf("%w: %s %q", ErrConflict, e.Kind, e.Name)
	}
	if err != nil {
		return nil, fmt.Errorf("insert entity: %w", err)
	}

	return created, nil
}

func (s *SQLiteStore) UpdateFields(ctx context.Context, id string, fields map[string]string) error {
	encoded, err := json.Marshal(orEmpty(fields))
	if err != nil {
		return fmt.Errorf("encode entity fields: %w", err)
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE entities SET fields = ?, updated_at = ? WHERE id = ?`,
		string(encoded), time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("update entity fields: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: entity %s", ErrNotFound, id)
	}
	return nil
}

func (s *SQLiteStore) AttachRelation(ctx context.Context, titleID, entityID string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO title_entities (title_id, entity_id) VALUES (?, ?)`,
		titleID, entityID)
	if err != nil {
		return fmt.Errorf("attach relation: %w", err)
	}
	return nil
}

func (s *SQLiteStore) RelatedEntities(ctx context.Context, titleID string) ([]*Entity, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT e.id, e.kind, e.name, e.fields, e.created_at, e.updated_at
		 FROM entities e
		 JOIN title_entities te ON te.entity_id = e.id
		 WHERE te.title_id = ?
		 ORDER BY e.kind, e.name`, titleID)
	if err != nil {
		return nil, fmt.Errorf("list related entities: %w", err)
	}
	defer rows.Close()

	var out []*Entity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// --- TitleStore ---

func (s *SQLiteStore) GetBySerial(ctx context.Context, serialCode string) (*Title, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, serial_code, name, status, hash, size, created_at, updated_at
		 FROM titles WHERE serial_code = ?`, serialCode)

	var (
		t                  Title
		status             int
		createdAt, updated int64
	)
	err := row.Scan(&t.ID, &t.SerialCode, &t.Name, &status, &t.Hash, &t.Size, &createdAt, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: title %s", ErrNotFound, serialCode)
	}
	if err != nil {
		return nil, fmt.Errorf("get title: %w", err)
	}

	t.Status = backend.DownloadStatus(status)
	t.CreatedAt = time.Unix(createdAt, 0)
	t.UpdatedAt = time.Unix(updated, 0)
	return &t, nil
}

func (s *SQLiteStore) CreateTitle(ctx context.Context, t *Title) (*Title, error) {
	now := time.Now()
	created := &Title{
		ID:         newID(),
		SerialCode: t.SerialCode,
		Name:       t.Name,
		Status:     t.Status,
		Hash:       t.Hash,
		Size:       t.Size,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO titles (id, serial_code, name, status, hash, size, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		created.ID, created.SerialCode, created.Name, int(created.Status),
		created.Hash, created.Size, now.Unix(), now.Unix())
	if isUniqueViolation(err) {
		return nil, fmt.Errorf("%w: title %q", ErrConflict, t.SerialCode)
	}
	if err != nil {
		return nil, fmt.Errorf("insert title: %w", err)
	}

	return created, nil
}

func (s *SQLiteStore) UpdateStatus(ctx context.Context, serialCode string, status backend.DownloadStatus, hash string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE titles SET status = ?, hash = ?, updated_at = ? WHERE serial_code = ?`,
		int(status), hash, time.Now().Unix(), serialCode)
	if err != nil {
		return fmt.Errorf("update title status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: title %s", ErrNotFound, serialCode)
	}

	s.log.Debug().
		Str("serial", serialCode).
		Stringer("status", status).
		Msg("title status updated")

	return nil
}

func (s *SQLiteStore) ListByStatus(ctx context.Context, statuses ...backend.DownloadStatus) ([]*Title, error) {
	if len(statuses) == 0 {
		return nil, nil
	}

	placeholders := strings.Repeat("?,", len(statuses))
	placeholders = placeholders[:len(placeholders)-1]

	args := make([]any, len(statuses))
	for i, st := range statuses {
		args[i] = int(st)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, serial_code, name, status, hash, size, created_at, updated_at
		 FROM titles WHERE status IN (`+placeholders+`) ORDER BY serial_code`, args...)
	if err != nil {
		return nil, fmt.Errorf("list titles by status: %w", err)
	}
	defer rows.Close()

	var out []*Title
	for rows.Next() {
		var (
			t                  Title
			status             int
			createdAt, updated int64
		)
		if err := rows.Scan(&t.ID, &t.SerialCode, &t.Name, &status, &t.Hash, &t.Size, &createdAt, &updated); err != nil {
			return nil, fmt.Errorf("scan title: %w", err)
		}
		t.Status = backend.DownloadStatus(status)
		t.CreatedAt = time.Unix(createdAt, 0)
		t.UpdatedAt = time.Unix(updated, 0)
		out = append(out, &t)
	}
	return out, rows.Err()
}

// --- MagnetStore ---

func (s *SQLiteStore) SaveMagnet(ctx context.Context, m *MagnetRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO magnets (hash, serial_code, name, size, seeds, quality, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (hash) DO UPDATE SET
			name = excluded.name,
			size = excluded.size,
			seeds = excluded.seeds`,
		m.Hash, m.SerialCode, m.Name, m.Size, m.Seeds, m.Quality, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("save magnet: %w", err)
	}
	return nil
}

func (s *SQLiteStore) MagnetsBySerial(ctx context.Context, serialCode string) ([]*MagnetRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT hash, serial_code, name, size, seeds, quality, created_at
		 FROM magnets WHERE serial_code = ? ORDER BY created_at, hash`, serialCode)
	if err != nil {
		return nil, fmt.Errorf("list magnets: %w", err)
	}
	defer rows.Close()

	var out []*MagnetRecord
	for rows.Next() {
		var (
			m         MagnetRecord
			createdAt int64
		)
		if err := rows.Scan(&m.Hash, &m.SerialCode, &m.Name, &m.Size, &m.Seeds, &m.Quality, &createdAt); err != nil {
			return nil, fmt.Errorf("scan magnet: %w", err)
		}
		m.CreatedAt = time.Unix(createdAt, 0)
		out = append(out, &m)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) SetQuality(ctx context.Context, hash string, quality float64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE magnets SET quality = ? WHERE hash = ?`, quality, hash)
	if err != nil {
		return fmt.Errorf("set magnet quality: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: magnet %s", ErrNotFound, hash)
	}
	return nil
}

// --- FailureStore ---

func (s *SQLiteStore) RecordFailure(ctx context.Context, f *Failure) error {
	failedAt := f.FailedAt
	if failedAt.IsZero() {
		failedAt = time.Now()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO failures (id, serial_code, hash, backend, reason, failed_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		newID(), f.SerialCode, f.Hash, f.Backend, f.Reason, failedAt.Unix())
	if err != nil {
		return fmt.Errorf("record failure: %w", err)
	}

	s.log.Info().
		Str("serial", f.SerialCode).
		Str("hash", f.Hash).
		Str("reason", f.Reason).
		Msg("download failure recorded")

	return nil
}

func (s *SQLiteStore) FailuresBySerial(ctx context.Context, serialCode string) ([]*Failure, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, serial_code, hash, backend, reason, failed_at
		 FROM failures WHERE serial_code = ? ORDER BY failed_at DESC, id DESC`, serialCode)
	if err != nil {
		return nil, fmt.Errorf("list failures: %w", err)
	}
	defer rows.Close()

	var out []*Failure
	for rows.Next() {
		var (
			f        Failure
			failedAt int64
		)
		if err := rows.Scan(&f.ID, &f.SerialCode, &f.Hash, &f.Backend, &f.Reason, &failedAt); err != nil {
			return nil, fmt.Errorf("scan failure: %w", err)
		}
		f.FailedAt = time.Unix(failedAt, 0)
		out = append(out, &f)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) FailedHashes(ctx context.Context, serialCode string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT hash FROM failures WHERE serial_code = ? AND hash != ''`, serialCode)
	if err != nil {
		return nil, fmt.Errorf("list failed hashes: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var hash string
		if err := rows.Scan(&hash); err != nil {
			return nil, fmt.Errorf("scan failed hash: %w", err)
		}
		out = append(out, hash)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntity(row rowScanner) (*Entity, error) {
	var (
		e                  Entity
		kind, fields       string
		createdAt, updated int64
	)
	err := row.Scan(&e.ID, &kind, &e.Name, &fields, &createdAt, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan entity: %w", err)
	}

	e.Kind = EntityKind(kind)
	e.CreatedAt = time.Unix(createdAt, 0)
	e.UpdatedAt = time.Unix(updated, 0)
	if err := json.Unmarshal([]byte(fields), &e.Fields); err != nil {
		return nil, fmt.Errorf("decode entity fields: %w", err)
	}
	return &e, nil
}

func orEmpty(fields map[string]string) map[string]string {
	if fields == nil {
		return map[string]string{}
	}
	return fields
}

var _ Store = (*SQLiteStore)(nil)
