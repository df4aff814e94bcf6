// Package docstore keeps world documents and per-user unlock sets in sqlite.
// Documents are stored as zstd-compressed JSON next to the few columns that
// are queried or compared (status, generation).
package docstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/klauspost/compress/zstd"
	_ "modernc.org/sqlite"

	"dreamhex.ai/internal/hex"
)

var (
	ErrNotFound        = errors.New("world not found")
	ErrStaleGeneration = errors.New("stale generation")
	ErrSlugExhausted   = errors.New("no free slug")
)

// AnyGeneration skips the generation check in Update.
const AnyGeneration int64 = -1

const maxSlugAttempts = 100

// Fixed-width so text columns sort chronologically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Notifier is told about every committed world write.
type Notifier interface {
	WorldChanged(w hex.World)
}

type Store struct {
	db  *sql.DB
	enc *zstd.Encoder
	dec *zstd.Decoder
	now func() time.Time

	// writeMu spans commit and notify so subscribers see writes in commit
	// order. Notifiers must not write back to the store.
	writeMu  sync.Mutex
	notifyMu sync.RWMutex
	notifier Notifier

	writes    atomic.Uint64
	conflicts atomic.Uint64
}

func Open(path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One connection serializes writers, which makes every read-modify-write
	// transaction below atomic.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		_ = enc.Close()
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db, enc: enc, dec: dec, now: time.Now}, nil
}

func initPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS worlds (
			slug TEXT PRIMARY KEY,
			owner_id TEXT NOT NULL,
			title TEXT NOT NULL,
			status TEXT NOT NULL,
			generation INTEGER NOT NULL,
			doc BLOB NOT NULL,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_worlds_status ON worlds(status, updated_at);`,
		`CREATE TABLE IF NOT EXISTS user_worlds (
			user_id TEXT NOT NULL,
			slug TEXT NOT NULL,
			added_at TEXT NOT NULL,
			PRIMARY KEY (user_id, slug)
		);`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) Close() error {
	s.dec.Close()
	_ = s.enc.Close()
	return s.db.Close()
}

// SetNotifier registers the change hook. Notifications run after commit on
// the writer's goroutine, one at a time, in commit order.
func (s *Store) SetNotifier(n Notifier) {
	s.notifyMu.Lock()
	s.notifier = n
	s.notifyMu.Unlock()
}

func (s *Store) notify(w hex.World) {
	s.notifyMu.RLock()
	n := s.notifier
	s.notifyMu.RUnlock()
	if n != nil {
		n.WorldChanged(w.Clone())
	}
}

func (s *Store) encode(w hex.World) ([]byte, error) {
	b, err := json.Marshal(w)
	if err != nil {
		return nil, err
	}
	return s.enc.EncodeAll(b, nil), nil
}

func (s *Store) decode(blob []byte) (hex.World, error) {
	var w hex.World
	b, err := s.dec.DecodeAll(blob, nil)
	if err != nil {
		return w, fmt.Errorf("decompress doc: %w", err)
	}
	if err := json.Unmarshal(b, &w); err != nil {
		return w, fmt.Errorf("decode doc: %w", err)
	}
	return w, nil
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Store) get(ctx context.Context, q querier, slug string) (hex.World, error) {
	var blob []byte
	err := q.QueryRowContext(ctx, `SELECT doc FROM worlds WHERE slug=?`, slug).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return hex.World{}, fmt.Errorf("%w: %s", ErrNotFound, slug)
	}
	if err != nil {
		return hex.World{}, err
	}
	return s.decode(blob)
}

func (s *Store) Get(ctx context.Context, slug string) (hex.World, error) {
	return s.get(ctx, s.db, slug)
}

// Create inserts a new world. When the slug is taken, -2, -3, ... are tried
// in turn; the stored world (with its final slug) is returned.
func (s *Store) Create(ctx context.Context, w hex.World) (hex.World, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	base := w.Slug
	now := s.now().UTC()
	w.CreatedAt, w.UpdatedAt = now, now

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return hex.World{}, err
	}
	defer tx.Rollback()

	placed := false
	for attempt := 1; attempt <= maxSlugAttempts; attempt++ {
		slug := hex.SlugCandidate(base, attempt)
		var one int
		err := tx.QueryRowContext(ctx, `SELECT 1 FROM worlds WHERE slug=?`, slug).Scan(&one)
		if errors.Is(err, sql.ErrNoRows) {
			w.Slug = slug
			placed = true
			break
		}
		if err != nil {
			return hex.World{}, err
		}
	}
	if !placed {
		return hex.World{}, fmt.Errorf("%w: %s", ErrSlugExhausted, base)
	}
	if err := s.insert(ctx, tx, w); err != nil {
		return hex.World{}, err
	}
	if err := tx.Commit(); err != nil {
		return hex.World{}, err
	}
	s.writes.Add(1)
	s.notify(w)
	return w, nil
}

func (s *Store) insert(ctx context.Context, tx *sql.Tx, w hex.World) error {
	blob, err := s.encode(w)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO worlds(slug,owner_id,title,status,generation,doc,created_at,updated_at) VALUES(?,?,?,?,?,?,?,?)`,
		w.Slug, w.OwnerID, w.Title, string(w.Status), w.Generation, blob,
		w.CreatedAt.Format(timeLayout), w.UpdatedAt.Format(timeLayout),
	)
	return err
}

// Put writes w unconditionally, creating it if absent. Seeding and admin
// repair use it; pipeline writes go through Update.
func (s *Store) Put(ctx context.Context, w hex.World) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	now := s.now().UTC()
	if w.CreatedAt.IsZero() {
		w.CreatedAt = now
	}
	w.UpdatedAt = now
	blob, err := s.encode(w)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO worlds(slug,owner_id,title,status,generation,doc,created_at,updated_at) VALUES(?,?,?,?,?,?,?,?)
		 ON CONFLICT(slug) DO UPDATE SET owner_id=excluded.owner_id, title=excluded.title, status=excluded.status,
		   generation=excluded.generation, doc=excluded.doc, updated_at=excluded.updated_at`,
		w.Slug, w.OwnerID, w.Title, string(w.Status), w.Generation, blob,
		w.CreatedAt.Format(timeLayout), w.UpdatedAt.Format(timeLayout),
	)
	if err != nil {
		return err
	}
	s.writes.Add(1)
	s.notify(w)
	return nil
}

// Update is the atomic read-modify-write every pipeline write goes through.
// If expectGen is not AnyGeneration and the stored generation differs, fn is
// not called and ErrStaleGeneration is returned. fn may return an error to
// abort without writing.
func (s *Store) Update(ctx context.Context, slug string, expectGen int64, fn func(w *hex.World) error) (hex.World, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return hex.World{}, err
	}
	defer tx.Rollback()

	w, err := s.get(ctx, tx, slug)
	if err != nil {
		return hex.World{}, err
	}
	if expectGen != AnyGeneration && w.Generation != expectGen {
		s.conflicts.Add(1)
		return hex.World{}, fmt.Errorf("%w: %s at %d, run holds %d", ErrStaleGeneration, slug, w.Generation, expectGen)
	}
	if err := fn(&w); err != nil {
		return hex.World{}, err
	}
	w.Slug = slug
	w.UpdatedAt = s.now().UTC()

	blob, err := s.encode(w)
	if err != nil {
		return hex.World{}, err
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE worlds SET owner_id=?, title=?, status=?, generation=?, doc=?, updated_at=? WHERE slug=?`,
		w.OwnerID, w.Title, string(w.Status), w.Generation, blob, w.UpdatedAt.Format(timeLayout), slug,
	)
	if err != nil {
		return hex.World{}, err
	}
	if err := tx.Commit(); err != nil {
		return hex.World{}, err
	}
	s.writes.Add(1)
	s.notify(w)
	return w, nil
}

// UpdateStation is Update narrowed to one station.
func (s *Store) UpdateStation(ctx context.Context, slug, stationID string, expectGen int64, fn func(st *hex.Station) error) (hex.World, error) {
	return s.Update(ctx, slug, expectGen, func(w *hex.World) error {
		i := w.StationByID(stationID)
		if i < 0 {
			return fmt.Errorf("%w: station %s in %s", ErrNotFound, stationID, slug)
		}
		return fn(&w.Stations[i])
	})
}

// Unlock adds slug to the user's set. Adding twice is a no-op.
func (s *Store) Unlock(ctx context.Context, userID, slug string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO user_worlds(user_id,slug,added_at) VALUES(?,?,?)`,
		userID, slug, s.now().UTC().Format(timeLayout),
	)
	return err
}

// Remove drops slug from the user's set; the world itself is kept.
func (s *Store) Remove(ctx context.Context, userID, slug string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM user_worlds WHERE user_id=? AND slug=?`, userID, slug)
	return err
}

// Unlocked returns the user's slugs in the order they were added.
func (s *Store) Unlocked(ctx context.Context, userID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT slug FROM user_worlds WHERE user_id=? ORDER BY added_at, rowid`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []string{}
	for rows.Next() {
		var slug string
		if err := rows.Scan(&slug); err != nil {
			return nil, err
		}
		out = append(out, slug)
	}
	return out, rows.Err()
}

// Row is the queryable projection of a world used by operator tooling.
type Row struct {
	Slug       string
	OwnerID    string
	Title      string
	Status     hex.Status
	Generation int64
	UpdatedAt  string
}

// ListRows returns worlds, most recently updated first. An empty status
// matches all.
func (s *Store) ListRows(ctx context.Context, status hex.Status, limit int) ([]Row, error) {
	if limit <= 0 {
		limit = 100
	}
	q := `SELECT slug,owner_id,title,status,generation,updated_at FROM worlds`
	args := []any{}
	if status != "" {
		q += ` WHERE status=?`
		args = append(args, string(status))
	}
	q += ` ORDER BY updated_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Row
	for rows.Next() {
		var r Row
		var st string
		if err := rows.Scan(&r.Slug, &r.OwnerID, &r.Title, &st, &r.Generation, &r.UpdatedAt); err != nil {
			return nil, err
		}
		r.Status = hex.Status(st)
		out = append(out, r)
	}
	return out, rows.Err()
}

// CountByStatus feeds the metrics endpoint.
func (s *Store) CountByStatus(ctx context.Context) (map[hex.Status]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM worlds GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[hex.Status]int{}
	for rows.Next() {
		var st string
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, err
		}
		out[hex.Status(st)] = n
	}
	return out, rows.Err()
}

type Stats struct {
	Writes    uint64
	Conflicts uint64
}

func (s *Store) Stats() Stats {
	return Stats{Writes: s.writes.Load(), Conflicts: s.conflicts.Load()}
}
