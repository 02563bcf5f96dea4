// Package sqlite implements conductor.VectorStore using pure-Go SQLite
// with in-process brute-force vector search. Zero CGO required.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/nevindra/conductor"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// StoreOption configures a SQLite Store.
type StoreOption func(*Store)

// WithLogger sets a structured logger for the store.
// When set, the store emits debug logs for operations including timing and
// row counts. If not set, no logs are emitted.
func WithLogger(l *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = l }
}

// WithClock overrides the clock used for expiry decisions and the sweep.
// Tests use this to age entries without sleeping.
func WithClock(now func() time.Time) StoreOption {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// WithSweepInterval sets how often the background sweep deletes expired
// memory rows. Expired rows are invisible to reads regardless; the sweep
// only reclaims space. Zero disables the sweep.
func WithSweepInterval(d time.Duration) StoreOption {
	return func(s *Store) { s.sweepEvery = d }
}

// Store implements conductor.VectorStore backed by a local SQLite file.
// Embeddings are stored as JSON text and vector search is done in-process
// using brute-force cosine similarity. Expiry is enforced at read time by a
// WHERE clause; a background sweep deletes expired rows.
type Store struct {
	db         *sql.DB
	logger     *slog.Logger
	now        func() time.Time
	sweepEvery time.Duration
	sweepStop  chan struct{}
}

var _ conductor.VectorStore = (*Store)(nil)

// nopLogger is a logger that discards all output.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// New creates a Store using a local SQLite file at dbPath.
// It opens a single shared connection pool with SetMaxOpenConns(1) so that
// all goroutines serialize through one connection, eliminating SQLITE_BUSY
// errors caused by concurrent writers opening independent connections.
func New(dbPath string, opts ...StoreOption) *Store {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		// sql.Open only fails when the driver is not registered; with the
		// blank import above that never happens.
		panic(fmt.Sprintf("sqlite: open driver: %v", err))
	}
	db.SetMaxOpenConns(1)
	s := &Store{
		db:         db,
		logger:     nopLogger,
		now:        time.Now,
		sweepEvery: time.Minute,
		sweepStop:  make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	s.logger.Debug("sqlite: store opened", "path", dbPath)
	return s
}

// Init creates the providers and memories tables and starts the expiry
// sweep. Safe to call repeatedly.
func (s *Store) Init(ctx context.Context) error {
	tables := []string{
		`CREATE TABLE IF NOT EXISTS providers (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			description TEXT NOT NULL,
			desc_hash TEXT NOT NULL,
			embedding TEXT,
			capabilities TEXT,
			command TEXT,
			args TEXT,
			registered_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS memories (
			id TEXT PRIMARY KEY,
			text TEXT NOT NULL,
			category TEXT NOT NULL,
			embedding TEXT,
			is_temporary INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL,
			expires_at INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_memories_expires ON memories(expires_at) WHERE expires_at > 0`,
	}
	for _, ddl := range tables {
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("sqlite: create table: %w", err)
		}
	}

	if s.sweepEvery > 0 {
		go s.sweepLoop()
	}
	return nil
}

// sweepLoop periodically deletes expired memory rows. Reads already filter
// them out, so the sweep runs on a relaxed schedule.
func (s *Store) sweepLoop() {
	ticker := time.NewTicker(s.sweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-s.sweepStop:
			return
		case <-ticker.C:
			n, err := s.Sweep(context.Background())
			if err != nil {
				s.logger.Warn("sqlite: sweep failed", "error", err)
			} else if n > 0 {
				s.logger.Debug("sqlite: sweep reclaimed rows", "count", n)
			}
		}
	}
}

// Sweep deletes expired memory rows immediately and reports how many were
// removed. The background loop calls this; tests call it directly.
func (s *Store) Sweep(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM memories WHERE expires_at > 0 AND expires_at <= ?`, s.now().Unix())
	if err != nil {
		return 0, fmt.Errorf("sqlite: sweep: %w", err)
	}
	return res.RowsAffected()
}

// Close stops the sweep and closes the database.
func (s *Store) Close() error {
	select {
	case <-s.sweepStop:
	default:
		close(s.sweepStop)
	}
	return s.db.Close()
}

// --- providers ---

// UpsertProvider stores or replaces a provider descriptor.
func (s *Store) UpsertProvider(ctx context.Context, desc conductor.ProviderDescriptor) error {
	emb, err := json.Marshal(desc.Embedding)
	if err != nil {
		return fmt.Errorf("sqlite: marshal embedding: %w", err)
	}
	caps, err := json.Marshal(desc.Capabilities)
	if err != nil {
		return fmt.Errorf("sqlite: marshal capabilities: %w", err)
	}
	args, err := json.Marshal(desc.Args)
	if err != nil {
		return fmt.Errorf("sqlite: marshal args: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO providers (id, name, description, desc_hash, embedding, capabilities, command, args, registered_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			description = excluded.description,
			desc_hash = excluded.desc_hash,
			embedding = excluded.embedding,
			capabilities = excluded.capabilities,
			command = excluded.command,
			args = excluded.args`,
		desc.ID, desc.Name, desc.Description, desc.DescHash,
		string(emb), string(caps), desc.Command, string(args), desc.RegisteredAt)
	if err != nil {
		return fmt.Errorf("sqlite: upsert provider: %w", err)
	}
	return nil
}

// GetProvider returns a descriptor by ID.
func (s *Store) GetProvider(ctx context.Context, id string) (conductor.ProviderDescriptor, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, description, desc_hash, embedding, capabilities, command, args, registered_at
		FROM providers WHERE id = ?`, id)
	desc, err := scanProvider(row)
	if errors.Is(err, sql.ErrNoRows) {
		return conductor.ProviderDescriptor{}, fmt.Errorf("sqlite: provider %q not found", id)
	}
	return desc, err
}

// ListProviders returns all descriptors in registration order.
func (s *Store) ListProviders(ctx context.Context) ([]conductor.ProviderDescriptor, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, description, desc_hash, embedding, capabilities, command, args, registered_at
		FROM providers ORDER BY registered_at ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list providers: %w", err)
	}
	defer rows.Close()

	var out []conductor.ProviderDescriptor
	for rows.Next() {
		desc, err := scanProvider(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, desc)
	}
	return out, rows.Err()
}

// DeleteProvider removes a descriptor.
func (s *Store) DeleteProvider(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM providers WHERE id = ?`, id); err != nil {
		return fmt.Errorf("sqlite: delete provider: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProvider(row rowScanner) (conductor.ProviderDescriptor, error) {
	var desc conductor.ProviderDescriptor
	var emb, caps, args string
	if err := row.Scan(&desc.ID, &desc.Name, &desc.Description, &desc.DescHash,
		&emb, &caps, &desc.Command, &args, &desc.RegisteredAt); err != nil {
		return desc, err
	}
	if emb != "" {
		if err := json.Unmarshal([]byte(emb), &desc.Embedding); err != nil {
			return desc, fmt.Errorf("sqlite: decode embedding: %w", err)
		}
	}
	if caps != "" {
		if err := json.Unmarshal([]byte(caps), &desc.Capabilities); err != nil {
			return desc, fmt.Errorf("sqlite: decode capabilities: %w", err)
		}
	}
	if args != "" {
		if err := json.Unmarshal([]byte(args), &desc.Args); err != nil {
			return desc, fmt.Errorf("sqlite: decode args: %w", err)
		}
	}
	return desc, nil
}

// --- memories ---

// UpsertMemory stores a memory entry.
func (s *Store) UpsertMemory(ctx context.Context, entry conductor.MemoryEntry) error {
	emb, err := json.Marshal(entry.Embedding)
	if err != nil {
		return fmt.Errorf("sqlite: marshal embedding: %w", err)
	}
	temp := 0
	if entry.Temporary {
		temp = 1
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO memories (id, text, category, embedding, is_temporary, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			text = excluded.text,
			category = excluded.category,
			embedding = excluded.embedding,
			is_temporary = excluded.is_temporary,
			expires_at = excluded.expires_at`,
		entry.ID, entry.Text, entry.Category, string(emb), temp, entry.CreatedAt, entry.ExpiresAt)
	if err != nil {
		return fmt.Errorf("sqlite: upsert memory: %w", err)
	}
	return nil
}

// notExpired is the read-time expiry filter shared by all memory reads.
const notExpired = `(expires_at = 0 OR expires_at > ?)`

// ListMemories returns observable entries, newest first.
func (s *Store) ListMemories(ctx context.Context, f conductor.Filter) ([]conductor.MemoryEntry, error) {
	query := `SELECT id, text, category, embedding, is_temporary, created_at, expires_at
		FROM memories WHERE ` + notExpired
	args := []any{s.now().Unix()}
	query, args = applyFilter(query, args, f)
	query += ` ORDER BY created_at DESC, id DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list memories: %w", err)
	}
	defer rows.Close()
	return scanMemories(rows)
}

// GetMemories returns the observable entries among the given IDs. Missing
// or expired IDs are silently omitted. Caller order is preserved.
func (s *Store) GetMemories(ctx context.Context, ids []string) ([]conductor.MemoryEntry, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, 0, len(ids)+1)
	for _, id := range ids {
		args = append(args, id)
	}
	args = append(args, s.now().Unix())

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, text, category, embedding, is_temporary, created_at, expires_at
		FROM memories WHERE id IN (`+placeholders+`) AND `+notExpired, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: get memories: %w", err)
	}
	defer rows.Close()

	entries, err := scanMemories(rows)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]conductor.MemoryEntry, len(entries))
	for _, e := range entries {
		byID[e.ID] = e
	}
	out := make([]conductor.MemoryEntry, 0, len(entries))
	for _, id := range ids {
		if e, ok := byID[id]; ok {
			out = append(out, e)
		}
	}
	return out, nil
}

// DeleteMemory removes a single entry by ID.
func (s *Store) DeleteMemory(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM memories WHERE id = ?`, id); err != nil {
		return fmt.Errorf("sqlite: delete memory: %w", err)
	}
	return nil
}

// DeleteAllMemories removes every entry and returns the count.
func (s *Store) DeleteAllMemories(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM memories`)
	if err != nil {
		return 0, fmt.Errorf("sqlite: delete all memories: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func applyFilter(query string, args []any, f conductor.Filter) (string, []any) {
	if f.Category != "" {
		query += ` AND category = ?`
		args = append(args, f.Category)
	}
	if f.Temporary != nil {
		query += ` AND is_temporary = ?`
		if *f.Temporary {
			args = append(args, 1)
		} else {
			args = append(args, 0)
		}
	}
	return query, args
}

func scanMemories(rows *sql.Rows) ([]conductor.MemoryEntry, error) {
	var out []conductor.MemoryEntry
	for rows.Next() {
		var e conductor.MemoryEntry
		var emb string
		var temp int
		if err := rows.Scan(&e.ID, &e.Text, &e.Category, &emb, &temp, &e.CreatedAt, &e.ExpiresAt); err != nil {
			return nil, fmt.Errorf("sqlite: scan memory: %w", err)
		}
		e.Temporary = temp == 1
		if emb != "" {
			if err := json.Unmarshal([]byte(emb), &e.Embedding); err != nil {
				return nil, fmt.Errorf("sqlite: decode embedding: %w", err)
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// --- similarity search ---

// Query performs brute-force cosine similarity over a collection.
// numCandidates is accepted for interface parity; brute force already
// considers every row.
func (s *Store) Query(ctx context.Context, collection string, vector []float32, topK, numCandidates int, f conductor.Filter) ([]conductor.Match, error) {
	if topK <= 0 {
		return nil, nil
	}
	start := time.Now()

	var (
		rows *sql.Rows
		err  error
	)
	switch collection {
	case conductor.CollectionProviders:
		rows, err = s.db.QueryContext(ctx, `SELECT id, embedding FROM providers`)
	case conductor.CollectionMemories:
		query := `SELECT id, embedding FROM memories WHERE ` + notExpired
		args := []any{s.now().Unix()}
		query, args = applyFilter(query, args, f)
		rows, err = s.db.QueryContext(ctx, query, args...)
	default:
		return nil, fmt.Errorf("sqlite: unknown collection %q", collection)
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: query %s: %w", collection, err)
	}
	defer rows.Close()

	var matches []conductor.Match
	for rows.Next() {
		var id, emb string
		if err := rows.Scan(&id, &emb); err != nil {
			return nil, fmt.Errorf("sqlite: scan row: %w", err)
		}
		if emb == "" {
			continue
		}
		var stored []float32
		if err := json.Unmarshal([]byte(emb), &stored); err != nil {
			continue
		}
		matches = append(matches, conductor.Match{ID: id, Score: cosineSimilarity(vector, stored)})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.SliceStable(matches, func(i, j int) bool { return matches[i].Score > matches[j].Score })
	if len(matches) > topK {
		matches = matches[:topK]
	}

	s.logger.Debug("sqlite: similarity query",
		"collection", collection, "top_k", topK, "results", len(matches),
		"elapsed", time.Since(start))
	return matches, nil
}

func cosineSimilarity(a, b []float32) float32 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	denom := math.Sqrt(normA) * math.Sqrt(normB)
	if denom == 0 {
		return 0
	}
	return float32(dot / denom)
}
