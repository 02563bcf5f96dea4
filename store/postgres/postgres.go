// Package postgres implements conductor.VectorStore using PostgreSQL with
// pgvector for native vector similarity search.
//
// The Store accepts an externally-owned *pgxpool.Pool via constructor
// injection. The caller creates and closes the pool.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nevindra/conductor"
)

// Store implements conductor.VectorStore backed by PostgreSQL with
// pgvector. Vector search uses HNSW indexes with cosine distance. Expiry is
// enforced at read time by a WHERE clause; a background sweep deletes
// expired rows.
type Store struct {
	pool       *pgxpool.Pool
	cfg        pgConfig
	now        func() time.Time
	logger     *slog.Logger
	sweepEvery time.Duration
	sweepStop  chan struct{}
}

// pgConfig holds store configuration set via Option functions.
type pgConfig struct {
	embeddingDimension int // 0 = untyped vector
	hnswM              int // 0 = pgvector default (16)
	hnswEFConstruction int // 0 = pgvector default (64)
}

// Option configures a PostgreSQL Store.
type Option func(*Store)

// WithEmbeddingDimension sets the vector column dimension (e.g. 1536, 768).
// When set, CREATE TABLE uses vector(N) instead of untyped vector, enabling
// better index optimization and catching dimension mismatches at insert
// time. Only affects new table creation (no ALTER on existing tables).
func WithEmbeddingDimension(dim int) Option {
	return func(s *Store) { s.cfg.embeddingDimension = dim }
}

// WithHNSWM sets the HNSW m parameter (max connections per node).
// Higher values improve recall at the cost of memory. Default: pgvector's
// 16. Only affects index creation (CREATE INDEX IF NOT EXISTS).
func WithHNSWM(m int) Option {
	return func(s *Store) { s.cfg.hnswM = m }
}

// WithEFConstruction sets the HNSW ef_construction parameter (build-time
// candidate list size). Higher values improve index quality at the cost of
// slower builds. Default: pgvector's 64.
func WithEFConstruction(ef int) Option {
	return func(s *Store) { s.cfg.hnswEFConstruction = ef }
}

// WithClock overrides the clock used for expiry decisions and the sweep.
// Tests use this to age entries without sleeping.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// WithLogger sets a structured logger for the store.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithSweepInterval sets how often the background sweep deletes expired
// memory rows. Expired rows are invisible to reads regardless; the sweep
// only reclaims space. Zero disables the sweep.
func WithSweepInterval(d time.Duration) Option {
	return func(s *Store) { s.sweepEvery = d }
}

var _ conductor.VectorStore = (*Store)(nil)

// New creates a Store using an existing pgxpool.Pool.
// The caller owns the pool and is responsible for closing it.
func New(pool *pgxpool.Pool, opts ...Option) *Store {
	s := &Store{
		pool:       pool,
		now:        time.Now,
		logger:     nopLogger,
		sweepEvery: time.Minute,
		sweepStop:  make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// nopLogger is a logger that discards all output.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

func (s *Store) vectorType() string {
	if s.cfg.embeddingDimension > 0 {
		return fmt.Sprintf("vector(%d)", s.cfg.embeddingDimension)
	}
	return "vector"
}

func (s *Store) hnswWithClause() string {
	var parts []string
	if s.cfg.hnswM > 0 {
		parts = append(parts, fmt.Sprintf("m = %d", s.cfg.hnswM))
	}
	if s.cfg.hnswEFConstruction > 0 {
		parts = append(parts, fmt.Sprintf("ef_construction = %d", s.cfg.hnswEFConstruction))
	}
	if len(parts) == 0 {
		return ""
	}
	return " WITH (" + strings.Join(parts, ", ") + ")"
}

// Init creates the pgvector extension, both tables, and indexes.
// Safe to call multiple times (all statements are idempotent).
func (s *Store) Init(ctx context.Context) error {
	vtype := s.vectorType()
	hnswWith := s.hnswWithClause()

	stmts := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS providers (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			description TEXT NOT NULL,
			desc_hash TEXT NOT NULL,
			embedding %s,
			capabilities JSONB,
			command TEXT NOT NULL DEFAULT '',
			args JSONB,
			registered_at BIGINT NOT NULL
		)`, vtype),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS providers_embedding_idx
			ON providers USING hnsw (embedding vector_cosine_ops)%s`, hnswWith),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS memories (
			id TEXT PRIMARY KEY,
			text TEXT NOT NULL,
			category TEXT NOT NULL,
			embedding %s,
			is_temporary BOOLEAN NOT NULL DEFAULT FALSE,
			created_at BIGINT NOT NULL,
			expires_at BIGINT NOT NULL DEFAULT 0
		)`, vtype),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS memories_embedding_idx
			ON memories USING hnsw (embedding vector_cosine_ops)%s`, hnswWith),
		`CREATE INDEX IF NOT EXISTS memories_expires_idx
			ON memories (expires_at) WHERE expires_at > 0`,
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres: init: %w", err)
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
				s.logger.Warn("postgres: sweep failed", "error", err)
			} else if n > 0 {
				s.logger.Debug("postgres: sweep reclaimed rows", "count", n)
			}
		}
	}
}

// Sweep deletes expired memory rows immediately and reports how many were
// removed. The background loop calls this; tests call it directly.
func (s *Store) Sweep(ctx context.Context) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM memories WHERE expires_at > 0 AND expires_at <= $1`, s.now().Unix())
	if err != nil {
		return 0, fmt.Errorf("postgres: sweep: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Close stops the sweep; the pool is externally owned and stays open.
func (s *Store) Close() error {
	select {
	case <-s.sweepStop:
	default:
		close(s.sweepStop)
	}
	return nil
}

// --- providers ---

// UpsertProvider stores or replaces a provider descriptor.
func (s *Store) UpsertProvider(ctx context.Context, desc conductor.ProviderDescriptor) error {
	caps, err := json.Marshal(desc.Capabilities)
	if err != nil {
		return fmt.Errorf("postgres: marshal capabilities: %w", err)
	}
	args, err := json.Marshal(desc.Args)
	if err != nil {
		return fmt.Errorf("postgres: marshal args: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO providers (id, name, description, desc_hash, embedding, capabilities, command, args, registered_at)
		VALUES ($1, $2, $3, $4, $5::vector, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			description = EXCLUDED.description,
			desc_hash = EXCLUDED.desc_hash,
			embedding = EXCLUDED.embedding,
			capabilities = EXCLUDED.capabilities,
			command = EXCLUDED.command,
			args = EXCLUDED.args`,
		desc.ID, desc.Name, desc.Description, desc.DescHash,
		serializeEmbedding(desc.Embedding), string(caps), desc.Command, string(args), desc.RegisteredAt)
	if err != nil {
		return fmt.Errorf("postgres: upsert provider: %w", err)
	}
	return nil
}

// GetProvider returns a descriptor by ID.
func (s *Store) GetProvider(ctx context.Context, id string) (conductor.ProviderDescriptor, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, name, description, desc_hash, embedding::text, capabilities, command, args, registered_at
		FROM providers WHERE id = $1`, id)
	desc, err := scanProvider(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return conductor.ProviderDescriptor{}, fmt.Errorf("postgres: provider %q not found", id)
	}
	return desc, err
}

// ListProviders returns all descriptors in registration order.
func (s *Store) ListProviders(ctx context.Context) ([]conductor.ProviderDescriptor, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, name, description, desc_hash, embedding::text, capabilities, command, args, registered_at
		FROM providers ORDER BY registered_at ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list providers: %w", err)
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
	if _, err := s.pool.Exec(ctx, `DELETE FROM providers WHERE id = $1`, id); err != nil {
		return fmt.Errorf("postgres: delete provider: %w", err)
	}
	return nil
}

func scanProvider(row pgx.Row) (conductor.ProviderDescriptor, error) {
	var desc conductor.ProviderDescriptor
	var emb, caps, args *string
	if err := row.Scan(&desc.ID, &desc.Name, &desc.Description, &desc.DescHash,
		&emb, &caps, &desc.Command, &args, &desc.RegisteredAt); err != nil {
		return desc, err
	}
	if emb != nil {
		desc.Embedding = parseEmbedding(*emb)
	}
	if caps != nil {
		if err := json.Unmarshal([]byte(*caps), &desc.Capabilities); err != nil {
			return desc, fmt.Errorf("postgres: decode capabilities: %w", err)
		}
	}
	if args != nil {
		if err := json.Unmarshal([]byte(*args), &desc.Args); err != nil {
			return desc, fmt.Errorf("postgres: decode args: %w", err)
		}
	}
	return desc, nil
}

// --- memories ---

// UpsertMemory stores a memory entry.
func (s *Store) UpsertMemory(ctx context.Context, entry conductor.MemoryEntry) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO memories (id, text, category, embedding, is_temporary, created_at, expires_at)
		VALUES ($1, $2, $3, $4::vector, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			text = EXCLUDED.text,
			category = EXCLUDED.category,
			embedding = EXCLUDED.embedding,
			is_temporary = EXCLUDED.is_temporary,
			expires_at = EXCLUDED.expires_at`,
		entry.ID, entry.Text, entry.Category, serializeEmbedding(entry.Embedding),
		entry.Temporary, entry.CreatedAt, entry.ExpiresAt)
	if err != nil {
		return fmt.Errorf("postgres: upsert memory: %w", err)
	}
	return nil
}

// ListMemories returns observable entries, newest first.
func (s *Store) ListMemories(ctx context.Context, f conductor.Filter) ([]conductor.MemoryEntry, error) {
	query := `SELECT id, text, category, embedding::text, is_temporary, created_at, expires_at
		FROM memories WHERE (expires_at = 0 OR expires_at > $1)`
	args := []any{s.now().Unix()}
	query, args = applyFilter(query, args, f)
	query += ` ORDER BY created_at DESC, id DESC`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list memories: %w", err)
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
	rows, err := s.pool.Query(ctx, `
		SELECT id, text, category, embedding::text, is_temporary, created_at, expires_at
		FROM memories WHERE id = ANY($1) AND (expires_at = 0 OR expires_at > $2)`,
		ids, s.now().Unix())
	if err != nil {
		return nil, fmt.Errorf("postgres: get memories: %w", err)
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
	if _, err := s.pool.Exec(ctx, `DELETE FROM memories WHERE id = $1`, id); err != nil {
		return fmt.Errorf("postgres: delete memory: %w", err)
	}
	return nil
}

// DeleteAllMemories removes every entry and returns the count.
func (s *Store) DeleteAllMemories(ctx context.Context) (int, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM memories`)
	if err != nil {
		return 0, fmt.Errorf("postgres: delete all memories: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func applyFilter(query string, args []any, f conductor.Filter) (string, []any) {
	if f.Category != "" {
		args = append(args, f.Category)
		query += fmt.Sprintf(` AND category = $%d`, len(args))
	}
	if f.Temporary != nil {
		args = append(args, *f.Temporary)
		query += fmt.Sprintf(` AND is_temporary = $%d`, len(args))
	}
	return query, args
}

func scanMemories(rows pgx.Rows) ([]conductor.MemoryEntry, error) {
	var out []conductor.MemoryEntry
	for rows.Next() {
		var e conductor.MemoryEntry
		var emb *string
		if err := rows.Scan(&e.ID, &e.Text, &e.Category, &emb, &e.Temporary, &e.CreatedAt, &e.ExpiresAt); err != nil {
			return nil, fmt.Errorf("postgres: scan memory: %w", err)
		}
		if emb != nil {
			e.Embedding = parseEmbedding(*emb)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// --- similarity search ---

// Query performs native pgvector cosine similarity over a collection. The
// HNSW index scans at least numCandidates rows before the topK cut.
func (s *Store) Query(ctx context.Context, collection string, vector []float32, topK, numCandidates int, f conductor.Filter) ([]conductor.Match, error) {
	if topK <= 0 {
		return nil, nil
	}
	if numCandidates < topK {
		numCandidates = topK
	}
	embStr := serializeEmbedding(vector)

	var (
		rows pgx.Rows
		err  error
	)
	switch collection {
	case conductor.CollectionProviders:
		rows, err = s.pool.Query(ctx, fmt.Sprintf(`
			SELECT id, 1 - (embedding <=> $1::vector) AS score
			FROM (
				SELECT id, embedding FROM providers
				WHERE embedding IS NOT NULL
				ORDER BY embedding <=> $1::vector
				LIMIT %d
			) candidates
			ORDER BY score DESC
			LIMIT $2`, numCandidates),
			embStr, topK)
	case conductor.CollectionMemories:
		query := `SELECT id, embedding FROM memories
			WHERE embedding IS NOT NULL AND (expires_at = 0 OR expires_at > $2)`
		args := []any{embStr, s.now().Unix()}
		query, args = applyFilter(query, args, f)
		query = fmt.Sprintf(`
			SELECT id, 1 - (embedding <=> $1::vector) AS score
			FROM (
				%s
				ORDER BY embedding <=> $1::vector
				LIMIT %d
			) candidates
			ORDER BY score DESC
			LIMIT %d`, query, numCandidates, topK)
		rows, err = s.pool.Query(ctx, query, args...)
	default:
		return nil, fmt.Errorf("postgres: unknown collection %q", collection)
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: query %s: %w", collection, err)
	}
	defer rows.Close()

	var matches []conductor.Match
	for rows.Next() {
		var m conductor.Match
		if err := rows.Scan(&m.ID, &m.Score); err != nil {
			return nil, fmt.Errorf("postgres: scan match: %w", err)
		}
		matches = append(matches, m)
	}
	return matches, rows.Err()
}

// serializeEmbedding renders a []float32 into pgvector's text format.
func serializeEmbedding(embedding []float32) string {
	parts := make([]string, len(embedding))
	for i, v := range embedding {
		parts[i] = strconv.FormatFloat(float64(v), 'f', -1, 32)
	}
	return "[" + strings.Join(parts, ",") + "]"
}

// parseEmbedding decodes pgvector's text format.
func parseEmbedding(s string) []float32 {
	s = strings.Trim(strings.TrimSpace(s), "[]")
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]float32, 0, len(parts))
	for _, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 32)
		if err != nil {
			return nil
		}
		out = append(out, float32(v))
	}
	return out
}
