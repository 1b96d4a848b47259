// Package store persists galleries and recognition records in PostgreSQL
// using the pgvector extension.
package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/andresmejia3/sentinel-live/internal/embedding"
	"github.com/andresmejia3/sentinel-live/internal/gallery"
)

// Store manages the PostgreSQL connection pool and pgvector operations.
type Store struct {
	pool *pgxpool.Pool
}

// Identity is one stored gallery entry.
type Identity struct {
	ID        int
	Name      string
	Model     string
	CreatedAt time.Time
}

// Recognition is one stored upload record.
type Recognition struct {
	ID         uuid.UUID
	RecordedAt time.Time
	FaceCount  int
	Meta       []byte
}

// New establishes a connection pool and ensures the schema is initialized.
func New(ctx context.Context, connString string) (*Store, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	// Initialize schema (Auto-Migration)
	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to initialize database schema: %w", err)
	}

	return &Store{pool: pool}, nil
}

// initSchema creates the tables and vector extension if they don't exist.
func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	query := fmt.Sprintf(`
		CREATE EXTENSION IF NOT EXISTS vector;
		CREATE TABLE IF NOT EXISTS known_identities (
			id SERIAL PRIMARY KEY,
			name TEXT NOT NULL,
			model TEXT NOT NULL,
			embedding VECTOR(%d) NOT NULL,
			created_at TIMESTAMPTZ DEFAULT NOW(),
			UNIQUE (model, name)
		);
		CREATE TABLE IF NOT EXISTS recognitions (
			id UUID PRIMARY KEY,
			recorded_at TIMESTAMPTZ NOT NULL,
			face_count INT NOT NULL,
			meta JSONB NOT NULL
		);
		CREATE INDEX IF NOT EXISTS recognitions_recorded_at_idx ON recognitions (recorded_at);
	`, embedding.Dim)
	_, err := pool.Exec(ctx, query)
	return err
}

// Close releases all pooled connections.
func (s *Store) Close() {
	s.pool.Close()
}

// vecToString formats a float slice into a PostgreSQL vector string format "[1.0,2.0,...]"
func vecToString(vec []float64) string {
	var b strings.Builder
	b.WriteByte('[')
	for i, v := range vec {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatFloat(v, 'g', -1, 64))
	}
	b.WriteByte(']')
	return b.String()
}

// parseVector reads the text form of a pgvector value.
func parseVector(s string) ([]float64, error) {
	s = strings.Trim(s, "[]")
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	vec := make([]float64, len(parts))
	for i, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return nil, fmt.Errorf("invalid vector component %d: %w", i, err)
		}
		vec[i] = v
	}
	return vec, nil
}

// SyncGallery replaces every identity stored for model with the contents of g.
func (s *Store) SyncGallery(ctx context.Context, model string, g *gallery.Gallery) error {
	if g.Len() > 0 && g.Dim() != embedding.Dim {
		return fmt.Errorf("gallery dimension %d does not match the %d-d column", g.Dim(), embedding.Dim)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, "DELETE FROM known_identities WHERE model = $1", model); err != nil {
		return err
	}
	batch := &pgx.Batch{}
	for i := range g.Len() {
		batch.Queue("INSERT INTO known_identities (name, model, embedding) VALUES ($1, $2, $3::vector)",
			g.Name(i), model, vecToString(g.Embedding(i)))
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("insert identities: %w", err)
	}
	return tx.Commit(ctx)
}

// LoadGallery rebuilds the gallery stored for model, in insertion order.
func (s *Store) LoadGallery(ctx context.Context, model string) (*gallery.Gallery, error) {
	rows, err := s.pool.Query(ctx, "SELECT name, embedding::text FROM known_identities WHERE model = $1 ORDER BY id", model)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var names []string
	var vecs [][]float64
	for rows.Next() {
		var name, vecStr string
		if err := rows.Scan(&name, &vecStr); err != nil {
			return nil, err
		}
		vec, err := parseVector(vecStr)
		if err != nil {
			return nil, fmt.Errorf("identity %q: %w", name, err)
		}
		names = append(names, name)
		vecs = append(vecs, vec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return gallery.New(names, vecs)
}

// ListIdentities returns every stored identity across models.
func (s *Store) ListIdentities(ctx context.Context) ([]Identity, error) {
	rows, err := s.pool.Query(ctx, "SELECT id, name, model, created_at FROM known_identities ORDER BY model, id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Identity
	for rows.Next() {
		var id Identity
		if err := rows.Scan(&id.ID, &id.Name, &id.Model, &id.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// FindClosestIdentity returns the stored identity of model with the highest
// cosine similarity to vec, provided it reaches threshold.
// Returns id -1 if no identity qualifies.
func (s *Store) FindClosestIdentity(ctx context.Context, model string, vec []float64, threshold float64) (int, string, float64, error) {
	vecStr := vecToString(embedding.Normalize(vec))
	// <=> is the cosine distance operator in pgvector; similarity = 1 - distance.
	query := `
		SELECT id, name, 1 - (embedding <=> $1::vector) AS similarity
		FROM known_identities
		WHERE model = $2
		ORDER BY embedding <=> $1::vector ASC, id ASC
		LIMIT 1`

	var id int
	var name string
	var sim float64
	err := s.pool.QueryRow(ctx, query, vecStr, model).Scan(&id, &name, &sim)
	if errors.Is(err, pgx.ErrNoRows) {
		return -1, "", 0, nil
	}
	if err != nil {
		return 0, "", 0, err
	}
	if sim < threshold {
		return -1, "", sim, nil
	}
	return id, name, sim, nil
}

// RenameIdentity updates the name of a known identity.
func (s *Store) RenameIdentity(ctx context.Context, id int, newName string) error {
	tag, err := s.pool.Exec(ctx, "UPDATE known_identities SET name = $1 WHERE id = $2", newName, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("identity %d not found", id)
	}
	return nil
}

// InsertRecognition stores one finalized upload record.
func (s *Store) InsertRecognition(ctx context.Context, id uuid.UUID, at time.Time, faces int, payload []byte) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO recognitions (id, recorded_at, face_count, meta)
		VALUES ($1::uuid, $2, $3, $4::jsonb)
	`, id.String(), at, faces, string(payload))
	return err
}

// RecentRecognitions returns up to limit records, newest first.
func (s *Store) RecentRecognitions(ctx context.Context, limit int) ([]Recognition, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id::text, recorded_at, face_count, meta::text
		FROM recognitions ORDER BY recorded_at DESC LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Recognition
	for rows.Next() {
		var r Recognition
		var id, meta string
		if err := rows.Scan(&id, &r.RecordedAt, &r.FaceCount, &meta); err != nil {
			return nil, err
		}
		if r.ID, err = uuid.Parse(id); err != nil {
			return nil, err
		}
		r.Meta = []byte(meta)
		out = append(out, r)
	}
	return out, rows.Err()
}

// Reset drops all application tables to clear the database state.
// This is useful for development to force a schema refresh without migrations.
func (s *Store) Reset(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		DROP TABLE IF EXISTS recognitions CASCADE;
		DROP TABLE IF EXISTS known_identities CASCADE;
	`)
	return err
}
