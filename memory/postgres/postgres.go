// Package postgres implements memory.ExperienceStore on PostgreSQL with
// full-text search, for teams sharing one experience store across runners.
package postgres

import (
	"context"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"

	skiff "github.com/nevindra/skiff"
	"github.com/nevindra/skiff/memory"
)

// Store implements memory.ExperienceStore backed by a pgx connection pool.
type Store struct {
	pool *pgxpool.Pool
}

var _ memory.ExperienceStore = (*Store)(nil)

// New connects to the database at dsn.
func New(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Init(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `CREATE TABLE IF NOT EXISTS experiences (
		id TEXT PRIMARY KEY,
		task TEXT NOT NULL,
		tags TEXT NOT NULL DEFAULT '',
		content TEXT NOT NULL,
		created_at BIGINT NOT NULL,
		search tsvector GENERATED ALWAYS AS (
			to_tsvector('english', task || ' ' || tags || ' ' || content)
		) STORED
	)`)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`CREATE INDEX IF NOT EXISTS experiences_search_idx ON experiences USING GIN (search)`)
	return err
}

func (s *Store) Add(ctx context.Context, exp memory.Experience) error {
	if exp.ID == "" {
		exp.ID = skiff.NewID()
	}
	if exp.CreatedAt == 0 {
		exp.CreatedAt = skiff.NowUnix()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO experiences (id, task, tags, content, created_at) VALUES ($1, $2, $3, $4, $5)`,
		exp.ID, exp.Task, strings.Join(exp.Tags, ","), exp.Content, exp.CreatedAt)
	return err
}

// Search ranks rows with ts_rank against a plain-language query.
func (s *Store) Search(ctx context.Context, query string, topK int) ([]memory.Experience, error) {
	if topK <= 0 {
		topK = 5
	}
	if strings.TrimSpace(query) == "" {
		return nil, nil
	}

	rows, err := s.pool.Query(ctx,
		`SELECT id, task, tags, content, created_at
		 FROM experiences
		 WHERE search @@ plainto_tsquery('english', $1)
		 ORDER BY ts_rank(search, plainto_tsquery('english', $1)) DESC, created_at DESC
		 LIMIT $2`,
		query, topK)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []memory.Experience
	for rows.Next() {
		var exp memory.Experience
		var tags string
		if err := rows.Scan(&exp.ID, &exp.Task, &tags, &exp.Content, &exp.CreatedAt); err != nil {
			return nil, err
		}
		if tags != "" {
			exp.Tags = strings.Split(tags, ",")
		}
		out = append(out, exp)
	}
	return out, rows.Err()
}

// Close releases the pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}
