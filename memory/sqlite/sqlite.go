// Package sqlite implements memory.ExperienceStore using pure-Go SQLite
// with keyword matching over task text, tags, and content.
//
// Swap in a different backend (e.g. postgres full-text search) by
// implementing memory.ExperienceStore with your own package.
package sqlite

import (
	"context"
	"database/sql"
	"strings"

	_ "modernc.org/sqlite"

	skiff "github.com/nevindra/skiff"
	"github.com/nevindra/skiff/memory"
)

// Store implements memory.ExperienceStore backed by a local SQLite file.
type Store struct {
	dbPath string
}

var _ memory.ExperienceStore = (*Store)(nil)

// New creates an experience store using a local SQLite file.
func New(dbPath string) *Store {
	return &Store{dbPath: dbPath}
}

func (s *Store) openDB() (*sql.DB, error) {
	return sql.Open("sqlite", s.dbPath)
}

func (s *Store) Init(ctx context.Context) error {
	db, err := s.openDB()
	if err != nil {
		return err
	}
	defer db.Close()

	_, err = db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS experiences (
		id TEXT PRIMARY KEY,
		task TEXT NOT NULL,
		tags TEXT NOT NULL DEFAULT '',
		content TEXT NOT NULL,
		created_at INTEGER NOT NULL
	)`)
	return err
}

func (s *Store) Add(ctx context.Context, exp memory.Experience) error {
	if exp.ID == "" {
		exp.ID = skiff.NewID()
	}
	if exp.CreatedAt == 0 {
		exp.CreatedAt = skiff.NowUnix()
	}

	db, err := s.openDB()
	if err != nil {
		return err
	}
	defer db.Close()

	_, err = db.ExecContext(ctx,
		`INSERT INTO experiences (id, task, tags, content, created_at) VALUES (?, ?, ?, ?, ?)`,
		exp.ID, exp.Task, strings.Join(exp.Tags, ","), exp.Content, exp.CreatedAt)
	return err
}

// Search scores rows by how many query keywords appear in the task, tags,
// or content, most recent first among equals.
func (s *Store) Search(ctx context.Context, query string, topK int) ([]memory.Experience, error) {
	if topK <= 0 {
		topK = 5
	}
	keywords := strings.Fields(strings.ToLower(query))
	if len(keywords) == 0 {
		return nil, nil
	}

	db, err := s.openDB()
	if err != nil {
		return nil, err
	}
	defer db.Close()

	var sb strings.Builder
	args := make([]any, 0, len(keywords)+1)
	sb.WriteString(`SELECT id, task, tags, content, created_at, score FROM (SELECT *, (`)
	for i, kw := range keywords {
		if i > 0 {
			sb.WriteString(" + ")
		}
		sb.WriteString(`(lower(task || ' ' || tags || ' ' || content) LIKE ?)`)
		args = append(args, "%"+kw+"%")
	}
	sb.WriteString(`) AS score FROM experiences) WHERE score > 0 ORDER BY score DESC, created_at DESC LIMIT ?`)
	args = append(args, topK)

	rows, err := db.QueryContext(ctx, sb.String(), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []memory.Experience
	for rows.Next() {
		var exp memory.Experience
		var tags string
		var score int
		if err := rows.Scan(&exp.ID, &exp.Task, &tags, &exp.Content, &exp.CreatedAt, &score); err != nil {
			return nil, err
		}
		if tags != "" {
			exp.Tags = strings.Split(tags, ",")
		}
		out = append(out, exp)
	}
	return out, rows.Err()
}

// Close is a no-op; connections are opened per operation.
func (s *Store) Close() error { return nil }
