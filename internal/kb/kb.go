// Package kb stores knowledge-base articles, including known-error articles
// published from problems.
package kb

import (
	"context"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/microcosm-cc/bluemonday"
)

type DB interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

type Article struct {
	ID        string `json:"id"`
	Slug      string `json:"slug"`
	Title     string `json:"title"`
	BodyMD    string `json:"body_md"`
	ProblemID string `json:"problem_id,omitempty"`
}

var sanitizer = bluemonday.UGCPolicy()

// Search matches articles by title or body. An empty query returns the most
// recent articles.
func Search(ctx context.Context, db DB, q string) ([]Article, error) {
	q = strings.TrimSpace(q)
	rows, err := db.Query(ctx, `select id::text, slug, title, body_md, coalesce(problem_id,'')
from kb_articles where title ilike '%'||$1||'%' or body_md ilike '%'||$1||'%' order by title limit 20`, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []Article{}
	for rows.Next() {
		var a Article
		if err := rows.Scan(&a.ID, &a.Slug, &a.Title, &a.BodyMD, &a.ProblemID); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// Publish inserts an article. Body markup is sanitized; the slug is derived
// from the title when absent. Returns the article id.
func Publish(ctx context.Context, db DB, a Article) (string, error) {
	if a.Slug == "" {
		a.Slug = Slugify(a.Title)
	}
	a.BodyMD = sanitizer.Sanitize(a.BodyMD)
	var id string
	err := db.QueryRow(ctx, `insert into kb_articles (slug, title, body_md, problem_id)
values ($1,$2,$3,nullif($4,''))
on conflict (slug) do update set title=excluded.title, body_md=excluded.body_md, problem_id=excluded.problem_id
returning id::text`, a.Slug, a.Title, a.BodyMD, a.ProblemID).Scan(&id)
	return id, err
}

// Slugify lowercases the title and collapses non-alphanumerics to dashes.
func Slugify(s string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(strings.TrimSpace(s)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			dash = false
		default:
			if !dash && b.Len() > 0 {
				b.WriteByte('-')
				dash = true
			}
		}
	}
	return strings.TrimSuffix(b.String(), "-")
}
