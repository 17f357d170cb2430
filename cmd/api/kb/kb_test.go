package kb

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	apppkg "github.com/opsdesk/servicedesk-go/cmd/api/app"
	authpkg "github.com/opsdesk/servicedesk-go/cmd/api/auth"
)

type fakeDB struct {
	rows     []article
	insertID string
	inserted [][]any
}

type article struct {
	id, slug, title, body, problemID string
}

func (db *fakeDB) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return &fakeRows{rows: db.rows}, nil
}
func (db *fakeDB) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	db.inserted = append(db.inserted, args)
	return &fakeRow{id: db.insertID}
}
func (db *fakeDB) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	return pgconn.CommandTag{}, nil
}

type fakeRow struct{ id string }

func (r *fakeRow) Scan(dest ...any) error {
	if p, ok := dest[0].(*string); ok {
		*p = r.id
	}
	return nil
}

type fakeRows struct {
	rows []article
	i    int
}

func (r *fakeRows) Close()                                       {}
func (r *fakeRows) Err() error                                   { return nil }
func (r *fakeRows) CommandTag() pgconn.CommandTag                { return pgconn.CommandTag{} }
func (r *fakeRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *fakeRows) RawValues() [][]byte                          { return nil }
func (r *fakeRows) Values() ([]any, error)                       { return nil, nil }
func (r *fakeRows) Conn() *pgx.Conn                              { return nil }
func (r *fakeRows) Next() bool {
	if r.i >= len(r.rows) {
		return false
	}
	r.i++
	return true
}
func (r *fakeRows) Scan(dest ...any) error {
	if r.i == 0 || r.i > len(r.rows) {
		return pgx.ErrNoRows
	}
	row := r.rows[r.i-1]
	vals := []string{row.id, row.slug, row.title, row.body, row.problemID}
	for i := range dest {
		if i >= len(vals) {
			break
		}
		if p, ok := dest[i].(*string); ok {
			*p = vals[i]
		}
	}
	return nil
}

func TestSearch(t *testing.T) {
	gin.SetMode(gin.TestMode)
	db := &fakeDB{rows: []article{{"1", "printer-offline", "Printer offline", "Body", ""}}}
	cfg := apppkg.Config{Env: "test", TestBypassAuth: true}
	a := apppkg.NewApp(cfg, db, nil, nil, nil)
	a.R.GET("/kb", authpkg.Middleware(a), Search(a))

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/kb?q=printer", nil)
	a.R.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var out []map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &out); err != nil {
		t.Fatal(err)
	}
	if len(out) != 1 || out[0]["slug"].(string) != "printer-offline" {
		t.Fatalf("unexpected output: %v", out)
	}
}

func TestPublishSanitizesAndSlugs(t *testing.T) {
	gin.SetMode(gin.TestMode)
	db := &fakeDB{insertID: "a1"}
	cfg := apppkg.Config{Env: "test", TestBypassAuth: true}
	a := apppkg.NewApp(cfg, db, nil, nil, nil)
	a.R.POST("/kb", authpkg.Middleware(a), Publish(a))

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/kb", strings.NewReader(
		`{"title":"VPN drops on resume","body_md":"steps <script>alert(1)</script> here"}`))
	req.Header.Set("Content-Type", "application/json")
	a.R.ServeHTTP(rr, req)
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rr.Code, rr.Body.String())
	}
	if len(db.inserted) != 1 {
		t.Fatalf("expected one insert, got %d", len(db.inserted))
	}
	args := db.inserted[0]
	if args[0] != "vpn-drops-on-resume" {
		t.Fatalf("slug = %v", args[0])
	}
	if body, _ := args[2].(string); strings.Contains(body, "<script>") {
		t.Fatalf("body not sanitized: %q", body)
	}
}
