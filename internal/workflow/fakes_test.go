package workflow

import (
	"context"
	"encoding/json"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// fakeDB replays queued row responses and records every statement, letting
// service tests script a full operation without a database.
type fakeDB struct {
	t        *testing.T
	rowQueue []*stubRow
	setQueue [][][]any
	calls    []dbCall
}

type dbCall struct {
	sql  string
	args []any
}

func (db *fakeDB) QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row {
	db.calls = append(db.calls, dbCall{sql: sql, args: args})
	if len(db.rowQueue) == 0 {
		db.t.Fatalf("unexpected QueryRow: %s", sql)
	}
	r := db.rowQueue[0]
	db.rowQueue = db.rowQueue[1:]
	return r
}

func (db *fakeDB) Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error) {
	db.calls = append(db.calls, dbCall{sql: sql, args: args})
	var set [][]any
	if len(db.setQueue) > 0 {
		set = db.setQueue[0]
		db.setQueue = db.setQueue[1:]
	}
	return &stubRows{set: set}, nil
}

func (db *fakeDB) Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error) {
	db.calls = append(db.calls, dbCall{sql: sql, args: args})
	return pgconn.NewCommandTag("UPDATE 1"), nil
}

// execsMatching returns recorded statements containing the substring.
func (db *fakeDB) execsMatching(sub string) []dbCall {
	out := []dbCall{}
	for _, c := range db.calls {
		if strings.Contains(c.sql, sub) {
			out = append(out, c)
		}
	}
	return out
}

type stubRow struct {
	vals []any
	err  error
}

func (r *stubRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	return assign(dest, r.vals)
}

type stubRows struct {
	set [][]any
	i   int
}

func (r *stubRows) Close()                                       {}
func (r *stubRows) Err() error                                   { return nil }
func (r *stubRows) CommandTag() pgconn.CommandTag                { return pgconn.CommandTag{} }
func (r *stubRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *stubRows) RawValues() [][]byte                          { return nil }
func (r *stubRows) Values() ([]any, error)                       { return nil, nil }
func (r *stubRows) Conn() *pgx.Conn                              { return nil }

func (r *stubRows) Next() bool {
	if r.i >= len(r.set) {
		return false
	}
	r.i++
	return true
}

func (r *stubRows) Scan(dest ...any) error {
	return assign(dest, r.set[r.i-1])
}

func assign(dest, vals []any) error {
	for i, d := range dest {
		if i >= len(vals) {
			break
		}
		dv := reflect.ValueOf(d).Elem()
		if vals[i] == nil {
			dv.Set(reflect.Zero(dv.Type()))
			continue
		}
		sv := reflect.ValueOf(vals[i])
		if sv.Type().AssignableTo(dv.Type()) {
			dv.Set(sv)
		} else {
			dv.Set(sv.Convert(dv.Type()))
		}
	}
	return nil
}

// incidentVals lays out an Incident in the column order the services select.
func incidentVals(t *testing.T, inc *Incident) []any {
	t.Helper()
	var resolution []byte
	if inc.Resolution != nil {
		b, err := json.Marshal(inc.Resolution)
		if err != nil {
			t.Fatal(err)
		}
		resolution = b
	}
	slaJSON, err := json.Marshal(inc.SLA)
	if err != nil {
		t.Fatal(err)
	}
	return []any{
		inc.ID, inc.IncidentID, inc.Title, inc.Description, string(inc.Status),
		string(inc.Priority), string(inc.Impact), string(inc.Urgency),
		inc.CategoryID, inc.SiteID, inc.Requester, inc.AssignedTo, inc.IsMajor,
		inc.ReopenCount, inc.FirstResponseAt, resolution, slaJSON,
		inc.LinkedProblemID, inc.CreatedAt, inc.UpdatedAt, inc.ClosedAt,
	}
}

// changeVals lays out a Change in the column order the services select.
func changeVals(c *Change) []any {
	return []any{
		c.ID, c.ChangeID, c.Title, c.Description, string(c.Status), string(c.Type),
		string(c.Risk), c.CABRequired, c.ImplementationPlan, c.RollbackPlan,
		c.RiskAssessment, c.AffectedServices,
		string(c.Approval.CABStatus), c.Approval.RequiredApprovers, c.Approval.CurrentApprovers,
		c.Schedule.PlannedStart, c.Schedule.PlannedEnd, c.Schedule.ActualStart, c.Schedule.ActualEnd,
		c.Schedule.MaintenanceWindow, c.RequestedBy, c.ApprovedAt, c.CompletionNotes,
		c.CreatedAt, c.UpdatedAt, c.ClosedAt,
	}
}

// problemVals lays out a Problem in the column order the services select.
func problemVals(p *Problem) []any {
	services := p.LinkedIncidentIDs
	if services == nil {
		services = []string{}
	}
	return []any{
		p.ID, p.ProblemID, p.Title, p.Description, string(p.Status), string(p.Priority),
		p.RootCause, p.Workaround, p.PermanentFix, services,
		p.CreatedBy, p.CreatedAt, p.UpdatedAt, p.ResolvedAt, p.ClosedAt,
	}
}

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}
