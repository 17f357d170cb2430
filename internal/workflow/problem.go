package workflow

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/opsdesk/servicedesk-go/internal/sequence"
	"github.com/opsdesk/servicedesk-go/internal/sla"
)

// ProblemStatus is the closed set of problem states.
type ProblemStatus string

const (
	ProblemLogged   ProblemStatus = "logged"
	ProblemRCA      ProblemStatus = "rca_in_progress"
	ProblemKnown    ProblemStatus = "known_error"
	ProblemResolved ProblemStatus = "resolved"
	ProblemClosed   ProblemStatus = "closed"
)

// problemTransitions is the single source of truth for allowed status moves.
var problemTransitions = map[ProblemStatus][]ProblemStatus{
	ProblemLogged:   {ProblemRCA, ProblemKnown, ProblemResolved, ProblemClosed},
	ProblemRCA:      {ProblemKnown, ProblemResolved, ProblemClosed},
	ProblemKnown:    {ProblemResolved, ProblemClosed},
	ProblemResolved: {ProblemClosed},
	ProblemClosed:   {},
}

// Valid reports whether s is a defined problem status.
func (s ProblemStatus) Valid() bool {
	_, ok := problemTransitions[s]
	return ok
}

// CanTransition consults the transition table.
func (s ProblemStatus) CanTransition(to ProblemStatus) bool {
	for _, t := range problemTransitions[s] {
		if t == to {
			return true
		}
	}
	return false
}

// Problem is a root-cause investigation, usually spawned from one or more
// recurring incidents.
type Problem struct {
	ID                string        `json:"id"`
	ProblemID         string        `json:"problem_id"`
	Title             string        `json:"title"`
	Description       string        `json:"description,omitempty"`
	Status            ProblemStatus `json:"status"`
	Priority          sla.Priority  `json:"priority"`
	RootCause         string        `json:"root_cause,omitempty"`
	Workaround        string        `json:"workaround,omitempty"`
	PermanentFix      string        `json:"permanent_fix,omitempty"`
	LinkedIncidentIDs []string      `json:"linked_incident_ids,omitempty"`
	CreatedBy         string        `json:"created_by"`
	CreatedAt         time.Time     `json:"created_at"`
	UpdatedAt         time.Time     `json:"updated_at"`
	ResolvedAt        *time.Time    `json:"resolved_at,omitempty"`
	ClosedAt          *time.Time    `json:"closed_at,omitempty"`
}

const problemCols = `id::text, problem_id, title, description, status, priority,
coalesce(root_cause,''), coalesce(workaround,''), coalesce(permanent_fix,''),
coalesce(linked_incident_ids,'{}'), created_by, created_at, updated_at, resolved_at, closed_at`

func scanProblem(row pgx.Row) (*Problem, error) {
	var p Problem
	if err := row.Scan(&p.ID, &p.ProblemID, &p.Title, &p.Description, &p.Status, &p.Priority,
		&p.RootCause, &p.Workaround, &p.PermanentFix, &p.LinkedIncidentIDs,
		&p.CreatedBy, &p.CreatedAt, &p.UpdatedAt, &p.ResolvedAt, &p.ClosedAt); err != nil {
		return nil, err
	}
	return &p, nil
}

// ProblemService drives the problem lifecycle.
type ProblemService struct {
	db  DB
	Now func() time.Time
}

// NewProblemService constructs a ProblemService.
func NewProblemService(db DB) *ProblemService {
	return &ProblemService{db: db, Now: time.Now}
}

// CreateProblemInput is the pre-validated DTO for problem creation.
type CreateProblemInput struct {
	Title       string
	Description string
	Priority    sla.Priority
	CreatedBy   string
	Actor       string
}

// Create persists a new problem in status logged.
func (s *ProblemService) Create(ctx context.Context, in CreateProblemInput) (*Problem, error) {
	fields := map[string]string{}
	if strings.TrimSpace(in.Title) == "" {
		fields["title"] = "required"
	}
	if strings.TrimSpace(in.CreatedBy) == "" {
		fields["created_by"] = "required"
	}
	if in.Priority == "" {
		in.Priority = sla.PriorityMedium
	} else if !in.Priority.Valid() {
		fields["priority"] = "must be critical, high, medium or low"
	}
	if len(fields) > 0 {
		return nil, &ValidationError{Fields: fields}
	}

	now := s.Now()
	problemID, err := sequence.Next(ctx, s.db, "PRB", now)
	if err != nil {
		return nil, &ConflictError{Op: "problem create", Err: err}
	}
	p := &Problem{
		ProblemID:   problemID,
		Title:       in.Title,
		Description: in.Description,
		Status:      ProblemLogged,
		Priority:    in.Priority,
		CreatedBy:   in.CreatedBy,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	err = s.db.QueryRow(ctx, `insert into problems
(problem_id, title, description, status, priority, created_by, created_at, updated_at)
values ($1,$2,$3,$4,$5,$6,$7,$7) returning id::text`,
		p.ProblemID, p.Title, p.Description, string(p.Status), string(p.Priority),
		p.CreatedBy, now).Scan(&p.ID)
	if err != nil {
		return nil, err
	}
	appendTimeline(ctx, s.db, "problem", p.ID, "Problem logged", in.Actor, map[string]string{
		"problem_id": p.ProblemID,
	})
	return p, nil
}

// Get resolves a problem by row id or human-readable PRB id.
func (s *ProblemService) Get(ctx context.Context, id string) (*Problem, error) {
	p, err := scanProblem(s.db.QueryRow(ctx,
		`select `+problemCols+` from problems where id::text=$1 or problem_id=$1`, id))
	if err == pgx.ErrNoRows {
		return nil, &NotFoundError{Entity: "problem", ID: id}
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}

// List returns recent problems, optionally filtered by status.
func (s *ProblemService) List(ctx context.Context, status string, limit int) ([]Problem, error) {
	if limit <= 0 || limit > 200 {
		limit = 100
	}
	q := `select ` + problemCols + ` from problems`
	args := []any{}
	if status != "" {
		q += " where status=$1"
		args = append(args, status)
	}
	q += fmt.Sprintf(" order by created_at desc limit %d", limit)
	rows, err := s.db.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []Problem{}
	for rows.Next() {
		p, err := scanProblem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

// UpdateRootCause records root-cause analysis. A logged problem moves to
// rca_in_progress; a problem already past that keeps its status.
func (s *ProblemService) UpdateRootCause(ctx context.Context, id, rootCause, actor string) (*Problem, error) {
	if strings.TrimSpace(rootCause) == "" {
		return nil, &ValidationError{Fields: map[string]string{"root_cause": "required"}}
	}
	p, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.Status == ProblemResolved || p.Status == ProblemClosed {
		return nil, &InvalidTransitionError{Entity: "problem", From: string(p.Status), To: string(ProblemRCA)}
	}
	now := s.Now()
	p.RootCause = rootCause
	if p.Status == ProblemLogged {
		p.Status = ProblemRCA
	}
	p.UpdatedAt = now
	_, err = s.db.Exec(ctx, `update problems set status=$2, root_cause=$3, updated_at=$4 where id=$1`,
		p.ID, string(p.Status), rootCause, now)
	if err != nil {
		return nil, err
	}
	appendTimeline(ctx, s.db, "problem", p.ID, "Root cause updated", actor, nil)
	return p, nil
}

// MarkKnownError flags the problem as a known error with a documented
// workaround.
func (s *ProblemService) MarkKnownError(ctx context.Context, id, workaround, actor string) (*Problem, error) {
	if strings.TrimSpace(workaround) == "" {
		return nil, &ValidationError{Fields: map[string]string{"workaround": "required"}}
	}
	p, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !p.Status.CanTransition(ProblemKnown) {
		return nil, &InvalidTransitionError{Entity: "problem", From: string(p.Status), To: string(ProblemKnown)}
	}
	now := s.Now()
	p.Status = ProblemKnown
	p.Workaround = workaround
	p.UpdatedAt = now
	_, err = s.db.Exec(ctx, `update problems set status=$2, workaround=$3, updated_at=$4 where id=$1`,
		p.ID, string(p.Status), workaround, now)
	if err != nil {
		return nil, err
	}
	appendTimeline(ctx, s.db, "problem", p.ID, "Marked as known error", actor, nil)
	return p, nil
}

// Resolve records the permanent fix and notifies every linked incident's
// timeline.
func (s *ProblemService) Resolve(ctx context.Context, id, permanentFix, actor string) (*Problem, error) {
	if strings.TrimSpace(permanentFix) == "" {
		return nil, &ValidationError{Fields: map[string]string{"permanent_fix": "required"}}
	}
	p, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !p.Status.CanTransition(ProblemResolved) {
		return nil, &InvalidTransitionError{Entity: "problem", From: string(p.Status), To: string(ProblemResolved)}
	}
	now := s.Now()
	p.Status = ProblemResolved
	p.PermanentFix = permanentFix
	p.UpdatedAt = now
	p.ResolvedAt = &now
	_, err = s.db.Exec(ctx, `update problems set status=$2, permanent_fix=$3, resolved_at=$4, updated_at=$4 where id=$1`,
		p.ID, string(p.Status), permanentFix, now)
	if err != nil {
		return nil, err
	}
	appendTimeline(ctx, s.db, "problem", p.ID, "Problem resolved", actor, nil)
	for _, incID := range p.LinkedIncidentIDs {
		appendTimeline(ctx, s.db, "incident", incID, "Problem resolved", actor, map[string]string{
			"problem_id": p.ProblemID,
		})
	}
	return p, nil
}

// Close finishes a resolved problem.
func (s *ProblemService) Close(ctx context.Context, id, actor string) (*Problem, error) {
	p, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !p.Status.CanTransition(ProblemClosed) {
		return nil, &InvalidTransitionError{Entity: "problem", From: string(p.Status), To: string(ProblemClosed)}
	}
	now := s.Now()
	p.Status = ProblemClosed
	p.UpdatedAt = now
	p.ClosedAt = &now
	_, err = s.db.Exec(ctx, `update problems set status='closed', closed_at=$2, updated_at=$2 where id=$1`, p.ID, now)
	if err != nil {
		return nil, err
	}
	appendTimeline(ctx, s.db, "problem", p.ID, "Problem closed", actor, nil)
	return p, nil
}

// LinkIncident attaches an incident to the problem and back-references the
// problem from the incident. Idempotent on both sides. The two writes are not
// transactional; a crash between them leaves a one-sided link that the next
// call repairs.
func (s *ProblemService) LinkIncident(ctx context.Context, id, incidentID, actor string) (*Problem, error) {
	p, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.Status == ProblemClosed {
		return nil, &InvalidTransitionError{Entity: "problem", From: string(p.Status), To: string(p.Status)}
	}
	var incRowID string
	err = s.db.QueryRow(ctx, `select id::text from incidents where id::text=$1 or incident_id=$1`, incidentID).Scan(&incRowID)
	if err == pgx.ErrNoRows {
		return nil, &NotFoundError{Entity: "incident", ID: incidentID}
	}
	if err != nil {
		return nil, err
	}

	now := s.Now()
	_, err = s.db.Exec(ctx, `update problems
set linked_incident_ids = array_append(coalesce(linked_incident_ids,'{}'), $2), updated_at=$3
where id=$1 and not ($2 = any(coalesce(linked_incident_ids,'{}')))`, p.ID, incRowID, now)
	if err != nil {
		return nil, err
	}
	_, err = s.db.Exec(ctx, `update incidents set linked_problem_id=$2, updated_at=$3 where id=$1`,
		incRowID, p.ID, now)
	if err != nil {
		return nil, err
	}

	already := false
	for _, lid := range p.LinkedIncidentIDs {
		if lid == incRowID {
			already = true
			break
		}
	}
	if !already {
		p.LinkedIncidentIDs = append(p.LinkedIncidentIDs, incRowID)
		appendTimeline(ctx, s.db, "problem", p.ID, "Incident linked", actor, map[string]string{"incident_id": incidentID})
		appendTimeline(ctx, s.db, "incident", incRowID, "Linked to problem", actor, map[string]string{"problem_id": p.ProblemID})
	}
	p.UpdatedAt = now
	return p, nil
}

// Timeline returns the problem's audit trail.
func (s *ProblemService) Timeline(ctx context.Context, id string) ([]TimelineEntry, error) {
	p, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return Timeline(ctx, s.db, "problem", p.ID)
}
