package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/opsdesk/servicedesk-go/internal/sequence"
	"github.com/opsdesk/servicedesk-go/internal/sla"
)

// IncidentStatus is the closed set of incident states.
type IncidentStatus string

const (
	IncidentOpen       IncidentStatus = "open"
	IncidentInProgress IncidentStatus = "in_progress"
	IncidentPending    IncidentStatus = "pending"
	IncidentResolved   IncidentStatus = "resolved"
	IncidentClosed     IncidentStatus = "closed"
	IncidentCancelled  IncidentStatus = "cancelled"
)

// incidentTransitions is the single source of truth for allowed status moves.
var incidentTransitions = map[IncidentStatus][]IncidentStatus{
	IncidentOpen:       {IncidentInProgress, IncidentPending, IncidentResolved, IncidentCancelled},
	IncidentInProgress: {IncidentPending, IncidentResolved, IncidentCancelled},
	IncidentPending:    {IncidentInProgress, IncidentResolved, IncidentCancelled},
	IncidentResolved:   {IncidentOpen, IncidentClosed},
	IncidentClosed:     {},
	IncidentCancelled:  {},
}

// Valid reports whether s is a defined incident status.
func (s IncidentStatus) Valid() bool {
	_, ok := incidentTransitions[s]
	return ok
}

// IsTerminal reports whether no further transitions exist from s.
func (s IncidentStatus) IsTerminal() bool {
	return len(incidentTransitions[s]) == 0 && s.Valid()
}

// CanTransition consults the transition table.
func (s IncidentStatus) CanTransition(to IncidentStatus) bool {
	for _, t := range incidentTransitions[s] {
		if t == to {
			return true
		}
	}
	return false
}

// Resolution records how an incident was resolved.
type Resolution struct {
	Code       string    `json:"code"`
	Notes      string    `json:"notes"`
	ResolvedBy string    `json:"resolved_by"`
	ResolvedAt time.Time `json:"resolved_at"`
}

// Worklog is a time entry recorded against an incident.
type Worklog struct {
	ID        string    `json:"id"`
	By        string    `json:"by"`
	Minutes   int       `json:"minutes_spent"`
	Note      string    `json:"note"`
	Internal  bool      `json:"is_internal"`
	CreatedAt time.Time `json:"created_at"`
}

// Incident is the incident snapshot returned to callers.
type Incident struct {
	ID              string         `json:"id"`
	IncidentID      string         `json:"incident_id"`
	Title           string         `json:"title"`
	Description     string         `json:"description,omitempty"`
	Status          IncidentStatus `json:"status"`
	Priority        sla.Priority   `json:"priority"`
	Impact          sla.Level      `json:"impact"`
	Urgency         sla.Level      `json:"urgency"`
	CategoryID      string         `json:"category_id,omitempty"`
	SiteID          string         `json:"site_id,omitempty"`
	Requester       string         `json:"requester"`
	AssignedTo      *string        `json:"assigned_to,omitempty"`
	IsMajor         bool           `json:"is_major"`
	ReopenCount     int            `json:"reopen_count"`
	FirstResponseAt *time.Time     `json:"first_response_at,omitempty"`
	Resolution      *Resolution    `json:"resolution,omitempty"`
	SLA             sla.Config     `json:"sla"`
	LinkedProblemID *string        `json:"linked_problem_id,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
	ClosedAt        *time.Time     `json:"closed_at,omitempty"`
}

const incidentCols = `id::text, incident_id, title, description, status, priority, impact, urgency,
coalesce(category_id,''), coalesce(site_id,''), requester, assigned_to, is_major, reopen_count,
first_response_at, resolution, sla, linked_problem_id, created_at, updated_at, closed_at`

func scanIncident(row pgx.Row) (*Incident, error) {
	var in Incident
	var resolution, slaCfg []byte
	if err := row.Scan(&in.ID, &in.IncidentID, &in.Title, &in.Description, &in.Status,
		&in.Priority, &in.Impact, &in.Urgency, &in.CategoryID, &in.SiteID, &in.Requester,
		&in.AssignedTo, &in.IsMajor, &in.ReopenCount, &in.FirstResponseAt,
		&resolution, &slaCfg, &in.LinkedProblemID, &in.CreatedAt, &in.UpdatedAt, &in.ClosedAt); err != nil {
		return nil, err
	}
	if len(resolution) > 0 {
		in.Resolution = &Resolution{}
		if err := json.Unmarshal(resolution, in.Resolution); err != nil {
			return nil, err
		}
	}
	if len(slaCfg) > 0 {
		if err := json.Unmarshal(slaCfg, &in.SLA); err != nil {
			return nil, err
		}
	}
	return &in, nil
}

// IncidentService drives the incident lifecycle. Constructed once at the
// composition root with its persistence collaborator and clock.
type IncidentService struct {
	db     DB
	engine *sla.Engine
	Now    func() time.Time
}

// NewIncidentService constructs an IncidentService.
func NewIncidentService(db DB, engine *sla.Engine) *IncidentService {
	return &IncidentService{db: db, engine: engine, Now: time.Now}
}

// CreateIncidentInput is the pre-validated DTO for incident creation.
// Priority is never accepted from the caller; it is derived.
type CreateIncidentInput struct {
	Title       string
	Description string
	Impact      sla.Level
	Urgency     sla.Level
	CategoryID  string
	SiteID      string
	Requester   string
	AssignedTo  *string
	IsMajor     bool
	Actor       string
}

func (in *CreateIncidentInput) validate() error {
	fields := map[string]string{}
	if strings.TrimSpace(in.Title) == "" {
		fields["title"] = "required"
	}
	if strings.TrimSpace(in.Requester) == "" {
		fields["requester"] = "required"
	}
	if !in.Impact.Valid() {
		fields["impact"] = "must be high, medium or low"
	}
	if !in.Urgency.Valid() {
		fields["urgency"] = "must be high, medium or low"
	}
	if len(fields) > 0 {
		return &ValidationError{Fields: fields}
	}
	return nil
}

// Create derives priority, computes the SLA, allocates the INC id and
// persists the incident in status open.
func (s *IncidentService) Create(ctx context.Context, in CreateIncidentInput) (*Incident, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}
	now := s.Now()
	priority := sla.DerivePriority(in.Impact, in.Urgency)
	cfg := s.engine.Calculate(ctx, priority, in.CategoryID, in.SiteID, now)

	incidentID, err := sequence.Next(ctx, s.db, "INC", now)
	if err != nil {
		return nil, &ConflictError{Op: "incident create", Err: err}
	}

	inc := &Incident{
		IncidentID:  incidentID,
		Title:       in.Title,
		Description: in.Description,
		Status:      IncidentOpen,
		Priority:    priority,
		Impact:      in.Impact,
		Urgency:     in.Urgency,
		CategoryID:  in.CategoryID,
		SiteID:      in.SiteID,
		Requester:   in.Requester,
		AssignedTo:  in.AssignedTo,
		IsMajor:     in.IsMajor,
		SLA:         cfg,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if in.AssignedTo != nil && *in.AssignedTo != "" {
		// Assignment at creation counts as the first response.
		inc.FirstResponseAt = &now
		inc.SLA = s.engine.MarkResponseMet(inc.SLA)
	}

	slaJSON, err := json.Marshal(inc.SLA)
	if err != nil {
		return nil, err
	}
	err = s.db.QueryRow(ctx, `insert into incidents
(incident_id, title, description, status, priority, impact, urgency, category_id, site_id,
 requester, assigned_to, is_major, first_response_at, sla, created_at, updated_at)
values ($1,$2,$3,$4,$5,$6,$7,nullif($8,''),nullif($9,''),$10,$11,$12,$13,$14,$15,$15)
returning id::text`,
		inc.IncidentID, inc.Title, inc.Description, string(inc.Status), string(inc.Priority),
		string(inc.Impact), string(inc.Urgency), inc.CategoryID, inc.SiteID,
		inc.Requester, inc.AssignedTo, inc.IsMajor, inc.FirstResponseAt, slaJSON, now).Scan(&inc.ID)
	if err != nil {
		return nil, err
	}

	appendTimeline(ctx, s.db, "incident", inc.ID, "Incident created", in.Actor, map[string]string{
		"incident_id": inc.IncidentID,
		"priority":    string(priority),
	})
	return inc, nil
}

// Get resolves an incident by row id or human-readable INC id.
func (s *IncidentService) Get(ctx context.Context, id string) (*Incident, error) {
	inc, err := scanIncident(s.db.QueryRow(ctx,
		`select `+incidentCols+` from incidents where id::text=$1 or incident_id=$1`, id))
	if err == pgx.ErrNoRows {
		return nil, &NotFoundError{Entity: "incident", ID: id}
	}
	if err != nil {
		return nil, err
	}
	return inc, nil
}

// IncidentFilter narrows List results.
type IncidentFilter struct {
	Status     string
	Priority   string
	AssignedTo string
	Search     string
	Limit      int
}

// List returns recent incidents matching the filter.
func (s *IncidentService) List(ctx context.Context, f IncidentFilter) ([]Incident, error) {
	where := []string{}
	args := []any{}
	if f.Status != "" {
		args = append(args, f.Status)
		where = append(where, fmt.Sprintf("status=$%d", len(args)))
	}
	if f.Priority != "" {
		args = append(args, f.Priority)
		where = append(where, fmt.Sprintf("priority=$%d", len(args)))
	}
	if f.AssignedTo != "" {
		args = append(args, f.AssignedTo)
		where = append(where, fmt.Sprintf("assigned_to=$%d", len(args)))
	}
	if f.Search != "" {
		args = append(args, "%"+f.Search+"%")
		n := len(args)
		where = append(where, fmt.Sprintf("(title ilike $%d or description ilike $%d)", n, n))
	}
	limit := f.Limit
	if limit <= 0 || limit > 200 {
		limit = 100
	}
	q := `select ` + incidentCols + ` from incidents`
	if len(where) > 0 {
		q += " where " + strings.Join(where, " and ")
	}
	q += fmt.Sprintf(" order by created_at desc limit %d", limit)
	rows, err := s.db.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []Incident{}
	for rows.Next() {
		inc, err := scanIncident(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *inc)
	}
	return out, rows.Err()
}

// ResolutionInput is supplied when an incident enters resolved.
type ResolutionInput struct {
	Code  string
	Notes string
}

// Transition moves an incident to a new status, applying the table guard and
// the entry side effects, and appends exactly one status timeline entry.
func (s *IncidentService) Transition(ctx context.Context, id string, to IncidentStatus, actor string, res *ResolutionInput) (*Incident, error) {
	if !to.Valid() {
		return nil, &ValidationError{Fields: map[string]string{"status": "unknown status"}}
	}
	inc, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !inc.Status.CanTransition(to) {
		return nil, &InvalidTransitionError{Entity: "incident", From: string(inc.Status), To: string(to)}
	}

	now := s.Now()
	from := inc.Status
	inc.Status = to
	inc.UpdatedAt = now

	switch to {
	case IncidentResolved:
		if res != nil {
			inc.Resolution = &Resolution{Code: res.Code, Notes: res.Notes, ResolvedBy: actor, ResolvedAt: now}
		}
		inc.SLA = s.engine.MarkResolutionMet(inc.SLA)
	case IncidentOpen:
		if from == IncidentResolved {
			inc.ReopenCount++
		}
	case IncidentClosed, IncidentCancelled:
		inc.ClosedAt = &now
	}

	if err := s.save(ctx, inc); err != nil {
		return nil, err
	}
	appendTimeline(ctx, s.db, "incident", inc.ID, "Status changed to "+string(to), actor, map[string]string{"from": string(from)})
	return inc, nil
}

// Assign sets the technician. The first assignment stamps first_response_at
// and marks the SLA response met.
func (s *IncidentService) Assign(ctx context.Context, id, assignee, actor string) (*Incident, error) {
	if strings.TrimSpace(assignee) == "" {
		return nil, &ValidationError{Fields: map[string]string{"assigned_to": "required"}}
	}
	inc, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	now := s.Now()
	inc.AssignedTo = &assignee
	inc.UpdatedAt = now
	first := inc.FirstResponseAt == nil
	if first {
		inc.FirstResponseAt = &now
		inc.SLA = s.engine.MarkResponseMet(inc.SLA)
	}
	if err := s.save(ctx, inc); err != nil {
		return nil, err
	}
	details := map[string]any{"assigned_to": assignee}
	if first {
		details["first_response"] = true
	}
	appendTimeline(ctx, s.db, "incident", inc.ID, "Assigned to "+assignee, actor, details)
	return inc, nil
}

// PauseSLA stops the SLA clock, e.g. while waiting on the customer.
func (s *IncidentService) PauseSLA(ctx context.Context, id, actor string) (*Incident, error) {
	inc, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	inc.SLA = s.engine.Pause(inc.SLA)
	inc.UpdatedAt = s.Now()
	if err := s.save(ctx, inc); err != nil {
		return nil, err
	}
	appendTimeline(ctx, s.db, "incident", inc.ID, "SLA paused", actor, nil)
	return inc, nil
}

// ResumeSLA restarts the SLA clock, shifting due dates by the paused time.
func (s *IncidentService) ResumeSLA(ctx context.Context, id, actor string) (*Incident, error) {
	inc, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	inc.SLA = s.engine.Resume(inc.SLA)
	inc.UpdatedAt = s.Now()
	if err := s.save(ctx, inc); err != nil {
		return nil, err
	}
	appendTimeline(ctx, s.db, "incident", inc.ID, "SLA resumed", actor,
		map[string]int{"paused_minutes": inc.SLA.PausedMinutes})
	return inc, nil
}

// WorklogInput is the DTO for a new worklog entry.
type WorklogInput struct {
	By       string
	Minutes  int
	Note     string
	Internal bool
}

// AddWorklog appends a time entry to the incident.
func (s *IncidentService) AddWorklog(ctx context.Context, id string, in WorklogInput) (*Worklog, error) {
	fields := map[string]string{}
	if strings.TrimSpace(in.By) == "" {
		fields["by"] = "required"
	}
	if in.Minutes < 0 {
		fields["minutes_spent"] = "must be >= 0"
	}
	if len(fields) > 0 {
		return nil, &ValidationError{Fields: fields}
	}
	inc, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	w := &Worklog{By: in.By, Minutes: in.Minutes, Note: in.Note, Internal: in.Internal, CreatedAt: s.Now()}
	err = s.db.QueryRow(ctx, `insert into incident_worklogs (incident_id, author, minutes_spent, note, is_internal, created_at)
values ($1,$2,$3,$4,$5,$6) returning id::text`,
		inc.ID, w.By, w.Minutes, w.Note, w.Internal, w.CreatedAt).Scan(&w.ID)
	if err != nil {
		return nil, err
	}
	appendTimeline(ctx, s.db, "incident", inc.ID, "Worklog added", in.By, map[string]int{"minutes_spent": in.Minutes})
	return w, nil
}

// Worklogs lists an incident's worklog entries, oldest first.
func (s *IncidentService) Worklogs(ctx context.Context, id string) ([]Worklog, error) {
	inc, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.Query(ctx, `select id::text, author, minutes_spent, note, is_internal, created_at
from incident_worklogs where incident_id=$1 order by created_at asc`, inc.ID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []Worklog{}
	for rows.Next() {
		var w Worklog
		if err := rows.Scan(&w.ID, &w.By, &w.Minutes, &w.Note, &w.Internal, &w.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// Timeline returns the incident's audit trail.
func (s *IncidentService) Timeline(ctx context.Context, id string) ([]TimelineEntry, error) {
	inc, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return Timeline(ctx, s.db, "incident", inc.ID)
}

func (s *IncidentService) save(ctx context.Context, inc *Incident) error {
	var resolution []byte
	if inc.Resolution != nil {
		b, err := json.Marshal(inc.Resolution)
		if err != nil {
			return err
		}
		resolution = b
	}
	slaJSON, err := json.Marshal(inc.SLA)
	if err != nil {
		return err
	}
	tag, err := s.db.Exec(ctx, `update incidents
set status=$2, assigned_to=$3, reopen_count=$4, first_response_at=$5, resolution=$6, sla=$7,
    updated_at=$8, closed_at=$9
where id=$1`,
		inc.ID, string(inc.Status), inc.AssignedTo, inc.ReopenCount, inc.FirstResponseAt,
		resolution, slaJSON, inc.UpdatedAt, inc.ClosedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return &NotFoundError{Entity: "incident", ID: inc.ID}
	}
	return nil
}
