package workflow

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/opsdesk/servicedesk-go/internal/sequence"
)

// ChangeStatus is the closed set of change-request states.
type ChangeStatus string

const (
	ChangeDraft        ChangeStatus = "draft"
	ChangeCABReview    ChangeStatus = "cab_review"
	ChangeApproved     ChangeStatus = "approved"
	ChangeRejected     ChangeStatus = "rejected"
	ChangeScheduled    ChangeStatus = "scheduled"
	ChangeImplementing ChangeStatus = "implementing"
	ChangeCompleted    ChangeStatus = "completed"
	ChangeFailed       ChangeStatus = "failed"
	ChangeCancelled    ChangeStatus = "cancelled"
)

// changeTransitions is the single source of truth for allowed status moves.
// A rejected change is revivable: update is permitted in draft|rejected and
// resubmission re-enters the normal approval flow.
var changeTransitions = map[ChangeStatus][]ChangeStatus{
	ChangeDraft:        {ChangeCABReview, ChangeApproved, ChangeCancelled},
	ChangeCABReview:    {ChangeApproved, ChangeRejected, ChangeCancelled},
	ChangeApproved:     {ChangeScheduled, ChangeCancelled},
	ChangeRejected:     {ChangeCABReview, ChangeApproved, ChangeCancelled},
	ChangeScheduled:    {ChangeImplementing, ChangeCancelled},
	ChangeImplementing: {ChangeCompleted, ChangeFailed, ChangeCancelled},
	ChangeCompleted:    {},
	ChangeFailed:       {ChangeCancelled},
	ChangeCancelled:    {},
}

// Valid reports whether s is a defined change status.
func (s ChangeStatus) Valid() bool {
	_, ok := changeTransitions[s]
	return ok
}

// CanTransition consults the transition table.
func (s ChangeStatus) CanTransition(to ChangeStatus) bool {
	for _, t := range changeTransitions[s] {
		if t == to {
			return true
		}
	}
	return false
}

// ChangeType classifies a change request.
type ChangeType string

const (
	ChangeNormal    ChangeType = "normal"
	ChangeStandard  ChangeType = "standard"
	ChangeEmergency ChangeType = "emergency"
)

// Valid reports whether t is a defined change type.
func (t ChangeType) Valid() bool {
	switch t {
	case ChangeNormal, ChangeStandard, ChangeEmergency:
		return true
	}
	return false
}

// Risk is the assessed risk of a change.
type Risk string

const (
	RiskHigh   Risk = "high"
	RiskMedium Risk = "medium"
	RiskLow    Risk = "low"
)

// Valid reports whether r is a defined risk level.
func (r Risk) Valid() bool {
	switch r {
	case RiskHigh, RiskMedium, RiskLow:
		return true
	}
	return false
}

// CABRequired computes whether a change needs Change Advisory Board review:
// standard and emergency changes never do, normal changes do unless low risk.
func CABRequired(typ ChangeType, risk Risk) bool {
	return typ == ChangeNormal && risk != RiskLow
}

// CABStatus is the approval outcome of the board.
type CABStatus string

const (
	CABPending  CABStatus = "pending"
	CABApproved CABStatus = "approved"
	CABRejected CABStatus = "rejected"
)

// Decision is a single board member's vote.
type Decision string

const (
	DecisionApproved Decision = "approved"
	DecisionRejected Decision = "rejected"
)

// Valid reports whether d is a defined decision.
func (d Decision) Valid() bool {
	return d == DecisionApproved || d == DecisionRejected
}

// CABMember is one board member's recorded decision.
type CABMember struct {
	MemberID  string     `json:"member_id"`
	Name      string     `json:"name,omitempty"`
	Role      string     `json:"role,omitempty"`
	Decision  Decision   `json:"decision"`
	DecidedAt *time.Time `json:"decided_at,omitempty"`
	Comments  string     `json:"comments,omitempty"`
}

// Approval is the CAB quorum state of a change.
type Approval struct {
	CABStatus         CABStatus   `json:"cab_status"`
	RequiredApprovers int         `json:"required_approvers"`
	CurrentApprovers  int         `json:"current_approvers"`
	Members           []CABMember `json:"members,omitempty"`
}

// Schedule holds the planned and actual implementation window.
type Schedule struct {
	PlannedStart      *time.Time `json:"planned_start,omitempty"`
	PlannedEnd        *time.Time `json:"planned_end,omitempty"`
	ActualStart       *time.Time `json:"actual_start,omitempty"`
	ActualEnd         *time.Time `json:"actual_end,omitempty"`
	MaintenanceWindow string     `json:"maintenance_window,omitempty"`
}

// Change is the change-request snapshot returned to callers.
type Change struct {
	ID                 string       `json:"id"`
	ChangeID           string       `json:"change_id"`
	Title              string       `json:"title"`
	Description        string       `json:"description,omitempty"`
	Status             ChangeStatus `json:"status"`
	Type               ChangeType   `json:"type"`
	Risk               Risk         `json:"risk"`
	CABRequired        bool         `json:"cab_required"`
	ImplementationPlan string       `json:"implementation_plan,omitempty"`
	RollbackPlan       string       `json:"rollback_plan,omitempty"`
	RiskAssessment     string       `json:"risk_assessment,omitempty"`
	AffectedServices   []string     `json:"affected_services,omitempty"`
	Approval           Approval     `json:"approval"`
	Schedule           Schedule     `json:"schedule"`
	RequestedBy        string       `json:"requested_by"`
	ApprovedAt         *time.Time   `json:"approved_at,omitempty"`
	CompletionNotes    string       `json:"completion_notes,omitempty"`
	CreatedAt          time.Time    `json:"created_at"`
	UpdatedAt          time.Time    `json:"updated_at"`
	ClosedAt           *time.Time   `json:"closed_at,omitempty"`
}

// missingForSubmit lists every unmet submission precondition.
func (c *Change) missingForSubmit() map[string]string {
	fields := map[string]string{}
	if strings.TrimSpace(c.ImplementationPlan) == "" {
		fields["implementation_plan"] = "required"
	}
	if strings.TrimSpace(c.RollbackPlan) == "" {
		fields["rollback_plan"] = "required"
	}
	if strings.TrimSpace(c.RiskAssessment) == "" {
		fields["risk_assessment"] = "required"
	}
	if len(c.AffectedServices) == 0 {
		fields["affected_services"] = "at least one required"
	}
	if c.Schedule.PlannedStart == nil {
		fields["planned_start"] = "required"
	}
	if c.Schedule.PlannedEnd == nil {
		fields["planned_end"] = "required"
	}
	return fields
}

const changeCols = `id::text, change_id, title, description, status, change_type, risk, cab_required,
implementation_plan, rollback_plan, risk_assessment, coalesce(affected_services,'{}'),
cab_status, required_approvers, current_approvers,
planned_start, planned_end, actual_start, actual_end, coalesce(maintenance_window,''),
requested_by, approved_at, coalesce(completion_notes,''), created_at, updated_at, closed_at`

func scanChange(row pgx.Row) (*Change, error) {
	var c Change
	if err := row.Scan(&c.ID, &c.ChangeID, &c.Title, &c.Description, &c.Status, &c.Type, &c.Risk,
		&c.CABRequired, &c.ImplementationPlan, &c.RollbackPlan, &c.RiskAssessment, &c.AffectedServices,
		&c.Approval.CABStatus, &c.Approval.RequiredApprovers, &c.Approval.CurrentApprovers,
		&c.Schedule.PlannedStart, &c.Schedule.PlannedEnd, &c.Schedule.ActualStart, &c.Schedule.ActualEnd,
		&c.Schedule.MaintenanceWindow, &c.RequestedBy, &c.ApprovedAt, &c.CompletionNotes,
		&c.CreatedAt, &c.UpdatedAt, &c.ClosedAt); err != nil {
		return nil, err
	}
	return &c, nil
}

// ChangeService drives the change-request lifecycle.
type ChangeService struct {
	db  DB
	Now func() time.Time
}

// NewChangeService constructs a ChangeService.
func NewChangeService(db DB) *ChangeService {
	return &ChangeService{db: db, Now: time.Now}
}

// CreateChangeInput is the pre-validated DTO for change creation.
type CreateChangeInput struct {
	Title              string
	Description        string
	Type               ChangeType
	Risk               Risk
	ImplementationPlan string
	RollbackPlan       string
	RiskAssessment     string
	AffectedServices   []string
	RequiredApprovers  int
	PlannedStart       *time.Time
	PlannedEnd         *time.Time
	MaintenanceWindow  string
	RequestedBy        string
	Actor              string
}

// Create persists a new change in draft. cab_required is fixed at creation
// from type and risk.
func (s *ChangeService) Create(ctx context.Context, in CreateChangeInput) (*Change, error) {
	fields := map[string]string{}
	if strings.TrimSpace(in.Title) == "" {
		fields["title"] = "required"
	}
	if !in.Type.Valid() {
		fields["type"] = "must be normal, standard or emergency"
	}
	if !in.Risk.Valid() {
		fields["risk"] = "must be high, medium or low"
	}
	if strings.TrimSpace(in.RequestedBy) == "" {
		fields["requested_by"] = "required"
	}
	if len(fields) > 0 {
		return nil, &ValidationError{Fields: fields}
	}

	now := s.Now()
	changeID, err := sequence.Next(ctx, s.db, "CHG", now)
	if err != nil {
		return nil, &ConflictError{Op: "change create", Err: err}
	}
	required := in.RequiredApprovers
	if required <= 0 {
		required = 1
	}

	c := &Change{
		ChangeID:           changeID,
		Title:              in.Title,
		Description:        in.Description,
		Status:             ChangeDraft,
		Type:               in.Type,
		Risk:               in.Risk,
		CABRequired:        CABRequired(in.Type, in.Risk),
		ImplementationPlan: in.ImplementationPlan,
		RollbackPlan:       in.RollbackPlan,
		RiskAssessment:     in.RiskAssessment,
		AffectedServices:   in.AffectedServices,
		Approval:           Approval{CABStatus: CABPending, RequiredApprovers: required},
		Schedule:           Schedule{PlannedStart: in.PlannedStart, PlannedEnd: in.PlannedEnd, MaintenanceWindow: in.MaintenanceWindow},
		RequestedBy:        in.RequestedBy,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	err = s.db.QueryRow(ctx, `insert into changes
(change_id, title, description, status, change_type, risk, cab_required,
 implementation_plan, rollback_plan, risk_assessment, affected_services,
 cab_status, required_approvers, planned_start, planned_end, maintenance_window,
 requested_by, created_at, updated_at)
values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,nullif($16,''),$17,$18,$18)
returning id::text`,
		c.ChangeID, c.Title, c.Description, string(c.Status), string(c.Type), string(c.Risk),
		c.CABRequired, c.ImplementationPlan, c.RollbackPlan, c.RiskAssessment, c.AffectedServices,
		string(c.Approval.CABStatus), c.Approval.RequiredApprovers,
		c.Schedule.PlannedStart, c.Schedule.PlannedEnd, c.Schedule.MaintenanceWindow,
		c.RequestedBy, now).Scan(&c.ID)
	if err != nil {
		return nil, err
	}
	appendTimeline(ctx, s.db, "change", c.ID, "Change created", in.Actor, map[string]any{
		"change_id":    c.ChangeID,
		"cab_required": c.CABRequired,
	})
	return c, nil
}

// Get resolves a change by row id or human-readable CHG id, including the
// recorded CAB member decisions.
func (s *ChangeService) Get(ctx context.Context, id string) (*Change, error) {
	c, err := scanChange(s.db.QueryRow(ctx,
		`select `+changeCols+` from changes where id::text=$1 or change_id=$1`, id))
	if err == pgx.ErrNoRows {
		return nil, &NotFoundError{Entity: "change", ID: id}
	}
	if err != nil {
		return nil, err
	}
	rows, err := s.db.Query(ctx, `select member_id, coalesce(name,''), coalesce(role,''), decision, decided_at, coalesce(comments,'')
from change_approvals where change_id=$1 order by decided_at asc`, c.ID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var m CABMember
		if err := rows.Scan(&m.MemberID, &m.Name, &m.Role, &m.Decision, &m.DecidedAt, &m.Comments); err != nil {
			return nil, err
		}
		c.Approval.Members = append(c.Approval.Members, m)
	}
	return c, rows.Err()
}

// List returns recent changes, optionally filtered by status.
func (s *ChangeService) List(ctx context.Context, status string, limit int) ([]Change, error) {
	if limit <= 0 || limit > 200 {
		limit = 100
	}
	q := `select ` + changeCols + ` from changes`
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
	out := []Change{}
	for rows.Next() {
		c, err := scanChange(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

// UpdateChangeInput carries editable fields; nil pointers leave a field as is.
type UpdateChangeInput struct {
	Title              *string
	Description        *string
	Risk               *Risk
	ImplementationPlan *string
	RollbackPlan       *string
	RiskAssessment     *string
	AffectedServices   []string
	RequiredApprovers  *int
	PlannedStart       *time.Time
	PlannedEnd         *time.Time
	MaintenanceWindow  *string
	Actor              string
}

// Update edits a change. Permitted only while the change is editable
// (draft or rejected); a rejected change is revived by editing and
// resubmitting.
func (s *ChangeService) Update(ctx context.Context, id string, in UpdateChangeInput) (*Change, error) {
	c, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if c.Status != ChangeDraft && c.Status != ChangeRejected {
		return nil, &ValidationError{Fields: map[string]string{
			"status": "change can only be edited in draft or rejected",
		}}
	}
	if in.Title != nil {
		c.Title = *in.Title
	}
	if in.Description != nil {
		c.Description = *in.Description
	}
	if in.Risk != nil {
		if !in.Risk.Valid() {
			return nil, &ValidationError{Fields: map[string]string{"risk": "must be high, medium or low"}}
		}
		c.Risk = *in.Risk
	}
	if in.ImplementationPlan != nil {
		c.ImplementationPlan = *in.ImplementationPlan
	}
	if in.RollbackPlan != nil {
		c.RollbackPlan = *in.RollbackPlan
	}
	if in.RiskAssessment != nil {
		c.RiskAssessment = *in.RiskAssessment
	}
	if in.AffectedServices != nil {
		c.AffectedServices = in.AffectedServices
	}
	if in.RequiredApprovers != nil && *in.RequiredApprovers > 0 {
		c.Approval.RequiredApprovers = *in.RequiredApprovers
	}
	if in.PlannedStart != nil {
		c.Schedule.PlannedStart = in.PlannedStart
	}
	if in.PlannedEnd != nil {
		c.Schedule.PlannedEnd = in.PlannedEnd
	}
	if in.MaintenanceWindow != nil {
		c.Schedule.MaintenanceWindow = *in.MaintenanceWindow
	}
	c.UpdatedAt = s.Now()
	_, err = s.db.Exec(ctx, `update changes
set title=$2, description=$3, risk=$4, implementation_plan=$5, rollback_plan=$6, risk_assessment=$7,
    affected_services=$8, required_approvers=$9, planned_start=$10, planned_end=$11,
    maintenance_window=nullif($12,''), updated_at=$13
where id=$1`,
		c.ID, c.Title, c.Description, string(c.Risk), c.ImplementationPlan, c.RollbackPlan,
		c.RiskAssessment, c.AffectedServices, c.Approval.RequiredApprovers,
		c.Schedule.PlannedStart, c.Schedule.PlannedEnd, c.Schedule.MaintenanceWindow, c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	appendTimeline(ctx, s.db, "change", c.ID, "Change updated", in.Actor, nil)
	return c, nil
}

// Submit moves a draft (or revived rejected) change into approval. Changes
// that require CAB go to cab_review; the rest are approved immediately.
func (s *ChangeService) Submit(ctx context.Context, id, actor string) (*Change, error) {
	c, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if c.Status != ChangeDraft && c.Status != ChangeRejected {
		return nil, &InvalidTransitionError{Entity: "change", From: string(c.Status), To: string(ChangeCABReview)}
	}
	if fields := c.missingForSubmit(); len(fields) > 0 {
		return nil, &ValidationError{Fields: fields}
	}

	now := s.Now()
	c.UpdatedAt = now
	if c.CABRequired {
		c.Status = ChangeCABReview
		c.Approval.CABStatus = CABPending
		_, err = s.db.Exec(ctx, `update changes set status=$2, cab_status=$3, updated_at=$4 where id=$1`,
			c.ID, string(c.Status), string(c.Approval.CABStatus), now)
	} else {
		c.Status = ChangeApproved
		c.Approval.CABStatus = CABApproved
		c.ApprovedAt = &now
		_, err = s.db.Exec(ctx, `update changes set status=$2, cab_status=$3, approved_at=$4, updated_at=$4 where id=$1`,
			c.ID, string(c.Status), string(c.Approval.CABStatus), now)
	}
	if err != nil {
		return nil, err
	}
	appendTimeline(ctx, s.db, "change", c.ID, "Submitted for approval", actor, map[string]any{
		"cab_required": c.CABRequired,
		"status":       string(c.Status),
	})
	return c, nil
}

// Decide records a CAB member's decision. The member's row is upserted and
// the approver count recomputed in the database so concurrent decisions
// cannot lose updates. A single rejection rejects the change outright and is
// not overridable by further approvals.
func (s *ChangeService) Decide(ctx context.Context, id string, member CABMember, actor string) (*Change, error) {
	if !member.Decision.Valid() {
		return nil, &ValidationError{Fields: map[string]string{"decision": "must be approved or rejected"}}
	}
	if strings.TrimSpace(member.MemberID) == "" {
		return nil, &ValidationError{Fields: map[string]string{"member_id": "required"}}
	}
	c, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if c.Status != ChangeCABReview {
		return nil, &InvalidTransitionError{Entity: "change", From: string(c.Status), To: string(ChangeApproved)}
	}

	now := s.Now()
	_, err = s.db.Exec(ctx, `insert into change_approvals (change_id, member_id, name, role, decision, comments, decided_at)
values ($1,$2,nullif($3,''),nullif($4,''),$5,nullif($6,''),$7)
on conflict (change_id, member_id) do update
set decision=excluded.decision, comments=excluded.comments, decided_at=excluded.decided_at,
    name=coalesce(excluded.name, change_approvals.name), role=coalesce(excluded.role, change_approvals.role)`,
		c.ID, member.MemberID, member.Name, member.Role, string(member.Decision), member.Comments, now)
	if err != nil {
		return nil, err
	}

	var current, required int
	err = s.db.QueryRow(ctx, `update changes
set current_approvers = (select count(*) from change_approvals where change_id=changes.id and decision='approved'),
    updated_at=$2
where id=$1
returning current_approvers, required_approvers`, c.ID, now).Scan(&current, &required)
	if err != nil {
		return nil, err
	}

	if member.Decision == DecisionRejected {
		_, err = s.db.Exec(ctx, `update changes set cab_status='rejected', status='rejected', updated_at=$2 where id=$1`, c.ID, now)
		if err != nil {
			return nil, err
		}
	} else if current >= required {
		// Quorum reached; a recorded rejection still wins.
		_, err = s.db.Exec(ctx, `update changes set cab_status='approved', status='approved', approved_at=$2, updated_at=$2
where id=$1 and status='cab_review'
  and not exists (select 1 from change_approvals where change_id=$1 and decision='rejected')`, c.ID, now)
		if err != nil {
			return nil, err
		}
	}

	appendTimeline(ctx, s.db, "change", c.ID, "CAB decision recorded", actor, map[string]string{
		"member_id": member.MemberID,
		"decision":  string(member.Decision),
		"comments":  member.Comments,
	})
	return s.Get(ctx, c.ID)
}

// ScheduleInput sets the implementation window for an approved change.
type ScheduleInput struct {
	PlannedStart      time.Time
	PlannedEnd        time.Time
	MaintenanceWindow string
	Actor             string
}

// ScheduleChange moves an approved change to scheduled.
func (s *ChangeService) ScheduleChange(ctx context.Context, id string, in ScheduleInput) (*Change, error) {
	c, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !c.Status.CanTransition(ChangeScheduled) {
		return nil, &InvalidTransitionError{Entity: "change", From: string(c.Status), To: string(ChangeScheduled)}
	}
	if in.PlannedEnd.Before(in.PlannedStart) {
		return nil, &ValidationError{Fields: map[string]string{"planned_end": "must not precede planned_start"}}
	}
	now := s.Now()
	c.Status = ChangeScheduled
	c.Schedule.PlannedStart = &in.PlannedStart
	c.Schedule.PlannedEnd = &in.PlannedEnd
	c.Schedule.MaintenanceWindow = in.MaintenanceWindow
	c.UpdatedAt = now
	_, err = s.db.Exec(ctx, `update changes
set status=$2, planned_start=$3, planned_end=$4, maintenance_window=nullif($5,''), updated_at=$6
where id=$1`, c.ID, string(c.Status), in.PlannedStart, in.PlannedEnd, in.MaintenanceWindow, now)
	if err != nil {
		return nil, err
	}
	appendTimeline(ctx, s.db, "change", c.ID, "Change scheduled", in.Actor, map[string]any{
		"planned_start": in.PlannedStart,
		"planned_end":   in.PlannedEnd,
	})
	return c, nil
}

// StartImplementation begins work on a scheduled change.
func (s *ChangeService) StartImplementation(ctx context.Context, id, actor string) (*Change, error) {
	c, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !c.Status.CanTransition(ChangeImplementing) {
		return nil, &InvalidTransitionError{Entity: "change", From: string(c.Status), To: string(ChangeImplementing)}
	}
	now := s.Now()
	c.Status = ChangeImplementing
	c.Schedule.ActualStart = &now
	c.UpdatedAt = now
	_, err = s.db.Exec(ctx, `update changes set status=$2, actual_start=$3, updated_at=$3 where id=$1`,
		c.ID, string(c.Status), now)
	if err != nil {
		return nil, err
	}
	appendTimeline(ctx, s.db, "change", c.ID, "Implementation started", actor, nil)
	return c, nil
}

// Complete finishes an implementing change as completed or failed.
func (s *ChangeService) Complete(ctx context.Context, id string, success bool, notes, actor string) (*Change, error) {
	c, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	to := ChangeCompleted
	if !success {
		to = ChangeFailed
	}
	if !c.Status.CanTransition(to) {
		return nil, &InvalidTransitionError{Entity: "change", From: string(c.Status), To: string(to)}
	}
	now := s.Now()
	c.Status = to
	c.Schedule.ActualEnd = &now
	c.CompletionNotes = notes
	c.UpdatedAt = now
	c.ClosedAt = &now
	_, err = s.db.Exec(ctx, `update changes
set status=$2, actual_end=$3, completion_notes=nullif($4,''), closed_at=$3, updated_at=$3
where id=$1`, c.ID, string(to), now, notes)
	if err != nil {
		return nil, err
	}
	appendTimeline(ctx, s.db, "change", c.ID, "Change "+string(to), actor, map[string]string{"notes": notes})
	return c, nil
}

// Cancel aborts a change from any state except completed or cancelled.
func (s *ChangeService) Cancel(ctx context.Context, id, reason, actor string) (*Change, error) {
	c, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !c.Status.CanTransition(ChangeCancelled) {
		return nil, &InvalidTransitionError{Entity: "change", From: string(c.Status), To: string(ChangeCancelled)}
	}
	now := s.Now()
	c.Status = ChangeCancelled
	c.UpdatedAt = now
	c.ClosedAt = &now
	_, err = s.db.Exec(ctx, `update changes set status='cancelled', closed_at=$2, updated_at=$2 where id=$1`, c.ID, now)
	if err != nil {
		return nil, err
	}
	appendTimeline(ctx, s.db, "change", c.ID, "Change cancelled", actor, map[string]string{"reason": reason})
	return c, nil
}
