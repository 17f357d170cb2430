package workflow

import (
	"context"
	"strings"
	"testing"
	"time"
)

var changeStatuses = []ChangeStatus{
	ChangeDraft, ChangeCABReview, ChangeApproved, ChangeRejected,
	ChangeScheduled, ChangeImplementing, ChangeCompleted, ChangeFailed, ChangeCancelled,
}

func TestChangeTransitionTable(t *testing.T) {
	allowed := map[ChangeStatus]map[ChangeStatus]bool{
		ChangeDraft:        {ChangeCABReview: true, ChangeApproved: true, ChangeCancelled: true},
		ChangeCABReview:    {ChangeApproved: true, ChangeRejected: true, ChangeCancelled: true},
		ChangeApproved:     {ChangeScheduled: true, ChangeCancelled: true},
		ChangeRejected:     {ChangeCABReview: true, ChangeApproved: true, ChangeCancelled: true},
		ChangeScheduled:    {ChangeImplementing: true, ChangeCancelled: true},
		ChangeImplementing: {ChangeCompleted: true, ChangeFailed: true, ChangeCancelled: true},
		ChangeCompleted:    {},
		ChangeFailed:       {ChangeCancelled: true},
		ChangeCancelled:    {},
	}
	for _, from := range changeStatuses {
		for _, to := range changeStatuses {
			if got := from.CanTransition(to); got != allowed[from][to] {
				t.Errorf("%s -> %s: got %v, want %v", from, to, got, allowed[from][to])
			}
		}
	}
}

func TestCABRequiredRule(t *testing.T) {
	tests := []struct {
		typ  ChangeType
		risk Risk
		want bool
	}{
		{ChangeNormal, RiskHigh, true},
		{ChangeNormal, RiskMedium, true},
		{ChangeNormal, RiskLow, false},
		{ChangeStandard, RiskHigh, false},
		{ChangeStandard, RiskLow, false},
		{ChangeEmergency, RiskHigh, false},
		{ChangeEmergency, RiskLow, false},
	}
	for _, tt := range tests {
		if got := CABRequired(tt.typ, tt.risk); got != tt.want {
			t.Errorf("CABRequired(%s, %s) = %v, want %v", tt.typ, tt.risk, got, tt.want)
		}
	}
}

func newChangeService(t *testing.T, now time.Time) (*ChangeService, *fakeDB) {
	db := &fakeDB{t: t}
	svc := NewChangeService(db)
	svc.Now = fixedClock(now)
	return svc, db
}

// testChange returns a change that passes submission validation.
func testChange(status ChangeStatus, now time.Time) *Change {
	start := now.Add(24 * time.Hour)
	end := now.Add(26 * time.Hour)
	return &Change{
		ID:                 "chg-row-1",
		ChangeID:           "CHG-2025-00001",
		Title:              "upgrade mail cluster",
		Status:             status,
		Type:               ChangeNormal,
		Risk:               RiskHigh,
		CABRequired:        true,
		ImplementationPlan: "drain, upgrade, rejoin",
		RollbackPlan:       "reimage from snapshot",
		RiskAssessment:     "two node outage window",
		AffectedServices:   []string{"mail"},
		Approval:           Approval{CABStatus: CABPending, RequiredApprovers: 2},
		Schedule:           Schedule{PlannedStart: &start, PlannedEnd: &end},
		RequestedBy:        "user-1",
		CreatedAt:          now.Add(-time.Hour),
		UpdatedAt:          now.Add(-time.Hour),
	}
}

func TestCreateChangeComputesCABRequired(t *testing.T) {
	now := time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)
	svc, db := newChangeService(t, now)
	db.rowQueue = []*stubRow{
		{vals: []any{1, 2025}},
		{vals: []any{"chg-row-1"}},
	}
	c, err := svc.Create(context.Background(), CreateChangeInput{
		Title: "patch routers", Type: ChangeNormal, Risk: RiskLow, RequestedBy: "user-1",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if c.ChangeID != "CHG-2025-00001" {
		t.Fatalf("change id %s", c.ChangeID)
	}
	if c.Status != ChangeDraft {
		t.Fatalf("status %s, want draft", c.Status)
	}
	if c.CABRequired {
		t.Fatal("low risk normal change must not require CAB")
	}
	if c.Approval.RequiredApprovers != 1 {
		t.Fatalf("required approvers %d, want default 1", c.Approval.RequiredApprovers)
	}
}

func TestSubmitValidationListsEveryMissingField(t *testing.T) {
	now := time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)
	svc, db := newChangeService(t, now)
	c := testChange(ChangeDraft, now)
	c.ImplementationPlan = ""
	c.RollbackPlan = ""
	c.RiskAssessment = ""
	c.AffectedServices = nil
	c.Schedule = Schedule{}
	db.rowQueue = []*stubRow{{vals: changeVals(c)}}

	_, err := svc.Submit(context.Background(), "chg-row-1", "user-1")
	ve, ok := AsValidation(err)
	if !ok {
		t.Fatalf("want ValidationError, got %v", err)
	}
	want := []string{"implementation_plan", "rollback_plan", "risk_assessment", "affected_services", "planned_start", "planned_end"}
	for _, f := range want {
		if _, present := ve.Fields[f]; !present {
			t.Errorf("missing field %s in %v", f, ve.Fields)
		}
	}
	if len(ve.Fields) != len(want) {
		t.Errorf("fields %v, want exactly %d", ve.Fields, len(want))
	}
}

func TestSubmitCABRequiredEntersReview(t *testing.T) {
	now := time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)
	svc, db := newChangeService(t, now)
	db.rowQueue = []*stubRow{{vals: changeVals(testChange(ChangeDraft, now))}}

	c, err := svc.Submit(context.Background(), "chg-row-1", "user-1")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if c.Status != ChangeCABReview {
		t.Fatalf("status %s, want cab_review", c.Status)
	}
	if c.Approval.CABStatus != CABPending {
		t.Fatalf("cab status %s, want pending", c.Approval.CABStatus)
	}
	if c.ApprovedAt != nil {
		t.Fatal("cab-gated change must not be approved at submit")
	}
}

func TestSubmitWithoutCABApprovesDirectly(t *testing.T) {
	now := time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)
	svc, db := newChangeService(t, now)
	c := testChange(ChangeDraft, now)
	c.Type = ChangeStandard
	c.CABRequired = false
	db.rowQueue = []*stubRow{{vals: changeVals(c)}}

	got, err := svc.Submit(context.Background(), "chg-row-1", "user-1")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if got.Status != ChangeApproved {
		t.Fatalf("status %s, want approved", got.Status)
	}
	if got.ApprovedAt == nil || !got.ApprovedAt.Equal(now) {
		t.Fatal("approved_at must be stamped")
	}
}

func TestSubmitFromScheduledRejected(t *testing.T) {
	now := time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)
	svc, db := newChangeService(t, now)
	db.rowQueue = []*stubRow{{vals: changeVals(testChange(ChangeScheduled, now))}}

	_, err := svc.Submit(context.Background(), "chg-row-1", "user-1")
	if !IsInvalidTransition(err) {
		t.Fatalf("want InvalidTransitionError, got %v", err)
	}
}

func TestResubmitAfterRejection(t *testing.T) {
	now := time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)
	svc, db := newChangeService(t, now)
	db.rowQueue = []*stubRow{{vals: changeVals(testChange(ChangeRejected, now))}}

	c, err := svc.Submit(context.Background(), "chg-row-1", "user-1")
	if err != nil {
		t.Fatalf("resubmit: %v", err)
	}
	if c.Status != ChangeCABReview {
		t.Fatalf("status %s, want cab_review", c.Status)
	}
}

func TestDecideRejectionWinsImmediately(t *testing.T) {
	now := time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)
	svc, db := newChangeService(t, now)
	inReview := testChange(ChangeCABReview, now)
	after := testChange(ChangeRejected, now)
	after.Approval.CABStatus = CABRejected
	db.rowQueue = []*stubRow{
		{vals: changeVals(inReview)}, // Get before deciding
		{vals: []any{0, 2}},          // quorum recompute: 0 approvals of 2
		{vals: changeVals(after)},    // reload after decision
	}

	got, err := svc.Decide(context.Background(), "chg-row-1",
		CABMember{MemberID: "cab-1", Decision: DecisionRejected, Comments: "window too risky"}, "cab-1")
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if got.Status != ChangeRejected || got.Approval.CABStatus != CABRejected {
		t.Fatalf("status %s/%s, want rejected/rejected", got.Status, got.Approval.CABStatus)
	}
	rejects := db.execsMatching("cab_status='rejected'")
	if len(rejects) != 1 {
		t.Fatalf("rejection updates %d, want 1", len(rejects))
	}
}

func TestDecideQuorumApproves(t *testing.T) {
	now := time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)
	svc, db := newChangeService(t, now)
	inReview := testChange(ChangeCABReview, now)
	inReview.Approval.CurrentApprovers = 1
	after := testChange(ChangeApproved, now)
	after.Approval.CABStatus = CABApproved
	after.Approval.CurrentApprovers = 2
	db.rowQueue = []*stubRow{
		{vals: changeVals(inReview)},
		{vals: []any{2, 2}}, // second approval reaches quorum
		{vals: changeVals(after)},
	}

	got, err := svc.Decide(context.Background(), "chg-row-1",
		CABMember{MemberID: "cab-2", Decision: DecisionApproved}, "cab-2")
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if got.Status != ChangeApproved {
		t.Fatalf("status %s, want approved", got.Status)
	}
	approvals := db.execsMatching("cab_status='approved'")
	if len(approvals) != 1 {
		t.Fatalf("approval updates %d, want 1", len(approvals))
	}
	// The approval update must refuse to fire if any rejection exists.
	if !strings.Contains(approvals[0].sql, "decision='rejected'") {
		t.Fatal("quorum update must guard against recorded rejections")
	}
}

func TestDecideBelowQuorumStaysInReview(t *testing.T) {
	now := time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)
	svc, db := newChangeService(t, now)
	inReview := testChange(ChangeCABReview, now)
	after := testChange(ChangeCABReview, now)
	after.Approval.CurrentApprovers = 1
	db.rowQueue = []*stubRow{
		{vals: changeVals(inReview)},
		{vals: []any{1, 2}}, // first of two required approvals
		{vals: changeVals(after)},
	}

	got, err := svc.Decide(context.Background(), "chg-row-1",
		CABMember{MemberID: "cab-1", Decision: DecisionApproved}, "cab-1")
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if got.Status != ChangeCABReview {
		t.Fatalf("status %s, want cab_review", got.Status)
	}
	if len(db.execsMatching("cab_status='approved'")) != 0 {
		t.Fatal("below quorum must not approve")
	}
}

func TestDecideOutsideReviewRejected(t *testing.T) {
	now := time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)
	svc, db := newChangeService(t, now)
	db.rowQueue = []*stubRow{{vals: changeVals(testChange(ChangeDraft, now))}}

	_, err := svc.Decide(context.Background(), "chg-row-1",
		CABMember{MemberID: "cab-1", Decision: DecisionApproved}, "cab-1")
	if !IsInvalidTransition(err) {
		t.Fatalf("want InvalidTransitionError, got %v", err)
	}
}

func TestUpdateOnlyEditableStates(t *testing.T) {
	now := time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)
	svc, db := newChangeService(t, now)
	db.rowQueue = []*stubRow{{vals: changeVals(testChange(ChangeScheduled, now))}}

	_, err := svc.Update(context.Background(), "chg-row-1", UpdateChangeInput{})
	ve, ok := AsValidation(err)
	if !ok {
		t.Fatalf("want ValidationError, got %v", err)
	}
	if _, present := ve.Fields["status"]; !present {
		t.Fatalf("fields %v", ve.Fields)
	}
}

func TestImplementAndComplete(t *testing.T) {
	now := time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)
	svc, db := newChangeService(t, now)
	db.rowQueue = []*stubRow{{vals: changeVals(testChange(ChangeScheduled, now))}}

	c, err := svc.StartImplementation(context.Background(), "chg-row-1", "tech-1")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if c.Status != ChangeImplementing || c.Schedule.ActualStart == nil {
		t.Fatalf("start not stamped: %s %v", c.Status, c.Schedule.ActualStart)
	}

	db.rowQueue = []*stubRow{{vals: changeVals(c)}}
	done, err := svc.Complete(context.Background(), "chg-row-1", false, "rollback executed", "tech-1")
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if done.Status != ChangeFailed {
		t.Fatalf("status %s, want failed", done.Status)
	}
	if done.Schedule.ActualEnd == nil || done.ClosedAt == nil {
		t.Fatal("failed completion must stamp actual_end and closed_at")
	}
}

func TestCancelTerminalRejected(t *testing.T) {
	now := time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)
	svc, db := newChangeService(t, now)
	db.rowQueue = []*stubRow{{vals: changeVals(testChange(ChangeCompleted, now))}}

	_, err := svc.Cancel(context.Background(), "chg-row-1", "no longer needed", "user-1")
	if !IsInvalidTransition(err) {
		t.Fatalf("want InvalidTransitionError, got %v", err)
	}
}
