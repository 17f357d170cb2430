package sla

import (
	"context"
	"testing"
	"time"
)

type staticSource struct {
	pol *Policy
	err error
}

func (s *staticSource) Resolve(ctx context.Context, p Priority, categoryID, siteID string) (*Policy, error) {
	return s.pol, s.err
}

func fixedEngine(src PolicySource, at time.Time) *Engine {
	e := NewEngine(src)
	e.Now = func() time.Time { return at }
	return e
}

func TestDerivePriorityDeterministic(t *testing.T) {
	levels := []Level{LevelHigh, LevelMedium, LevelLow}
	for _, i := range levels {
		for _, u := range levels {
			a := DerivePriority(i, u)
			b := DerivePriority(i, u)
			if a != b {
				t.Fatalf("DerivePriority(%s,%s) not deterministic: %s vs %s", i, u, a, b)
			}
			if !a.Valid() {
				t.Fatalf("DerivePriority(%s,%s) = %q, not a valid priority", i, u, a)
			}
		}
	}
	if got := DerivePriority(LevelHigh, LevelHigh); got != PriorityCritical {
		t.Fatalf("high/high = %s, want critical", got)
	}
	if got := DerivePriority(LevelLow, LevelLow); got != PriorityLow {
		t.Fatalf("low/low = %s, want low", got)
	}
}

func TestCalculateFallback(t *testing.T) {
	created := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	e := fixedEngine(&staticSource{}, created)
	cfg := e.Calculate(context.Background(), PriorityCritical, "", "", created)
	if want := created.Add(30 * time.Minute); !cfg.ResponseDue.Equal(want) {
		t.Fatalf("response due %v, want %v", cfg.ResponseDue, want)
	}
	if want := created.Add(4 * time.Hour); !cfg.ResolutionDue.Equal(want) {
		t.Fatalf("resolution due %v, want %v", cfg.ResolutionDue, want)
	}
	if cfg.Breached || cfg.EscalationLevel != 0 {
		t.Fatalf("fresh config should not be breached or escalated: %+v", cfg)
	}
	if cfg.ResolutionDue.Before(cfg.ResponseDue) {
		t.Fatal("resolution due must not precede response due")
	}
}

func TestCalculateWallClock(t *testing.T) {
	created := time.Date(2025, 3, 8, 23, 0, 0, 0, time.UTC) // Saturday night
	pol := &Policy{ID: "p1", Priority: PriorityHigh, ResponseMins: 120, ResolutionMins: 480}
	e := fixedEngine(&staticSource{pol: pol}, created)
	cfg := e.Calculate(context.Background(), PriorityHigh, "", "", created)
	if want := created.Add(8 * time.Hour); !cfg.ResolutionDue.Equal(want) {
		t.Fatalf("wall-clock policy must not skip the weekend: %v, want %v", cfg.ResolutionDue, want)
	}
	if cfg.PolicyID != "p1" {
		t.Fatalf("policy id %q, want p1", cfg.PolicyID)
	}
}

func mondayToFriday() *BusinessHours {
	bh := &BusinessHours{Timezone: "UTC"}
	for d := time.Monday; d <= time.Friday; d++ {
		bh.Days[d] = DaySchedule{Working: true, Start: "08:00", End: "17:00"}
	}
	return bh
}

func TestCalculateBusinessHours(t *testing.T) {
	// Friday 16:30 UTC; 120 business minutes land Monday 09:30.
	created := time.Date(2025, 6, 6, 16, 30, 0, 0, time.UTC)
	pol := &Policy{
		ID: "p2", Priority: PriorityMedium,
		ResponseMins: 120, ResponseBizHours: true,
		ResolutionMins: 120, ResolutionBizHours: true,
		Hours: mondayToFriday(),
	}
	e := fixedEngine(&staticSource{pol: pol}, created)
	cfg := e.Calculate(context.Background(), PriorityMedium, "", "", created)
	want := time.Date(2025, 6, 9, 9, 30, 0, 0, time.UTC)
	if !cfg.ResolutionDue.Equal(want) {
		t.Fatalf("resolution due %v, want %v", cfg.ResolutionDue, want)
	}
}

func TestCalculatePolicyErrorFallsBack(t *testing.T) {
	created := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	e := fixedEngine(&staticSource{err: context.DeadlineExceeded}, created)
	cfg := e.Calculate(context.Background(), PriorityLow, "", "", created)
	if want := created.Add(72 * time.Hour); !cfg.ResolutionDue.Equal(want) {
		t.Fatalf("fallback resolution due %v, want %v", cfg.ResolutionDue, want)
	}
}

func TestCheckBreach(t *testing.T) {
	created := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	cfg := Config{
		ResponseDue:   created.Add(30 * time.Minute),
		ResolutionDue: created.Add(4 * time.Hour),
	}

	e := fixedEngine(nil, created.Add(10*time.Minute))
	st := e.CheckBreach(cfg)
	if st.Breached {
		t.Fatalf("not yet due, got breach: %+v", st)
	}
	if st.RemainingMinutes != 230 {
		t.Fatalf("remaining %d, want 230", st.RemainingMinutes)
	}

	e.Now = func() time.Time { return created.Add(45 * time.Minute) }
	st = e.CheckBreach(cfg)
	if !st.Breached || st.Type != "response" {
		t.Fatalf("expected response breach, got %+v", st)
	}

	met := true
	cfg.ResponseMet = &met
	e.Now = func() time.Time { return created.Add(5 * time.Hour) }
	st = e.CheckBreach(cfg)
	if !st.Breached || st.Type != "resolution" {
		t.Fatalf("expected resolution breach, got %+v", st)
	}
}

func TestEscalationLevelDefaults(t *testing.T) {
	created := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	cases := []struct {
		elapsed time.Duration
		want    int
	}{
		{30 * time.Minute, 0},
		{61 * time.Minute, 1},
		{121 * time.Minute, 2},
		{241 * time.Minute, 3},
	}
	for _, tc := range cases {
		e := fixedEngine(nil, created.Add(tc.elapsed))
		if got := e.EscalationLevel(created, nil); got != tc.want {
			t.Fatalf("elapsed %v: level %d, want %d", tc.elapsed, got, tc.want)
		}
	}
}

func TestEscalationLevelMatrix(t *testing.T) {
	created := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	steps := []EscalationStep{
		{Level: 1, AfterMinutes: 15, NotifyRole: "team_lead"},
		{Level: 2, AfterMinutes: 45, NotifyRole: "manager"},
	}
	e := fixedEngine(nil, created.Add(30*time.Minute))
	if got := e.EscalationLevel(created, steps); got != 1 {
		t.Fatalf("level %d, want 1", got)
	}
	e.Now = func() time.Time { return created.Add(2 * time.Hour) }
	if got := e.EscalationLevel(created, steps); got != 2 {
		t.Fatalf("level %d, want 2", got)
	}
}

func TestPauseResumeShiftsDueDates(t *testing.T) {
	base := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	cfg := Config{
		ResponseDue:   base.Add(time.Hour),
		ResolutionDue: base.Add(8 * time.Hour),
	}

	e := fixedEngine(nil, base)
	paused := e.Pause(cfg)
	if paused.PausedAt == nil || !paused.PausedAt.Equal(base) {
		t.Fatalf("pause not stamped: %+v", paused)
	}
	if !paused.ResponseDue.Equal(cfg.ResponseDue) {
		t.Fatal("pause must leave due dates untouched")
	}
	// Pausing again is a no-op.
	e.Now = func() time.Time { return base.Add(time.Minute) }
	if again := e.Pause(paused); !again.PausedAt.Equal(base) {
		t.Fatal("double pause moved the pause stamp")
	}

	e.Now = func() time.Time { return base.Add(90 * time.Minute) }
	resumed := e.Resume(paused)
	if resumed.PausedAt != nil {
		t.Fatal("resume must clear paused_at")
	}
	if want := cfg.ResponseDue.Add(90 * time.Minute); !resumed.ResponseDue.Equal(want) {
		t.Fatalf("response due %v, want %v", resumed.ResponseDue, want)
	}
	if want := cfg.ResolutionDue.Add(90 * time.Minute); !resumed.ResolutionDue.Equal(want) {
		t.Fatalf("resolution due %v, want %v", resumed.ResolutionDue, want)
	}
	if resumed.PausedMinutes != 90 {
		t.Fatalf("paused minutes %d, want 90", resumed.PausedMinutes)
	}

	// Second resume is a no-op.
	e.Now = func() time.Time { return base.Add(5 * time.Hour) }
	twice := e.Resume(resumed)
	if !twice.ResponseDue.Equal(resumed.ResponseDue) || twice.PausedMinutes != 90 {
		t.Fatalf("second resume must be a no-op: %+v", twice)
	}
}

func TestMarkResponseAndResolution(t *testing.T) {
	base := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	cfg := Config{
		ResponseDue:   base.Add(time.Hour),
		ResolutionDue: base.Add(4 * time.Hour),
	}

	e := fixedEngine(nil, base.Add(30*time.Minute))
	got := e.MarkResponseMet(cfg)
	if got.ResponseMet == nil || !*got.ResponseMet {
		t.Fatalf("response within target should be met: %+v", got)
	}

	e.Now = func() time.Time { return base.Add(5 * time.Hour) }
	got = e.MarkResolutionMet(got)
	if got.ResolutionMet == nil || *got.ResolutionMet {
		t.Fatalf("late resolution should not be met: %+v", got)
	}
	if !got.Breached {
		t.Fatal("late resolution must set the breach flag")
	}
}

func TestCompliance(t *testing.T) {
	met, missed := true, false
	cfgs := []Config{
		{ResolutionMet: &met},
		{ResolutionMet: &met},
		{ResolutionMet: &missed},
		{}, // unresolved, excluded
	}
	r := Compliance(cfgs)
	if r.Total != 3 || r.Met != 2 || r.Breached != 1 {
		t.Fatalf("unexpected report: %+v", r)
	}
	if r.Percent != 67 {
		t.Fatalf("percent %d, want 67", r.Percent)
	}
	if empty := Compliance(nil); empty.Percent != 100 {
		t.Fatalf("empty set should report 100, got %d", empty.Percent)
	}
}
