package sla

import (
	"context"
	"math"
	"time"

	"github.com/rs/zerolog/log"
)

// fallbackTargets is consulted when no policy applies: response/resolution
// minutes per priority, wall-clock.
var fallbackTargets = map[Priority][2]int{
	PriorityCritical: {30, 4 * 60},
	PriorityHigh:     {2 * 60, 8 * 60},
	PriorityMedium:   {4 * 60, 24 * 60},
	PriorityLow:      {8 * 60, 72 * 60},
}

// defaultEscalations applies when a policy carries no escalation matrix.
var defaultEscalations = []EscalationStep{
	{Level: 1, AfterMinutes: 60},
	{Level: 2, AfterMinutes: 120},
	{Level: 3, AfterMinutes: 240},
}

// PolicySource resolves the applicable policy for an incident. A nil policy
// with nil error means no policy applies and the fallback table is used.
type PolicySource interface {
	Resolve(ctx context.Context, p Priority, categoryID, siteID string) (*Policy, error)
}

// BreachStatus is the result of a breach check.
type BreachStatus struct {
	Breached         bool   `json:"is_breached"`
	Type             string `json:"breach_type,omitempty"` // "response" or "resolution"
	RemainingMinutes int    `json:"time_remaining_minutes"`
	EscalationLevel  int    `json:"escalation_level"`
}

// ComplianceReport summarizes SLA attainment over a set of incidents.
type ComplianceReport struct {
	Total    int `json:"total"`
	Met      int `json:"met"`
	Breached int `json:"breached"`
	Percent  int `json:"compliance_percent"`
}

// Engine computes due dates, breach state and escalation levels. The clock is
// injected for testability.
type Engine struct {
	Policies PolicySource
	Now      func() time.Time
}

// NewEngine constructs an Engine over the given policy source.
func NewEngine(src PolicySource) *Engine {
	return &Engine{Policies: src, Now: time.Now}
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// FallbackPolicy returns the hardcoded policy for a priority.
func FallbackPolicy(p Priority) *Policy {
	t, ok := fallbackTargets[p]
	if !ok {
		t = fallbackTargets[PriorityMedium]
	}
	return &Policy{
		Name:           "fallback",
		Priority:       p,
		ResponseMins:   t[0],
		ResolutionMins: t[1],
	}
}

// Calculate resolves the applicable policy and computes due dates from
// createdAt. A missing or failing policy source falls back to the hardcoded
// table rather than failing the request.
func (e *Engine) Calculate(ctx context.Context, p Priority, categoryID, siteID string, createdAt time.Time) Config {
	var pol *Policy
	if e.Policies != nil {
		var err error
		pol, err = e.Policies.Resolve(ctx, p, categoryID, siteID)
		if err != nil {
			log.Warn().Err(err).Str("priority", string(p)).Msg("sla policy lookup failed, using fallback")
			pol = nil
		}
	}
	if pol == nil {
		pol = FallbackPolicy(p)
	}
	return Config{
		PolicyID:      pol.ID,
		ResponseDue:   e.due(pol, createdAt, pol.ResponseMins, pol.ResponseBizHours),
		ResolutionDue: e.due(pol, createdAt, pol.ResolutionMins, pol.ResolutionBizHours),
	}
}

func (e *Engine) due(pol *Policy, start time.Time, minutes int, businessOnly bool) time.Time {
	if !businessOnly || pol.Hours == nil {
		return start.Add(time.Duration(minutes) * time.Minute)
	}
	cal, err := pol.Hours.Calendar()
	if err != nil {
		log.Warn().Err(err).Str("policy", pol.ID).Msg("bad business hours, using wall clock")
		return start.Add(time.Duration(minutes) * time.Minute)
	}
	return cal.AddMinutes(start, minutes)
}

// CheckBreach reports whether the config is currently breached. Response
// breach takes precedence over resolution breach; a non-breached result
// carries minutes remaining to the resolution due date.
func (e *Engine) CheckBreach(cfg Config) BreachStatus {
	now := e.now()
	if cfg.ResponseMet == nil && now.After(cfg.ResponseDue) {
		return BreachStatus{Breached: true, Type: "response", EscalationLevel: cfg.EscalationLevel}
	}
	if cfg.ResolutionMet == nil && now.After(cfg.ResolutionDue) {
		return BreachStatus{Breached: true, Type: "resolution", EscalationLevel: cfg.EscalationLevel}
	}
	remaining := int(math.Floor(cfg.ResolutionDue.Sub(now).Minutes()))
	if remaining < 0 {
		remaining = 0
	}
	return BreachStatus{RemainingMinutes: remaining, EscalationLevel: cfg.EscalationLevel}
}

// EscalationLevel returns the highest level whose threshold has been exceeded
// by the elapsed time since createdAt. An empty matrix uses the package
// defaults (60/120/240 minutes).
func (e *Engine) EscalationLevel(createdAt time.Time, steps []EscalationStep) int {
	if len(steps) == 0 {
		steps = defaultEscalations
	}
	elapsed := int(e.now().Sub(createdAt).Minutes())
	level := 0
	for _, s := range steps {
		if elapsed > s.AfterMinutes && s.Level > level {
			level = s.Level
		}
	}
	return level
}

// Pause stamps the pause time, leaving due dates untouched. Pausing an
// already-paused config is a no-op.
func (e *Engine) Pause(cfg Config) Config {
	if cfg.PausedAt != nil {
		return cfg
	}
	now := e.now()
	cfg.PausedAt = &now
	return cfg
}

// Resume shifts both due dates forward by the paused duration and clears the
// pause stamp. Resuming a non-paused config is a no-op.
func (e *Engine) Resume(cfg Config) Config {
	if cfg.PausedAt == nil {
		return cfg
	}
	d := e.now().Sub(*cfg.PausedAt)
	if d < 0 {
		d = 0
	}
	cfg.ResponseDue = cfg.ResponseDue.Add(d)
	cfg.ResolutionDue = cfg.ResolutionDue.Add(d)
	cfg.PausedMinutes += int(d.Minutes())
	cfg.PausedAt = nil
	return cfg
}

// MarkResponseMet records the first response against the response target.
func (e *Engine) MarkResponseMet(cfg Config) Config {
	now := e.now()
	met := !now.After(cfg.ResponseDue)
	cfg.ResponseMet = &met
	cfg.RespondedAt = &now
	return cfg
}

// MarkResolutionMet records resolution against the resolution target and
// stamps the breach flag when the target was missed.
func (e *Engine) MarkResolutionMet(cfg Config) Config {
	now := e.now()
	met := !now.After(cfg.ResolutionDue)
	cfg.ResolutionMet = &met
	cfg.ResolvedAt = &now
	cfg.Breached = !met
	return cfg
}

// Compliance aggregates attainment over configs with a determined resolution
// outcome. An empty input reports 100 percent.
func Compliance(cfgs []Config) ComplianceReport {
	r := ComplianceReport{}
	for _, c := range cfgs {
		if c.ResolutionMet == nil {
			continue
		}
		r.Total++
		if *c.ResolutionMet {
			r.Met++
		} else {
			r.Breached++
		}
	}
	if r.Total == 0 {
		r.Percent = 100
		return r
	}
	r.Percent = int(math.Round(100 * float64(r.Met) / float64(r.Total)))
	return r
}
