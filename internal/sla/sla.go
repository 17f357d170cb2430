package sla

import (
	"time"

	"github.com/opsdesk/servicedesk-go/internal/calendar"
)

// Priority is the derived incident priority.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityMedium   Priority = "medium"
	PriorityLow      Priority = "low"
)

// Valid reports whether p is one of the defined priorities.
func (p Priority) Valid() bool {
	switch p {
	case PriorityCritical, PriorityHigh, PriorityMedium, PriorityLow:
		return true
	}
	return false
}

// Level is used for impact and urgency inputs.
type Level string

const (
	LevelHigh   Level = "high"
	LevelMedium Level = "medium"
	LevelLow    Level = "low"
)

// Valid reports whether l is one of the defined levels.
func (l Level) Valid() bool {
	switch l {
	case LevelHigh, LevelMedium, LevelLow:
		return true
	}
	return false
}

// priorityMatrix maps (impact, urgency) to priority. Priority is always
// derived through this table, never set directly by callers.
var priorityMatrix = map[[2]Level]Priority{
	{LevelHigh, LevelHigh}:     PriorityCritical,
	{LevelHigh, LevelMedium}:   PriorityHigh,
	{LevelHigh, LevelLow}:      PriorityMedium,
	{LevelMedium, LevelHigh}:   PriorityHigh,
	{LevelMedium, LevelMedium}: PriorityMedium,
	{LevelMedium, LevelLow}:    PriorityLow,
	{LevelLow, LevelHigh}:      PriorityMedium,
	{LevelLow, LevelMedium}:    PriorityLow,
	{LevelLow, LevelLow}:       PriorityLow,
}

// DerivePriority computes priority from impact and urgency. Unknown inputs
// fall back to medium.
func DerivePriority(impact, urgency Level) Priority {
	if p, ok := priorityMatrix[[2]Level{impact, urgency}]; ok {
		return p
	}
	return PriorityMedium
}

// EscalationStep is one entry of a policy escalation matrix, ordered by
// AfterMinutes ascending.
type EscalationStep struct {
	Level        int      `json:"level"`
	AfterMinutes int      `json:"after_minutes"`
	NotifyRole   string   `json:"notify_role,omitempty"`
	NotifyUsers  []string `json:"notify_users,omitempty"`
	Action       string   `json:"action,omitempty"`
}

// DaySchedule is one weekday entry of a policy's business hours.
type DaySchedule struct {
	Working bool   `json:"working"`
	Start   string `json:"start,omitempty"` // HH:MM
	End     string `json:"end,omitempty"`   // HH:MM
}

// BusinessHours describes a policy's working week.
type BusinessHours struct {
	Timezone string         `json:"timezone"`
	Days     [7]DaySchedule `json:"days"`               // indexed by time.Weekday
	Holidays []string       `json:"holidays,omitempty"` // YYYY-MM-DD
}

// Calendar converts the schedule into a walkable calendar.
func (b *BusinessHours) Calendar() (*calendar.Calendar, error) {
	loc, err := time.LoadLocation(b.Timezone)
	if err != nil {
		return nil, err
	}
	cal := &calendar.Calendar{
		Location: loc,
		Windows:  make(map[time.Weekday]calendar.Window),
		Holidays: make(map[time.Time]struct{}),
	}
	for i, d := range b.Days {
		if !d.Working {
			continue
		}
		win, err := calendar.ParseWindow(d.Start, d.End)
		if err != nil {
			return nil, err
		}
		cal.Windows[time.Weekday(i)] = win
	}
	for _, h := range b.Holidays {
		d, err := time.ParseInLocation("2006-01-02", h, loc)
		if err != nil {
			return nil, err
		}
		cal.AddHoliday(d)
	}
	return cal, nil
}

// Policy is an SLA policy entity.
type Policy struct {
	ID                 string           `json:"id"`
	Name               string           `json:"name"`
	Priority           Priority         `json:"priority"`
	ResponseMins       int              `json:"response_mins"`
	ResponseBizHours   bool             `json:"response_business_hours"`
	ResolutionMins     int              `json:"resolution_mins"`
	ResolutionBizHours bool             `json:"resolution_business_hours"`
	Escalations        []EscalationStep `json:"escalations,omitempty"`
	Hours              *BusinessHours   `json:"hours,omitempty"`
	Categories         []string         `json:"categories,omitempty"`
	Sites              []string         `json:"sites,omitempty"`
	IsDefault          bool             `json:"is_default"`
	IsActive           bool             `json:"is_active"`
}

// Config is the SLA state carried on an incident or service request.
type Config struct {
	PolicyID        string     `json:"policy_id,omitempty"`
	ResponseDue     time.Time  `json:"response_due"`
	ResolutionDue   time.Time  `json:"resolution_due"`
	ResponseMet     *bool      `json:"response_met,omitempty"`
	ResolutionMet   *bool      `json:"resolution_met,omitempty"`
	RespondedAt     *time.Time `json:"responded_at,omitempty"`
	ResolvedAt      *time.Time `json:"resolved_at,omitempty"`
	Breached        bool       `json:"breached"`
	EscalationLevel int        `json:"escalation_level"`
	PausedAt        *time.Time `json:"paused_at,omitempty"`
	PausedMinutes   int        `json:"paused_minutes"`
}
