package calendar

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// maxScanDays bounds the day walk so a calendar with no working windows
// cannot loop forever.
const maxScanDays = 3660

// Window is a working window within a single day, in seconds from midnight.
type Window struct {
	StartSec int
	EndSec   int
}

// Calendar resolves business time for a timezone: which instants count as
// working time, and how to add working minutes to an instant.
type Calendar struct {
	Location *time.Location
	Windows  map[time.Weekday]Window
	Holidays map[time.Time]struct{}
}

// ParseWindow converts "HH:MM" start/end strings into a Window.
func ParseWindow(start, end string) (Window, error) {
	s, err := parseHHMM(start)
	if err != nil {
		return Window{}, fmt.Errorf("start %q: %w", start, err)
	}
	e, err := parseHHMM(end)
	if err != nil {
		return Window{}, fmt.Errorf("end %q: %w", end, err)
	}
	if e < s {
		return Window{}, fmt.Errorf("window ends before it starts: %s-%s", start, end)
	}
	return Window{StartSec: s, EndSec: e}, nil
}

func parseHHMM(s string) (int, error) {
	parts := strings.SplitN(strings.TrimSpace(s), ":", 2)
	if len(parts) != 2 {
		return 0, fmt.Errorf("not HH:MM")
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, fmt.Errorf("bad hour")
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, fmt.Errorf("bad minute")
	}
	return h*3600 + m*60, nil
}

// AddHoliday marks the calendar day containing d as non-working.
func (c *Calendar) AddHoliday(d time.Time) {
	d = d.In(c.Location)
	day := time.Date(d.Year(), d.Month(), d.Day(), 0, 0, 0, 0, c.Location)
	if c.Holidays == nil {
		c.Holidays = make(map[time.Time]struct{})
	}
	c.Holidays[day] = struct{}{}
}

// IsWorking reports whether t falls inside a working window on a working day.
func (c *Calendar) IsWorking(t time.Time) bool {
	t = t.In(c.Location)
	dayStart := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, c.Location)
	if _, ok := c.Holidays[dayStart]; ok {
		return false
	}
	win, ok := c.Windows[dayStart.Weekday()]
	if !ok {
		return false
	}
	start := dayStart.Add(time.Duration(win.StartSec) * time.Second)
	end := dayStart.Add(time.Duration(win.EndSec) * time.Second)
	return !t.Before(start) && t.Before(end)
}

// AddMinutes returns the instant reached after consuming the given number of
// working minutes starting at start. Time outside working windows, weekends
// without a window, and holidays are skipped entirely.
func (c *Calendar) AddMinutes(start time.Time, minutes int) time.Time {
	remaining := time.Duration(minutes) * time.Minute
	cur := start.In(c.Location)
	for i := 0; i < maxScanDays; i++ {
		dayStart := time.Date(cur.Year(), cur.Month(), cur.Day(), 0, 0, 0, 0, c.Location)
		dayEnd := dayStart.Add(24 * time.Hour)
		if _, ok := c.Holidays[dayStart]; ok {
			cur = dayEnd
			continue
		}
		win, ok := c.Windows[dayStart.Weekday()]
		if !ok {
			cur = dayEnd
			continue
		}
		bhStart := dayStart.Add(time.Duration(win.StartSec) * time.Second)
		bhEnd := dayStart.Add(time.Duration(win.EndSec) * time.Second)
		if cur.Before(bhStart) {
			cur = bhStart
		}
		if !cur.Before(bhEnd) {
			cur = dayEnd
			continue
		}
		avail := bhEnd.Sub(cur)
		if remaining <= avail {
			return cur.Add(remaining)
		}
		remaining -= avail
		cur = dayEnd
	}
	return cur
}

// BusinessDuration reports how much working time elapsed between start and end.
func (c *Calendar) BusinessDuration(start, end time.Time) time.Duration {
	if end.Before(start) {
		start, end = end, start
	}
	start = start.In(c.Location)
	end = end.In(c.Location)
	total := time.Duration(0)
	cur := start
	for cur.Before(end) {
		dayStart := time.Date(cur.Year(), cur.Month(), cur.Day(), 0, 0, 0, 0, c.Location)
		dayEnd := dayStart.Add(24 * time.Hour)
		if _, ok := c.Holidays[dayStart]; ok {
			cur = dayEnd
			continue
		}
		win, ok := c.Windows[dayStart.Weekday()]
		if !ok {
			cur = dayEnd
			continue
		}
		bhStart := dayStart.Add(time.Duration(win.StartSec) * time.Second)
		bhEnd := dayStart.Add(time.Duration(win.EndSec) * time.Second)
		if cur.Before(bhStart) {
			cur = bhStart
		}
		if cur.After(bhEnd) {
			cur = dayEnd
			continue
		}
		e := minTime(end, bhEnd)
		if e.After(cur) {
			total += e.Sub(cur)
		}
		cur = e
		if cur.Equal(bhEnd) {
			cur = dayEnd
		}
	}
	return total
}

func minTime(a, b time.Time) time.Time {
	if a.Before(b) {
		return a
	}
	return b
}
