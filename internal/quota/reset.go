package quota

import (
	"fmt"
	"time"
	_ "time/tzdata"
)

// DefaultResetZone is where the upstream video quota rolls over: midnight
// Pacific time.
const DefaultResetZone = "America/Los_Angeles"

// ResetClock maps instants to quota days. A day starts at Hour:00 in Location.
type ResetClock struct {
	Location *time.Location
	Hour     int
}

// NewResetClock resolves a zone name. An empty zone means DefaultResetZone.
func NewResetClock(zone string, hour int) (ResetClock, error) {
	if zone == "" {
		zone = DefaultResetZone
	}
	loc, err := time.LoadLocation(zone)
	if err != nil {
		return ResetClock{}, fmt.Errorf("unknown reset timezone %q: %w", zone, err)
	}
	if hour < 0 || hour > 23 {
		return ResetClock{}, fmt.Errorf("reset hour %d out of range", hour)
	}
	return ResetClock{Location: loc, Hour: hour}, nil
}

func (c ResetClock) loc() *time.Location {
	if c.Location == nil {
		return time.UTC
	}
	return c.Location
}

// Day returns the quota day key (YYYY-MM-DD) that t falls in.
func (c ResetClock) Day(t time.Time) string {
	return t.In(c.loc()).Add(-time.Duration(c.Hour) * time.Hour).Format(time.DateOnly)
}

// NextReset returns the first reset instant strictly after t.
func (c ResetClock) NextReset(t time.Time) time.Time {
	local := t.In(c.loc())
	next := time.Date(local.Year(), local.Month(), local.Day(), c.Hour, 0, 0, 0, c.loc())
	if !next.After(local) {
		next = time.Date(local.Year(), local.Month(), local.Day()+1, c.Hour, 0, 0, 0, c.loc())
	}
	return next
}
