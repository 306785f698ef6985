package manager

import (
	"fmt"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata"
)

var weekdays = map[string]time.Weekday{
	"sun": time.Sunday,
	"mon": time.Monday,
	"tue": time.Tuesday,
	"wed": time.Wednesday,
	"thu": time.Thursday,
	"fri": time.Friday,
	"sat": time.Saturday,
}

// Schedule trading window for the tick loop: listed weekdays, hours From..To inclusive
type Schedule struct {
	Days     [7]bool
	FromHour int
	ToHour   int
	Location *time.Location
}

// AlwaysOpen schedule without restrictions
func AlwaysOpen() *Schedule {
	return &Schedule{Days: [7]bool{true, true, true, true, true, true, true}, FromHour: 0, ToHour: 23, Location: time.UTC}
}

// ParseSchedule parses cron-like specs, e.g. days "mon-fri" or "mon,wed,fri",
// hours "10-23", tz "Europe/Moscow". Empty values mean no restriction.
func ParseSchedule(days, hours, tz string) (*Schedule, error) {
	s := AlwaysOpen()

	if tz != "" {
		loc, err := time.LoadLocation(tz)
		if err != nil {
			return nil, fmt.Errorf("trading timezone %q: %w", tz, err)
		}
		s.Location = loc
	}

	if days = strings.ToLower(strings.TrimSpace(days)); days != "" && days != "*" {
		s.Days = [7]bool{}
		for _, part := range strings.Split(days, ",") {
			from, to, isRange := strings.Cut(strings.TrimSpace(part), "-")
			start, ok := weekdays[from]
			if !ok {
				return nil, fmt.Errorf("unknown weekday %q", from)
			}
			end := start
			if isRange {
				if end, ok = weekdays[to]; !ok {
					return nil, fmt.Errorf("unknown weekday %q", to)
				}
			}
			for d := start; ; d = (d + 1) % 7 {
				s.Days[d] = true
				if d == end {
					break
				}
			}
		}
	}

	if hours = strings.TrimSpace(hours); hours != "" && hours != "*" {
		from, to, isRange := strings.Cut(hours, "-")
		fromHour, err := strconv.Atoi(strings.TrimSpace(from))
		if err != nil {
			return nil, fmt.Errorf("trading hours %q: %w", hours, err)
		}
		toHour := fromHour
		if isRange {
			if toHour, err = strconv.Atoi(strings.TrimSpace(to)); err != nil {
				return nil, fmt.Errorf("trading hours %q: %w", hours, err)
			}
		}
		if fromHour < 0 || toHour > 23 || fromHour > toHour {
			return nil, fmt.Errorf("trading hours %q out of range", hours)
		}
		s.FromHour, s.ToHour = fromHour, toHour
	}
	return s, nil
}

// Open reports whether t falls inside the trading window
func (s *Schedule) Open(t time.Time) bool {
	if s == nil {
		return true
	}
	local := t.In(s.Location)
	if !s.Days[local.Weekday()] {
		return false
	}
	h := local.Hour()
	return h >= s.FromHour && h <= s.ToHour
}
