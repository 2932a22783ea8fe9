package collector

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// QuietHours is a daily window, in a named zone, during which polling pauses.
// A window whose start is after its end wraps past midnight.
type QuietHours struct {
	Enabled  bool
	Start    int
	End      int
	Location *time.Location
}

// ParseQuietHours builds a window from "HH:MM" clock strings and an IANA zone.
func ParseQuietHours(enabled bool, start, end, zone string) (QuietHours, error) {
	q := QuietHours{Enabled: enabled}
	var err error
	if q.Start, err = parseClock(start); err != nil {
		return QuietHours{}, fmt.Errorf("quiet hours start: %w", err)
	}
	if q.End, err = parseClock(end); err != nil {
		return QuietHours{}, fmt.Errorf("quiet hours end: %w", err)
	}
	if zone == "" {
		zone = "UTC"
	}
	if q.Location, err = time.LoadLocation(zone); err != nil {
		return QuietHours{}, fmt.Errorf("quiet hours timezone: %w", err)
	}
	return q, nil
}

// Active reports whether t falls inside the window, start inclusive, end exclusive.
func (q QuietHours) Active(t time.Time) bool {
	if !q.Enabled || q.Start == q.End {
		return false
	}
	loc := q.Location
	if loc == nil {
		loc = time.UTC
	}
	local := t.In(loc)
	minute := local.Hour()*60 + local.Minute()
	if q.Start < q.End {
		return minute >= q.Start && minute < q.End
	}
	return minute >= q.Start || minute < q.End
}

func (q QuietHours) String() string {
	if !q.Enabled {
		return "disabled"
	}
	zone := "UTC"
	if q.Location != nil {
		zone = q.Location.String()
	}
	return fmt.Sprintf("%02d:%02d-%02d:%02d %s", q.Start/60, q.Start%60, q.End/60, q.End%60, zone)
}

func parseClock(s string) (int, error) {
	hh, mm, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return 0, fmt.Errorf("invalid clock %q", s)
	}
	h, err := strconv.Atoi(hh)
	if err != nil || h < 0 || h > 23 {
		return 0, fmt.Errorf("invalid hour in %q", s)
	}
	m, err := strconv.Atoi(mm)
	if err != nil || m < 0 || m > 59 {
		return 0, fmt.Errorf("invalid minute in %q", s)
	}
	return h*60 + m, nil
}
