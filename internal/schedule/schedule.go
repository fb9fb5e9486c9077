// Package schedule computes the next firing instant for recurring tasks.
//
// All arithmetic runs in one fixed civil timezone offset chosen by
// deployment config, never the host timezone, so daily/weekly/monthly
// semantics stay reproducible across machines.
package schedule

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

type Kind string

const (
	KindInterval Kind = "interval"
	KindDaily    Kind = "daily"
	KindWeekly   Kind = "weekly"
	KindMonthly  Kind = "monthly"
)

// MonthlyDayPolicy decides what to do with day-of-month values that exceed a
// short month's length (29-31).
type MonthlyDayPolicy string

const (
	// MonthlyClamp moves the firing to the last day of the month.
	MonthlyClamp MonthlyDayPolicy = "clamp"
	// MonthlyReject refuses such values at validation time.
	MonthlyReject MonthlyDayPolicy = "reject"
)

func ParseMonthlyDayPolicy(s string) (MonthlyDayPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", string(MonthlyClamp):
		return MonthlyClamp, nil
	case string(MonthlyReject):
		return MonthlyReject, nil
	default:
		return "", fmt.Errorf("unknown monthly day policy %q", s)
	}
}

// Spec holds the kind-specific parameters of one recurring schedule.
type Spec struct {
	Kind            Kind
	IntervalMinutes int
	TimeOfDay       string // "HH:MM", for daily/weekly/monthly
	Weekdays        []int  // ISO: 1=Monday..7=Sunday, for weekly
	DayOfMonth      int    // 1..31, for monthly
}

// Validate checks the kind-specific parameters. The monthly policy is
// enforced here so invalid day-of-month values are caught at task creation
// rather than at fire time.
func (s Spec) Validate(policy MonthlyDayPolicy) error {
	switch s.Kind {
	case KindInterval:
		if s.IntervalMinutes <= 0 {
			return fmt.Errorf("interval schedule requires interval_minutes > 0, got %d", s.IntervalMinutes)
		}
	case KindDaily:
		if _, _, err := parseHHMM(s.TimeOfDay); err != nil {
			return err
		}
	case KindWeekly:
		if _, _, err := parseHHMM(s.TimeOfDay); err != nil {
			return err
		}
		if len(s.Weekdays) == 0 {
			return fmt.Errorf("weekly schedule requires at least one weekday")
		}
		for _, d := range s.Weekdays {
			if d < 1 || d > 7 {
				return fmt.Errorf("weekday %d out of range 1..7", d)
			}
		}
	case KindMonthly:
		if _, _, err := parseHHMM(s.TimeOfDay); err != nil {
			return err
		}
		if s.DayOfMonth < 1 || s.DayOfMonth > 31 {
			return fmt.Errorf("day of month %d out of range 1..31", s.DayOfMonth)
		}
		if policy == MonthlyReject && s.DayOfMonth > 28 {
			return fmt.Errorf("day of month %d can fall outside short months (policy: reject)", s.DayOfMonth)
		}
	default:
		return fmt.Errorf("unknown schedule kind %q", s.Kind)
	}
	return nil
}

// Calculator computes next-run instants. It is pure: no clock, no I/O.
type Calculator struct {
	loc    *time.Location
	policy MonthlyDayPolicy
}

// NewCalculator fixes the civil offset (in hours east of UTC) used for all
// schedule arithmetic.
func NewCalculator(utcOffsetHours int, policy MonthlyDayPolicy) *Calculator {
	name := fmt.Sprintf("UTC%+d", utcOffsetHours)
	if policy == "" {
		policy = MonthlyClamp
	}
	return &Calculator{
		loc:    time.FixedZone(name, utcOffsetHours*3600),
		policy: policy,
	}
}

func (c *Calculator) Location() *time.Location { return c.loc }

// Validate applies the calculator's configured monthly policy.
func (c *Calculator) Validate(s Spec) error { return s.Validate(c.policy) }

// NextRun returns the first instant strictly after now at which the spec
// fires. It never returns an error for a spec that passed Validate.
func (c *Calculator) NextRun(s Spec, now time.Time) (time.Time, error) {
	now = now.In(c.loc)

	switch s.Kind {
	case KindInterval:
		if s.IntervalMinutes <= 0 {
			return time.Time{}, fmt.Errorf("interval schedule requires interval_minutes > 0")
		}
		return now.Add(time.Duration(s.IntervalMinutes) * time.Minute), nil

	case KindDaily:
		h, m, err := parseHHMM(s.TimeOfDay)
		if err != nil {
			return time.Time{}, err
		}
		next := time.Date(now.Year(), now.Month(), now.Day(), h, m, 0, 0, c.loc)
		if !next.After(now) {
			next = next.AddDate(0, 0, 1)
		}
		return next, nil

	case KindWeekly:
		h, m, err := parseHHMM(s.TimeOfDay)
		if err != nil {
			return time.Time{}, err
		}
		if len(s.Weekdays) == 0 {
			return time.Time{}, fmt.Errorf("weekly schedule requires at least one weekday")
		}
		days := make(map[int]bool, len(s.Weekdays))
		for _, d := range s.Weekdays {
			days[d] = true
		}
		// Scan up to 14 days out so a match is guaranteed even when now falls
		// exactly on a configured day past its firing time.
		for offset := 0; offset <= 14; offset++ {
			day := now.AddDate(0, 0, offset)
			if !days[isoWeekday(day)] {
				continue
			}
			next := time.Date(day.Year(), day.Month(), day.Day(), h, m, 0, 0, c.loc)
			if next.After(now) {
				return next, nil
			}
		}
		return time.Time{}, fmt.Errorf("no weekly slot found within 14 days")

	case KindMonthly:
		h, m, err := parseHHMM(s.TimeOfDay)
		if err != nil {
			return time.Time{}, err
		}
		if s.DayOfMonth < 1 || s.DayOfMonth > 31 {
			return time.Time{}, fmt.Errorf("day of month %d out of range 1..31", s.DayOfMonth)
		}
		// Same day next month; if that instant already passed, one further
		// month. Days beyond a short month's length clamp to its last day.
		next := monthlySlot(now.Year(), int(now.Month())+1, s.DayOfMonth, h, m, c.loc)
		if !next.After(now) {
			next = monthlySlot(now.Year(), int(now.Month())+2, s.DayOfMonth, h, m, c.loc)
		}
		return next, nil

	default:
		return time.Time{}, fmt.Errorf("unknown schedule kind %q", s.Kind)
	}
}

// monthlySlot builds the firing instant for the given (possibly overflowing)
// year/month pair, clamping the day to the month's length.
func monthlySlot(year, month, day, hour, minute int, loc *time.Location) time.Time {
	for month > 12 {
		month -= 12
		year++
	}
	if last := daysInMonth(year, time.Month(month)); day > last {
		day = last
	}
	return time.Date(year, time.Month(month), day, hour, minute, 0, 0, loc)
}

func daysInMonth(year int, month time.Month) int {
	// Day 0 of the next month is the last day of this one.
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

// isoWeekday maps Go's Sunday=0 convention to ISO 1=Monday..7=Sunday.
func isoWeekday(t time.Time) int {
	wd := int(t.Weekday())
	if wd == 0 {
		return 7
	}
	return wd
}

// ParseWeekdays parses a CSV of ISO weekday numbers ("1,3,5").
func ParseWeekdays(csv string) ([]int, error) {
	csv = strings.TrimSpace(csv)
	if csv == "" {
		return nil, nil
	}
	parts := strings.Split(csv, ",")
	out := make([]int, 0, len(parts))
	for _, p := range parts {
		d, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return nil, fmt.Errorf("invalid weekday %q", p)
		}
		out = append(out, d)
	}
	sort.Ints(out)
	return out, nil
}

// FormatWeekdays is the inverse of ParseWeekdays.
func FormatWeekdays(days []int) string {
	if len(days) == 0 {
		return ""
	}
	parts := make([]string, len(days))
	for i, d := range days {
		parts[i] = strconv.Itoa(d)
	}
	return strings.Join(parts, ",")
}

func parseHHMM(s string) (hour int, minute int, err error) {
	s = strings.TrimSpace(s)
	parts := strings.Split(s, ":")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid time %q, expected HH:MM", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, 0, fmt.Errorf("invalid hour in %q", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, 0, fmt.Errorf("invalid minute in %q", s)
	}
	return h, m, nil
}
