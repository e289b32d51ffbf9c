// Package policy decides whether a company allows a check-in at a given instant.
//
// Evaluation converts the instant to the company's IANA timezone and then applies,
// in order, the weekday mask, the [start, end) work window, the optional break
// window and the holiday calendar. Any problem with the policy itself, such as an
// unknown timezone, denies the check-in.
package policy

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata"
)

// HolidaySource records where a holiday entry came from. Both sources block check-ins.
type HolidaySource string

const (
	// HolidaySourceOfficial marks holidays imported from the public calendar provider.
	HolidaySourceOfficial HolidaySource = "official"
	// HolidaySourceCustom marks holidays declared by the company.
	HolidaySourceCustom HolidaySource = "custom"
)

// Reason explains why a check-in was denied.
type Reason string

const (
	ReasonNone          Reason = ""
	ReasonInvalidPolicy Reason = "invalid_policy"
	ReasonWeekday       Reason = "non_working_day"
	ReasonOutsideHours  Reason = "outside_work_hours"
	ReasonBreak         Reason = "break_time"
	ReasonHoliday       Reason = "holiday"
)

// ClockTime is a local wall-clock time expressed in minutes after midnight.
type ClockTime int

// NewClockTime builds a ClockTime from hours and minutes.
func NewClockTime(hour, minute int) ClockTime {
	return ClockTime(hour*60 + minute)
}

// ParseClockTime parses an "HH:MM" string.
func ParseClockTime(value string) (ClockTime, error) {
	parts := strings.Split(strings.TrimSpace(value), ":")
	if len(parts) != 2 {
		return 0, fmt.Errorf("policy: invalid clock time %q", value)
	}
	hour, err := strconv.Atoi(parts[0])
	if err != nil || hour < 0 || hour > 23 {
		return 0, fmt.Errorf("policy: invalid clock time %q", value)
	}
	minute, err := strconv.Atoi(parts[1])
	if err != nil || minute < 0 || minute > 59 {
		return 0, fmt.Errorf("policy: invalid clock time %q", value)
	}
	return NewClockTime(hour, minute), nil
}

// String renders the clock time as "HH:MM".
func (c ClockTime) String() string {
	return fmt.Sprintf("%02d:%02d", int(c)/60, int(c)%60)
}

func clockOf(t time.Time) ClockTime {
	return NewClockTime(t.Hour(), t.Minute())
}

// Window is a half-open [Start, End) range of local clock times.
type Window struct {
	Start ClockTime
	End   ClockTime
}

// Contains reports whether c falls inside the window.
func (w Window) Contains(c ClockTime) bool {
	return c >= w.Start && c < w.End
}

// Date is a calendar date without a timezone.
type Date struct {
	Year  int
	Month time.Month
	Day   int
}

// DateOf returns the calendar date of t in t's location.
func DateOf(t time.Time) Date {
	y, m, d := t.Date()
	return Date{Year: y, Month: m, Day: d}
}

// ParseDate parses a "YYYY-MM-DD" string.
func ParseDate(value string) (Date, error) {
	t, err := time.Parse(time.DateOnly, strings.TrimSpace(value))
	if err != nil {
		return Date{}, fmt.Errorf("policy: invalid date %q", value)
	}
	return DateOf(t), nil
}

// String renders the date as "YYYY-MM-DD".
func (d Date) String() string {
	return fmt.Sprintf("%04d-%02d-%02d", d.Year, int(d.Month), d.Day)
}

// IsZero reports whether the date is unset.
func (d Date) IsZero() bool {
	return d.Year == 0 && d.Month == 0 && d.Day == 0
}

// Holiday is a non-working calendar date.
type Holiday struct {
	Date   Date
	Name   string
	Source HolidaySource
}

// Policy is a snapshot of a company's check-in rules.
type Policy struct {
	CompanyID       string
	CountryCode     string
	Timezone        string
	WorkDays        []time.Weekday
	Work            Window
	Break           *Window
	Holidays        []Holiday
	SessionDuration time.Duration
}

// Decision is the outcome of evaluating a policy at an instant.
type Decision struct {
	Allowed bool
	Reason  Reason
	Local   time.Time
}

// IsCheckinAllowed reports whether the policy permits a check-in at instant.
func IsCheckinAllowed(p Policy, instant time.Time) bool {
	return Evaluate(p, instant).Allowed
}

// Evaluate applies the policy to instant and explains a denial.
func Evaluate(p Policy, instant time.Time) Decision {
	loc, err := p.Location()
	if err != nil || len(p.Problems()) > 0 {
		return Decision{Reason: ReasonInvalidPolicy}
	}

	local := instant.In(loc)
	deny := func(reason Reason) Decision {
		return Decision{Reason: reason, Local: local}
	}

	if !p.worksOn(local.Weekday()) {
		return deny(ReasonWeekday)
	}
	clock := clockOf(local)
	if !p.Work.Contains(clock) {
		return deny(ReasonOutsideHours)
	}
	if p.Break != nil && p.Break.Contains(clock) {
		return deny(ReasonBreak)
	}
	if p.IsHoliday(DateOf(local)) {
		return deny(ReasonHoliday)
	}
	return Decision{Allowed: true, Local: local}
}

// Location resolves the policy timezone.
func (p Policy) Location() (*time.Location, error) {
	name := strings.TrimSpace(p.Timezone)
	if name == "" {
		return nil, fmt.Errorf("policy: timezone is required")
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("policy: unknown timezone %q: %w", name, err)
	}
	return loc, nil
}

// IsHoliday reports whether d is in the holiday calendar, regardless of source.
func (p Policy) IsHoliday(d Date) bool {
	for _, h := range p.Holidays {
		if h.Date == d {
			return true
		}
	}
	return false
}

func (p Policy) worksOn(day time.Weekday) bool {
	for _, d := range p.WorkDays {
		if d == day {
			return true
		}
	}
	return false
}

// Problems returns field level issues with the policy keyed by field name.
func (p Policy) Problems() map[string]string {
	problems := make(map[string]string)
	if _, err := p.Location(); err != nil {
		problems["timezone"] = "timezone must be a valid IANA zone"
	}
	if len(p.WorkDays) == 0 {
		problems["work_days"] = "at least one work day is required"
	}
	for _, d := range p.WorkDays {
		if d < time.Sunday || d > time.Saturday {
			problems["work_days"] = "work days must be between 0 and 6"
			break
		}
	}
	if p.Work.Start < 0 || p.Work.End > NewClockTime(24, 0) || p.Work.Start >= p.Work.End {
		problems["work_end"] = "work end must be after work start"
	}
	if p.Break != nil {
		switch {
		case p.Break.Start >= p.Break.End:
			problems["work_break_end"] = "break end must be after break start"
		case p.Break.Start < p.Work.Start || p.Break.End > p.Work.End:
			problems["work_break_start"] = "break must lie within the work window"
		}
	}
	if p.SessionDuration < 0 {
		problems["session_duration"] = "session duration cannot be negative"
	}
	return problems
}

// WeekdayFromIndex converts a Monday-first index (0=Monday ... 6=Sunday) to a time.Weekday.
func WeekdayFromIndex(index int) (time.Weekday, bool) {
	if index < 0 || index > 6 {
		return 0, false
	}
	return time.Weekday((index + 1) % 7), true
}

// IndexOfWeekday converts a time.Weekday to a Monday-first index.
func IndexOfWeekday(day time.Weekday) int {
	return (int(day) + 6) % 7
}

// SortHolidays orders holidays by date then name.
func SortHolidays(holidays []Holiday) {
	sort.Slice(holidays, func(i, j int) bool {
		a, b := holidays[i].Date.String(), holidays[j].Date.String()
		if a == b {
			return holidays[i].Name < holidays[j].Name
		}
		return a < b
	})
}
