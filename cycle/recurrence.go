package cycle

import (
	"strings"
	"time"

	"github.com/teambition/rrule-go"
)

// =============================================================================
// RECURRENCE - How a program repeats its cycles
// =============================================================================

// RuleType is the repeat unit of a recurrence.
type RuleType string

const (
	RuleDaily   RuleType = "daily"
	RuleWeekly  RuleType = "weekly"
	RuleMonthly RuleType = "monthly"
	RuleYearly  RuleType = "yearly"
)

// MonthBy selects how a monthly recurrence picks its day.
type MonthBy string

const (
	MonthByDate MonthBy = "date" // fixed day of month, e.g. the 10th
	MonthByDay  MonthBy = "day"  // weekday occurrence, e.g. 1st Monday
)

// Occurrence is the ordinal of a weekday within a month.
type Occurrence int

const (
	OccurrenceFirst  Occurrence = 1
	OccurrenceSecond Occurrence = 2
	OccurrenceThird  Occurrence = 3
	OccurrenceFourth Occurrence = 4
	OccurrenceLast   Occurrence = -1
)

func (o Occurrence) valid() bool {
	return o == OccurrenceLast || (o >= OccurrenceFirst && o <= OccurrenceFourth)
}

// Weekday is a day-of-week token as stored in program configuration.
type Weekday string

const (
	Monday    Weekday = "MON"
	Tuesday   Weekday = "TUE"
	Wednesday Weekday = "WED"
	Thursday  Weekday = "THU"
	Friday    Weekday = "FRI"
	Saturday  Weekday = "SAT"
	Sunday    Weekday = "SUN"
)

var weekdays = map[Weekday]time.Weekday{
	Monday:    time.Monday,
	Tuesday:   time.Tuesday,
	Wednesday: time.Wednesday,
	Thursday:  time.Thursday,
	Friday:    time.Friday,
	Saturday:  time.Saturday,
	Sunday:    time.Sunday,
}

// Time converts the token; ok is false for unknown tokens.
func (w Weekday) Time() (time.Weekday, bool) {
	wd, ok := weekdays[Weekday(strings.ToUpper(string(w)))]
	return wd, ok
}

// Recurrence is the program-level rule from which cycle end dates derive.
//
// Duration is measured in RuleType units: days, weeks, months or years.
type Recurrence struct {
	RuleType RuleType `json:"rrule_type" yaml:"rrule_type"`
	Duration int      `json:"cycle_duration" yaml:"cycle_duration"`

	// Weekly
	Weekdays []Weekday `json:"weekdays,omitempty" yaml:"weekdays,omitempty"`

	// Monthly
	MonthBy         MonthBy    `json:"month_by,omitempty" yaml:"month_by,omitempty"`
	MonthDay        int        `json:"day,omitempty" yaml:"day,omitempty"`
	MonthOccurrence Occurrence `json:"byday,omitempty" yaml:"byday,omitempty"`
	MonthWeekday    Weekday    `json:"weekday,omitempty" yaml:"weekday,omitempty"`
}

// MaxDuration bounds cycle_duration per rule type, about ten years of
// cycles in every unit.
var MaxDuration = map[RuleType]int{
	RuleDaily:   3660,
	RuleWeekly:  522,
	RuleMonthly: 120,
	RuleYearly:  10,
}

// Validate reports the first configuration problem, if any.
func (r Recurrence) Validate() error {
	if r.Duration <= 0 {
		return configError("cycle_duration", "must be positive, got %d", r.Duration)
	}
	if limit, ok := MaxDuration[r.RuleType]; ok && r.Duration > limit {
		return configError("cycle_duration", "must be at most %d for %s recurrence, got %d", limit, r.RuleType, r.Duration)
	}

	switch r.RuleType {
	case RuleDaily, RuleYearly:
		return nil

	case RuleWeekly:
		if len(r.Weekdays) == 0 {
			return configError("weekdays", "weekly recurrence needs at least one weekday")
		}
		for _, w := range r.Weekdays {
			if _, ok := w.Time(); !ok {
				return configError("weekdays", "unknown weekday %q", w)
			}
		}
		return nil

	case RuleMonthly:
		switch r.MonthBy {
		case MonthByDate:
			if r.MonthDay < 1 || r.MonthDay > 31 {
				return configError("day", "must be within 1..31, got %d", r.MonthDay)
			}
		case MonthByDay:
			if !r.MonthOccurrence.valid() {
				return configError("byday", "must be 1, 2, 3, 4 or -1, got %d", r.MonthOccurrence)
			}
			if _, ok := r.MonthWeekday.Time(); !ok {
				return configError("weekday", "unknown weekday %q", r.MonthWeekday)
			}
		default:
			return configError("month_by", "must be %q or %q, got %q", MonthByDate, MonthByDay, r.MonthBy)
		}
		return nil

	default:
		return configError("rrule_type", "unknown rule type %q", r.RuleType)
	}
}

// EndDate returns the inclusive end of a cycle starting at start: the day
// before the recurrence's next occurrence strictly after start. The result
// is never before start.
func (r Recurrence) EndDate(start Date) (Date, error) {
	if err := r.Validate(); err != nil {
		return Date{}, err
	}

	// A yearly rule from Feb 29 would only recur on leap days; cycles move
	// to Feb 28 instead.
	if r.RuleType == RuleYearly && start.Month() == time.February && start.Day() == 29 {
		return start.AddYears(r.Duration).AddDays(-1), nil
	}

	rule, err := rrule.NewRRule(r.options(start))
	if err != nil {
		return Date{}, configError("rrule_type", "%v", err)
	}
	next := rule.After(start.Time, false)
	if next.IsZero() {
		return Date{}, configError("rrule_type", "no occurrence after %s", start)
	}
	return DateOf(next).AddDays(-1), nil
}

// options maps the recurrence onto an RFC 5545 rule anchored at start.
// Weeks start on Monday.
func (r Recurrence) options(start Date) rrule.ROption {
	opt := rrule.ROption{
		Dtstart:  start.Time,
		Interval: r.Duration,
		Wkst:     rrule.MO,
	}

	switch r.RuleType {
	case RuleDaily:
		opt.Freq = rrule.DAILY
	case RuleYearly:
		opt.Freq = rrule.YEARLY
	case RuleWeekly:
		opt.Freq = rrule.WEEKLY
		for _, w := range r.Weekdays {
			wd, _ := w.Time()
			opt.Byweekday = append(opt.Byweekday, rruleWeekday(wd))
		}
	case RuleMonthly:
		opt.Freq = rrule.MONTHLY
		if r.MonthBy == MonthByDate {
			// Days past the 28th clamp to the month length: the latest of
			// 28..day that the month has.
			if r.MonthDay <= 28 {
				opt.Bymonthday = []int{r.MonthDay}
			} else {
				for d := 28; d <= r.MonthDay; d++ {
					opt.Bymonthday = append(opt.Bymonthday, d)
				}
				opt.Bysetpos = []int{-1}
			}
		} else {
			wd, _ := r.MonthWeekday.Time()
			day := rruleWeekday(wd)
			opt.Byweekday = []rrule.Weekday{day.Nth(int(r.MonthOccurrence))}
		}
	}
	return opt
}

func rruleWeekday(wd time.Weekday) rrule.Weekday {
	switch wd {
	case time.Monday:
		return rrule.MO
	case time.Tuesday:
		return rrule.TU
	case time.Wednesday:
		return rrule.WE
	case time.Thursday:
		return rrule.TH
	case time.Friday:
		return rrule.FR
	case time.Saturday:
		return rrule.SA
	default:
		return rrule.SU
	}
}

// Period returns the cycle window [start, EndDate(start)].
func (r Recurrence) Period(start Date) (Period, error) {
	end, err := r.EndDate(start)
	if err != nil {
		return Period{}, err
	}
	return Period{Start: start, End: end}, nil
}

// =============================================================================
// PERIOD
// =============================================================================

// Period is an inclusive date range.
type Period struct {
	Start Date
	End   Date
}

// Contains returns true if d is within [Start, End].
func (p Period) Contains(d Date) bool {
	return d.AfterOrEqual(p.Start) && d.BeforeOrEqual(p.End)
}

// Days returns the number of days in the period.
func (p Period) Days() int { return DaysBetween(p.Start, p.End) + 1 }

func (p Period) String() string {
	return "[" + p.Start.String() + ", " + p.End.String() + "]"
}
