package model

import (
	"fmt"
	"time"
)

// TimeOfDay is a wall-clock minute of the day (0..1439), the resolution the
// schedule format works at. It carries no date and no timezone.
type TimeOfDay uint16

// MinutesPerDay is the exclusive upper bound for a TimeOfDay.
const MinutesPerDay = 24 * 60

// ParseTimeOfDay parses "HH:MM" (00:00..23:59). The format is strict:
// exactly two zero-padded digits on each side of the colon, nothing before
// or after.
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	if len(s) != 5 || s[2] != ':' ||
		!isDigit(s[0]) || !isDigit(s[1]) || !isDigit(s[3]) || !isDigit(s[4]) {
		return 0, fmt.Errorf("invalid time of day %q: want HH:MM", s)
	}
	h := int(s[0]-'0')*10 + int(s[1]-'0')
	m := int(s[3]-'0')*10 + int(s[4]-'0')
	if h > 23 || m > 59 {
		return 0, fmt.Errorf("time of day %q out of range", s)
	}
	return TimeOfDay(h*60 + m), nil
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

// MustTimeOfDay is ParseTimeOfDay for literals; panics on invalid input.
func MustTimeOfDay(s string) TimeOfDay {
	t, err := ParseTimeOfDay(s)
	if err != nil {
		panic(err)
	}
	return t
}

// TimeOfDayFrom extracts the minute of the day from a wall-clock time.
func TimeOfDayFrom(t time.Time) TimeOfDay {
	return TimeOfDay(t.Hour()*60 + t.Minute())
}

func (t TimeOfDay) Valid() bool { return t < MinutesPerDay }

func (t TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d", int(t)/60, int(t)%60)
}

// InWindow reports whether t falls in [start, end). Windows where end < start
// wrap past midnight; start == end is an empty window.
func (t TimeOfDay) InWindow(start, end TimeOfDay) bool {
	switch {
	case start == end:
		return false
	case start < end:
		return t >= start && t < end
	default:
		return t >= start || t < end
	}
}

// Date is a calendar date with no time component. Schedule date ranges are
// inclusive on both ends.
type Date struct {
	Year  uint16
	Month uint8
	Day   uint8
}

// DateOf truncates a wall-clock time to its calendar date.
func DateOf(t time.Time) Date {
	y, m, d := t.Date()
	return Date{Year: uint16(y), Month: uint8(m), Day: uint8(d)}
}

// NewDate builds a Date from its components.
func NewDate(year int, month time.Month, day int) Date {
	return Date{Year: uint16(year), Month: uint8(month), Day: uint8(day)}
}

func (d Date) IsZero() bool { return d == Date{} }

func (d Date) String() string {
	return fmt.Sprintf("%04d-%02d-%02d", d.Year, d.Month, d.Day)
}

// Compare returns -1, 0 or 1 ordering d against other.
func (d Date) Compare(other Date) int {
	a := int(d.Year)<<9 | int(d.Month)<<5 | int(d.Day)
	b := int(other.Year)<<9 | int(other.Month)<<5 | int(other.Day)
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func (d Date) Before(other Date) bool { return d.Compare(other) < 0 }
func (d Date) After(other Date) bool  { return d.Compare(other) > 0 }

// Photoperiod is a lighting on/off window. Off earlier than On means the
// window wraps past midnight (e.g. 20:00 -> 06:00).
type Photoperiod struct {
	On  TimeOfDay
	Off TimeOfDay
}

// Contains reports whether lights should be on at t.
func (p Photoperiod) Contains(t TimeOfDay) bool {
	return t.InWindow(p.On, p.Off)
}

func (p Photoperiod) Valid() bool {
	return p.On.Valid() && p.Off.Valid()
}
