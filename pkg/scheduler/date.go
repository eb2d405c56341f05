package scheduler

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"time"
)

// absoluteLayout is the second-resolution prefix of an absolute date. The
// remaining six digits are microseconds.
const absoluteLayout = "20060102150405"

var (
	absoluteDate = regexp.MustCompile(`^\d{20}$`)
	relativeDate = regexp.MustCompile(`^(\d+(?:\.\d+)?)(h|m|s|ms|us)$`)
)

// DateError reports a date or delay string that matches neither accepted form.
type DateError struct {
	Value string
}

func (e *DateError) Error() string {
	return fmt.Sprintf("invalid date %q: expected YYYYMMDDhhmmssffffff or <number>(h|m|s|ms|us)", e.Value)
}

// ParseDate converts a user supplied date into an absolute time.
//
// An empty string means now. A 20 digit string is an absolute local date in
// YYYYMMDDhhmmssffffff form. Anything else must be a relative offset such as
// "10s", "1.5m" or "250ms", which is added to now.
func ParseDate(date string, now time.Time) (time.Time, error) {
	if date == "" {
		return now, nil
	}
	if absoluteDate.MatchString(date) {
		base, err := time.ParseInLocation(absoluteLayout, date[:14], time.Local)
		if err != nil {
			return time.Time{}, &DateError{Value: date}
		}
		micros, err := strconv.Atoi(date[14:])
		if err != nil {
			return time.Time{}, &DateError{Value: date}
		}
		return base.Add(time.Duration(micros) * time.Microsecond), nil
	}
	d, err := ParseDelay(date)
	if err != nil {
		return time.Time{}, err
	}
	return now.Add(d), nil
}

// ParseDelay parses a relative offset like "3s" or "0.5h". The empty string
// is a zero delay.
func ParseDelay(delay string) (time.Duration, error) {
	if delay == "" {
		return 0, nil
	}
	m := relativeDate.FindStringSubmatch(delay)
	if m == nil {
		return 0, &DateError{Value: delay}
	}
	value, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, &DateError{Value: delay}
	}

	var unit time.Duration
	switch m[2] {
	case "h":
		unit = time.Hour
	case "m":
		unit = time.Minute
	case "s":
		unit = time.Second
	case "ms":
		unit = time.Millisecond
	default:
		unit = time.Microsecond
	}
	d := value * float64(unit)
	if d >= math.MaxInt64 {
		return 0, &DateError{Value: delay}
	}
	return time.Duration(d), nil
}

// FormatDate renders t in the absolute YYYYMMDDhhmmssffffff form accepted by
// ParseDate.
func FormatDate(t time.Time) string {
	t = t.In(time.Local)
	return fmt.Sprintf("%s%06d", t.Format(absoluteLayout), t.Nanosecond()/1000)
}
