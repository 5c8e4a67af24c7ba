package tracking

import (
	"fmt"
	"time"
)

// Records carry read_date as YYYY-MM-DD-hh-mm-ss-mmm-AM|PM, 12-hour clock,
// every field zero padded. The go layout below renders the same fields with
// '.' and ' ' separators which are swapped for '-'.
const (
	stampLayout = "2006-01-02-03-04-05.000 PM"
	stampLen    = len(stampLayout)

	// DispatchLayout is the ISO-8601 local form sent to the dispatcher.
	DispatchLayout = "2006-01-02T15:04:05"
)

// FormatTimestamp encodes t in its own location.
func FormatTimestamp(t time.Time) string {
	b := []byte(t.Format(stampLayout))
	b[19] = '-'
	b[23] = '-'
	return string(b)
}

// ParseTimestamp decodes a read_date in loc.
func ParseTimestamp(s string, loc *time.Location) (time.Time, error) {
	if len(s) != stampLen || s[19] != '-' || s[23] != '-' {
		return time.Time{}, fmt.Errorf("%w: %q", ErrBadTimestamp, s)
	}
	b := []byte(s)
	b[19] = '.'
	b[23] = ' '
	if loc == nil {
		loc = time.Local
	}
	t, err := time.ParseInLocation(stampLayout, string(b), loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %q: %v", ErrBadTimestamp, s, err)
	}
	return t, nil
}

// DispatchDate converts a read_date to the dispatcher's 24-hour form,
// dropping milliseconds.
func DispatchDate(s string, loc *time.Location) (string, error) {
	t, err := ParseTimestamp(s, loc)
	if err != nil {
		return "", err
	}
	return t.Format(DispatchLayout), nil
}

// parseBound accepts a filter bound either in read_date form or as a bare
// date. A bare end date covers the whole day.
func parseBound(s string, loc *time.Location, end bool) (time.Time, error) {
	if t, err := ParseTimestamp(s, loc); err == nil {
		return t, nil
	}
	t, err := time.ParseInLocation("2006-01-02", s, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: date %q", ErrInvalidFilter, s)
	}
	if end {
		t = t.Add(24*time.Hour - time.Millisecond)
	}
	return t, nil
}

// stamped pairs a record with its decoded instant so ordering follows the
// clock rather than the 12-hour text.
type stamped struct {
	rec Record
	at  time.Time
	ok  bool
}

func stampAll(recs []Record, loc *time.Location) []stamped {
	out := make([]stamped, len(recs))
	for i, r := range recs {
		at, err := ParseTimestamp(r.ReadDate, loc)
		out[i] = stamped{rec: r, at: at, ok: err == nil}
	}
	return out
}

// before orders two stamped records chronologically, falling back to text
// order for anything that does not decode.
func (a stamped) before(b stamped) bool {
	if a.ok && b.ok {
		return a.at.Before(b.at)
	}
	return a.rec.ReadDate < b.rec.ReadDate
}

// newer reports whether read_date a is strictly later than b.
func newer(a, b string, loc *time.Location) bool {
	ta, errA := ParseTimestamp(a, loc)
	tb, errB := ParseTimestamp(b, loc)
	if errA == nil && errB == nil {
		return ta.After(tb)
	}
	return a > b
}
