package scheduler

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// bitset holds the allowed values of one cron field; bit n set means n matches.
type bitset uint64

func (b bitset) has(v int) bool { return b&(1<<uint(v)) != 0 }

type field struct {
	name     string
	min, max int
}

var fields = [5]field{
	{"minute", 0, 59},
	{"hour", 0, 23},
	{"day-of-month", 1, 31},
	{"month", 1, 12},
	{"day-of-week", 0, 7},
}

// CronExpr is a parsed 5-field cron expression.
type CronExpr struct {
	minute, hour, dom, month, dow bitset
	// standard cron ORs day-of-month and day-of-week when both are restricted
	domStar, dowStar bool
}

// ParseCron parses "minute hour day-of-month month day-of-week". Each field
// accepts *, n, n-m, */s, n-m/s and comma lists. Day-of-week 7 is Sunday.
func ParseCron(expr string) (*CronExpr, error) {
	parts := strings.Fields(expr)
	if len(parts) != len(fields) {
		return nil, fmt.Errorf("cron expression must have %d fields, got %d", len(fields), len(parts))
	}

	var sets [5]bitset
	for i, f := range fields {
		b, err := parseField(parts[i], f)
		if err != nil {
			return nil, fmt.Errorf("%s field: %w", f.name, err)
		}
		sets[i] = b
	}
	// fold 7 onto Sunday
	if sets[4].has(7) {
		sets[4] = sets[4]&^(1<<7) | 1
	}

	return &CronExpr{
		minute:  sets[0],
		hour:    sets[1],
		dom:     sets[2],
		month:   sets[3],
		dow:     sets[4],
		domStar: strings.HasPrefix(parts[2], "*"),
		dowStar: strings.HasPrefix(parts[4], "*"),
	}, nil
}

// Matches reports whether t falls in the expression, to the minute.
func (c *CronExpr) Matches(t time.Time) bool {
	return c.minute.has(t.Minute()) && c.hour.has(t.Hour()) &&
		c.month.has(int(t.Month())) && c.dayMatches(t)
}

// Next returns the first matching minute strictly after t, or the zero time
// if none exists within four years.
func (c *CronExpr) Next(t time.Time) time.Time {
	t = t.Truncate(time.Minute).Add(time.Minute)
	limit := t.AddDate(4, 0, 0)
	for t.Before(limit) {
		if !c.month.has(int(t.Month())) {
			t = time.Date(t.Year(), t.Month()+1, 1, 0, 0, 0, 0, t.Location())
			continue
		}
		if !c.dayMatches(t) {
			t = time.Date(t.Year(), t.Month(), t.Day()+1, 0, 0, 0, 0, t.Location())
			continue
		}
		if !c.hour.has(t.Hour()) {
			t = t.Truncate(time.Hour).Add(time.Hour)
			continue
		}
		if !c.minute.has(t.Minute()) {
			t = t.Add(time.Minute)
			continue
		}
		return t
	}
	return time.Time{}
}

func (c *CronExpr) dayMatches(t time.Time) bool {
	dom := c.dom.has(t.Day())
	dow := c.dow.has(int(t.Weekday()))
	if c.domStar || c.dowStar {
		return dom && dow
	}
	return dom || dow
}

func parseField(s string, f field) (bitset, error) {
	var b bitset
	for _, part := range strings.Split(s, ",") {
		pb, err := parsePart(part, f)
		if err != nil {
			return 0, err
		}
		b |= pb
	}
	if b == 0 {
		return 0, fmt.Errorf("no values in %q", s)
	}
	return b, nil
}

func parsePart(part string, f field) (bitset, error) {
	rng, stepStr, hasStep := strings.Cut(part, "/")
	step := 1
	if hasStep {
		n, err := strconv.Atoi(stepStr)
		if err != nil || n <= 0 {
			return 0, fmt.Errorf("invalid step: %s", part)
		}
		step = n
	}

	lo, hi := f.min, f.max
	switch {
	case rng == "*":
	case strings.Contains(rng, "-"):
		a, z, _ := strings.Cut(rng, "-")
		var err error
		if lo, err = value(a, f); err != nil {
			return 0, err
		}
		if hi, err = value(z, f); err != nil {
			return 0, err
		}
		if lo > hi {
			return 0, fmt.Errorf("invalid range: %s", rng)
		}
	default:
		v, err := value(rng, f)
		if err != nil {
			return 0, err
		}
		lo = v
		if !hasStep {
			hi = v
		}
	}

	var b bitset
	for v := lo; v <= hi; v += step {
		b |= 1 << uint(v)
	}
	return b, nil
}

func value(s string, f field) (int, error) {
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid value: %s", s)
	}
	if v < f.min || v > f.max {
		return 0, fmt.Errorf("value %d out of range %d-%d", v, f.min, f.max)
	}
	return v, nil
}
