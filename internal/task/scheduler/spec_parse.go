package scheduler

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// SpecKind is the normalized kind of a trigger spec.
type SpecKind int

const (
	SpecCron SpecKind = iota
	SpecInterval
)

// TriggerSpec is a parsed trigger string.
//
// Accepted forms:
//   - cron: "*/5 * * * *", "0 */10 * * * *", "@hourly", "@every 1m"
//   - interval: "30s", "2h30m", or HH:MM such as "00:15"
//
// A "cron:" or "every:" prefix forces the kind.
type TriggerSpec struct {
	Kind  SpecKind
	Cron  string
	Every time.Duration
}

func (t TriggerSpec) String() string {
	if t.Kind == SpecInterval {
		return "@every " + t.Every.String()
	}
	return t.Cron
}

var reHHMM = regexp.MustCompile(`^(\d{1,3}):(\d{2})$`)

// ParseTrigger parses a trigger string.
func ParseTrigger(raw string) (TriggerSpec, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return TriggerSpec{}, fmt.Errorf("trigger required")
	}
	low := strings.ToLower(s)
	switch {
	case strings.HasPrefix(low, "cron:"):
		expr := strings.TrimSpace(s[len("cron:"):])
		if expr == "" {
			return TriggerSpec{}, fmt.Errorf("cron expression required after 'cron:'")
		}
		return TriggerSpec{Kind: SpecCron, Cron: expr}, nil
	case strings.HasPrefix(low, "every:"):
		d, err := parseInterval(s[len("every:"):])
		if err != nil {
			return TriggerSpec{}, err
		}
		return TriggerSpec{Kind: SpecInterval, Every: d}, nil
	case strings.ContainsAny(s, " \t") || strings.HasPrefix(s, "@"):
		return TriggerSpec{Kind: SpecCron, Cron: s}, nil
	}
	d, err := parseInterval(s)
	if err != nil {
		return TriggerSpec{}, fmt.Errorf("invalid trigger %q (use cron like '*/5 * * * *', HH:MM like '00:15' or a duration like '30s')", raw)
	}
	return TriggerSpec{Kind: SpecInterval, Every: d}, nil
}

func parseInterval(v string) (time.Duration, error) {
	v = strings.TrimSpace(v)
	var d time.Duration
	if m := reHHMM.FindStringSubmatch(v); m != nil {
		hh, _ := strconv.Atoi(m[1])
		mm, _ := strconv.Atoi(m[2])
		if mm > 59 {
			return 0, fmt.Errorf("invalid minutes in %q", v)
		}
		d = time.Duration(hh)*time.Hour + time.Duration(mm)*time.Minute
	} else {
		var err error
		if d, err = time.ParseDuration(v); err != nil {
			return 0, fmt.Errorf("invalid interval %q: %w", v, err)
		}
	}
	if d <= 0 {
		return 0, fmt.Errorf("interval must be > 0")
	}
	return d, nil
}
