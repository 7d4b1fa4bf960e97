package scheduler

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	logx "jobsched/pkg/logx"
)

// Trigger fires a callback on a cron or interval spec. A firing that comes
// due while the previous one still runs is skipped.
type Trigger struct {
	mu     sync.Mutex
	log    logx.Logger
	parser cron.Parser

	c    *cron.Cron
	id   cron.EntryID
	spec TriggerSpec
	loc  *time.Location
}

func NewTrigger(log logx.Logger) *Trigger {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Trigger{
		log: log,
		// SecondOptional allows both 5-field and 6-field (with seconds) specs.
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
}

// Start parses spec and begins firing fn in timezone tz (empty: local).
// Calling Start again replaces the running schedule.
func (t *Trigger) Start(spec, tz string, fn func(ctx context.Context)) error {
	ps, err := ParseTrigger(spec)
	if err != nil {
		return err
	}
	loc, err := loadLocation(tz)
	if err != nil {
		return err
	}

	var sched cron.Schedule
	var jitter time.Duration
	switch ps.Kind {
	case SpecCron:
		if sched, err = t.parser.Parse(ps.Cron); err != nil {
			return fmt.Errorf("trigger %q: %w", ps.Cron, err)
		}
	case SpecInterval:
		rng := rand.New(rand.NewSource(time.Now().UnixNano()))
		sched, jitter = intervalWithSpread(ps.Every, time.Now().In(loc), rng)
	}

	c := cron.New(
		cron.WithLocation(loc),
		cron.WithParser(t.parser),
		cron.WithChain(cron.Recover(cronLogger{t.log}), cron.SkipIfStillRunning(cronLogger{t.log})),
	)
	id := c.Schedule(sched, cron.FuncJob(func() { fn(context.Background()) }))

	t.mu.Lock()
	old := t.c
	t.c, t.id, t.spec, t.loc = c, id, ps, loc
	t.mu.Unlock()
	if old != nil {
		<-old.Stop().Done()
	}
	c.Start()

	fields := []logx.Field{logx.String("spec", ps.String()), logx.String("tz", loc.String()), logx.Time("next", c.Entry(id).Next)}
	if jitter > 0 {
		fields = append(fields, logx.Duration("startup_spread", jitter))
	}
	t.log.Info("trigger started", fields...)
	return nil
}

// Next is the next firing time, zero when stopped.
func (t *Trigger) Next() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.c == nil {
		return time.Time{}
	}
	return t.c.Entry(t.id).Next
}

// Stop stops firing and waits for a running callback, bounded by ctx.
func (t *Trigger) Stop(ctx context.Context) {
	t.mu.Lock()
	c := t.c
	t.c = nil
	t.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
		t.log.Info("trigger stopped")
	case <-ctx.Done():
		t.log.Warn("trigger stop timed out", logx.Err(ctx.Err()))
	}
}

func loadLocation(tz string) (*time.Location, error) {
	tz = strings.TrimSpace(tz)
	if tz == "" || strings.EqualFold(tz, "local") {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("timezone %q: %w", tz, err)
	}
	return loc, nil
}

// cronLogger adapts logx to cron.Logger.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, kv ...any) {
	l.log.Debug("cron: "+msg, kvFields(kv)...)
}

func (l cronLogger) Error(err error, msg string, kv ...any) {
	l.log.Error("cron: "+msg, append(kvFields(kv), logx.Err(err))...)
}

func kvFields(kv []any) []logx.Field {
	out := make([]logx.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		k, ok := kv[i].(string)
		if !ok {
			continue
		}
		out = append(out, logx.Any(k, kv[i+1]))
	}
	return out
}
