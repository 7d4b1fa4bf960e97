package job

import (
	"time"

	"golang.org/x/time/rate"

	"jobsched/internal/eventbus"
	logx "jobsched/pkg/logx"
)

// EventType names a job or queue lifecycle transition.
type EventType string

const (
	EventAdded      EventType = "job.added"
	EventDeferred   EventType = "job.deferred"
	EventRejected   EventType = "job.rejected"
	EventExpired    EventType = "job.expired"
	EventBlocked    EventType = "job.blocked"
	EventScheduled  EventType = "job.scheduled"
	EventStarted    EventType = "job.started"
	EventTerminated EventType = "job.terminated"
	EventRetried    EventType = "job.retried"
	EventSucceeded  EventType = "job.succeeded"
	EventFailed     EventType = "job.failed"
	EventExhausted  EventType = "job.exhausted"

	EventQueueLoaded  EventType = "queue.loaded"
	EventQueueSaved   EventType = "queue.saved"
	EventQueueStalled EventType = "queue.stalled"
)

// Event is the payload published on the event sink for every transition.
type Event struct {
	Type     EventType     `json:"type"`
	UID      string        `json:"uid,omitempty"`
	Task     string        `json:"task,omitempty"`
	Label    string        `json:"label,omitempty"`
	Attempt  int           `json:"attempt,omitempty"`
	StartAt  time.Time     `json:"start_at,omitempty"`
	Duration time.Duration `json:"duration,omitempty"`
	Count    int           `json:"count,omitempty"`
	Err      string        `json:"error,omitempty"`
	Time     time.Time     `json:"time"`
}

// EventFor builds an event describing j.
func EventFor(typ EventType, j *Job) Event {
	ev := Event{Type: typ, Time: time.Now()}
	if j != nil {
		ev.UID = j.UID
		ev.Task = j.Task.Name
		ev.Label = j.Task.Label()
		ev.StartAt = j.StartAt
	}
	return ev
}

// Emit publishes ev on sink. A nil sink is allowed.
func Emit(sink eventbus.Sink, ev Event) {
	if sink == nil {
		return
	}
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	sink.Publish(eventbus.Event{Type: string(ev.Type), Time: ev.Time, Data: ev})
}

// LogSink renders job events as structured log lines.
//
// Blocked requeues can fire on every scheduler spin, so they are rate limited.
func LogSink(log logx.Logger) eventbus.Sink {
	if log.IsZero() {
		log = logx.Nop()
	}
	blocked := rate.NewLimiter(rate.Every(time.Second), 5)
	return eventbus.SinkFunc(func(e eventbus.Event) {
		ev, ok := e.Data.(Event)
		if !ok {
			return
		}
		fields := []logx.Field{logx.String("task", ev.Label)}
		if ev.UID != "" {
			fields = append(fields, logx.String("uid", ev.UID))
		}
		if ev.Attempt > 0 {
			fields = append(fields, logx.Int("attempt", ev.Attempt))
		}
		if ev.Err != "" {
			fields = append(fields, logx.String("err", ev.Err))
		}

		switch ev.Type {
		case EventAdded:
			log.Info("task added to the schedule", fields...)
		case EventDeferred:
			log.Warn("task added to scheduling", append(fields, logx.Time("start_at", ev.StartAt))...)
		case EventRejected:
			log.Error("tried to schedule task, but the queue is full", fields...)
		case EventExpired:
			log.Warn("tried to add task to the schedule, but time is expired", append(fields, logx.Time("start_at", ev.StartAt))...)
		case EventBlocked:
			if blocked.Allow() {
				log.Debug("task waits for dependencies", fields...)
			}
		case EventScheduled:
			log.Info("task will start later", append(fields, logx.Time("start_at", ev.StartAt))...)
		case EventStarted:
			log.Info("task started", fields...)
		case EventTerminated:
			log.Warn("task was terminated", append(fields, logx.Duration("limit", ev.Duration))...)
		case EventRetried:
			log.Warn("task restarted", fields...)
		case EventSucceeded:
			log.Info("task successful finished", append(fields, logx.Duration("dur", ev.Duration))...)
		case EventFailed:
			log.Error("task failed", append(fields, logx.Duration("dur", ev.Duration))...)
		case EventExhausted:
			log.Error("task gave up", fields...)
		case EventQueueLoaded:
			log.Debug("tasks loaded", logx.Int("jobs", ev.Count))
		case EventQueueSaved:
			log.Debug("tasks saved", logx.Int("jobs", ev.Count))
		case EventQueueStalled:
			log.Error("queue stalled: remaining jobs can never become ready", logx.Int("jobs", ev.Count))
		}
	})
}
