// Package task maps task names to runnable capabilities.
//
// A task body is opaque to the scheduler: a named operation that takes no
// input besides a context and may fail. Jobs resolve their task once, at
// construction, through a Registry.
package task

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
)

var (
	ErrUnknownTask   = errors.New("unknown task")
	ErrDuplicateTask = errors.New("task already registered")
)

// Func is the body of a task.
//
// The context is never canceled by a job's duration cap; it only carries
// process shutdown.
type Func func(ctx context.Context) error

// Task is a resolved, runnable capability.
type Task struct {
	Name        string
	Description string
	Run         Func
}

// Label is the human readable name used in logs.
func (t Task) Label() string {
	if d := strings.TrimSpace(t.Description); d != "" {
		return d
	}
	return t.Name
}

// Call runs the task and converts a panic into an error so one bad task
// can't take the dispatcher down with it.
func (t Task) Call(ctx context.Context) (err error) {
	if t.Run == nil {
		return fmt.Errorf("task %q: no body", t.Name)
	}
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Task: t.Name, Value: r, Stack: string(debug.Stack())}
		}
	}()
	return t.Run(ctx)
}

// PanicError is returned by Call when the task body panicked.
type PanicError struct {
	Task  string
	Value any
	Stack string
}

func (e *PanicError) Error() string { return fmt.Sprintf("task %q panic: %v", e.Task, e.Value) }

// Registry is safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	tasks map[string]Task
}

func NewRegistry() *Registry {
	return &Registry{tasks: make(map[string]Task)}
}

func (r *Registry) Register(name, description string, fn Func) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("task name is required")
	}
	if fn == nil {
		return fmt.Errorf("task %q: nil func", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tasks[name]; ok {
		return fmt.Errorf("%w: %q", ErrDuplicateTask, name)
	}
	r.tasks[name] = Task{Name: name, Description: description, Run: fn}
	return nil
}

// MustRegister is Register for static tables; it panics on error.
func (r *Registry) MustRegister(name, description string, fn Func) {
	if err := r.Register(name, description, fn); err != nil {
		panic(err)
	}
}

// Resolve returns the task registered under name.
func (r *Registry) Resolve(name string) (Task, error) {
	r.mu.RLock()
	t, ok := r.tasks[strings.TrimSpace(name)]
	r.mu.RUnlock()
	if !ok {
		return Task{}, fmt.Errorf("%w: %q", ErrUnknownTask, name)
	}
	return t, nil
}

// Names returns registered task names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.tasks))
	for n := range r.tasks {
		names = append(names, n)
	}
	r.mu.RUnlock()
	sort.Strings(names)
	return names
}
