// Package scheduler owns the job queue.
//
// Schedule merges new jobs into the persisted queue, Run pops ready jobs and
// hands them to a Dispatcher one at a time, and whatever is left is written
// back to storage when the run ends. Trigger runs the queue periodically in
// long-running mode.
package scheduler
