// Package demo provides a sample task set and job graph: file and directory
// housekeeping plus a weather report built from bundled forecasts.
package demo

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"jobsched/internal/task"
	logx "jobsched/pkg/logx"
)

const (
	FileName        = "hello.txt"
	RenamedFileName = "hello_renamed.txt"
	DirName         = "demo_dir"
	RenamedDirName  = "demo_dir_renamed"
	ReportName      = "report.json"
)

// Tasks operates inside one work directory.
type Tasks struct {
	dir string
	log logx.Logger
}

func NewTasks(workDir string, log logx.Logger) *Tasks {
	if workDir == "" {
		workDir = "."
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Tasks{dir: workDir, log: log}
}

func (t *Tasks) path(parts ...string) string {
	return filepath.Join(append([]string{t.dir}, parts...)...)
}

// Register adds task_1 ... task_9 to reg.
func (t *Tasks) Register(reg *task.Registry) error {
	for _, e := range []struct {
		name, desc string
		fn         task.Func
	}{
		{"task_1", "Create and write the file", t.createFile},
		{"task_2", "Rename the file", t.renameFile},
		{"task_3", "Make new dir", t.makeDir},
		{"task_4", "Rename dir", t.renameDir},
		{"task_5", "Move renamed file to renamed dir", t.moveFile},
		{"task_6", "Delete renamed file", t.deleteFile},
		{"task_7", "Delete renamed dir", t.deleteDir},
		{"task_8", "Build the weather report", t.weatherReport},
		{"task_9", "Delete report.json", t.deleteReport},
	} {
		if err := reg.Register(e.name, e.desc, e.fn); err != nil {
			return err
		}
	}
	return nil
}

func (t *Tasks) createFile(context.Context) error {
	return os.WriteFile(t.path(FileName), []byte("Hello world!"), 0o644)
}

func (t *Tasks) renameFile(context.Context) error {
	return os.Rename(t.path(FileName), t.path(RenamedFileName))
}

func (t *Tasks) makeDir(context.Context) error {
	return os.Mkdir(t.path(DirName), 0o755)
}

func (t *Tasks) renameDir(context.Context) error {
	return os.Rename(t.path(DirName), t.path(RenamedDirName))
}

func (t *Tasks) moveFile(context.Context) error {
	return os.Rename(t.path(RenamedFileName), t.path(RenamedDirName, RenamedFileName))
}

func (t *Tasks) deleteFile(context.Context) error {
	return os.Remove(t.path(RenamedDirName, RenamedFileName))
}

func (t *Tasks) deleteDir(context.Context) error {
	return os.Remove(t.path(RenamedDirName))
}

func (t *Tasks) weatherReport(ctx context.Context) error {
	rep, err := BuildReport(ctx)
	if err != nil {
		return err
	}
	if err := rep.WriteFile(t.path(ReportName)); err != nil {
		return err
	}
	if best, ok := rep.Best(); ok {
		t.log.Info("best weather",
			logx.String("city", best.City),
			logx.Any("average_temp", best.AverageTemp),
			logx.Int("good_hours", best.GoodHours),
		)
	}
	return nil
}

func (t *Tasks) deleteReport(context.Context) error {
	if err := os.Remove(t.path(ReportName)); err != nil {
		return fmt.Errorf("delete report: %w", err)
	}
	return nil
}
