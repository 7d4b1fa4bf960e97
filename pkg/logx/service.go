package logx

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

const (
	timeFormat      = "2006-01-02T15:04:05.000Z07:00"
	defaultFilePath = "./jobsched.log"
)

type Config struct {
	Level   string
	Console bool
	File    FileConfig
}

type FileConfig struct {
	Enabled bool
	Path    string // default ./jobsched.log
}

// Service owns the process-wide sinks: a console writer on stdout and an
// optional JSON file. Create it once at startup and Close it at shutdown.
type Service struct {
	mu   sync.Mutex
	file *os.File

	cur atomic.Pointer[zerolog.Logger]
}

// New builds the service from cfg and returns its root Logger.
func New(cfg Config) (*Service, Logger) {
	zerolog.ErrorFieldName = "err"
	zerolog.TimeFieldFormat = timeFormat

	s := &Service{}
	s.Apply(cfg)
	return s, Logger{svc: s}
}

func (s *Service) current() *zerolog.Logger {
	if zl := s.cur.Load(); zl != nil {
		return zl
	}
	return &nop
}

// Apply rebuilds the sinks and level. Loggers derived from the service pick
// up the change on their next line.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file != nil {
		_ = s.file.Close()
		s.file = nil
	}

	var sinks []io.Writer
	if cfg.Console {
		sinks = append(sinks, consoleWriter(os.Stdout))
	}
	if cfg.File.Enabled {
		path := strings.TrimSpace(cfg.File.Path)
		if path == "" {
			path = defaultFilePath
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "logx: open %s: %v\n", path, err)
		} else {
			s.file = f
			sinks = append(sinks, zerolog.SyncWriter(f))
		}
	}
	// never go silent because of a bad config
	if len(sinks) == 0 {
		sinks = append(sinks, consoleWriter(os.Stdout))
	}

	zl := zerolog.New(zerolog.MultiLevelWriter(sinks...)).
		Level(parseLevel(cfg.Level, zerolog.InfoLevel)).
		With().Timestamp().Logger()
	s.cur.Store(&zl)
}

// Close flushes and closes the file sink. Console output keeps working.
func (s *Service) Close() error {
	s.mu.Lock()
	f := s.file
	s.file = nil
	s.mu.Unlock()
	if f == nil {
		return nil
	}
	_ = f.Sync()
	return f.Close()
}

func consoleWriter(w io.Writer) io.Writer {
	return zerolog.ConsoleWriter{
		Out:          w,
		TimeFormat:   timeFormat,
		FormatCaller: func(i any) string { s, _ := i.(string); return s },
	}
}

// parseLevel accepts zerolog level names plus "warning"; anything else is def.
func parseLevel(s string, def zerolog.Level) zerolog.Level {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "warning" {
		s = "warn"
	}
	lvl, err := zerolog.ParseLevel(s)
	if err != nil || s == "" {
		return def
	}
	return lvl
}
