package logx

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

const (
	timeFormat      = "2006-01-02T15:04:05.000Z07:00"
	DefaultFilePath = "dagd.log"
)

// Config selects the level and sinks. With no sink enabled, events go to
// the console.
type Config struct {
	Level string
	// Format is the console encoding: "text" (default) or "json".
	Format  string
	Console bool
	File    FileConfig
}

type FileConfig struct {
	Enabled bool
	// Path defaults to DefaultFilePath; missing parent directories are created.
	Path string
}

// Service owns the active sinks. Loggers it hands out always write through
// the latest Apply.
type Service struct {
	out io.Writer

	mu   sync.Mutex
	cfg  Config
	file *os.File

	cur atomic.Pointer[zerolog.Logger]
}

// New builds a Service writing the console to stdout and returns it with its
// root Logger. A file sink that cannot be opened is reported on stderr and
// skipped.
func New(cfg Config) (*Service, Logger) {
	s, err := newService(cfg, os.Stdout)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logx: %v\n", err)
	}
	return s, s.Logger()
}

func init() {
	zerolog.ErrorFieldName = "err"
	zerolog.TimeFieldFormat = timeFormat
}

func newService(cfg Config, out io.Writer) (*Service, error) {
	s := &Service{out: out}
	return s, s.Apply(cfg)
}

func (s *Service) Logger() Logger { return Logger{src: s} }

func (s *Service) current() zerolog.Logger {
	if zl := s.cur.Load(); zl != nil {
		return *zl
	}
	return zerolog.Nop()
}

// Apply swaps level and sinks. When the file sink fails to open, the
// remaining sinks are still installed and the error is returned.
func (s *Service) Apply(cfg Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.applyLocked(cfg)
}

func (s *Service) applyLocked(cfg Config) error {
	var (
		sinks   []io.Writer
		file    *os.File
		openErr error
	)
	if cfg.File.Enabled {
		file, openErr = openLogFile(cfg.File.Path)
		if file != nil {
			sinks = append(sinks, zerolog.SyncWriter(file))
		}
	}
	if cfg.Console || len(sinks) == 0 {
		sinks = append(sinks, s.console(cfg.Format))
	}

	zl := zerolog.New(zerolog.MultiLevelWriter(sinks...)).
		Level(parseLevel(cfg.Level)).
		With().Timestamp().Logger()
	s.cur.Store(&zl)

	// Close the old file only once nothing writes to it.
	if s.file != nil {
		_ = s.file.Close()
	}
	s.file = file
	s.cfg = cfg
	return openErr
}

// Close releases the file sink; later events go to the console only.
func (s *Service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	f := s.file
	if f == nil {
		return nil
	}
	s.file = nil
	cfg := s.cfg
	cfg.File.Enabled = false
	_ = s.applyLocked(cfg)
	return f.Close()
}

func (s *Service) console(format string) io.Writer {
	if strings.EqualFold(strings.TrimSpace(format), "json") {
		return s.out
	}
	cw := zerolog.ConsoleWriter{Out: s.out, TimeFormat: timeFormat}
	cw.FormatCaller = func(i any) string {
		c, _ := i.(string)
		return c
	}
	return cw
}

func openLogFile(path string) (*os.File, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		path = DefaultFilePath
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("log dir for %q: %w", path, err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	return f, nil
}

// parseLevel maps a config level to zerolog, falling back to info.
func parseLevel(s string) zerolog.Level {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "warning" {
		s = "warn"
	}
	lvl, err := zerolog.ParseLevel(s)
	if err != nil || lvl == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return lvl
}
