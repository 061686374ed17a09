package logx

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

const (
	consoleTimeFormat = "2006-01-02T15:04:05.000Z07:00"
	defaultLogFile    = "./toosimpleq.log"
)

type Config struct {
	Level   string
	Console bool
	File    FileConfig

	// Output overrides the console destination (stdout when nil).
	Output io.Writer
}

type FileConfig struct {
	Enabled bool
	Path    string
}

// Service owns the sinks. Apply may be called at any time; loggers already
// handed out pick up the change on their next line.
type Service struct {
	mu       sync.Mutex
	cfg      Config
	file     *os.File
	filePath string

	zl atomic.Pointer[zerolog.Logger]
}

// New applies cfg and returns the Service with its root Logger.
func New(cfg Config) (*Service, Logger) {
	zerolog.ErrorFieldName = "err"
	zerolog.TimeFieldFormat = consoleTimeFormat

	s := &Service{}
	s.Apply(cfg)
	return s, s.Logger()
}

func (s *Service) Logger() Logger { return Logger{svc: s} }

// Level returns the currently applied level.
func (s *Service) Level() Level { return s.current().GetLevel() }

func (s *Service) current() *zerolog.Logger {
	if zl := s.zl.Load(); zl != nil {
		return zl
	}
	return &nopLogger
}

// Apply rebuilds the sinks. An unchanged file path keeps its open handle.
// When no sink is enabled, or the file cannot be opened, the console is used.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.applyLocked(cfg)
}

func (s *Service) applyLocked(cfg Config) {
	s.cfg = cfg
	var (
		sinks   []io.Writer
		file    *os.File
		path    string
		openErr error
	)
	if cfg.File.Enabled {
		path = strings.TrimSpace(cfg.File.Path)
		if path == "" {
			path = defaultLogFile
		}
		if s.file != nil && s.filePath == path {
			file = s.file
		} else {
			file, openErr = openLogFile(path)
		}
		if file != nil {
			sinks = append(sinks, zerolog.SyncWriter(file))
		}
	}
	if cfg.Console || len(sinks) == 0 {
		sinks = append(sinks, consoleWriter(cfg.Output))
	}

	zl := zerolog.New(zerolog.MultiLevelWriter(sinks...)).
		Level(ParseLevel(cfg.Level, zerolog.InfoLevel)).
		With().Timestamp().Logger()
	s.zl.Store(&zl)

	// The old handle is closed only after no new line can reach it.
	if s.file != nil && s.file != file {
		_ = s.file.Close()
	}
	s.file, s.filePath = file, path
	if file == nil {
		s.filePath = ""
	}

	if openErr != nil {
		zl.Warn().Err(openErr).Str("path", path).Msg("log file unavailable; logging to console")
	}
}

// Close releases the log file. Later lines go to the console.
func (s *Service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	cfg := s.cfg
	cfg.File.Enabled = false
	s.applyLocked(cfg)
	return nil
}

func openLogFile(path string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	return os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
}

func consoleWriter(out io.Writer) io.Writer {
	if out == nil {
		out = os.Stdout
	}
	return zerolog.ConsoleWriter{
		Out:          out,
		TimeFormat:   consoleTimeFormat,
		FormatCaller: func(i any) string { s, _ := i.(string); return s },
	}
}
