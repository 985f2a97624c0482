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

type Config struct {
	Level   string
	Console bool
	File    FileConfig
	Alert   AlertConfig
}

type FileConfig struct {
	Enabled bool
	Path    string
}

const defaultLogFile = "./courtbot.log"

// Service owns the sinks. Loggers derived from it read the current root on
// every record, so Apply takes effect immediately.
type Service struct {
	root atomic.Pointer[zerolog.Logger]

	mu    sync.Mutex
	cfg   Config
	file  *os.File
	alert *alertSink
}

// New applies cfg and returns the service with its root logger.
func New(cfg Config) (*Service, Logger) {
	setGlobals()
	s := &Service{alert: newAlertSink()}
	s.Apply(cfg)
	return s, Logger{svc: s}
}

func (s *Service) Logger() Logger { return Logger{svc: s} }

func (s *Service) current() zerolog.Logger {
	if zl := s.root.Load(); zl != nil {
		return *zl
	}
	return zerolog.Nop()
}

// SetAlerter installs the alert target. Logging is built before the
// notifier, so the app calls this once both exist.
func (s *Service) SetAlerter(a Alerter) { s.alert.setTarget(a) }

// Apply rebuilds the sink chain. Safe for concurrent use.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = cfg

	var sinks []io.Writer
	if cfg.Console {
		sinks = append(sinks, consoleWriter(os.Stdout))
	}

	prev := s.file
	s.file = nil
	if cfg.File.Enabled {
		f, err := openLogFile(cfg.File.Path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "logx: %v\n", err)
		} else {
			s.file = f
			sinks = append(sinks, zerolog.SyncWriter(f))
		}
	}

	s.alert.configure(cfg.Alert)
	if cfg.Alert.Enabled {
		sinks = append(sinks, s.alert)
	}
	if len(sinks) == 0 {
		sinks = append(sinks, consoleWriter(os.Stdout))
	}

	zl := zerolog.New(zerolog.MultiLevelWriter(sinks...)).
		Level(parseLevel(cfg.Level, LevelInfo)).
		With().Timestamp().Logger()
	s.root.Store(&zl)

	// Records racing the swap may still hold the old file briefly.
	if prev != nil {
		_ = prev.Close()
	}
}

func openLogFile(path string) (*os.File, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		path = defaultLogFile
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file %q: %w", path, err)
	}
	return f, nil
}

// Close flushes pending alerts and releases the log file. Loggers keep
// working afterwards but only reach the console.
func (s *Service) Close() error {
	s.alert.close()

	s.mu.Lock()
	defer s.mu.Unlock()
	zl := zerolog.New(consoleWriter(os.Stdout)).Level(parseLevel(s.cfg.Level, LevelInfo)).With().Timestamp().Logger()
	s.root.Store(&zl)
	if s.file != nil {
		err := s.file.Close()
		s.file = nil
		return err
	}
	return nil
}
