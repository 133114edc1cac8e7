package logx

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Sender pushes one rendered log line to an external channel (Telegram).
// Implementations must be safe for concurrent use.
type Sender interface {
	Send(ctx context.Context, text string) error
}

type Config struct {
	Level    string
	Console  bool
	File     FileConfig
	Telegram TelegramConfig
}

// FileConfig is the rotating JSON file sink. Rotation moves completed logs
// to backup files; the active file is only ever appended to.
type FileConfig struct {
	Enabled    bool
	Path       string
	MaxSizeMB  int // 0 means 50
	MaxBackups int // 0 means 5
	MaxAgeDays int // 0 keeps backups forever
	Compress   bool
}

// TelegramConfig mirrors log lines at or above MinLevel into the ops chat.
type TelegramConfig struct {
	Enabled    bool
	MinLevel   string // default "warn"
	RatePerSec int
}

type Level = zerolog.Level

const (
	LevelTrace = zerolog.TraceLevel
	LevelDebug = zerolog.DebugLevel
	LevelInfo  = zerolog.InfoLevel
	LevelWarn  = zerolog.WarnLevel
	LevelError = zerolog.ErrorLevel
)

const timeLayout = "2006-01-02T15:04:05.000Z07:00"

var formatOnce sync.Once

func setGlobalFormat() {
	formatOnce.Do(func() {
		zerolog.TimeFieldFormat = timeLayout
		zerolog.ErrorFieldName = "err"
	})
}

// Field applies one key/value to a log event. Fields run in order, so a
// repeated key ends up with the last value.
type Field func(e *zerolog.Event)

func String(k, v string) Field  { return func(e *zerolog.Event) { e.Str(k, v) } }
func Int(k string, v int) Field { return func(e *zerolog.Event) { e.Int(k, v) } }
func Int64(k string, v int64) Field {
	return func(e *zerolog.Event) { e.Int64(k, v) }
}
func Bool(k string, v bool) Field { return func(e *zerolog.Event) { e.Bool(k, v) } }
func Duration(k string, v time.Duration) Field {
	return func(e *zerolog.Event) { e.Dur(k, v) }
}
func Time(k string, v time.Time) Field { return func(e *zerolog.Event) { e.Time(k, v) } }
func Any(k string, v any) Field        { return func(e *zerolog.Event) { e.Interface(k, v) } }
func Err(err error) Field {
	return func(e *zerolog.Event) {
		if err != nil {
			e.Err(err)
		}
	}
}

// Logger writes structured events. The zero value discards everything.
// Loggers handed out by a Service keep following it through Apply calls.
type Logger struct {
	svc     *Service
	base    zerolog.Logger
	hasBase bool

	fields []Field
}

// Nop returns a logger that writes nothing.
func Nop() Logger {
	return Logger{base: zerolog.Nop(), hasBase: true}
}

// NewConsole is a standalone console logger for code that runs before the
// Service exists (bootstrap, usage errors).
func NewConsole(level string) Logger {
	setGlobalFormat()
	zl := zerolog.New(console(Stdout())).
		Level(parseLevel(level, zerolog.InfoLevel)).
		With().Timestamp().Logger()
	return Logger{base: zl, hasBase: true}
}

// NewWriter is a standalone logger emitting JSON lines to w. Tests use it
// to capture output.
func NewWriter(w io.Writer, level string) Logger {
	setGlobalFormat()
	zl := zerolog.New(w).
		Level(parseLevel(level, zerolog.InfoLevel)).
		With().Timestamp().Logger()
	return Logger{base: zl, hasBase: true}
}

func (l Logger) IsZero() bool { return l.svc == nil && !l.hasBase && len(l.fields) == 0 }

func (l Logger) root() zerolog.Logger {
	if l.svc != nil {
		return l.svc.load()
	}
	if l.hasBase {
		return l.base
	}
	return zerolog.Nop()
}

// Enabled reports whether events at level would be written.
func (l Logger) Enabled(level Level) bool {
	return level >= l.root().GetLevel()
}

// With returns a logger carrying additional fixed fields.
func (l Logger) With(fields ...Field) Logger {
	if len(fields) == 0 {
		return l
	}
	cp := l
	cp.fields = append(append([]Field(nil), l.fields...), fields...)
	return cp
}

func (l Logger) Trace(msg string, fields ...Field) { l.log(zerolog.TraceLevel, msg, fields...) }
func (l Logger) Debug(msg string, fields ...Field) { l.log(zerolog.DebugLevel, msg, fields...) }
func (l Logger) Info(msg string, fields ...Field)  { l.log(zerolog.InfoLevel, msg, fields...) }
func (l Logger) Warn(msg string, fields ...Field)  { l.log(zerolog.WarnLevel, msg, fields...) }
func (l Logger) Error(msg string, fields ...Field) { l.log(zerolog.ErrorLevel, msg, fields...) }

func (l Logger) log(level zerolog.Level, msg string, fields ...Field) {
	root := l.root()
	e := root.WithLevel(level)
	if e == nil {
		return
	}
	if c := shortCaller(3); c != "" {
		e.Str(zerolog.CallerFieldName, c)
	}
	for _, f := range l.fields {
		if f != nil {
			f(e)
		}
	}
	for _, f := range fields {
		if f != nil {
			f(e)
		}
	}
	e.Msg(msg)
}

// shortCaller yields "file.go:123" rather than a full path.
func shortCaller(skip int) string {
	_, file, line, ok := runtime.Caller(skip)
	if !ok || file == "" {
		return ""
	}
	return filepath.Base(file) + ":" + strconv.Itoa(line)
}

// Service owns the sink configuration and rebuilds the root logger when it
// changes. Loggers created from it pick up the new root atomically.
type Service struct {
	mu  sync.Mutex
	cfg Config

	active atomic.Value // zerolog.Logger

	file *lumberjack.Logger

	sender Sender
	sendQ  chan string
	once   sync.Once
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// guarded by mu
	limiter  *rate.Limiter
	minLevel zerolog.Level
}

// New builds the logging service, applies cfg, and returns the service
// together with a root Logger bound to it. sender may be nil; the Telegram
// sink is then inert even when enabled.
func New(cfg Config, sender Sender) (*Service, Logger) {
	setGlobalFormat()
	s := &Service{
		sender: sender,
		sendQ:  make(chan string, 256),
	}
	boot := zerolog.New(console(Stdout())).
		Level(parseLevel(cfg.Level, zerolog.InfoLevel)).
		With().Timestamp().Logger()
	s.active.Store(boot)

	s.Apply(cfg)
	return s, Logger{svc: s}
}

func (s *Service) load() zerolog.Logger {
	if zl, ok := s.active.Load().(zerolog.Logger); ok {
		return zl
	}
	return zerolog.Nop()
}

func (s *Service) Logger() Logger { return Logger{svc: s} }

// Apply swaps sinks and levels at runtime. Safe for concurrent use.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cfg = cfg
	s.minLevel = parseLevel(cfg.Telegram.MinLevel, zerolog.WarnLevel)
	rps := cfg.Telegram.RatePerSec
	if rps < 1 {
		rps = 1
	}
	s.limiter = rate.NewLimiter(rate.Limit(rps), rps)

	if s.file != nil {
		_ = s.file.Close()
		s.file = nil
	}

	var sinks []io.Writer
	if cfg.Console {
		sinks = append(sinks, console(Stdout()))
	}
	if cfg.File.Enabled {
		s.file = fileSink(cfg.File)
		sinks = append(sinks, zerolog.SyncWriter(s.file))
	}
	if cfg.Telegram.Enabled {
		s.startSendLoop()
		sinks = append(sinks, &teleSink{svc: s})
		if s.sender == nil {
			fmt.Fprintln(os.Stderr, "logx: telegram sink enabled without a sender")
		}
	}
	if len(sinks) == 0 {
		sinks = append(sinks, console(Stdout()))
	}

	root := zerolog.New(zerolog.MultiLevelWriter(sinks...)).
		Level(parseLevel(cfg.Level, zerolog.InfoLevel)).
		With().Timestamp().Logger()
	s.active.Store(root)
}

// Rotate forces rotation of the file sink (SIGHUP handler).
func (s *Service) Rotate() error {
	s.mu.Lock()
	f := s.file
	s.mu.Unlock()
	if f == nil {
		return nil
	}
	return f.Rotate()
}

func (s *Service) Close() error {
	s.mu.Lock()
	file := s.file
	s.file = nil
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
		s.wg.Wait()
	}
	if file != nil {
		_ = file.Close()
	}
	return nil
}

func fileSink(cfg FileConfig) *lumberjack.Logger {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		path = "./redeployd.log"
	}
	size := cfg.MaxSizeMB
	if size <= 0 {
		size = 50
	}
	backups := cfg.MaxBackups
	if backups <= 0 {
		backups = 5
	}
	return &lumberjack.Logger{
		Filename:   path,
		MaxSize:    size,
		MaxBackups: backups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   cfg.Compress,
	}
}

func console(w io.Writer) io.Writer {
	cw := zerolog.ConsoleWriter{Out: w, TimeFormat: timeLayout}
	cw.FormatCaller = func(v any) string {
		s, _ := v.(string)
		return s
	}
	return cw
}

// startSendLoop launches the single Telegram delivery goroutine. Called
// under s.mu; runs at most once per Service.
func (s *Service) startSendLoop() {
	s.once.Do(func() {
		ctx, cancel := context.WithCancel(context.Background())
		s.cancel = cancel
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case line := <-s.sendQ:
					if s.sender != nil {
						_ = s.sender.Send(ctx, line)
					}
				}
			}
		}()
	})
}

// teleSink is a zerolog LevelWriter forwarding formatted lines to the send
// loop. It never blocks logging: over-rate and over-queue lines are dropped.
type teleSink struct{ svc *Service }

func (t *teleSink) Write(p []byte) (int, error) {
	return t.WriteLevel(zerolog.InfoLevel, p)
}

func (t *teleSink) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	s := t.svc
	if s == nil {
		return len(p), nil
	}

	s.mu.Lock()
	lim, min := s.limiter, s.minLevel
	s.mu.Unlock()

	if s.sender == nil || lim == nil || level < min || !lim.Allow() {
		return len(p), nil
	}
	if line := formatTelegramJSON(p); line != "" {
		select {
		case s.sendQ <- line:
		default:
		}
	}
	return len(p), nil
}

const teleMaxLen = 3500

// formatTelegramJSON renders one zerolog JSON line as a short Telegram
// message: "[LEVEL] message" plus one "- key=value" row per field.
func formatTelegramJSON(p []byte) string {
	var rec map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(p), &rec); err != nil {
		return truncate(strings.TrimSpace(string(p)), teleMaxLen)
	}

	var b strings.Builder
	if lvl, _ := rec["level"].(string); lvl != "" {
		fmt.Fprintf(&b, "[%s] ", strings.ToUpper(lvl))
	}
	if msg, _ := rec["message"].(string); msg != "" {
		b.WriteString(msg)
	} else if alt, _ := rec["msg"].(string); alt != "" {
		b.WriteString(alt)
	}
	for k, v := range rec {
		switch k {
		case "time", "level", "message", "msg":
			continue
		}
		fmt.Fprintf(&b, "\n- %s=%s", k, truncate(fmt.Sprint(v), 600))
	}
	return truncate(b.String(), teleMaxLen)
}

func truncate(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	if max < 10 {
		return s[:max]
	}
	return s[:max-3] + "..."
}

func parseLevel(s string, def zerolog.Level) zerolog.Level {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "TRACE":
		return zerolog.TraceLevel
	case "DEBUG":
		return zerolog.DebugLevel
	case "INFO":
		return zerolog.InfoLevel
	case "WARN", "WARNING":
		return zerolog.WarnLevel
	case "ERROR":
		return zerolog.ErrorLevel
	default:
		return def
	}
}

// Stdout is the console sink target.
func Stdout() io.Writer { return os.Stdout }

// Stderr is kept for callers writing outside the logging pipeline.
func Stderr() io.Writer { return os.Stderr }
