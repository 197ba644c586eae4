package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

// FileName is the active audit file inside the configured directory.
const FileName = "audit.jsonl"

// Entry is a single audit record.
type Entry struct {
	Timestamp time.Time `json:"ts"`
	Actor     string    `json:"actor"`
	Action    string    `json:"action"`
	Finder    string    `json:"finder,omitempty"`
	Found     string    `json:"found,omitempty"`
	RSSI      *int      `json:"rssi,omitempty"`
	Outcome   string    `json:"outcome"`
	Code      string    `json:"code"`
	LatencyMs int64     `json:"latencyMs"`
}

// Options configures rotation.
type Options struct {
	Dir        string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// Logger appends entries to a rotating JSONL file.
type Logger struct {
	mu       sync.Mutex
	filePath string
	out      io.WriteCloser
	logger   *slog.Logger
	now      func() time.Time
}

// NewLogger creates the directory if needed and opens the audit file.
func NewLogger(opts Options, logger *slog.Logger) (*Logger, error) {
	if opts.Dir == "" {
		return nil, fmt.Errorf("audit directory is required")
	}
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	filePath := filepath.Join(opts.Dir, FileName)
	return &Logger{
		filePath: filePath,
		out: &lumberjack.Logger{
			Filename:   filePath,
			MaxSize:    opts.MaxSizeMB,
			MaxBackups: opts.MaxBackups,
			MaxAge:     opts.MaxAgeDays,
			Compress:   opts.Compress,
		},
		logger: logger.With("component", "audit"),
		now:    time.Now,
	}, nil
}

type actorKey struct{}

// WithActor tags ctx with the principal performing an action.
func WithActor(ctx context.Context, actor string) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

// ActorFromContext returns the principal stored by WithActor.
func ActorFromContext(ctx context.Context) string {
	if actor, ok := ctx.Value(actorKey{}).(string); ok && actor != "" {
		return actor
	}
	return "system"
}

// LogRound records one validation round. result is the verdict or the
// failure code.
func (l *Logger) LogRound(ctx context.Context, finder, found string, rssi int, result string, latency time.Duration) {
	l.writeEntry(Entry{
		Timestamp: l.now().UTC(),
		Actor:     ActorFromContext(ctx),
		Action:    "validate",
		Finder:    finder,
		Found:     found,
		RSSI:      &rssi,
		Outcome:   result,
		Code:      roundCode(result),
		LatencyMs: latency.Milliseconds(),
	})
}

// LogAction records a control action such as start, stop or upload.
func (l *Logger) LogAction(ctx context.Context, action, outcome string, err error, latency time.Duration) {
	code := "SUCCESS"
	if err != nil {
		code = "ERROR"
	}
	l.writeEntry(Entry{
		Timestamp: l.now().UTC(),
		Actor:     ActorFromContext(ctx),
		Action:    action,
		Outcome:   outcome,
		Code:      code,
		LatencyMs: latency.Milliseconds(),
	})
}

func roundCode(result string) string {
	switch result {
	case "match", "badmatch":
		return "SUCCESS"
	case "":
		return "UNKNOWN"
	default:
		return result
	}
}

func (l *Logger) writeEntry(entry Entry) {
	data, err := json.Marshal(entry)
	if err != nil {
		l.logger.Error("failed to marshal audit entry", "err", err)
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.out == nil {
		return
	}
	if _, err := l.out.Write(append(data, '\n')); err != nil {
		l.logger.Error("failed to write audit entry", "err", err)
	}
}

// Rotate closes the active file and starts a new one.
func (l *Logger) Rotate() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	r, ok := l.out.(interface{ Rotate() error })
	if !ok {
		return fmt.Errorf("audit output does not support rotation")
	}
	return r.Rotate()
}

// Close flushes and closes the audit file. Later writes are dropped.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.out == nil {
		return nil
	}
	err := l.out.Close()
	l.out = nil
	return err
}

// GetFilePath returns the path of the active audit file.
func (l *Logger) GetFilePath() string {
	return l.filePath
}
