// Package logging builds the process-wide zap logger and a throttled
// variant used by components that must not spam stderr on repeated
// failures (e.g. the Announcer re-fetching an unreachable descriptor
// every tick).
//
// Adapted from Brightgate-product's ap_common/aputil logging setup:
// a zap.AtomicLevel that the -v/-vv/-vvv CLI flags raise, and a
// ThrottledLogger wrapping a SugaredLogger with exponential backoff
// between repeats of the same call site.
package logging

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func zapTimeEncoder(t time.Time, enc zapcore.PrimitiveArrayEncoder) {
	enc.AppendString(t.Format("2006-01-02T15:04:05.000Z0700"))
}

// New builds a sugared zap logger writing to stderr, at the level implied
// by the number of -v flags the CLI was given.
func New(verbosity int) *zap.SugaredLogger {
	cfg := zap.NewDevelopmentConfig()
	cfg.OutputPaths = []string{"stderr"}
	cfg.ErrorOutputPaths = []string{"stderr"}
	cfg.DisableStacktrace = true
	cfg.EncoderConfig.EncodeTime = zapTimeEncoder

	switch {
	case verbosity <= 0:
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case verbosity == 1:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	default:
		// verbosity >= 2 covers both debug and trace; trace entries are
		// tagged with a "trace" field rather than a fifth zap level.
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}

	logger, err := cfg.Build()
	if err != nil {
		// zap's own default config failing to build means stderr isn't
		// writable; there is nowhere useful left to report this.
		panic(fmt.Sprintf("logging: failed to build logger: %v", err))
	}

	sugared := logger.Sugar()
	if verbosity >= 3 {
		sugared = sugared.With("trace", true)
	}
	return sugared
}

// Throttled wraps a SugaredLogger so that repeated calls to Warnf on the
// same Throttled value back off exponentially instead of flooding stderr;
// all callers sharing one Throttled share one backoff. Used
// by the Announcer: repeated fetch failures log at most once per tick.
type Throttled struct {
	mu        sync.Mutex
	slog      *zap.SugaredLogger
	next      time.Time
	baseDelay time.Duration
	maxDelay  time.Duration
	curDelay  time.Duration
}

// NewThrottled returns a Throttled logger with the given backoff bounds.
func NewThrottled(slog *zap.SugaredLogger, base, max time.Duration) *Throttled {
	return &Throttled{
		slog:      slog,
		next:      time.Now(),
		baseDelay: base,
		curDelay:  base,
		maxDelay:  max,
	}
}

// Reset clears accumulated backoff, e.g. after a successful operation.
func (t *Throttled) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.next = time.Now()
	t.curDelay = t.baseDelay
}

func (t *Throttled) ready() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	if now.Before(t.next) {
		return false
	}
	t.next = now.Add(t.curDelay)
	t.curDelay *= 2
	if t.curDelay > t.maxDelay {
		t.curDelay = t.maxDelay
	}
	return true
}

// Warnf issues a throttled WARN message.
func (t *Throttled) Warnf(format string, args ...interface{}) {
	if t.ready() {
		t.slog.Warnf(format, args...)
	}
}
