// Package ratelimit gates all remote fetches behind a single process-wide
// throttle: a minimum spacing between consecutive grants plus a rolling
// payload-size budget over a trailing window. The external quota is global,
// not per-series, so every caller shares one Limiter value.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"gopkg.in/yaml.v3"
)

// ErrQuotaExceeded is returned when a request is structurally larger than the
// whole rolling-window budget and could never be granted.
var ErrQuotaExceeded = errors.New("payload estimate exceeds rolling window budget")

// Config holds the limiter parameters. Zero values fall back to the
// conservative defaults below.
type Config struct {
	MinSpacing   time.Duration `yaml:"-"`
	Window       time.Duration `yaml:"-"`
	WindowBudget int64         `yaml:"window_budget_bytes"`
}

type configFileModel struct {
	MinSpacing   string `yaml:"min_spacing,omitempty"`
	Window       string `yaml:"window,omitempty"`
	WindowBudget int64  `yaml:"window_budget_bytes,omitempty"`
}

// UnmarshalYAML accepts durations in time.ParseDuration notation ("5s",
// "1m"); fields absent from the document keep their current values.
func (c *Config) UnmarshalYAML(value *yaml.Node) error {
	var raw configFileModel
	if err := value.Decode(&raw); err != nil {
		return err
	}
	if raw.MinSpacing != "" {
		d, err := time.ParseDuration(raw.MinSpacing)
		if err != nil {
			return fmt.Errorf("min_spacing: %w", err)
		}
		c.MinSpacing = d
	}
	if raw.Window != "" {
		d, err := time.ParseDuration(raw.Window)
		if err != nil {
			return fmt.Errorf("window: %w", err)
		}
		c.Window = d
	}
	if raw.WindowBudget > 0 {
		c.WindowBudget = raw.WindowBudget
	}
	return nil
}

func (c Config) MarshalYAML() (interface{}, error) {
	return configFileModel{
		MinSpacing:   c.MinSpacing.String(),
		Window:       c.Window.String(),
		WindowBudget: c.WindowBudget,
	}, nil
}

const (
	defaultMinSpacing   = 5 * time.Second
	defaultWindow       = time.Minute
	defaultWindowBudget = 50 << 20
)

type grant struct {
	at   time.Time
	size int64
}

// Limiter enforces the spacing and budget contract with FIFO fairness:
// callers are granted strictly in order of arrival, and a blocked head of
// the queue blocks everyone behind it.
type Limiter struct {
	cfg    Config
	spacer *rate.Limiter
	logger *zap.Logger
	now    func() time.Time

	mu     sync.Mutex
	grants []grant
	queue  []chan struct{}
}

func New(cfg Config, logger *zap.Logger) *Limiter {
	if cfg.MinSpacing <= 0 {
		cfg.MinSpacing = defaultMinSpacing
	}
	if cfg.Window <= 0 {
		cfg.Window = defaultWindow
	}
	if cfg.WindowBudget <= 0 {
		cfg.WindowBudget = defaultWindowBudget
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Limiter{
		cfg:    cfg,
		spacer: rate.NewLimiter(rate.Every(cfg.MinSpacing), 1),
		logger: logger,
		now:    time.Now,
	}
}

// Acquire blocks until the caller may issue a request carrying roughly
// estimatedSize payload bytes. It fails fast with ErrQuotaExceeded when the
// estimate can never fit the window budget, and returns the context error
// when cancelled while waiting.
func (l *Limiter) Acquire(ctx context.Context, estimatedSize int64) error {
	if estimatedSize > l.cfg.WindowBudget {
		return ErrQuotaExceeded
	}
	if estimatedSize < 0 {
		estimatedSize = 0
	}

	ready := make(chan struct{})
	l.mu.Lock()
	l.queue = append(l.queue, ready)
	if len(l.queue) == 1 {
		close(ready)
	}
	l.mu.Unlock()

	select {
	case <-ready:
	case <-ctx.Done():
		l.abandon(ready)
		return ctx.Err()
	}

	// Head of the queue. Wait out the budget first: freed budget only grows
	// with time, so a later spacing wait cannot invalidate it.
	if err := l.waitBudget(ctx, estimatedSize); err != nil {
		l.advance()
		return err
	}
	if err := l.spacer.Wait(ctx); err != nil {
		l.advance()
		return err
	}

	l.mu.Lock()
	now := l.now()
	l.pruneLocked(now)
	l.grants = append(l.grants, grant{at: now, size: estimatedSize})
	l.mu.Unlock()

	l.advance()
	return nil
}

// waitBudget blocks until estimatedSize fits the trailing window.
func (l *Limiter) waitBudget(ctx context.Context, estimatedSize int64) error {
	for {
		l.mu.Lock()
		now := l.now()
		l.pruneLocked(now)

		used := int64(0)
		for _, g := range l.grants {
			used += g.size
		}
		if used+estimatedSize <= l.cfg.WindowBudget {
			l.mu.Unlock()
			return nil
		}

		// Find when enough old grants fall out of the window.
		freed := int64(0)
		wakeAt := l.grants[len(l.grants)-1].at.Add(l.cfg.Window)
		for _, g := range l.grants {
			freed += g.size
			if used-freed+estimatedSize <= l.cfg.WindowBudget {
				wakeAt = g.at.Add(l.cfg.Window)
				break
			}
		}
		l.mu.Unlock()

		l.logger.Debug("Rate limiter budget exhausted, waiting",
			zap.Int64("estimated_size", estimatedSize),
			zap.Time("wake_at", wakeAt))

		timer := time.NewTimer(time.Until(wakeAt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func (l *Limiter) pruneLocked(now time.Time) {
	cutoff := now.Add(-l.cfg.Window)
	keep := l.grants[:0]
	for _, g := range l.grants {
		if g.at.After(cutoff) {
			keep = append(keep, g)
		}
	}
	l.grants = keep
}

// advance pops the head of the queue and wakes the next waiter.
func (l *Limiter) advance() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.queue) == 0 {
		return
	}
	l.queue = l.queue[1:]
	if len(l.queue) > 0 {
		close(l.queue[0])
	}
}

// abandon removes a cancelled waiter that never reached the head.
func (l *Limiter) abandon(ready chan struct{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, ch := range l.queue {
		if ch == ready {
			l.queue = append(l.queue[:i], l.queue[i+1:]...)
			if i == 0 && len(l.queue) > 0 {
				close(l.queue[0])
			}
			return
		}
	}
}
