package nudge

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/mbd888/nudge/internal/logging"
)

// DefaultTickInterval is how often the timer sweeps all profiles.
const DefaultTickInterval = 15 * time.Minute

// Timer periodically sends SCHEDULED_TICK to every profile so cooldowns and
// withdrawals expire, confidences decay daily, streaks advance, and seasonal
// factors are recalibrated.
type Timer struct {
	service  *Service
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
}

// NewTimer creates a new scheduled-tick timer. A non-positive interval uses
// DefaultTickInterval.
func NewTimer(service *Service, interval time.Duration, logger *slog.Logger) *Timer {
	if interval <= 0 {
		interval = DefaultTickInterval
	}
	return &Timer{
		service:  service,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Running reports whether the timer loop is actively running.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// Start begins the tick loop. Call in a goroutine.
func (t *Timer) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.safeSweep(ctx)
		}
	}
}

// Stop signals the timer to stop.
func (t *Timer) Stop() {
	select {
	case t.stop <- struct{}{}:
	default:
	}
}

func (t *Timer) safeSweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in nudge timer", "panic", fmt.Sprint(r))
		}
	}()
	t.sweep(ctx)
}

func (t *Timer) sweep(ctx context.Context) {
	res, err := t.service.Sweep(logging.WithLogger(ctx, t.logger))
	if err != nil {
		t.logger.Warn("scheduled sweep incomplete", "error", err)
	}
	if res == nil {
		return
	}
	t.logger.Info("scheduled sweep",
		"evaluated", res.Evaluated,
		"failed", res.Failed,
		"recalibrated", res.Recalibrated,
		"interventions", res.Interventions,
	)
}
