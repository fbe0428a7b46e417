// Package capture drives the browser on a fixed cadence and keeps the
// snapshot store current.
//
// Each cycle measures how long the driver call took and sleeps only for the
// remainder of the cadence, so the long-run capture rate stays close to the
// target even when screenshots are slow. A cycle that takes longer than the
// cadence is followed immediately by the next one.
package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/hazyhaar/slap/idgen"
	"github.com/hazyhaar/slap/slap/internal/snapshot"
)

// Driver is the browser-side capability the loop needs: return the current
// viewport as an encoded image. Implementations should honour ctx so that
// shutdown can abandon a stalled call.
type Driver interface {
	Capture(ctx context.Context) ([]byte, error)
}

// Recorder receives per-cycle measurements. observability.Metrics
// implements it; nil disables recording.
type Recorder interface {
	CaptureSucceeded(took time.Duration, size int)
	CaptureFailed(took time.Duration)
	Slept(d time.Duration)
}

// State is the loop lifecycle.
type State int32

const (
	StateIdle State = iota
	StateRunning
	StateStopping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

var (
	// ErrAlreadyRunning is returned by Run on a loop that was started before.
	ErrAlreadyRunning = errors.New("capture: loop already started")

	// ErrEmptyCapture is wrapped in a CaptureError when the driver returns
	// no bytes without reporting an error.
	ErrEmptyCapture = errors.New("capture: driver returned no image data")
)

// CaptureError reports a failed cycle. The store is left untouched.
type CaptureError struct {
	Cycle   uint64
	Elapsed time.Duration
	Err     error
}

func (e *CaptureError) Error() string {
	return fmt.Sprintf("capture: cycle %d failed after %s: %v", e.Cycle, e.Elapsed, e.Err)
}

func (e *CaptureError) Unwrap() error { return e.Err }

// Config configures a Loop.
type Config struct {
	// Cadence is the target time between the starts of two captures. Default: 1s.
	Cadence time.Duration

	// ContentType is recorded on each snapshot. Default: image/png.
	ContentType string

	// NewID names snapshots. Default: idgen.New.
	NewID idgen.Generator

	Recorder Recorder
	Logger   *slog.Logger
}

func (c *Config) defaults() {
	if c.Cadence <= 0 {
		c.Cadence = time.Second
	}
	if c.ContentType == "" {
		c.ContentType = snapshot.ContentTypePNG
	}
	if c.NewID == nil {
		c.NewID = idgen.New
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// SleepDuration is the pause before the next capture: the part of the
// cadence not already consumed by the capture, never negative.
func SleepDuration(cadence, elapsed time.Duration) time.Duration {
	if elapsed >= cadence {
		return 0
	}
	return cadence - elapsed
}

// Loop is the sole writer to a snapshot.Store.
type Loop struct {
	driver Driver
	store  *snapshot.Store
	cfg    Config
	state  atomic.Int32

	// Owned by the Run goroutine.
	cycle uint64
	fails int

	now  func() time.Time
	wait func(ctx context.Context, d time.Duration) bool
}

// New creates a Loop. Call Run to start capturing.
func New(driver Driver, store *snapshot.Store, cfg Config) *Loop {
	cfg.defaults()
	return &Loop{
		driver: driver,
		store:  store,
		cfg:    cfg,
		now:    time.Now,
		wait:   sleepCtx,
	}
}

// Cadence returns the configured target period.
func (l *Loop) Cadence() time.Duration { return l.cfg.Cadence }

// State returns the current lifecycle state. Safe from any goroutine.
func (l *Loop) State() State { return State(l.state.Load()) }

// Run captures until ctx is cancelled. Cancellation moves the loop to
// StateStopping; an in-flight capture is abandoned through ctx and its
// result, if any, is discarded. Run returns nil on cancellation.
func (l *Loop) Run(ctx context.Context) error {
	if !l.state.CompareAndSwap(int32(StateIdle), int32(StateRunning)) {
		return ErrAlreadyRunning
	}
	defer l.state.Store(int32(StateStopped))

	log := l.cfg.Logger
	log.Info("capture: loop started", "cadence", l.cfg.Cadence)

	for {
		if ctx.Err() != nil {
			break
		}

		elapsed, err := l.step(ctx)
		if ctx.Err() != nil {
			break
		}
		if err != nil {
			l.fails++
			log.Warn("capture: cycle failed",
				"cycle", l.cycle, "elapsed", elapsed, "consecutive_failures", l.fails, "error", err)
		} else if l.fails > 0 {
			log.Info("capture: recovered", "cycle", l.cycle, "after_failures", l.fails)
			l.fails = 0
		}

		d := SleepDuration(l.cfg.Cadence, elapsed)
		if l.cfg.Recorder != nil {
			l.cfg.Recorder.Slept(d)
		}
		if !l.wait(ctx, d) {
			break
		}
	}

	l.state.Store(int32(StateStopping))
	log.Info("capture: loop stopping", "cycles", l.cycle)
	return nil
}

// step runs one capture and publishes the result. It returns the time spent
// in the driver call, whether or not the call succeeded.
func (l *Loop) step(ctx context.Context) (time.Duration, error) {
	l.cycle++

	start := l.now()
	data, err := l.driver.Capture(ctx)
	end := l.now()
	elapsed := end.Sub(start)

	if ctx.Err() != nil {
		l.cfg.Logger.Debug("capture: discarding result of abandoned capture", "cycle", l.cycle)
		return elapsed, ctx.Err()
	}

	if err == nil && len(data) == 0 {
		err = ErrEmptyCapture
	}
	if err != nil {
		if l.cfg.Recorder != nil {
			l.cfg.Recorder.CaptureFailed(elapsed)
		}
		return elapsed, &CaptureError{Cycle: l.cycle, Elapsed: elapsed, Err: err}
	}

	snap := snapshot.New(l.cfg.NewID(), data, l.cfg.ContentType, end, elapsed)
	l.store.Replace(snap)
	if l.cfg.Recorder != nil {
		l.cfg.Recorder.CaptureSucceeded(elapsed, len(data))
	}
	l.cfg.Logger.Debug("capture: frame published",
		"cycle", l.cycle, "id", snap.ID, "bytes", len(data), "took", elapsed)
	return elapsed, nil
}

// sleepCtx waits for d or until ctx is done. It reports whether the loop
// should continue.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
