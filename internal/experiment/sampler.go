// Package experiment runs timed identification experiments against a motor
// backend and records the resulting time series.
package experiment

import (
	"context"
	"fmt"
	"time"
)

// Clock abstracts wall time so sampling loops can be driven by tests.
type Clock interface {
	Now() time.Time
	// Sleep blocks for d or until ctx is done.
	Sleep(ctx context.Context, d time.Duration) error
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RealClock is the system clock.
var RealClock Clock = realClock{}

// Tick identifies one sampling instant.
type Tick struct {
	Index   int
	Elapsed time.Duration // since the first sample
}

// Sampler calls a function at a fixed interval for a fixed duration. Sample
// instants are scheduled from the start time, so a slow callback does not
// shift later samples. The first sample is taken immediately and the last at
// or before Duration.
type Sampler struct {
	Clock    Clock
	Interval time.Duration
	Duration time.Duration
}

// Run samples until Duration has elapsed, fn fails, or ctx is done. No lock
// is held by the sampler itself, so callers sleep unlocked between samples.
func (s Sampler) Run(ctx context.Context, fn func(Tick) error) error {
	if s.Interval <= 0 {
		return fmt.Errorf("experiment: sampling interval must be positive, got %v", s.Interval)
	}
	clk := s.Clock
	if clk == nil {
		clk = RealClock
	}
	start := clk.Now()
	for i := 0; ; i++ {
		due := time.Duration(i) * s.Interval
		if due > s.Duration {
			return nil
		}
		if wait := due - clk.Now().Sub(start); wait > 0 {
			if err := clk.Sleep(ctx, wait); err != nil {
				return err
			}
		}
		if err := fn(Tick{Index: i, Elapsed: clk.Now().Sub(start)}); err != nil {
			return err
		}
	}
}
