package loop

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRunnerIterates(t *testing.T) {
	var count atomic.Int64
	r := NewRunner("test", time.Millisecond, func(ctx context.Context) (time.Duration, error) {
		count.Add(1)
		return 0, nil
	}, testLogger())

	r.Start(context.Background())
	defer r.Stop()

	deadline := time.After(time.Second)
	for count.Load() < 3 {
		select {
		case <-deadline:
			t.Fatalf("expected at least 3 iterations, got %d", count.Load())
		case <-time.After(time.Millisecond):
		}
	}
}

func TestRunnerStopWaitsForIteration(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var finished atomic.Bool

	r := NewRunner("test", time.Millisecond, func(ctx context.Context) (time.Duration, error) {
		select {
		case started <- struct{}{}:
		default:
		}
		<-release
		finished.Store(true)
		return 0, nil
	}, testLogger())

	r.Start(context.Background())
	<-started

	go func() {
		time.Sleep(10 * time.Millisecond)
		close(release)
	}()
	r.Stop()

	if !finished.Load() {
		t.Error("Stop returned before the in-flight iteration finished")
	}
	if r.Running() {
		t.Error("Running() true after Stop")
	}
}

func TestRunnerSleepOverride(t *testing.T) {
	var times []time.Time
	done := make(chan struct{})

	r := NewRunner("test", time.Millisecond, func(ctx context.Context) (time.Duration, error) {
		times = append(times, time.Now())
		if len(times) == 2 {
			close(done)
		}
		if len(times) >= 2 {
			return time.Minute, nil // park the loop after the measurement
		}
		return 50 * time.Millisecond, nil
	}, testLogger())

	r.Start(context.Background())
	defer r.Stop()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("second iteration never ran")
	}
	if gap := times[1].Sub(times[0]); gap < 40*time.Millisecond {
		t.Errorf("override ignored, gap was %v", gap)
	}
}

func TestRunnerBacksOffOnError(t *testing.T) {
	var times []time.Time
	done := make(chan struct{})

	r := NewRunner("test", time.Millisecond, func(ctx context.Context) (time.Duration, error) {
		times = append(times, time.Now())
		if len(times) == 2 {
			close(done)
		}
		if len(times) >= 2 {
			return time.Minute, nil
		}
		return 0, errors.New("boom")
	}, testLogger())

	r.Start(context.Background())
	defer r.Stop()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("retry iteration never ran")
	}
	// first retry comes after the initial one second backoff
	if gap := times[1].Sub(times[0]); gap < 900*time.Millisecond {
		t.Errorf("expected ~1s backoff before retry, gap was %v", gap)
	}
}

func TestRunnerDoubleStartIsNoop(t *testing.T) {
	var count atomic.Int64
	r := NewRunner("test", time.Minute, func(ctx context.Context) (time.Duration, error) {
		count.Add(1)
		return 0, nil
	}, testLogger())

	r.Start(context.Background())
	r.Start(context.Background())
	defer r.Stop()

	time.Sleep(20 * time.Millisecond)
	if count.Load() > 1 {
		t.Errorf("double Start ran extra iterations: %d", count.Load())
	}
}
