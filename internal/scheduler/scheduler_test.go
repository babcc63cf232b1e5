package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestNewRejectsBadOptions(t *testing.T) {
	if _, err := New(Options{}, zerolog.Nop()); err == nil {
		t.Fatal("zero interval without cron should be rejected")
	}
	if _, err := New(Options{Cron: "not a cron"}, zerolog.Nop()); err == nil {
		t.Fatal("invalid cron expression should be rejected")
	}
}

func TestNextTickAligned(t *testing.T) {
	s, err := New(Options{Interval: time.Hour, AlignToBucket: true}, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	now := time.Date(2024, 5, 1, 10, 17, 0, 0, time.UTC)
	if got, want := s.nextTick(now), time.Date(2024, 5, 1, 11, 0, 0, 0, time.UTC); !got.Equal(want) {
		t.Fatalf("next tick = %s, want %s", got, want)
	}
	onBoundary := time.Date(2024, 5, 1, 11, 0, 0, 0, time.UTC)
	if got, want := s.nextTick(onBoundary), onBoundary.Add(time.Hour); !got.Equal(want) {
		t.Fatalf("next tick on boundary = %s, want %s", got, want)
	}
}

func TestNextTickCron(t *testing.T) {
	s, err := New(Options{Cron: "30 */6 * * *", Interval: time.Minute}, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	now := time.Date(2024, 5, 1, 7, 0, 0, 0, time.UTC)
	want := time.Date(2024, 5, 1, 12, 30, 0, 0, time.UTC)
	if got := s.nextTick(now); !got.Equal(want) {
		t.Fatalf("next cron tick = %s, want %s", got, want)
	}
	if got := s.advance(want); !got.Equal(want.Add(6 * time.Hour)) {
		t.Fatalf("advance = %s", got)
	}
	if got := s.bucketStart(want); !got.Equal(want) {
		t.Fatalf("cron buckets are the fire time, got %s", got)
	}
}

func TestRunInvokesTickUntilCancelled(t *testing.T) {
	s, err := New(Options{Interval: 10 * time.Millisecond}, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var calls atomic.Int32
	err = s.Run(ctx, func(context.Context, time.Time) error {
		if calls.Add(1) == 3 {
			cancel()
		}
		return errors.New("tick errors are logged, not fatal")
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if calls.Load() != 3 {
		t.Fatalf("expected 3 ticks, got %d", calls.Load())
	}
}

func TestRunHonoursStartupDelayCancellation(t *testing.T) {
	s, err := New(Options{Interval: time.Hour, StartupDelay: time.Hour}, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if err := s.Run(ctx, func(context.Context, time.Time) error {
		t.Fatal("tick must not run during the startup delay")
		return nil
	}); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}
