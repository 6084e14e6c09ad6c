package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestSchedulerSkipsOverlappingTicks(t *testing.T) {
	sched := New(Options{Name: "test", Interval: 10 * time.Millisecond, RunOnStart: true}, zerolog.Nop())

	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Millisecond)
	defer cancel()

	var (
		calls    atomic.Int32
		inflight atomic.Int32
		overlap  atomic.Bool
	)
	err := sched.Run(ctx, func(ctx context.Context, _ time.Time) error {
		calls.Add(1)
		if inflight.Add(1) > 1 {
			overlap.Store(true)
		}
		defer inflight.Add(-1)
		select {
		case <-time.After(50 * time.Millisecond):
		case <-ctx.Done():
		}
		return nil
	})

	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Run 应在超时后返回, 实际 %v", err)
	}
	if overlap.Load() {
		t.Fatal("tick 不应并发执行")
	}
	if calls.Load() == 0 {
		t.Fatal("至少应执行一次 tick")
	}
	if sched.Skipped() == 0 {
		t.Fatal("慢 tick 应导致后续 tick 被跳过")
	}
	if inflight.Load() != 0 {
		t.Fatal("Run 返回前应等待进行中的 tick")
	}
}

func TestSchedulerRecoversPanic(t *testing.T) {
	sched := New(Options{Interval: 5 * time.Millisecond, RunOnStart: true}, zerolog.Nop())
	ctx, cancel := context.WithTimeout(context.Background(), 40*time.Millisecond)
	defer cancel()

	var calls atomic.Int32
	_ = sched.Run(ctx, func(context.Context, time.Time) error {
		if calls.Add(1) == 1 {
			panic("boom")
		}
		return nil
	})
	if calls.Load() < 2 {
		t.Fatalf("panic 后应继续调度, 调用次数 %d", calls.Load())
	}
}

func TestNextTickAlignment(t *testing.T) {
	sched := New(Options{Interval: time.Minute, AlignToStart: true}, zerolog.Nop())
	now := time.Date(2024, 1, 1, 10, 0, 30, 0, time.UTC)
	if got := sched.nextTick(now); !got.Equal(time.Date(2024, 1, 1, 10, 1, 0, 0, time.UTC)) {
		t.Fatalf("对齐结果不正确: %s", got)
	}
	exact := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	if got := sched.nextTick(exact); !got.Equal(exact.Add(time.Minute)) {
		t.Fatalf("整点应跳到下一个区间: %s", got)
	}
}
