package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"intake-bridge/internal/metrics"
)

func TestTaskGroupCountsFailuresAndPanics(t *testing.T) {
	m := metrics.New("test")
	g := newTaskGroup(time.Second, slog.New(slog.NewTextHandler(io.Discard, nil)), m)

	var ran atomic.Int32
	g.Go("ok", func(context.Context) error {
		ran.Add(1)
		return nil
	})
	g.Go("extract", func(context.Context) error {
		ran.Add(1)
		return errors.New("boom")
	})
	g.Go("extract", func(context.Context) error {
		ran.Add(1)
		panic("bad payload")
	})
	g.Wait()

	if got := ran.Load(); got != 3 {
		t.Fatalf("ran=%d, want 3", got)
	}
	if got := testutil.ToFloat64(m.TaskFailures.WithLabelValues("extract")); got != 2 {
		t.Fatalf("extract failures=%v, want 2", got)
	}
	if got := testutil.ToFloat64(m.TaskFailures.WithLabelValues("ok")); got != 0 {
		t.Fatalf("ok failures=%v, want 0", got)
	}
}

func TestTaskGroupTimeout(t *testing.T) {
	g := newTaskGroup(10*time.Millisecond, slog.New(slog.NewTextHandler(io.Discard, nil)), nil)
	errc := make(chan error, 1)
	g.Go("slow", func(ctx context.Context) error {
		<-ctx.Done()
		errc <- ctx.Err()
		return ctx.Err()
	})
	g.Wait()
	if err := <-errc; !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err=%v, want deadline exceeded", err)
	}
}

func TestTaskGroupDrainCancelsStragglers(t *testing.T) {
	g := newTaskGroup(0, slog.New(slog.NewTextHandler(io.Discard, nil)), nil)
	g.Go("stuck", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})

	start := time.Now()
	g.Drain(20 * time.Millisecond)
	g.Wait()
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("drain took %v", elapsed)
	}
}
