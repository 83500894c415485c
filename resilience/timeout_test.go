package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestBounded(t *testing.T) {
	t.Run("returns result", func(t *testing.T) {
		got, err := Bounded(context.Background(), time.Second, func() int { return 42 })
		if err != nil {
			t.Fatalf("Bounded() error = %v", err)
		}
		if got != 42 {
			t.Errorf("Bounded() = %d, want 42", got)
		}
	})

	t.Run("inline without deadline", func(t *testing.T) {
		got, err := Bounded(context.Background(), 0, func() string { return "ok" })
		if err != nil || got != "ok" {
			t.Errorf("Bounded() = %q, %v; want ok, nil", got, err)
		}
	})

	t.Run("times out", func(t *testing.T) {
		got, err := Bounded(context.Background(), 5*time.Millisecond, func() bool {
			time.Sleep(100 * time.Millisecond)
			return true
		})
		if !errors.Is(err, ErrTimeout) {
			t.Errorf("Bounded() error = %v, want ErrTimeout", err)
		}
		if got {
			t.Error("Bounded() returned the abandoned result")
		}
	})

	t.Run("cancelled context", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := Bounded(ctx, time.Second, func() int { return 1 })
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Bounded() error = %v, want context.Canceled", err)
		}
	})

	t.Run("context cancelled while running", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		release := make(chan struct{})
		defer close(release)
		go func() {
			time.Sleep(5 * time.Millisecond)
			cancel()
		}()
		_, err := Bounded(ctx, time.Second, func() int {
			<-release
			return 1
		})
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Bounded() error = %v, want context.Canceled", err)
		}
	})
}
