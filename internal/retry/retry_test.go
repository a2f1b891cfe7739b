package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestDo_SucceedsWithoutRetry(t *testing.T) {
	calls := 0
	err := Do(context.Background(), func(ctx context.Context) error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("Do returned error: %v", err)
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
}

func TestDo_RetriesThenSucceeds(t *testing.T) {
	calls := 0
	err := Do(context.Background(), func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	}, WithMaxAttempts(5), WithInitialDelay(time.Millisecond), WithMaxDelay(5*time.Millisecond))

	if err != nil {
		t.Fatalf("Do returned error: %v", err)
	}
	if calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}
}

func TestDo_ExhaustsAttemptsReturnsError(t *testing.T) {
	wantErr := errors.New("always fails")
	calls := 0
	err := Do(context.Background(), func(ctx context.Context) error {
		calls++
		return wantErr
	}, WithMaxAttempts(3), WithInitialDelay(time.Millisecond), WithMaxDelay(2*time.Millisecond))

	if err == nil {
		t.Fatalf("expected an error after exhausting attempts")
	}
	if calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}
}

func TestDo_UnretryableErrorStopsImmediately(t *testing.T) {
	calls := 0
	sentinel := errors.New("fatal")
	err := Do(context.Background(), func(ctx context.Context) error {
		calls++
		return sentinel
	}, WithMaxAttempts(5), WithRetryIf(func(err error) bool { return !errors.Is(err, sentinel) }))

	if err == nil {
		t.Fatalf("expected an error")
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1 (should not retry an unretryable error)", calls)
	}
}

func TestDo_ContextCancelledDuringWait(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0

	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	err := Do(ctx, func(ctx context.Context) error {
		calls++
		return errors.New("transient")
	}, WithMaxAttempts(10), WithInitialDelay(50*time.Millisecond), WithMaxDelay(50*time.Millisecond))

	if err == nil {
		t.Fatalf("expected an error when context is cancelled")
	}
}

func TestWithExponentialBackoff_Doubles(t *testing.T) {
	cfg := DefaultConfig()
	for _, opt := range WithExponentialBackoff(4, 10*time.Millisecond, time.Second) {
		opt(cfg)
	}

	d1 := calculateDelay(1, cfg)
	d2 := calculateDelay(2, cfg)
	d3 := calculateDelay(3, cfg)

	if d1 != 10*time.Millisecond {
		t.Fatalf("d1 = %v, want 10ms", d1)
	}
	if d2 != 20*time.Millisecond {
		t.Fatalf("d2 = %v, want 20ms", d2)
	}
	if d3 != 40*time.Millisecond {
		t.Fatalf("d3 = %v, want 40ms", d3)
	}
}

func TestWithLinearBackoff_ConstantDelay(t *testing.T) {
	cfg := DefaultConfig()
	for _, opt := range WithLinearBackoff(4, 25*time.Millisecond) {
		opt(cfg)
	}

	if calculateDelay(1, cfg) != 25*time.Millisecond || calculateDelay(5, cfg) != 25*time.Millisecond {
		t.Fatalf("linear backoff delay should stay constant across attempts")
	}
}
