package util

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
)

func TestRetry(t *testing.T) {
	attempts := 0
	targetAttempts := 3

	err := Retry(context.Background(), 5, 0, func() error {
		attempts++
		if attempts < targetAttempts {
			return errors.New("transient error")
		}
		return nil
	})

	if err != nil {
		t.Fatalf("Retry returned unexpected error: %v", err)
	}
	if attempts != targetAttempts {
		t.Errorf("Retry called fn %d times, want %d", attempts, targetAttempts)
	}
}

func TestRetryAllFail(t *testing.T) {
	attempts := 0
	maxAttempts := 3

	err := Retry(context.Background(), maxAttempts, 0, func() error {
		attempts++
		return errors.New("persistent error")
	})

	if err == nil {
		t.Fatal("Retry should return error when all attempts fail")
	}
	if attempts != maxAttempts {
		t.Errorf("Retry called fn %d times, want %d", attempts, maxAttempts)
	}
}

func TestRetryIfStopsOnPermanentError(t *testing.T) {
	errConflict := errors.New("conflict")
	errFatal := errors.New("fatal")
	attempts := 0

	err := RetryIf(context.Background(), 5, 0, func(err error) bool {
		return errors.Is(err, errConflict)
	}, func() error {
		attempts++
		if attempts == 1 {
			return errConflict
		}
		return errFatal
	})

	if !errors.Is(err, errFatal) {
		t.Fatalf("RetryIf returned %v, want fatal", err)
	}
	if attempts != 2 {
		t.Errorf("RetryIf called fn %d times, want 2", attempts)
	}
}

func TestRetryCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := Retry(ctx, 3, 0, func() error { return errors.New("x") })
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Retry returned %v, want context.Canceled", err)
	}
}

func TestRateLimiterNew(t *testing.T) {
	rl := NewRateLimiter(60)
	if rl == nil {
		t.Fatal("NewRateLimiter returned nil")
	}
	if !rl.Allow() {
		t.Error("first token should be available")
	}
	if rl.Allow() {
		t.Error("second token should not be available immediately")
	}
}

func TestBurstLimiter(t *testing.T) {
	rl := NewBurstLimiter(5)
	allowed := 0
	for i := 0; i < 10; i++ {
		if rl.Allow() {
			allowed++
		}
	}
	if allowed != 5 {
		t.Errorf("allowed %d frames, want 5", allowed)
	}
}

func TestLoggerLevels(t *testing.T) {
	if ParseLevel("WARN") != slog.LevelWarn {
		t.Error("ParseLevel should be case-insensitive")
	}
	if ParseLevel("verbose") != slog.LevelInfo {
		t.Error("unknown level should default to info")
	}

	var buf bytes.Buffer
	logger := NewLoggerTo(&buf, "warn", "json")
	logger.Info("hidden")
	logger.Warn("shown", "order", "o1")
	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Error("info record should be filtered at warn level")
	}
	if !strings.Contains(out, `"order":"o1"`) {
		t.Errorf("expected JSON attribute, got %s", out)
	}
}
