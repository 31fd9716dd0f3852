package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/danmuck/botwire/internal/testutil/testlog"
)

func TestBackoffDelayDeterministicNoJitter(t *testing.T) {
	testlog.Start(t)
	cfg := BackoffConfig{
		InitialDelay: 250 * time.Millisecond,
		Multiplier:   2.0,
		MaxDelay:     5 * time.Second,
	}
	if got := cfg.Delay(1, nil); got != 250*time.Millisecond {
		t.Fatalf("attempt1 got=%v", got)
	}
	if got := cfg.Delay(2, nil); got != 500*time.Millisecond {
		t.Fatalf("attempt2 got=%v", got)
	}
	if got := cfg.Delay(3, nil); got != time.Second {
		t.Fatalf("attempt3 got=%v", got)
	}
	if got := cfg.Delay(6, nil); got != 5*time.Second {
		t.Fatalf("attempt6 got=%v", got)
	}
}

func TestFixedBackoffNeverGrows(t *testing.T) {
	testlog.Start(t)
	cfg := FixedBackoff(time.Second)
	for attempt := 1; attempt <= 5; attempt++ {
		if got := cfg.Delay(attempt, nil); got != time.Second {
			t.Fatalf("attempt%d got=%v", attempt, got)
		}
	}
}

func TestWithDefaultsKeepsDisabledCallTimeout(t *testing.T) {
	testlog.Start(t)
	cfg := Config{}.WithDefaults()
	if cfg.CallTimeout != 0 {
		t.Fatalf("call timeout should stay disabled, got %v", cfg.CallTimeout)
	}
	if cfg.WriteTimeout != DefaultConfig().WriteTimeout || cfg.Limits.MaxReplyBytes == 0 {
		t.Fatalf("defaults not applied: %+v", cfg)
	}
}

func TestSleepHonorsContext(t *testing.T) {
	testlog.Start(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := Sleep(ctx, time.Hour); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if err := Sleep(context.Background(), time.Millisecond); err != nil {
		t.Fatalf("sleep: %v", err)
	}
}
