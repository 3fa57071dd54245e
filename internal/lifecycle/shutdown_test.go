package lifecycle

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestRunShutdownCompletesCleanWithinDeadline(t *testing.T) {
	var ran []string
	steps := []ShutdownStep{
		{Name: "a", Run: func(ctx context.Context) { ran = append(ran, "a") }},
		{Name: "b", Run: func(ctx context.Context) { ran = append(ran, "b") }},
	}

	code := RunShutdown(zap.NewNop(), time.Second, steps)
	if code != ExitClean {
		t.Fatalf("exit code = %d, want %d", code, ExitClean)
	}
	if len(ran) != 2 || ran[0] != "a" || ran[1] != "b" {
		t.Fatalf("steps did not run in order: %v", ran)
	}
}

func TestRunShutdownReturnsLateExitCodeOnTimeout(t *testing.T) {
	steps := []ShutdownStep{
		{Name: "slow", Run: func(ctx context.Context) { time.Sleep(200 * time.Millisecond) }},
	}

	code := RunShutdown(zap.NewNop(), 20*time.Millisecond, steps)
	if code != ExitShutdownLate {
		t.Fatalf("exit code = %d, want %d", code, ExitShutdownLate)
	}
}
