package lifecycle

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// Exit codes per the ordered shutdown contract.
const (
	ExitClean          = 0
	ExitStartupFailure = 1
	ExitShutdownLate   = 130
)

// WaitForSignal blocks until SIGINT or SIGTERM arrives, then returns.
func WaitForSignal() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
}

// ShutdownStep is one ordered stage of graceful shutdown.
type ShutdownStep struct {
	Name string
	Run  func(ctx context.Context)
}

// RunShutdown executes steps in order within deadline, logging each stage.
// Returns ExitClean if every step completed before the deadline, otherwise
// ExitShutdownLate.
func RunShutdown(logger *zap.Logger, deadline time.Duration, steps []ShutdownStep) int {
	ctx, cancel := context.WithTimeout(context.Background(), deadline)
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for _, step := range steps {
			logger.Info("shutdown step starting", zap.String("step", step.Name))
			step.Run(ctx)
			logger.Info("shutdown step complete", zap.String("step", step.Name))
		}
	}()

	select {
	case <-done:
		return ExitClean
	case <-ctx.Done():
		logger.Warn("shutdown exceeded deadline", zap.Duration("deadline", deadline))
		return ExitShutdownLate
	}
}
