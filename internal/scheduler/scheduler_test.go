package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
)

type countingTicker struct {
	mu       sync.Mutex
	counts   map[string]int
	inFlight map[string]bool
	overlap  atomic.Bool
	fail     func(name string, attempt int) error
}

func newCountingTicker() *countingTicker {
	return &countingTicker{counts: make(map[string]int), inFlight: make(map[string]bool)}
}

func (c *countingTicker) Tick(ctx context.Context, name string) error {
	c.mu.Lock()
	if c.inFlight[name] {
		c.overlap.Store(true)
	}
	c.inFlight[name] = true
	c.counts[name]++
	count := c.counts[name]
	c.mu.Unlock()

	if c.fail != nil {
		if err := c.fail(name, count); err != nil {
			c.mu.Lock()
			c.inFlight[name] = false
			c.mu.Unlock()
			return err
		}
	}

	c.mu.Lock()
	c.inFlight[name] = false
	c.mu.Unlock()
	return nil
}

func (c *countingTicker) count(name string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[name]
}

func TestScheduledStrategyTicksRepeatedlyOnItsCadence(t *testing.T) {
	ticker := newCountingTicker()
	s := New(zap.NewNop(), ticker, nil)
	s.Register("alpha", 10*time.Millisecond)
	defer s.StopAll()

	deadline := time.After(2 * time.Second)
	for ticker.count("alpha") < 3 {
		select {
		case <-deadline:
			t.Fatalf("strategy did not tick 3 times in time, got %d", ticker.count("alpha"))
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestUnregisterStopsFurtherTicks(t *testing.T) {
	ticker := newCountingTicker()
	s := New(zap.NewNop(), ticker, nil)
	s.Register("beta", 5*time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	s.Unregister("beta")
	countAtStop := ticker.count("beta")

	time.Sleep(50 * time.Millisecond)
	if got := ticker.count("beta"); got != countAtStop {
		t.Fatalf("ticks continued after unregister: %d -> %d", countAtStop, got)
	}
}

func TestTicksForSameStrategyNeverOverlap(t *testing.T) {
	ticker := newCountingTicker()
	ticker.fail = func(name string, attempt int) error {
		time.Sleep(20 * time.Millisecond)
		return nil
	}
	s := New(zap.NewNop(), ticker, nil)
	s.Register("gamma", 5*time.Millisecond)
	defer s.StopAll()

	time.Sleep(200 * time.Millisecond)
	if ticker.overlap.Load() {
		t.Fatalf("detected overlapping ticks for the same strategy")
	}
}

func TestPanicInTickIsRecoveredAsError(t *testing.T) {
	ticker := newCountingTicker()
	panicked := make(chan struct{}, 1)
	ticker.fail = func(name string, attempt int) error {
		if attempt == 1 {
			panic("boom")
		}
		select {
		case panicked <- struct{}{}:
		default:
		}
		return nil
	}
	s := New(zap.NewNop(), ticker, nil)
	s.Register("delta", 10*time.Millisecond)
	defer s.StopAll()

	select {
	case <-panicked:
	case <-time.After(2 * time.Second):
		t.Fatalf("scheduler did not recover from panic and continue ticking")
	}
}
