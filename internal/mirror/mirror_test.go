package mirror

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/hivebot/orchestrator/pkg/types"
)

func TestOpenWithoutDSNIsANoOpSink(t *testing.T) {
	m, err := Open(zap.NewNop(), Config{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer m.Stop()

	m.NotifyUpsert(types.StrategyConfig{Name: "a"})
	m.NotifyDelete("a")
	m.RecordHeartbeat(InstanceInfo{InstanceID: "inst-1"})
	if err := m.RecordPositionSnapshot(context.Background(), nil, time.Now()); err != nil {
		t.Fatalf("RecordPositionSnapshot: %v", err)
	}
}

func TestEnqueueOverflowDropsOldestAndCountsDrops(t *testing.T) {
	m, err := Open(zap.NewNop(), Config{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer m.Stop()

	for i := 0; i < queueCapacity+10; i++ {
		m.NotifyDelete("name")
	}

	if got := m.DropCount(); got != 10 {
		t.Fatalf("DropCount = %d, want 10", got)
	}
}
