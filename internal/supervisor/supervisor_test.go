package supervisor

import (
	"testing"

	"go.uber.org/zap"

	"github.com/hivebot/orchestrator/internal/mirror"
)

func TestStartRegistersActiveAndStopMarksStopped(t *testing.T) {
	mir, err := mirror.Open(zap.NewNop(), mirror.Config{})
	if err != nil {
		t.Fatalf("mirror.Open: %v", err)
	}
	defer mir.Stop()

	s := New(zap.NewNop(), mir, mirror.InstanceInfo{InstanceID: "inst-1", Hostname: "host-a", APIPort: 8080})
	s.Start()
	if s.info.Status != "active" {
		t.Fatalf("status = %s, want active", s.info.Status)
	}

	s.Stop()
	if s.info.Status != "stopped" {
		t.Fatalf("status after Stop = %s, want stopped", s.info.Status)
	}
}
