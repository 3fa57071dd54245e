// Package supervisor implements supervisor registration (C9): on startup
// it upserts this instance's identity into the remote mirror, heartbeats
// on a fixed cadence, and marks the instance stopped on graceful shutdown.
//
// The heartbeat is a robfig/cron/v3 job rather than a hand-rolled
// time.Ticker: this pack's fixed-cadence cron idiom (seen in
// aristath-sentinel) fits a "every 30 seconds, forever" job better than a
// raw ticker loop once cron is already in the dependency graph for the
// mirror's retention sweep.
package supervisor

import (
	"go.uber.org/zap"

	"github.com/hivebot/orchestrator/internal/mirror"
	"github.com/robfig/cron/v3"
)

// HeartbeatSpec is the cron schedule for the supervisor heartbeat: every
// 30 seconds.
const HeartbeatSpec = "*/30 * * * * *"

// Supervisor is the C9 component.
type Supervisor struct {
	logger *zap.Logger
	mir    *mirror.Mirror
	info   mirror.InstanceInfo

	cron *cron.Cron
}

// New constructs a Supervisor for this process instance.
func New(logger *zap.Logger, mir *mirror.Mirror, info mirror.InstanceInfo) *Supervisor {
	return &Supervisor{logger: logger.Named("supervisor"), mir: mir, info: info}
}

// Start registers the instance as active and begins heartbeating.
func (s *Supervisor) Start() {
	s.info.Status = "active"
	s.mir.RecordHeartbeat(s.info)

	s.cron = cron.New(cron.WithSeconds())
	s.cron.AddFunc(HeartbeatSpec, func() {
		s.mir.RecordHeartbeat(s.info)
	})
	s.cron.Start()
}

// Stop marks the instance stopped and halts the heartbeat job. The final
// heartbeat is enqueued before the mirror itself is flushed and stopped by
// the caller.
func (s *Supervisor) Stop() {
	if s.cron != nil {
		ctx := s.cron.Stop()
		<-ctx.Done()
	}
	s.info.Status = "stopped"
	s.mir.RecordHeartbeat(s.info)
}
