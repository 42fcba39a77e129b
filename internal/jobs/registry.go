package jobs

import (
	"github.com/riverqueue/river"

	"seclog.io/chain/internal/config"
)

// Queues returns the River queue layout. Critical events get their own
// worker slots so a normal backlog never delays them.
func Queues(cfg config.RiverConfig) map[string]river.QueueConfig {
	normal := cfg.MaxWorkers
	if normal <= 0 {
		normal = 10
	}
	critical := cfg.CriticalMaxWorkers
	if critical <= 0 {
		critical = 2
	}
	return map[string]river.QueueConfig{
		QueueSecurityEvents:         {MaxWorkers: normal},
		QueueSecurityEventsCritical: {MaxWorkers: critical},
		QueueMaintenance:            {MaxWorkers: 1},
	}
}

// PeriodicCleanup schedules LogCleanupArgs on schedule.
func PeriodicCleanup(schedule river.PeriodicSchedule) *river.PeriodicJob {
	return river.NewPeriodicJob(
		schedule,
		func() (river.JobArgs, *river.InsertOpts) {
			return LogCleanupArgs{}, nil
		},
		&river.PeriodicJobOpts{RunOnStart: false},
	)
}
