package modules

import (
	"context"
	"fmt"

	"github.com/riverqueue/river"

	"seclog.io/chain/internal/api/handlers"
	"seclog.io/chain/internal/jobs"
	"seclog.io/chain/internal/retention"
)

// RetentionModule wires the cleanup coordinator, its job and its schedule.
type RetentionModule struct {
	infra       *Infrastructure
	coordinator *retention.Coordinator
}

// NewRetentionModule creates a retention module. The file archiver is
// wired whenever an archive directory is configured.
func NewRetentionModule(infra *Infrastructure) *RetentionModule {
	cfg := infra.Config.Retention
	opts := []retention.Option{
		retention.WithStats(infra.Store),
		retention.WithRecorder(retention.NewDBRecorder(infra.Store)),
		retention.WithMetrics(infra.Metrics),
	}
	if cfg.ArchiveDir != "" {
		opts = append(opts, retention.WithArchiver(
			retention.NewFileArchiver(cfg.ArchiveDir, infra.Store, infra.Config.Chain.VerifyPageSize),
		))
	}
	return &RetentionModule{
		infra:       infra,
		coordinator: retention.NewCoordinator(infra.Store, retention.PolicyFromConfig(cfg), opts...),
	}
}

func (m *RetentionModule) Name() string { return "retention" }

// Coordinator returns the cleanup coordinator.
func (m *RetentionModule) Coordinator() *retention.Coordinator { return m.coordinator }

func (m *RetentionModule) ContributeServerDeps(deps *handlers.ServerDeps) {
	if deps == nil {
		return
	}
	deps.Pruner = m.coordinator
}

func (m *RetentionModule) RegisterWorkers(workers *river.Workers) {
	if workers == nil || m == nil {
		return
	}
	river.AddWorker(workers, jobs.NewLogCleanupWorker(m.coordinator))
}

// PeriodicJobs schedules the cleanup job. The job is registered even when
// cleanup is disabled; the coordinator skips the run.
func (m *RetentionModule) PeriodicJobs() ([]*river.PeriodicJob, error) {
	schedule, err := m.infra.Config.Retention.Schedule()
	if err != nil {
		return nil, fmt.Errorf("cleanup schedule: %w", err)
	}
	return []*river.PeriodicJob{jobs.PeriodicCleanup(schedule)}, nil
}

func (m *RetentionModule) Shutdown(context.Context) error { return nil }
