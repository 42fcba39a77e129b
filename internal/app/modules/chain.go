package modules

import (
	"context"

	"github.com/riverqueue/river"

	"seclog.io/chain/internal/api/handlers"
	"seclog.io/chain/internal/chain"
	"seclog.io/chain/internal/jobs"
)

// ChainModule wires the appender behind the event queue and the verifier.
type ChainModule struct {
	infra    *Infrastructure
	appender *chain.Appender
	verifier *chain.Verifier
}

// NewChainModule creates a chain module with explicit constructor wiring.
func NewChainModule(infra *Infrastructure) *ChainModule {
	return &ChainModule{
		infra:    infra,
		appender: chain.NewAppender(infra.Store),
		verifier: chain.NewVerifier(infra.Store, infra.Config.Chain.VerifyPageSize),
	}
}

func (m *ChainModule) Name() string { return "chain" }

// Verifier returns the chain verifier.
func (m *ChainModule) Verifier() *chain.Verifier { return m.verifier }

func (m *ChainModule) ContributeServerDeps(deps *handlers.ServerDeps) {
	if deps == nil {
		return
	}
	deps.Verifier = m.verifier
	deps.Stats = m.infra.Store
	deps.DB = m.infra.Store
}

func (m *ChainModule) RegisterWorkers(workers *river.Workers) {
	if workers == nil || m == nil {
		return
	}
	river.AddWorker(workers, jobs.NewSecurityEventWorker(m.appender, m.infra.Metrics))
}

func (m *ChainModule) Shutdown(context.Context) error { return nil }
