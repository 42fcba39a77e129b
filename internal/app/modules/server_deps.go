package modules

import (
	"seclog.io/chain/internal/api/handlers"
)

// NewServerDeps builds base server deps then lets each module contribute explicit wiring.
func NewServerDeps(infra *Infrastructure, producer handlers.EventProducer, mods []Module) handlers.ServerDeps {
	deps := handlers.ServerDeps{
		Producer: producer,
		DB:       infra.Store,
		Metrics:  infra.Metrics,
	}
	for _, mod := range mods {
		if mod == nil {
			continue
		}
		mod.ContributeServerDeps(&deps)
	}
	return deps
}
