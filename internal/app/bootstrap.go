// Package app is the composition root. Bootstrap stays orchestration-only.
package app

import (
	"context"
	"fmt"

	"github.com/gin-gonic/gin"
	"github.com/riverqueue/river"

	"seclog.io/chain/internal/api/handlers"
	"seclog.io/chain/internal/api/middleware"
	"seclog.io/chain/internal/app/modules"
	"seclog.io/chain/internal/config"
	"seclog.io/chain/internal/infrastructure"
	"seclog.io/chain/internal/jobs"
	"seclog.io/chain/internal/metrics"
	"seclog.io/chain/internal/pkg/worker"
	"seclog.io/chain/internal/seclog"
)

// Application holds composed application dependencies.
type Application struct {
	Config   *config.Config
	Router   *gin.Engine
	DB       *infrastructure.DatabaseClients
	Pools    *worker.Pools
	Metrics  *metrics.Metrics
	Producer *seclog.Producer
	Modules  []modules.Module
}

// Bootstrap initializes all dependencies using module-oriented manual DI.
func Bootstrap(ctx context.Context, cfg *config.Config) (*Application, error) {
	infra, err := modules.NewInfrastructure(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("init infrastructure: %w", err)
	}

	mods := []modules.Module{
		modules.NewChainModule(infra),
		modules.NewRetentionModule(infra),
	}

	workers := river.NewWorkers()
	var periodic []*river.PeriodicJob
	for _, mod := range mods {
		mod.RegisterWorkers(workers)
		contributor, ok := mod.(modules.PeriodicJobContributor)
		if !ok {
			continue
		}
		modJobs, err := contributor.PeriodicJobs()
		if err != nil {
			infra.Close()
			return nil, fmt.Errorf("module %s periodic jobs: %w", mod.Name(), err)
		}
		periodic = append(periodic, modJobs...)
	}

	if err := infra.InitRiver(infrastructure.RiverOptions{
		Queues:       jobs.Queues(cfg.River),
		Workers:      workers,
		PeriodicJobs: periodic,
	}); err != nil {
		infra.Close()
		return nil, fmt.Errorf("init river workers: %w", err)
	}

	producer := seclog.NewProducer(infra.RiverClient, infra.Pools, infra.Metrics)
	server := handlers.NewServer(modules.NewServerDeps(infra, producer, mods))

	router, err := newRouter(cfg, server, jwtConfig(cfg), infra.Metrics)
	if err != nil {
		infra.Close()
		return nil, fmt.Errorf("init router: %w", err)
	}

	return &Application{
		Config:   cfg,
		Router:   router,
		DB:       infra.DB,
		Pools:    infra.Pools,
		Metrics:  infra.Metrics,
		Producer: producer,
		Modules:  mods,
	}, nil
}

func jwtConfig(cfg *config.Config) middleware.JWTConfig {
	return middleware.JWTConfig{
		SigningKey: []byte(cfg.Security.JWTSigningKey),
		Issuer:     cfg.Security.JWTIssuer,
		ExpiresIn:  cfg.Security.TokenTTL,
	}
}
