// Package handlers implements the HTTP handlers of the security log API.
//
// Handlers do not register their own routes; the router in internal/app
// owns the route table and the auth chain in front of it.
//
// Import Path: seclog.io/chain/internal/api/handlers
package handlers

import (
	"context"

	"github.com/gin-gonic/gin"

	"seclog.io/chain/internal/api/middleware"
	"seclog.io/chain/internal/chain"
	"seclog.io/chain/internal/domain"
	"seclog.io/chain/internal/metrics"
	"seclog.io/chain/internal/repository"
	"seclog.io/chain/internal/retention"
	"seclog.io/chain/internal/seclog"
)

// EventProducer queues events for the chain appender.
type EventProducer interface {
	EnqueueEvent(ctx context.Context, ev domain.SecurityEvent, critical bool) (*seclog.Receipt, error)
	UnauthorizedAccess(userID, ip, userAgent, resource, reason string)
}

// Pruner runs an on-demand retention pass.
type Pruner interface {
	Policy() retention.Policy
	Prune(ctx context.Context) (*retention.Result, error)
	PruneWithPolicy(ctx context.Context, policy retention.Policy) (*retention.Result, error)
}

// ChainVerifier walks the surviving chain.
type ChainVerifier interface {
	Verify(ctx context.Context) (*chain.Report, error)
}

// StatsReader reads chain statistics.
type StatsReader interface {
	Stats(ctx context.Context) (repository.ChainStats, error)
}

// Pinger reports database reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server holds the dependencies of every handler.
type Server struct {
	producer EventProducer
	pruner   Pruner
	verifier ChainVerifier
	stats    StatsReader
	db       Pinger
	metrics  *metrics.Metrics
}

// ServerDeps holds all dependencies for creating a Server.
// Manual DI, no Wire/Dig.
type ServerDeps struct {
	Producer EventProducer
	Pruner   Pruner
	Verifier ChainVerifier
	Stats    StatsReader
	DB       Pinger
	Metrics  *metrics.Metrics // Optional
}

// NewServer creates a new Server with all dependencies.
func NewServer(deps ServerDeps) *Server {
	return &Server{
		producer: deps.Producer,
		pruner:   deps.Pruner,
		verifier: deps.Verifier,
		stats:    deps.Stats,
		db:       deps.DB,
		metrics:  deps.Metrics,
	}
}

// OnDenied records a rejected request as an UNAUTHORIZED_ACCESS event.
// It is the deny hook handed to the auth middleware.
func (s *Server) OnDenied(c *gin.Context, reason string) {
	if s.producer == nil {
		return
	}
	s.producer.UnauthorizedAccess(
		middleware.GetUserID(c.Request.Context()),
		c.ClientIP(),
		c.Request.UserAgent(),
		c.Request.Method+" "+c.Request.URL.Path,
		reason,
	)
}

// actorFromCtx extracts the authenticated subject from the request context.
func actorFromCtx(c interface{ GetString(any) string }) string {
	if uid := c.GetString("user_id"); uid != "" {
		return uid
	}
	return "anonymous"
}
