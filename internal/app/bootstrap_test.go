package app

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"seclog.io/chain/internal/config"
	"seclog.io/chain/internal/pkg/logger"
)

func init() {
	_ = logger.Init("error", "json")
}

func TestBootstrap_NoDB(t *testing.T) {
	// Bootstrap without a real database should fail at DB connection.
	cfg := &config.Config{
		Database: config.DatabaseConfig{
			Host:                   "localhost",
			Port:                   65432, // Non-existent port
			User:                   "test",
			Password:               "test",
			Database:               "test",
			SSLMode:                "disable",
			MaxConns:               5,
			MinConns:               1,
			ConnectRetryMaxElapsed: time.Millisecond,
		},
		Worker: config.WorkerConfig{
			IngestPoolSize: 5,
		},
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	app, err := Bootstrap(ctx, cfg)
	require.Error(t, err, "Bootstrap should fail without database")
	assert.Nil(t, app, "Application should be nil on bootstrap failure")
}

func TestJWTConfigFromSecurityConfig(t *testing.T) {
	cfg := &config.Config{Security: config.SecurityConfig{
		JWTSigningKey: "k-0123456789abcdef0123456789abcdef",
		JWTIssuer:     "seclog",
		TokenTTL:      time.Hour,
	}}
	got := jwtConfig(cfg)
	assert.Equal(t, []byte(cfg.Security.JWTSigningKey), got.SigningKey)
	assert.Equal(t, "seclog", got.Issuer)
	assert.Equal(t, time.Hour, got.ExpiresIn)
}

func TestApplication_Shutdown_Nil(t *testing.T) {
	// Shutdown on empty application should not panic.
	app := &Application{}

	assert.NotPanics(t, func() {
		app.Shutdown()
	}, "Shutdown on empty Application should not panic")
}
