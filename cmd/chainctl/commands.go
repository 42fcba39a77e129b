package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"seclog.io/chain/internal/api/middleware"
	"seclog.io/chain/internal/app/modules"
	"seclog.io/chain/internal/chain"
	"seclog.io/chain/internal/config"
	"seclog.io/chain/internal/domain"
	"seclog.io/chain/internal/infrastructure"
	"seclog.io/chain/internal/pkg/logger"
	"seclog.io/chain/internal/retention"
	"seclog.io/chain/internal/seclog"
)

// errChainInvalid is returned after a failing report has been printed.
var errChainInvalid = errors.New("chain verification failed")

type configLoader func() (*config.Config, error)

func newRootCmd(load configLoader) *cobra.Command {
	root := &cobra.Command{
		Use:           "chainctl",
		Short:         "Security log chain operations",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	var logLevel string
	root.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "log level (debug, info, warn, error)")
	root.PersistentPreRunE = func(*cobra.Command, []string) error {
		return logger.Init(logLevel, "console")
	}

	root.AddCommand(
		newMigrateCmd(load),
		newVerifyCmd(load),
		newStatsCmd(load),
		newCleanupCmd(load),
		newEnqueueCmd(load),
		newTokenCmd(load),
		newArchiveCmd(),
	)
	return root
}

// withInfra loads config and opens the database for the duration of fn.
func withInfra(cmd *cobra.Command, load configLoader, fn func(ctx context.Context, infra *modules.Infrastructure) error) error {
	cfg, err := load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	infra, err := modules.NewInfrastructure(ctx, cfg)
	if err != nil {
		return err
	}
	defer infra.Close()
	return fn(ctx, infra)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newMigrateCmd(load configLoader) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the security log schema and River tables",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withInfra(cmd, load, func(ctx context.Context, infra *modules.Infrastructure) error {
				if err := infra.DB.AutoMigrate(ctx); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "schema up to date")
				return nil
			})
		},
	}
}

func newVerifyCmd(load configLoader) *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Recompute every surviving hash and check chain links",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withInfra(cmd, load, func(ctx context.Context, infra *modules.Infrastructure) error {
				report, err := modules.NewChainModule(infra).Verifier().Verify(ctx)
				if err != nil {
					return err
				}
				return reportResult(cmd, report)
			})
		},
	}
}

func reportResult(cmd *cobra.Command, report *chain.Report) error {
	if err := printJSON(cmd.OutOrStdout(), report); err != nil {
		return err
	}
	if !report.Valid {
		return errChainInvalid
	}
	return nil
}

func newStatsCmd(load configLoader) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show surviving entry count and sequence bounds",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withInfra(cmd, load, func(ctx context.Context, infra *modules.Infrastructure) error {
				st, err := infra.Store.Stats(ctx)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), map[string]int64{
					"count":            st.Count,
					"earliestSequence": st.EarliestSequence,
					"latestSequence":   st.LatestSequence,
				})
			})
		},
	}
}

func newCleanupCmd(load configLoader) *cobra.Command {
	var (
		retentionDays int
		batchSize     int
		noArchive     bool
	)
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Run retention now, regardless of the enabled flag",
		Long: "Deletes entries older than the retention cutoff in batches. The newest entry is never deleted.\n" +
			"Entries before the earliest surviving sequence can no longer be verified in the live chain.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withInfra(cmd, load, func(ctx context.Context, infra *modules.Infrastructure) error {
				coordinator := modules.NewRetentionModule(infra).Coordinator()
				policy := coordinator.Policy()
				if cmd.Flags().Changed("retention-days") {
					policy.RetentionDays = retentionDays
				}
				if cmd.Flags().Changed("batch-size") {
					policy.BatchSize = batchSize
				}
				if noArchive {
					policy.ArchiveBeforeDelete = false
				}
				if err := policy.Validate(); err != nil {
					return err
				}

				res, err := coordinator.PruneWithPolicy(ctx, policy)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), struct {
					*retention.Result
					DurationMs int64 `json:"durationMs"`
				}{res, res.Duration.Milliseconds()})
			})
		},
	}
	cmd.Flags().IntVar(&retentionDays, "retention-days", 0, "override retention.retention_days")
	cmd.Flags().IntVar(&batchSize, "batch-size", 0, "override retention.batch_size")
	cmd.Flags().BoolVar(&noArchive, "no-archive", false, "skip archiving before delete")
	return cmd
}

func newEnqueueCmd(load configLoader) *cobra.Command {
	var (
		eventType string
		userID    string
		ip        string
		metadata  string
		critical  bool
	)
	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Queue a security event for the running appender",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ev := domain.SecurityEvent{
				EventType: domain.EventType(eventType),
				UserID:    domain.StringPtr(userID),
				IPAddress: domain.StringPtr(ip),
			}
			if metadata != "" {
				ev.Metadata = json.RawMessage(metadata)
			}
			if err := ev.Validate(); err != nil {
				return err
			}
			return withInfra(cmd, load, func(ctx context.Context, infra *modules.Infrastructure) error {
				// Insert-only client: no queues, no workers.
				if err := infra.InitRiver(infrastructure.RiverOptions{}); err != nil {
					return err
				}
				rcpt, err := seclog.NewProducer(infra.RiverClient, nil, infra.Metrics).EnqueueEvent(ctx, ev, critical)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), rcpt)
			})
		},
	}
	cmd.Flags().StringVar(&eventType, "event-type", "", "event type, e.g. LOGIN_FAILURE")
	cmd.Flags().StringVar(&userID, "user-id", "", "user id")
	cmd.Flags().StringVar(&ip, "ip", "", "client IP address")
	cmd.Flags().StringVar(&metadata, "metadata", "", "JSON object")
	cmd.Flags().BoolVar(&critical, "critical", false, "use the critical queue and CRITICAL severity")
	_ = cmd.MarkFlagRequired("event-type")
	return cmd
}

func newTokenCmd(load configLoader) *cobra.Command {
	var (
		subject     string
		permissions []string
		ttl         time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint an API token signed with security.jwt_signing_key",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if ttl <= 0 {
				ttl = cfg.Security.TokenTTL
			}
			token, expiresAt, err := middleware.GenerateToken(middleware.JWTConfig{
				SigningKey: []byte(cfg.Security.JWTSigningKey),
				Issuer:     cfg.Security.JWTIssuer,
				ExpiresIn:  ttl,
			}, subject, permissions)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), map[string]any{
				"token":     token,
				"expiresAt": expiresAt.UTC().Format(time.RFC3339),
			})
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "token subject")
	cmd.Flags().StringSliceVar(&permissions, "permission", nil, "granted permission (repeatable)")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "token lifetime (default security.token_ttl)")
	_ = cmd.MarkFlagRequired("subject")
	return cmd
}

func newArchiveCmd() *cobra.Command {
	archive := &cobra.Command{Use: "archive", Short: "Archive file commands"}
	archive.AddCommand(&cobra.Command{
		Use:   "verify <path>",
		Short: "Check an archive's digest and the chain links inside it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			entries, err := retention.ReadArchive(args[0])
			if err != nil {
				return err
			}
			return reportResult(cmd, chain.VerifyEntries(entries))
		},
	})
	return archive
}
