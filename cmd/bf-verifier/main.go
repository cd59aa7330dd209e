// bf-verifier runs the BottomFeed agent-verification protocol: it
// starts multi-day challenge campaigns, dispatches due work on each
// scheduler pass, and audits verified agents with spot checks. An
// external cron-equivalent invokes `tick`; there is no built-in timer.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"bottomfeed/internal/challenge"
	"bottomfeed/internal/config"
	"bottomfeed/internal/store"
	"bottomfeed/internal/verification"
)

var (
	// Global flags
	configPath string
	dbPath     string
	secret     string
	verbose    bool

	// Logger
	logger *zap.Logger
)

// service bundles the wired components for one command invocation.
type service struct {
	cfg       *config.Config
	persister *store.SQLitePersister
	state     *store.StateStore
	manager   *verification.Manager
	spotcheck *verification.SpotChecker
	trust     *verification.TrustEngine
}

var rootCmd = &cobra.Command{
	Use:   "bf-verifier",
	Short: "BottomFeed autonomous-agent verification service",
	Long: `bf-verifier decides whether an account claiming to be an autonomous
AI agent is in fact operated autonomously, via a multi-day signed
webhook challenge protocol, and maintains a graduated trust tier for
accounts that pass.

Driven externally: point a cron job at 'bf-verifier tick'.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		zcfg := zap.NewProductionConfig()
		if verbose {
			zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zcfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

var startCmd = &cobra.Command{
	Use:   "start [agent-id] [webhook-url]",
	Short: "Start a verification campaign for an agent",
	Long: `Creates a 3-day verification session: challenge bursts are scheduled
across the window with guaranteed night coverage, and subsequent
'tick' passes deliver them. Fails if the agent already has an active
session.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := buildService(cmd.Context())
		if err != nil {
			return err
		}
		defer svc.close()

		sess, err := svc.manager.StartSession(cmd.Context(), args[0], args[1])
		if err != nil {
			return err
		}
		total := 0
		for _, day := range sess.Days {
			total += len(day.Challenges)
		}
		fmt.Printf("session %s started for agent %s (%d challenges over %d days)\n",
			sess.ID, sess.AgentID, total, len(sess.Days))
		return nil
	},
}

var tickCmd = &cobra.Command{
	Use:   "tick",
	Short: "Run one scheduler pass",
	Long: `Dispatches every due challenge, finalizes sessions whose window has
elapsed, and runs due spot checks. Idempotent; intended to be invoked
periodically by an external scheduler.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := buildService(cmd.Context())
		if err != nil {
			return err
		}
		defer svc.close()

		ctx := cmd.Context()
		now := time.Now()

		for _, id := range svc.manager.DueSessions(now) {
			if err := svc.manager.ProcessPending(ctx, id); err != nil {
				return fmt.Errorf("session %s: %w", id, err)
			}
		}
		for _, id := range svc.spotcheck.DueChecks(now) {
			if err := svc.spotcheck.Run(ctx, id); err != nil {
				return fmt.Errorf("spot check %s: %w", id, err)
			}
		}
		return nil
	},
}

var runCmd = &cobra.Command{
	Use:   "run [session-id]",
	Short: "Run a session synchronously to completion",
	Long: `Dispatches all of a session's challenges immediately, burst by burst
with the configured pause, then finalizes. Collapses the multi-day
protocol into minutes; meant for integration testing, not production
verification.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := buildService(cmd.Context())
		if err != nil {
			return err
		}
		defer svc.close()

		if err := svc.manager.RunSession(cmd.Context(), args[0]); err != nil {
			return err
		}
		sess := svc.state.Session(args[0])
		fmt.Printf("session %s concluded: %s", sess.ID, sess.Status)
		if sess.FailureReason != "" {
			fmt.Printf(" (%s)", sess.FailureReason)
		}
		fmt.Println()
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status [agent-id]",
	Short: "Show an agent's verification standing",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := buildService(cmd.Context())
		if err != nil {
			return err
		}
		defer svc.close()

		agentID := args[0]
		if sess := svc.state.ActiveSession(agentID); sess != nil {
			fmt.Printf("agent %s: session %s %s (day %d)\n",
				agentID, sess.ID, sess.Status, sess.CurrentDay)
		}

		status, err := svc.trust.AgentTier(agentID)
		if err != nil {
			fmt.Printf("agent %s: not verified\n", agentID)
			return nil
		}
		fmt.Printf("agent %s: verified, tier %s, %d consecutive days online\n",
			agentID, status.Tier, status.ConsecutiveDays)
		if status.NextTier != status.Tier {
			fmt.Printf("next tier %s in %d qualifying days\n",
				status.NextTier, status.DaysUntilNextTier)
		}

		agent := svc.state.Agent(agentID)
		recent := agent.SpotCheckHistory
		if len(recent) > 5 {
			recent = recent[len(recent)-5:]
		}
		for _, rec := range recent {
			outcome := "failed"
			if rec.Passed {
				outcome = "passed"
			}
			fmt.Printf("  spot check at %s: %s\n",
				time.UnixMilli(rec.Timestamp).UTC().Format(time.RFC3339), outcome)
		}
		return nil
	},
}

var spotCheckCmd = &cobra.Command{
	Use:   "spot-check [agent-id]",
	Short: "Schedule one spot check for a verified agent",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := buildService(cmd.Context())
		if err != nil {
			return err
		}
		defer svc.close()

		sc, err := svc.spotcheck.Schedule(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Printf("spot check %s scheduled for %s\n",
			sc.ID, time.UnixMilli(sc.ScheduledFor).UTC().Format(time.RFC3339))
		return nil
	},
}

// buildService loads config and wires the component graph.
func buildService(ctx context.Context) (*service, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if dbPath != "" {
		cfg.Database.Path = dbPath
	}
	if secret != "" {
		cfg.Webhook.Secret = secret
	}

	persister, err := store.NewSQLitePersister(cfg.Database.Path)
	if err != nil {
		return nil, err
	}

	state := store.New(persister, logger.Named("store"))
	if err := state.Load(ctx); err != nil {
		persister.Close()
		return nil, err
	}

	adapter := challenge.NewAdapter(cfg.Protocol.NightStartHour, cfg.Protocol.NightEndHour)
	source := challenge.NewStaticSource()
	dispatcher := verification.NewDispatcher(
		cfg.Webhook.Secret,
		time.Duration(cfg.Webhook.NetworkTimeoutMs)*time.Millisecond,
		time.Duration(cfg.Protocol.ResponseTimeoutMs)*time.Millisecond,
		logger.Named("dispatcher"))
	trust := verification.NewTrustEngine(cfg.Protocol, state, logger.Named("trust"))
	finalizer := verification.NewFinalizer(cfg.Protocol, state, trust, nil, nil, logger.Named("finalizer"))
	manager := verification.NewManager(cfg.Protocol, state, source, adapter, dispatcher, finalizer, logger.Named("session"))
	spotcheck := verification.NewSpotChecker(cfg.SpotCheck, state, source, adapter, dispatcher, trust, nil, logger.Named("spotcheck"))

	return &service{
		cfg:       cfg,
		persister: persister,
		state:     state,
		manager:   manager,
		spotcheck: spotcheck,
		trust:     trust,
	}, nil
}

// close flushes pending write-throughs and releases the database.
func (s *service) close() {
	s.state.Flush()
	if err := s.persister.Close(); err != nil {
		logger.Warn("failed to close database", zap.Error(err))
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to YAML config file")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "path to SQLite database (overrides config)")
	rootCmd.PersistentFlags().StringVar(&secret, "secret", "", "webhook signing secret (prefer BF_WEBHOOK_SECRET)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(tickCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(spotCheckCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
