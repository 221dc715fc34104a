package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/andrewcho-dev/opsconductor-ng-sub000/approval"
	"github.com/andrewcho-dev/opsconductor-ng-sub000/artifact"
	"github.com/andrewcho-dev/opsconductor-ng-sub000/config"
	"github.com/andrewcho-dev/opsconductor-ng-sub000/db"
	"github.com/andrewcho-dev/opsconductor-ng-sub000/errors"
	"github.com/andrewcho-dev/opsconductor-ng-sub000/event"
	"github.com/andrewcho-dev/opsconductor-ng-sub000/exec"
	"github.com/andrewcho-dev/opsconductor-ng-sub000/lock"
	"github.com/andrewcho-dev/opsconductor-ng-sub000/logger"
	"github.com/andrewcho-dev/opsconductor-ng-sub000/plan"
	"github.com/andrewcho-dev/opsconductor-ng-sub000/policy"
	"github.com/andrewcho-dev/opsconductor-ng-sub000/queue"
	"github.com/andrewcho-dev/opsconductor-ng-sub000/runner"
	"github.com/andrewcho-dev/opsconductor-ng-sub000/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the execution engine",
	Long: `Start the execution engine: HTTP control surface, worker pool,
approval-expiry sweeper, and lock reaper. Runs until SIGINT/SIGTERM.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().String("config", "", "Path to conductor.toml (default: search ./ and ~/.opsconductor)")
	serveCmd.Flags().Bool("watch-config", true, "Reload limits and TTLs on config file changes")
}

func runServe(cmd *cobra.Command, args []string) error {
	log := logger.Logger

	configPath, _ := cmd.Flags().GetString("config")
	var cfg *config.Config
	var err error
	if configPath != "" {
		cfg, err = config.LoadFromFile(configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return errors.Wrap(err, "failed to load configuration")
	}

	conn, err := db.Open(cfg.Database.Path, log)
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := db.Migrate(conn, log); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Artifact backend.
	var artifacts artifact.Store
	switch cfg.Artifacts.Backend {
	case "s3":
		artifacts, err = artifact.NewS3Store(ctx, artifact.S3Config{
			Endpoint:  cfg.Artifacts.Endpoint,
			AccessKey: cfg.Artifacts.AccessKey,
			SecretKey: cfg.Artifacts.SecretKey,
			Bucket:    cfg.Artifacts.Bucket,
			UseSSL:    cfg.Artifacts.UseSSL,
		})
	default:
		artifacts, err = artifact.NewFSStore(cfg.Artifacts.Dir)
	}
	if err != nil {
		return errors.Wrap(err, "failed to initialize artifact store")
	}

	// Stores and managers.
	executions := exec.NewStore(conn)
	eventStore := event.NewStore(conn)
	events := event.NewLogger(eventStore, log)
	fsm := exec.NewFSM(executions, events, log)
	policies := policy.NewTable()
	applyTimeoutOverrides(policies, cfg.Timeouts, log)

	limits := plan.Limits{
		MaxPlanBytes:      cfg.Limits.MaxPlanBytes,
		MaxSteps:          cfg.Limits.MaxSteps,
		MaxTargetsPerStep: cfg.Limits.MaxTargetsPerStep,
	}
	registrar := exec.NewRegistrar(executions, events, policies, limits, log)

	approvalTTL := time.Duration(cfg.Engine.ApprovalTTLHours) * time.Hour
	approvals := approval.NewManager(approval.NewStore(conn), executions, fsm, events,
		approval.ReadOnlyAutoApprove, approvalTTL, log)

	q := queue.New(queue.NewStore(conn), queue.NewDLQStore(conn), executions, registrar, fsm, events, log)
	locks := lock.NewManager(conn, log)

	invoker := runner.NewHTTPInvoker(cfg.Adapters.BaseURL, nil)
	steps := runner.NewStepRunner(executions, events, artifacts, invoker, cfg.Limits.OutputSummaryCap, log)
	immediate := runner.NewImmediate(executions, fsm, locks, steps, policies, events, log)
	pool := runner.NewWorkerPool(q, executions, fsm, locks, steps, policies, events,
		cfg.Engine.Workers, time.Duration(cfg.Engine.PollIntervalSeconds)*time.Second, log)

	// Background machinery.
	pool.Start(ctx)
	defer pool.Stop()

	sweepInterval := time.Duration(cfg.Engine.SweepIntervalSeconds) * time.Second
	locks.StartReaper(ctx, sweepInterval)
	go sweepApprovals(ctx, approvals, sweepInterval, log)

	// Live config reload: limits and TTLs only; structural settings
	// (port, database, backends) need a restart.
	watchConfig, _ := cmd.Flags().GetBool("watch-config")
	if watchConfig && configPath != "" {
		watcher, err := config.NewWatcher(configPath)
		if err != nil {
			log.Warnw("Config watch disabled", "error", err)
		} else {
			watcher.OnReload(func(next *config.Config) error {
				registrar.SetLimits(plan.Limits{
					MaxPlanBytes:      next.Limits.MaxPlanBytes,
					MaxSteps:          next.Limits.MaxSteps,
					MaxTargetsPerStep: next.Limits.MaxTargetsPerStep,
				})
				approvals.SetTTL(time.Duration(next.Engine.ApprovalTTLHours) * time.Hour)
				applyTimeoutOverrides(policies, next.Timeouts, log)
				return nil
			})
			watcher.Start()
			defer watcher.Stop()
		}
	}

	srv := server.New(cfg, registrar, executions, fsm, approvals, q, immediate, events, log)

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- srv.Start()
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serveErr:
		return err
	case s := <-sig:
		log.Infow("Shutting down", "signal", s.String())
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warnw("HTTP shutdown incomplete", "error", err)
	}

	cancel()
	pool.Stop()
	logger.Sync()
	return nil
}

// applyTimeoutOverrides pushes [timeouts] config entries into the live policy
// table. Bad keys are logged and skipped so one typo cannot block a reload.
func applyTimeoutOverrides(policies *policy.Table, overrides map[string]config.TimeoutOverrideConfig, log *zap.SugaredLogger) {
	for pairKey, o := range overrides {
		if err := policies.OverrideSeconds(pairKey, o.ExecutionSeconds, o.StepSeconds, o.LeaseSeconds, o.MaxLeaseRenewals); err != nil {
			log.Warnw("Ignoring timeout override", "key", pairKey, "error", err)
			continue
		}
		log.Infow("Timeout policy overridden", "key", pairKey)
	}
}

// sweepApprovals expires stale approvals on an interval.
func sweepApprovals(ctx context.Context, approvals *approval.Manager, interval time.Duration, log *zap.SugaredLogger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := approvals.ExpireStale(time.Now().UTC()); err != nil {
				log.Warnw("Approval sweep failed", "error", err)
			}
		}
	}
}
