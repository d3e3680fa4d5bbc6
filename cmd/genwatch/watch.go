package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/yungbote/neurobridge-genclient/internal/checkpoint"
	"github.com/yungbote/neurobridge-genclient/internal/config"
	"github.com/yungbote/neurobridge-genclient/internal/observability"
	"github.com/yungbote/neurobridge-genclient/internal/platform/logger"
	"github.com/yungbote/neurobridge-genclient/internal/workflow"
)

var errRunFailed = errors.New("workflow run failed")

type watchFlags struct {
	baseURL     string
	runID       string
	dsn         string
	key         string
	metricsAddr string
	retries     int
	reconnect   bool
}

func (w *watchFlags) bind(cmd *cobra.Command) {
	f := cmd.Flags()
	f.StringVar(&w.baseURL, "base-url", "", "Job runner base URL; fills any endpoint not set in config")
	f.StringVar(&w.dsn, "checkpoint", "", "Checkpoint store DSN (memory:, sqlite:<path>, postgres://, redis://)")
	f.StringVar(&w.key, "key", "", "Checkpoint key")
	f.StringVar(&w.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address")
	f.IntVar(&w.retries, "retry", 0, "Retry a failed run up to N times")
	f.BoolVar(&w.reconnect, "reconnect", false, "Reopen a dropped status stream from the last event")
}

func watchCmd(root *rootFlags) *cobra.Command {
	flags := &watchFlags{}
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Trigger a workflow run (or follow --run-id) until it finishes",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := flags.load(root.configPath)
			if err != nil {
				return err
			}
			wf := cfg.Workflow()
			if id := strings.TrimSpace(flags.runID); id != "" {
				wf.InitialRunID = id
			}
			return runWatch(cmd.Context(), root, cfg, wf, cmd.OutOrStdout(), flags.retries)
		},
	}
	flags.bind(cmd)
	cmd.Flags().StringVar(&flags.runID, "run-id", "", "Follow an existing run instead of triggering one")
	return cmd
}

func resumeCmd(root *rootFlags) *cobra.Command {
	flags := &watchFlags{}
	cmd := &cobra.Command{
		Use:   "resume",
		Short: "Continue following the run saved under --key",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := flags.load(root.configPath)
			if err != nil {
				return err
			}
			if cfg.Checkpoint.DSN == "" {
				return errors.New("resume needs a checkpoint store (--checkpoint or checkpoint.dsn)")
			}
			store, err := openStore(cmd.Context(), cfg, logger.Nop())
			if err != nil {
				return err
			}
			cp, err := store.Load(cmd.Context(), cfg.Checkpoint.Key)
			_ = store.Close()
			if errors.Is(err, checkpoint.ErrNotFound) {
				return fmt.Errorf("no checkpoint saved under %q", cfg.Checkpoint.Key)
			}
			if err != nil {
				return err
			}
			if cp.RunID == "" {
				return fmt.Errorf("checkpoint %q has no run to resume", cfg.Checkpoint.Key)
			}
			return runWatch(cmd.Context(), root, cfg, cp.Apply(cfg.Workflow()), cmd.OutOrStdout(), flags.retries)
		},
	}
	flags.bind(cmd)
	return cmd
}

func (w *watchFlags) load(path string) (*config.Config, error) {
	cfg, err := config.LoadWithBase(path, w.baseURL)
	if err != nil {
		return nil, err
	}
	if w.dsn != "" {
		cfg.Checkpoint.DSN = w.dsn
	}
	if w.key != "" {
		cfg.Checkpoint.Key = w.key
	}
	if w.metricsAddr != "" {
		cfg.MetricsAddr = w.metricsAddr
	}
	if w.reconnect {
		cfg.Reconnect.Enabled = true
	}
	return cfg, nil
}

func openStore(ctx context.Context, cfg *config.Config, log *logger.Logger) (checkpoint.Store, error) {
	return checkpoint.Open(ctx, cfg.Checkpoint.DSN, log, checkpoint.WithTTL(cfg.Checkpoint.TTL.Duration))
}

// runWatch drives one Generation to a terminal state, retrying failed runs
// up to retries times. Progress lines go to out.
func runWatch(ctx context.Context, root *rootFlags, cfg *config.Config, wf workflow.Config, out io.Writer, retries int) error {
	log, err := root.logger()
	if err != nil {
		return err
	}
	defer log.Sync()

	shutdownOTel := observability.InitOTel(ctx, log, observability.OtelConfig{ServiceName: "genwatch", Environment: root.logMode})
	defer func() { _ = shutdownOTel(context.Background()) }()

	metrics := observability.NewMetrics()
	opts := cfg.RunnerOptions()
	opts.Logger = log
	runner, err := workflow.NewHTTPRunnerFromConfig(wf, opts)
	if err != nil {
		return err
	}

	var store checkpoint.Store
	if cfg.Checkpoint.DSN != "" {
		store, err = openStore(ctx, cfg, log)
		if err != nil {
			return err
		}
		defer store.Close()
	}

	gen, err := workflow.Start(ctx, wf,
		workflow.WithRunner(runner),
		workflow.WithLogger(log),
		workflow.WithMetrics(metrics),
	)
	if err != nil {
		return err
	}
	defer gen.Close()
	if wf.ManualTrigger {
		gen.Trigger()
	}

	bgCtx, stopBackground := context.WithCancel(ctx)
	defer stopBackground()
	grp, gctx := errgroup.WithContext(bgCtx)
	if cfg.MetricsAddr != "" {
		grp.Go(func() error { return metrics.Serve(gctx, log, cfg.MetricsAddr) })
	}
	if store != nil {
		updates, cancel := gen.Subscribe()
		defer cancel()
		// Track ends when gen closes its subscriptions so the terminal
		// snapshot is always saved.
		grp.Go(func() error {
			return checkpoint.Track(ctx, store, cfg.Checkpoint.Key, updates, log)
		})
	}
	progress, cancelProgress := gen.Subscribe()
	defer cancelProgress()
	grp.Go(func() error {
		printProgress(out, progress)
		return nil
	})

	final, waitErr := waitWithRetries(gctx, gen, wf.ManualTrigger, retries, log)
	gen.Close()
	stopBackground()
	stopErr := grp.Wait()
	if waitErr != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if stopErr != nil {
			return stopErr
		}
		return waitErr
	}
	if stopErr != nil {
		log.Warn("Background task failed", "error", stopErr)
	}

	if final.Status == workflow.StatusError {
		fmt.Fprintf(out, "failed run=%s error=%q\n", final.RunID, final.Error)
		return fmt.Errorf("%w: %s", errRunFailed, final.Error)
	}
	fmt.Fprintf(out, "completed run=%s steps=%s\n", final.RunID, strings.Join(final.CompletedSteps, ","))
	return nil
}

func waitWithRetries(ctx context.Context, gen *workflow.Generation, manual bool, retries int, log *logger.Logger) (workflow.State, error) {
	for attempt := 0; ; attempt++ {
		st, err := gen.Wait(ctx)
		if err != nil {
			return st, err
		}
		if st.Status != workflow.StatusError || attempt >= retries {
			return st, nil
		}
		log.Info("Retrying failed run", "run_id", st.RunID, "error", st.Error, "attempt", attempt+1)
		gen.Retry()
		if manual {
			gen.Trigger()
		}
	}
}

func printProgress(out io.Writer, updates <-chan workflow.Snapshot) {
	var last workflow.Snapshot
	first := true
	for snap := range updates {
		if !first && snap.Status == last.Status && snap.CurrentStep == last.CurrentStep && len(snap.CompletedSteps) == len(last.CompletedSteps) {
			continue
		}
		first = false
		last = snap
		line := fmt.Sprintf("status=%s", snap.Status)
		if snap.RunID != "" {
			line += " run=" + snap.RunID
		}
		if snap.CurrentStep != "" {
			line += " step=" + snap.CurrentStep
		}
		line += fmt.Sprintf(" done=%d", len(snap.CompletedSteps))
		fmt.Fprintln(out, line)
	}
}
