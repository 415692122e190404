package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/me/stridek/internal/config"
	"github.com/me/stridek/internal/kernel"
	"github.com/me/stridek/internal/logging"
	"github.com/me/stridek/internal/server"
	"github.com/me/stridek/internal/store"
	"github.com/me/stridek/internal/syscalls"
	"github.com/me/stridek/internal/workload"
	"github.com/me/stridek/pkg/model"
)

type runOptions struct {
	dbPath    string // empty disables tracing
	timeout   time.Duration
	serveAddr string // serve the trace API while the run lasts
}

type runResult struct {
	RunID    string
	Tasks    []kernel.TaskSummary
	Elapsed  time.Duration
	TimedOut bool
}

func newRunCmd() *cobra.Command {
	var (
		dbPath    string
		noTrace   bool
		timeout   time.Duration
		serveAddr string
	)

	cmd := &cobra.Command{
		Use:   "run <workload.yaml>",
		Short: "Boot the kernel and run a workload",
		Long: `Boot a kernel configured by the given YAML file, spawn its tasks and
dispatch them under stride scheduling until every task exits or the timeout
passes. Task output (fd 1) goes to stdout; the dispatch trace is recorded in
the trace database.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(args[0])
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("log-level") && !flagDebug {
				logger = logging.NewLogger(logging.ParseLevel(cfg.LogLevel), cfg.LogFormat)
			}

			opts := runOptions{timeout: cfg.Scheduler.Timeout, serveAddr: serveAddr}
			if cmd.Flags().Changed("timeout") {
				opts.timeout = timeout
			}
			if !noTrace {
				if dbPath == "" {
					dbPath = cfg.DBPath
				}
				if opts.dbPath, err = resolveDBPath(dbPath); err != nil {
					return err
				}
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			res, err := runWorkload(ctx, cfg, opts, cmd.OutOrStdout())
			if err != nil {
				return err
			}
			printSummary(cmd.ErrOrStderr(), res)
			return nil
		},
	}

	cmd.Flags().StringVar(&dbPath, "db", "", "Trace database path (default db_path from config, then ~/.stridek/trace.db)")
	cmd.Flags().BoolVar(&noTrace, "no-trace", false, "Do not record the dispatch trace")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "Stop dispatching after this long (overrides scheduler.timeout)")
	cmd.Flags().StringVar(&serveAddr, "serve", "", "Serve the trace API on this address while running")
	return cmd
}

// resolveDBPath returns path, or ~/.stridek/trace.db when path is empty.
func resolveDBPath(path string) (string, error) {
	if path != "" {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	dir := filepath.Join(home, ".stridek")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("cannot create %s: %w", dir, err)
	}
	return filepath.Join(dir, "trace.db"), nil
}

func kernelConfig(cfg config.KernelConfig) kernel.Config {
	return kernel.Config{
		BigStride:       cfg.Scheduler.BigStride,
		DefaultPriority: cfg.Scheduler.DefaultPriority,
		Frames:          cfg.Memory.Frames,
		IdleBackoff:     cfg.Scheduler.IdleBackoff,
	}
}

// runWorkload boots a kernel for cfg, runs its tasks to completion (or until
// ctx ends or the timeout passes) and returns the final task table.
func runWorkload(ctx context.Context, cfg config.KernelConfig, opts runOptions, out io.Writer) (*runResult, error) {
	if len(cfg.Tasks) == 0 {
		return nil, fmt.Errorf("workload has no tasks")
	}

	var (
		st    *store.SQLiteStore
		rec   *store.Recorder
		kopts []kernel.Option
	)
	if opts.dbPath != "" {
		var err error
		st, err = store.NewSQLiteStore(opts.dbPath, logger)
		if err != nil {
			return nil, err
		}
		defer st.Close()
		if err := st.Migrate(ctx); err != nil {
			return nil, fmt.Errorf("migrate database: %w", err)
		}
		rec = store.NewRecorder(st, logger)
		kopts = append(kopts, kernel.WithObserver(rec))
	}

	k := kernel.New(kernelConfig(cfg), logger, kopts...)
	runLogger := logging.ForRun(logger, k.ID())
	sys := syscalls.NewSys(k, syscalls.NewDispatcher(k, out, runLogger))

	spawned, err := workload.Spawn(k, sys, cfg.Tasks, runLogger)
	if err != nil {
		k.Shutdown()
		return nil, err
	}

	started := time.Now()
	if st != nil {
		run := &model.Run{ID: k.ID(), BigStride: cfg.Scheduler.BigStride, Tasks: len(spawned), StartedAt: started.UTC()}
		if err := st.CreateRun(ctx, run); err != nil {
			k.Shutdown()
			return nil, fmt.Errorf("record run: %w", err)
		}
	}

	if opts.serveAddr != "" && st != nil {
		httpServer := &http.Server{
			Addr:    opts.serveAddr,
			Handler: server.New(st, logger, server.WithLiveKernel(k)).Handler(),
		}
		go func() {
			runLogger.Info("trace server starting", "addr", opts.serveAddr)
			if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				runLogger.Error("trace server failed", "error", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			httpServer.Shutdown(shutdownCtx)
		}()
	}

	var (
		runCtx context.Context
		cancel context.CancelFunc
	)
	if opts.timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, opts.timeout)
	} else {
		runCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()
	go func() {
		select {
		case <-k.Done():
			cancel()
		case <-runCtx.Done():
		}
	}()

	err = k.Run(runCtx)
	k.Shutdown()

	res := &runResult{
		RunID:    k.ID(),
		Tasks:    k.Tasks(),
		Elapsed:  time.Since(started),
		TimedOut: errors.Is(err, context.DeadlineExceeded),
	}
	if rec != nil {
		if err := rec.Close(context.Background(), k.ID()); err != nil {
			return res, fmt.Errorf("record trace: %w", err)
		}
	}
	return res, nil
}

func printSummary(w io.Writer, res *runResult) {
	var total uint64
	for _, t := range res.Tasks {
		total += t.Dispatches
	}

	state := "completed"
	if res.TimedOut {
		state = "timed out"
	}
	fmt.Fprintf(w, "\nRun %s %s: %d tasks, %s dispatches in %s\n",
		res.RunID, state, len(res.Tasks), humanize.Comma(int64(total)), res.Elapsed.Round(time.Millisecond))

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PID\tNAME\tPRIO\tDISPATCHES\tSHARE\tSTRIDE\tSYSCALLS\tEXIT")
	for _, t := range res.Tasks {
		share := 0.0
		if total > 0 {
			share = 100 * float64(t.Dispatches) / float64(total)
		}
		exit := "-"
		if t.Status == model.TaskStatusExited {
			exit = fmt.Sprint(t.ExitCode)
		}
		fmt.Fprintf(tw, "%d\t%s\t%d\t%s\t%.1f%%\t%s\t%s\t%s\n",
			t.PID, t.Name, t.Priority, humanize.Comma(int64(t.Dispatches)), share,
			humanize.Comma(int64(t.Stride)), humanize.Comma(int64(t.Syscalls)), exit)
	}
	tw.Flush()
}
