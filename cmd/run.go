package cmd

import (
	"context"
	"fmt"
	"os"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"surge/internal/cli"
	"surge/internal/config"
	"surge/internal/httpexec"
	"surge/internal/metrics"
	"surge/internal/report"
	"surge/internal/runner"
	"surge/internal/scenario"
	"surge/internal/stats"
	"surge/internal/storage"
	"surge/internal/tui"
)

func runLoad(parent context.Context) error {
	log, err := newLogger()
	if err != nil {
		return err
	}
	defer log.Sync()

	cfg, err := config.Load(v)
	if err != nil {
		return err
	}
	if cfg.Scenario.URL == "" {
		return errors.New("no target: pass --url or set url in the config file")
	}

	sc, err := scenario.New(cfg.Scenario)
	if err != nil {
		return err
	}

	exec := httpexec.New(cfg.HTTP)
	agg := stats.NewAggregator()
	updates := make(runner.UpdateChan, 16)

	sched, err := runner.NewScheduler(cfg.Run, exec, agg,
		runner.WithLogger(log),
		runner.WithUpdates(updates),
	)
	if err != nil {
		return err
	}

	ctx, stop := signalContext(parent)
	defer stop()

	if cfg.Output.MetricsAddr != "" {
		if _, err := metrics.Serve(ctx, cfg.Output.MetricsAddr, agg, log); err != nil {
			return err
		}
	}

	var r *stats.Report
	if cfg.Output.TUI {
		r, err = runDashboard(ctx, cfg, sched, sc, updates)
	} else {
		r, err = runHeadless(ctx, cfg, exec, sched, sc, updates)
	}
	if err != nil {
		return err
	}

	runID := uuid.NewString()
	if cfg.Output.Prefix != "" {
		paths, err := report.Export(cfg.Output.Prefix, runID, *r)
		if err != nil {
			return errors.Wrap(err, "export report")
		}
		for _, p := range paths {
			fmt.Printf("💾 %s\n", p)
		}
	}

	if cfg.Output.History {
		if err := saveHistory(cfg, runID, *r); err != nil {
			log.Warn("could not save run history", zap.Error(err))
		}
	}

	if cfg.Output.FailOnChecks && r.ChecksFailed > 0 {
		return errors.Wrapf(errChecksFailed, "%d of %d", r.ChecksFailed, r.ChecksPassed+r.ChecksFailed)
	}
	return nil
}

func runHeadless(ctx context.Context, cfg config.Config, exec *httpexec.Executor, sched *runner.Scheduler, sc runner.Scenario, updates runner.UpdateChan) (*stats.Report, error) {
	cli.PrintHeader(os.Stdout, cli.Header{
		Target:  cfg.Scenario.URL,
		Options: cfg.Run,
		Timeout: exec.Timeout(),
	})

	monitored := make(chan struct{})
	go func() {
		defer close(monitored)
		cli.Monitor(os.Stdout, updates, cfg.Run.TotalDuration())
	}()

	r, err := sched.Run(ctx, sc)
	close(updates)
	<-monitored
	fmt.Println()
	if err != nil {
		return nil, err
	}

	cli.PrintSummary(os.Stdout, r)
	return r, nil
}

func runDashboard(ctx context.Context, cfg config.Config, sched *runner.Scheduler, sc runner.Scenario, updates runner.UpdateChan) (*stats.Report, error) {
	m := tui.NewModel(cfg.Scenario.URL, cfg.Run.TotalDuration(), updates, sched.Controller().Stop)
	p := tea.NewProgram(m, tea.WithAltScreen())

	var (
		r      *stats.Report
		runErr error
	)
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		r, runErr = sched.Run(ctx, sc)
		close(updates)
		p.Send(tui.DoneMsg{Report: r, Err: runErr})
	}()

	if _, err := p.Run(); err != nil {
		sched.Controller().Stop()
		<-finished
		return nil, errors.Wrap(err, "dashboard")
	}
	<-finished
	if runErr != nil {
		return nil, runErr
	}

	cli.PrintSummary(os.Stdout, r)
	return r, nil
}

func saveHistory(cfg config.Config, runID string, r stats.Report) error {
	store, err := storage.Open(cfg.Output.HistoryDir)
	if err != nil {
		return err
	}
	defer store.Close()

	rec := storage.NewRecord(cfg.Scenario.URL, cfg.Run, r)
	rec.ID = runID
	if err := store.Save(rec); err != nil {
		return err
	}
	fmt.Printf("🗂  saved run %s\n", runID[:8])
	return nil
}
