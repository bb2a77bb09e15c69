package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Iron-Ham/crucible/internal/control"
	"github.com/Iron-Ham/crucible/internal/engine"
	"github.com/Iron-Ham/crucible/internal/errors"
	"github.com/Iron-Ham/crucible/internal/event"
	"github.com/Iron-Ham/crucible/internal/logging"
	"github.com/Iron-Ham/crucible/internal/report"
	"github.com/Iron-Ham/crucible/internal/team"
	"github.com/Iron-Ham/crucible/internal/workflow"
)

var (
	runID       string
	runTemplate string
	runNoTeam   bool
	runEvents   bool
)

var runCmd = &cobra.Command{
	Use:   "run <request-file>",
	Short: "Compose a team and run a request's workflow",
	Long: `Run composes a team for the request, creates a workflow from its
decomposition and drives it to completion. Every builder result is checked
by validators before it is accepted; rejected attempts are retried with
feedback.

While a run is active, steer it from another terminal with
"crucible signal pause|resume|cancel <id>". Interrupted or paused runs can
be continued with "crucible resume <id>".

workflow.task_timeout_seconds bounds each builder and validator
invocation. A task that needs every attempt can take up to
retry.max_attempts times that long.`,
	Args: cobra.ExactArgs(1),
	RunE: runRun,
}

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().StringVar(&runID, "id", "", "workflow ID (default: generated)")
	runCmd.Flags().StringVar(&runTemplate, "template", "", "force a team template")
	runCmd.Flags().BoolVar(&runNoTeam, "no-team", false, "run without composing a team")
	runCmd.Flags().BoolVar(&runEvents, "events", false, "include the event log in the final report")
}

func runRun(cmd *cobra.Command, args []string) error {
	req, err := loadRequest(args[0], true)
	if err != nil {
		return err
	}

	s, err := openSession()
	if err != nil {
		return err
	}
	defer s.Close()

	id := runID
	if id == "" {
		id = workflow.NewID()
	}
	if _, err := s.store.LoadWorkflow(id); err == nil {
		return fmt.Errorf("workflow %s already exists; use 'crucible resume %s'", id, id)
	}

	var def *team.Definition
	if !runNoTeam {
		comp, err := s.compose(req, runTemplate)
		if err != nil {
			return fmt.Errorf("compose team: %w", err)
		}
		for _, w := range comp.Warnings {
			fmt.Fprintf(cmd.ErrOrStderr(), "warning: %s\n", w)
		}
		def = &comp.Team
		fmt.Fprintf(cmd.OutOrStdout(), "Team %s (%s, %d members)\n", def.ID, comp.TemplateUsed, len(def.Members))
	}

	wcfg := workflowConfig(s.cfg)
	complexity := analysisFor(req).Complexity
	return s.drive(cmd, id, wcfg, runEvents, func(ctx context.Context, eng *engine.Engine) (engine.Outcome, error) {
		st, err := eng.Create(id, req.Decomposition, complexity, def, wcfg)
		if err != nil {
			return engine.Outcome{State: st}, err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Workflow %s: %d tasks\n", st.ID, len(st.Tasks))
		return eng.Run(ctx, st, def)
	})
}

type driveFunc func(ctx context.Context, eng *engine.Engine) (engine.Outcome, error)

// drive wires the engine for workflow id, runs fn and prints the final
// report. The event log, the control file watcher and the interrupt
// handler live for the duration of fn.
func (s *session) drive(cmd *cobra.Command, id string, wcfg workflow.Config, showEvents bool, fn driveFunc) error {
	logger := s.logger.WithWorkflow(id)
	// The engine takes the run lock itself; checking first keeps this
	// process's watcher from consuming commands meant for the driver.
	if running, err := s.store.Running(id); err != nil {
		return err
	} else if running {
		return errors.NewWorkflowError("another crucible process is driving it", errors.ErrWorkflowRunning).
			WithWorkflowID(id)
	}
	bus := event.NewBus(event.WithLogger(logger))

	verifier, err := s.verifier(wcfg, bus)
	if err != nil {
		return err
	}

	logFile, err := s.openEventLog(id)
	if err != nil {
		return fmt.Errorf("open event log: %w", err)
	}
	defer logFile.Close()
	rec := report.NewRecorder(bus, report.WithSink(logFile), report.WithRecorderLogger(logger))
	defer rec.Close()

	ctrl := control.NewController()
	watcher, err := control.NewFileWatcher(s.store.Dir(id), ctrl, control.WithWatcherLogger(logger))
	if err != nil {
		return err
	}
	watcher.Start()
	defer watcher.Stop()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	stderr := cmd.ErrOrStderr()
	bus.Subscribe(event.TypeWorkflowPaused, func(e event.Event) {
		fmt.Fprintf(stderr, "%s; run 'crucible signal resume %s' to continue or 'crucible signal cancel %s' to stop\n",
			e.Describe(), id, id)
	})

	eng := engine.New(verifier,
		engine.WithLogger(logger),
		engine.WithStore(s.store),
		engine.WithEventBus(bus),
		engine.WithSignals(ctrl),
	)
	out, runErr := fn(ctx, eng)
	if runErr != nil {
		logRunError(logger, runErr)
	}

	if out.State.ID != "" {
		r := report.Generate(report.Context{
			State:   out.State,
			Retries: out.Retries,
			Events:  rec.Entries(),
			Now:     nowFunc(),
		})
		writeReport(cmd.OutOrStdout(), r, report.Options{ShowEvents: showEvents})
	}

	switch {
	case runErr != nil && ctx.Err() != nil:
		return fmt.Errorf("workflow %s interrupted; run 'crucible resume %s' to continue: %w", id, id, runErr)
	case runErr != nil:
		return runErr
	case out.State.Status == workflow.StatusFailed:
		return errors.NewWorkflowError(fmt.Sprintf("workflow %s failed: %s", id, out.State.FailureReason), nil)
	}
	return nil
}

// logRunError logs err at the level its severity calls for.
func logRunError(logger *logging.Logger, err error) {
	sev := errors.GetSeverity(err)
	if sev >= errors.SeverityError {
		logger.Error("workflow run ended with an error", "error", err, "severity", sev.String())
		return
	}
	logger.Warn("workflow run ended with an error", "error", err, "severity", sev.String())
}

// writeReport prints r with the styled formatter on a terminal and plain
// text otherwise.
func writeReport(w io.Writer, r report.Report, opts report.Options) {
	var f report.Formatter = report.PlainFormatter{Options: opts}
	if isTerminal(w) {
		f = report.NewStyledFormatter(opts)
	}
	fmt.Fprint(w, f.Format(r))
}
