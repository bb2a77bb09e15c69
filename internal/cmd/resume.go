package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Iron-Ham/crucible/internal/engine"
)

var resumeEvents bool

var resumeCmd = &cobra.Command{
	Use:   "resume <workflow-id>",
	Short: "Resume a paused or interrupted workflow",
	Long: `Resume loads a persisted workflow with its team and retry history and
drives it to completion. Tasks that were running when the workflow was
interrupted start over; completed tasks are kept.`,
	Args: cobra.ExactArgs(1),
	RunE: runResume,
}

func init() {
	rootCmd.AddCommand(resumeCmd)
	resumeCmd.Flags().BoolVar(&resumeEvents, "events", false, "include the event log in the final report")
}

func runResume(cmd *cobra.Command, args []string) error {
	id := args[0]
	s, err := openSession()
	if err != nil {
		return err
	}
	defer s.Close()

	st, err := s.store.LoadWorkflow(id)
	if err != nil {
		return fmt.Errorf("load workflow %s: %w", id, err)
	}
	if st.Status.IsTerminal() {
		return fmt.Errorf("workflow %s is already %s", id, st.Status)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Resuming workflow %s (%s)\n", id, st.Status)
	return s.drive(cmd, id, st.Config, resumeEvents, func(ctx context.Context, eng *engine.Engine) (engine.Outcome, error) {
		return eng.Resume(ctx, id)
	})
}
