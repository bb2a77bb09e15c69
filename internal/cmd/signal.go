package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Iron-Ham/crucible/internal/control"
)

var signalCmd = &cobra.Command{
	Use:   "signal <pause|resume|cancel> <workflow-id> [reason...]",
	Short: "Pause, resume or cancel a running workflow",
	Long: `Signal writes a control command to the workflow's state directory. The
process running the workflow picks it up: pause stops new tasks from
starting, resume continues a paused workflow, and cancel fails it and stops
its running tasks. Commands sent to a workflow that is not running are
applied when it is resumed.`,
	Args: cobra.MinimumNArgs(2),
	RunE: runSignal,
}

func init() {
	rootCmd.AddCommand(signalCmd)
}

func runSignal(cmd *cobra.Command, args []string) error {
	action := control.Action(strings.ToLower(args[0]))
	if !action.Valid() {
		return fmt.Errorf("unknown signal %q (valid: pause, resume, cancel)", args[0])
	}
	id := args[1]
	reason := strings.Join(args[2:], " ")

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

	if err := control.WriteCommand(s.store.Dir(id), control.Command{Action: action, Reason: reason}); err != nil {
		return err
	}
	s.logger.Info("control command written", "workflow_id", id, "action", string(action))
	fmt.Fprintf(cmd.OutOrStdout(), "Sent %s to workflow %s\n", action, id)

	running, err := s.store.Running(id)
	if err != nil {
		s.logger.Warn("failed to check run lock", "workflow_id", id, "error", err)
		return nil
	}
	if !running {
		fmt.Fprintf(cmd.OutOrStdout(), "Workflow %s is not running; the command applies when it is resumed.\n", id)
	}
	return nil
}
