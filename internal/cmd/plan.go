package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Iron-Ham/crucible/internal/plan"
	"github.com/Iron-Ham/crucible/internal/workflow"
)

var planCmd = &cobra.Command{
	Use:   "plan <request-file>",
	Short: "Show the execution plan of a request",
	Long: `Plan layers the request's subtasks into phases that may run in parallel
and prints the critical path. Dependency cycles are reported with the tasks
that can never be scheduled.`,
	Args: cobra.ExactArgs(1),
	RunE: runPlan,
}

func init() {
	rootCmd.AddCommand(planCmd)
}

func runPlan(cmd *cobra.Command, args []string) error {
	req, err := loadRequest(args[0], true)
	if err != nil {
		return err
	}
	s, err := workflow.Create("plan", req.Decomposition, analysisFor(req).Complexity, workflow.DefaultConfig(), nowFunc())
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	ep, planErr := workflow.GenerateExecutionPlan(s)
	if obj := req.Decomposition.Objective; obj != "" {
		fmt.Fprintf(out, "Objective: %s\n", obj)
	}
	fmt.Fprintf(out, "Tasks: %d, phases: %d\n\n", len(s.Tasks), len(ep.Phases))
	for i, phase := range ep.Phases {
		fmt.Fprintf(out, "Phase %d:\n", i+1)
		for _, id := range phase {
			fmt.Fprintf(out, "  %s\n", describeSubtask(req.Decomposition, id))
		}
	}
	if len(ep.CriticalPath) > 0 {
		fmt.Fprintf(out, "\nCritical path: %s\n", strings.Join(ep.CriticalPath, " -> "))
	}
	if planErr != nil {
		fmt.Fprintf(out, "\nUnresolved: %s\n", strings.Join(ep.Unresolved, ", "))
		return planErr
	}
	return nil
}

func describeSubtask(d *plan.Decomposition, id string) string {
	st, ok := d.Subtask(id)
	if !ok || st.Title == "" {
		return id
	}
	return fmt.Sprintf("%-16s %s", id, st.Title)
}
