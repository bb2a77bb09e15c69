package cmd

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List persisted workflows",
	Args:  cobra.NoArgs,
	RunE:  runList,
}

func init() {
	rootCmd.AddCommand(listCmd)
}

func runList(cmd *cobra.Command, args []string) error {
	s, err := openSession()
	if err != nil {
		return err
	}
	defer s.Close()

	ids, err := s.store.ListWorkflows()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if len(ids) == 0 {
		fmt.Fprintln(out, "No workflows found.")
		return nil
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATUS\tTASKS\tUPDATED\tOBJECTIVE")
	for _, id := range ids {
		st, err := s.store.LoadWorkflow(id)
		if err != nil {
			fmt.Fprintf(tw, "%s\tunreadable\t-\t-\t%v\n", id, err)
			continue
		}
		c := st.Counts()
		fmt.Fprintf(tw, "%s\t%s\t%d/%d\t%s\t%s\n",
			st.ID, st.Status, c.Completed, c.Total,
			st.UpdatedAt.Local().Format("2006-01-02 15:04"), truncate(st.Objective, 48))
	}
	return tw.Flush()
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}
