package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Iron-Ham/crucible/internal/report"
)

var (
	reportFormat    string
	reportEvents    bool
	reportMaxEvents int
)

var reportCmd = &cobra.Command{
	Use:   "report <workflow-id>",
	Short: "Show the execution report of a workflow",
	Long: `Report summarizes a persisted workflow: task outcomes, retry counts,
failure reports for tasks that exhausted their retries, and optionally the
recorded event log.`,
	Args: cobra.ExactArgs(1),
	RunE: runReport,
}

func init() {
	rootCmd.AddCommand(reportCmd)
	reportCmd.Flags().StringVarP(&reportFormat, "format", "f", "auto", "output format: auto, styled, plain, json")
	reportCmd.Flags().BoolVar(&reportEvents, "events", false, "include the event log")
	reportCmd.Flags().IntVar(&reportMaxEvents, "max-events", 50, "show only the last n events (0 for all)")
}

func runReport(cmd *cobra.Command, args []string) error {
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
	retries, err := s.store.LoadRetryStates(id)
	if err != nil {
		return fmt.Errorf("load retry states %s: %w", id, err)
	}
	entries, err := s.readEventLog(id)
	if err != nil {
		s.logger.Warn("event log is unreadable", "workflow_id", id, "error", err)
	}

	r := report.Generate(report.Context{
		State:   *st,
		Retries: retries,
		Events:  entries,
		Now:     nowFunc(),
	})
	opts := report.Options{ShowEvents: reportEvents, MaxEvents: reportMaxEvents}

	out := cmd.OutOrStdout()
	switch reportFormat {
	case "json":
		data, err := json.MarshalIndent(r, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(out, string(data))
	case "styled":
		fmt.Fprint(out, report.NewStyledFormatter(opts).Format(r))
	case "plain":
		fmt.Fprint(out, report.PlainFormatter{Options: opts}.Format(r))
	case "auto", "":
		writeReport(out, r, opts)
	default:
		return fmt.Errorf("unknown format %q (valid: auto, styled, plain, json)", reportFormat)
	}
	return nil
}
