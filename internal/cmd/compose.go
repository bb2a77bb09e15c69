package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/Iron-Ham/crucible/internal/plan"
	"github.com/Iron-Ham/crucible/internal/team"
)

var (
	composeTask     string
	composeTemplate string
	composeOutput   string
)

var composeCmd = &cobra.Command{
	Use:   "compose [request-file]",
	Short: "Compose a team for a request without running it",
	Long: `Compose selects a team template for a request, optimizes it for the
request's analysis and applies the configured composer constraints.

The request file is YAML or JSON holding an analysis and optionally a
decomposition. With --task, the analysis is derived from free text instead.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runCompose,
}

func init() {
	rootCmd.AddCommand(composeCmd)
	composeCmd.Flags().StringVar(&composeTask, "task", "", "describe the request as free text instead of a request file")
	composeCmd.Flags().StringVar(&composeTemplate, "template", "", "force a team template")
	composeCmd.Flags().StringVarP(&composeOutput, "output", "o", "text", "output format: text, json, yaml")
}

func runCompose(cmd *cobra.Command, args []string) error {
	var req *plan.Request
	switch {
	case len(args) == 1:
		r, err := loadRequest(args[0], false)
		if err != nil {
			return err
		}
		req = r
	case strings.TrimSpace(composeTask) != "":
		req = &plan.Request{Analysis: plan.AnalyzeText(composeTask)}
	default:
		return fmt.Errorf("a request file or --task is required")
	}

	s, err := openSession()
	if err != nil {
		return err
	}
	defer s.Close()

	comp, err := s.compose(req, composeTemplate)
	if err != nil {
		return err
	}
	return writeComposition(cmd.OutOrStdout(), comp, composeOutput)
}

func writeComposition(w io.Writer, comp team.Composition, format string) error {
	switch format {
	case "json":
		data, err := json.MarshalIndent(comp, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(w, string(data))
	case "yaml":
		// Round-trip through JSON so the YAML keys follow the json tags.
		data, err := json.Marshal(comp)
		if err != nil {
			return err
		}
		var generic map[string]any
		if err := json.Unmarshal(data, &generic); err != nil {
			return err
		}
		out, err := yaml.Marshal(generic)
		if err != nil {
			return err
		}
		fmt.Fprint(w, string(out))
	case "text", "":
		printComposition(w, comp)
	default:
		return fmt.Errorf("unknown output format %q (valid: text, json, yaml)", format)
	}
	return nil
}

func printComposition(w io.Writer, comp team.Composition) {
	fmt.Fprintf(w, "Team:     %s\n", comp.Team.ID)
	fmt.Fprintf(w, "Template: %s\n", comp.TemplateUsed)
	fmt.Fprintf(w, "Score:    %.2f\n", comp.Score)
	fmt.Fprintf(w, "Validation: %s\n", comp.Team.DefaultValidationType)
	fmt.Fprintln(w)

	fmt.Fprintf(w, "Members (%d):\n", len(comp.Team.Members))
	for _, m := range comp.Team.Members {
		fmt.Fprintf(w, "  %-24s %-12s %-7s %s\n", m.ID, m.Role, m.ModelTier, strings.Join(m.Capabilities, ","))
	}

	if len(comp.Reasoning) > 0 {
		fmt.Fprintln(w, "\nReasoning:")
		for _, r := range comp.Reasoning {
			fmt.Fprintf(w, "  - %s\n", r)
		}
	}
	if len(comp.Warnings) > 0 {
		fmt.Fprintln(w, "\nWarnings:")
		for _, warn := range comp.Warnings {
			fmt.Fprintf(w, "  ! %s\n", warn)
		}
	}
}
