package cmd

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/Iron-Ham/crucible/internal/config"
	"github.com/Iron-Ham/crucible/internal/errors"
	"github.com/Iron-Ham/crucible/internal/logging"
)

var rootCmd = &cobra.Command{
	Use:   "crucible",
	Short: "Verified multi-agent workflow runner",
	Long: `Crucible composes a team of agents for a request, schedules the
request's subtasks along their dependency graph, and verifies every
builder result with independent validators before accepting it.

Failed attempts are retried with feedback, stuck tasks are escalated,
and workflow state is persisted so an interrupted run can be resumed.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command and prints the error it returns.
func Execute() error {
	err := rootCmd.Execute()
	if err != nil {
		printError(rootCmd.ErrOrStderr(), err)
	}
	return err
}

// printError writes err for the user. Internal errors also point at the
// debug log.
func printError(w io.Writer, err error) {
	fmt.Fprintf(w, "Error: %v\n", err)
	if !errors.IsUserFacing(err) {
		fmt.Fprintf(w, "See %s in the state directory for details.\n", logging.LogFileName)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().StringP("config", "c", "", "config file (default is $XDG_CONFIG_HOME/crucible/config.yaml)")
	rootCmd.PersistentFlags().String("state-dir", "", "directory for workflow state (default .crucible)")
	bindFlags()
}

func bindFlags() {
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	_ = viper.BindPFlag("paths.state_dir", rootCmd.PersistentFlags().Lookup("state-dir"))
}

func initConfig() {
	// Set defaults first so they're available even without a config file
	config.SetDefaults()

	if cfgFile := viper.GetString("config"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(config.ConfigDir())
		viper.AddConfigPath(".")
	}

	viper.AutomaticEnv()
	viper.SetEnvPrefix(config.EnvPrefix)
	// CRUCIBLE_WORKFLOW_MAX_RETRIES for workflow.max_retries
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Read config file if it exists (ignore error if not found)
	_ = viper.ReadInConfig()
}
