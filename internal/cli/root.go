// Package cli implements the herd command-line interface.
package cli

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/herdtools/herd/internal/config"
	herderrors "github.com/herdtools/herd/internal/errors"
	"github.com/herdtools/herd/internal/events"
	"github.com/herdtools/herd/internal/orchestrator"
	"github.com/herdtools/herd/internal/workerclient"
)

var (
	workDir string
	verbose bool
	jsonOut bool
	plain   bool
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "herd",
	Short: "Task orchestrator for a fleet of LLM workers",
	Long: `herd runs a plan of tasks across a pool of LLM worker processes.

Submitted plans are validated, routed to capable workers, reviewed, and
applied to the working tree under checkpoint protection.

Quick start:
  herd init                   Initialize herd in the current project
  herd submit plan.yaml       Validate and enqueue a plan
  herd run                    Execute until the plan settles
  herd status                 Show tasks, workers, and the queue`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVarP(&workDir, "dir", "C", ".", "project directory")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOut, "json", false, "output as JSON")
	rootCmd.PersistentFlags().BoolVar(&plain, "plain", false, "plain output, no decorations")

	rootCmd.AddCommand(newInitCmd())
	rootCmd.AddCommand(newSubmitCmd())
	rootCmd.AddCommand(newRunCmd())
	rootCmd.AddCommand(newStatusCmd())
	rootCmd.AddCommand(newResultsCmd())
	rootCmd.AddCommand(newWorkersCmd())
	rootCmd.AddCommand(newCheckpointCmd())
	rootCmd.AddCommand(newCheckpointsCmd())
	rootCmd.AddCommand(newRollbackCmd())
	rootCmd.AddCommand(newVersionCmd())
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	viper.AddConfigPath(filepath.Join(workDir, config.HerdDir))
	viper.SetConfigType("yaml")
	viper.SetConfigName("config")

	viper.SetEnvPrefix("HERD")
	viper.AutomaticEnv()
	_ = viper.ReadInConfig()

	if !plain && !isatty.IsTerminal(os.Stdout.Fd()) {
		plain = true
	}
}

// newLogger builds the CLI logger. --verbose wins, then LOG_LEVEL.
func newLogger() *slog.Logger {
	level := slog.LevelWarn
	name := viper.GetString("log_level")
	if name == "" {
		name = os.Getenv("LOG_LEVEL")
	}
	switch strings.ToLower(name) {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "error":
		level = slog.LevelError
	}
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// buildOrchestrator loads the project config and assembles the pipeline.
// Worker endpoints come from HERD_WORKER_ENDPOINT or WORKER_ENDPOINT.
func buildOrchestrator(pub events.Publisher) (*orchestrator.Orchestrator, error) {
	cfg, err := config.Load(workDir)
	if err != nil {
		return nil, err
	}
	endpoint := viper.GetString("worker_endpoint")
	factory := func(workerID string) (workerclient.Client, error) {
		return workerclient.NewHTTPClient(workerID, endpoint, cfg.Pool.WorkerTimeout)
	}
	return orchestrator.New(workDir, cfg, factory, pub, newLogger())
}

// errBadPlan marks plan files that could not be parsed.
var errBadPlan = errors.New("unreadable plan")

// ExitCode maps a command error to the process exit code: structured
// errors carry their own code, unreadable plan files exit 3.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	if herr := herderrors.AsHerdError(err); herr != nil {
		return herr.ExitCode()
	}
	if errors.Is(err, errBadPlan) {
		return 3
	}
	return 1
}

// truncate shortens a string for table cells.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	if n <= 3 {
		return s[:n]
	}
	return s[:n-3] + "..."
}
