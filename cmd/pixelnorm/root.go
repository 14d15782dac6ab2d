package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/dunamismax/pixelnorm/internal/backend"
	"github.com/dunamismax/pixelnorm/internal/config"
	"github.com/dunamismax/pixelnorm/internal/diag"
	"github.com/dunamismax/pixelnorm/internal/telemetry"
)

var (
	appConfig config.Config
	appPolicy config.Policy
	logger    *slog.Logger

	policyFile string
	logLevel   string
	logJSON    bool
)

var rootCmd = &cobra.Command{
	Use:   "pixelnorm",
	Short: "Normalize stored images against a size and format policy",
	Long: `pixelnorm resizes, converts and recompresses images so they fit the
configured policy. Folder and relation rules in the policy file narrow the
base policy for the assets they match.

Local files are normalized in place with "normalize" and "watch"; stored
assets are handed to the worker with "enqueue".`,
	SilenceUsage:      true,
	PersistentPreRunE: initializeApp,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&policyFile, "policy", "", "policy file (default $PIXELNORM_POLICY_FILE or pixelnorm.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "debug, info, warn or error")
	rootCmd.PersistentFlags().BoolVar(&logJSON, "log-json", false, "log as JSON")

	rootCmd.AddCommand(normalizeCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(policyCmd)
	rootCmd.AddCommand(enqueueCmd)
}

func initializeApp(cmd *cobra.Command, _ []string) error {
	appConfig = config.Load()
	if policyFile != "" {
		appConfig.Normalize.PolicyFile = policyFile
	}

	level := appConfig.Telemetry.LogLevel
	if logLevel != "" {
		level = logLevel
	}
	logger = telemetry.NewLogger(telemetry.LogOptions{
		Level:  level,
		JSON:   logJSON || appConfig.Telemetry.LogJSON,
		Output: cmd.ErrOrStderr(),
	})

	pol, warnings, err := config.LoadPolicy(appConfig.Normalize.PolicyFile)
	if err != nil {
		return err
	}
	diag.Log(logger, warnings)
	if pol.Base.UseWebp && !backend.SupportsWebp() {
		logger.Warn("this build cannot write webp, disabling useWebp in the base policy")
		pol.Base.UseWebp = false
	}
	appPolicy = pol
	return nil
}

func getContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

func execute() int {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return 1
	}
	return 0
}
