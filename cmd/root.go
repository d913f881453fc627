package cmd

import (
	"os"

	"github.com/apx-pm/apx/cmd/cache"
	"github.com/apx-pm/apx/cmd/repo"
	"github.com/apx-pm/apx/pkg/apxerr"
	"github.com/djcass44/go-utils/logging"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var command = &cobra.Command{
	Use:           "apx",
	Short:         "install and manage system packages",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		logLevel, _ := cmd.Flags().GetInt(flagLogLevel)

		zc := zap.NewProductionConfig()
		zc.Level = zap.NewAtomicLevelAt(zapcore.Level(logLevel * -1))

		_, ctx := logging.NewZap(cmd.Context(), zc)
		cmd.SetContext(ctx)
	},
}

const (
	flagLogLevel = "v"
	flagConfig   = "config"
	flagJobs     = "jobs"
	flagDryRun   = "dry-run"
)

func init() {
	command.PersistentFlags().Int(flagLogLevel, 0, "log level. Higher is more")
	command.PersistentFlags().StringP(flagConfig, "c", "", "path to a configuration file")
	command.PersistentFlags().IntP(flagJobs, "j", 0, "maximum parallel jobs (defaults to CPU count)")
	command.PersistentFlags().Bool(flagDryRun, false, "plan the transaction without changing anything")
	command.AddCommand(updateCmd, installCmd, removeCmd, upgradeCmd, searchCmd, showCmd, buildCmd, keysCmd, repo.Command, cache.Command)
}

func Execute(version string) {
	command.Version = version
	if err := command.Execute(); err != nil {
		command.PrintErrln("Error:", err.Error())
		os.Exit(apxerr.ExitCode(err))
	}
}
