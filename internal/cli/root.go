// Package cli implements the tinyclaw command tree.
package cli

import (
	"context"

	"github.com/spf13/cobra"

	"tinyclaw/internal/config"
	"tinyclaw/pkg/logger"
)

// GlobalFlags are shared by every subcommand.
type GlobalFlags struct {
	HomeDir string
	Verbose bool
	Quiet   bool
}

var globalFlags GlobalFlags

type contextKey struct{}

// NewRootCmd creates the root command.
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "tinyclaw",
		Short: "Tinyclaw - a personal AI companion runtime",
		Long: `Tinyclaw is a single-owner AI companion that runs on your own machine.
It keeps its memory, personality files, and credentials in a local home
directory (default ~/.tinyclaw) and exposes a loopback HTTP gateway.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == "version" || cmd.Name() == "help" {
				return nil
			}

			paths, err := config.NewPaths(globalFlags.HomeDir)
			if err != nil {
				return err
			}
			if err := paths.EnsureLayout(); err != nil {
				return err
			}

			cfg, err := config.Load(paths.ConfigFile())
			if err != nil {
				return err
			}

			level := cfg.Log.Level
			if globalFlags.Verbose {
				level = "debug"
			}
			if globalFlags.Quiet {
				level = "error"
			}
			if err := logger.Init(logger.Config{
				Level:  level,
				Format: cfg.Log.Format,
				File:   cfg.Log.File,
			}); err != nil {
				return err
			}

			cliCtx := &cliContext{Cfg: cfg, Paths: paths}
			cmd.SetContext(context.WithValue(cmd.Context(), contextKey{}, cliCtx))
			return nil
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			return logger.Close()
		},
	}

	rootCmd.PersistentFlags().StringVar(&globalFlags.HomeDir, "home", "", "tinyclaw home directory (default ~/.tinyclaw)")
	rootCmd.PersistentFlags().BoolVarP(&globalFlags.Verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().BoolVarP(&globalFlags.Quiet, "quiet", "q", false, "errors only")

	rootCmd.AddCommand(NewVersionCmd())
	rootCmd.AddCommand(NewServeCmd())
	rootCmd.AddCommand(NewStatusCmd())
	rootCmd.AddCommand(NewStopCmd())
	rootCmd.AddCommand(NewChatCmd())
	rootCmd.AddCommand(NewDoctorCmd())

	return rootCmd
}

type cliContext struct {
	Cfg   *config.Config
	Paths *config.Paths
}

func getContext(cmd *cobra.Command) *cliContext {
	ctx := cmd.Context()
	if ctx == nil {
		return nil
	}
	c, _ := ctx.Value(contextKey{}).(*cliContext)
	return c
}
