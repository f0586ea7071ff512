package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Bidon15/nouns-deployer/internal/config"
	deployerrors "github.com/Bidon15/nouns-deployer/internal/pkg/errors"
)

var (
	configFile string

	// Set by the root PersistentPreRunE before any subcommand runs.
	cfg    *config.Config
	logger = slog.Default()
)

var rootCmd = &cobra.Command{
	Use:   "nouns-deployer",
	Short: "Deploy, wire, and verify the Nouns contracts",
	Long: `Deploys MyNouns, TokenizedNoun and FractionalNoun in dependency order,
links TokenizedNoun to FractionalNoun, and verifies all three on an
Etherscan-compatible explorer.

Configuration is read from nouns-deployer.yaml (., ./config, /etc/nouns-deployer)
or --config, and NOUNS_* environment variables (e.g. NOUNS_NETWORK_RPC_URL).

Exit codes:
  0  success (verification failures included)
  1  deployment failure
  2  wiring failure
  3  configuration or startup failure`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: loadConfig,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "path to the config file")
	rootCmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return deployerrors.NewConfigError("flags", err)
	})
	rootCmd.AddCommand(runCmd, resumeCmd)
}

func loadConfig(cmd *cobra.Command, _ []string) error {
	c, err := config.Load(configFile)
	if err != nil {
		return deployerrors.NewConfigError("config", err)
	}
	if err := c.Validate(); err != nil {
		return err
	}
	cfg = c

	logger = newLogger(cmd.ErrOrStderr(), cfg.Log)
	slog.SetDefault(logger)
	return nil
}

// execute runs the CLI and returns the process exit code.
func execute() int {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err := rootCmd.ExecuteContext(ctx)
	if err == nil {
		return deployerrors.ExitOK
	}

	code := exitCode(err)
	logger.Error("nouns-deployer failed",
		slog.String("error", err.Error()),
		slog.Int("exit_code", code),
	)
	fmt.Fprintln(os.Stderr, "Error:", err)
	return code
}

// exitCode maps err to a process exit code. Errors raised by cobra itself,
// before any subcommand ran, are usage errors.
func exitCode(err error) int {
	if cfg == nil {
		return deployerrors.ExitConfig
	}
	return deployerrors.ExitCode(err)
}

func newLogger(w io.Writer, c config.LogConfig) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(c.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}
	if c.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
