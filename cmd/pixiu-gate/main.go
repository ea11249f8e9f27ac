// Command pixiu-gate runs the inspection pipeline in front of an HTTP API.
package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

import (
	"github.com/spf13/cobra"
)

import (
	"github.com/nanjiek/pixiu-gate/internal/config"
)

const defaultConfigPath = "configs/pixiu-gate.yaml"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "pixiu-gate",
		Short: "Inline WAF and API gateway policy",
		Long: `pixiu-gate inspects every request with a web application firewall
(bot signatures, suspicious headers, per IP x endpoint rate limit, SQLi/XSS/
traversal patterns, custom rules) and then applies API key, tenant quota and
response sanitising policy before the request reaches the protected routes.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringP("config", "c", defaultConfigPath, "path to config file (YAML); empty uses defaults")
	root.AddCommand(newServeCmd(), newInspectCmd())
	return root
}

// loadConfig reads and validates the configuration named by --config and
// installs the configured slog handler as the default logger.
func loadConfig(cmd *cobra.Command) (*config.Config, *slog.Logger, error) {
	path, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get config flag: %w", err)
	}
	if path == defaultConfigPath {
		if _, statErr := os.Stat(path); statErr != nil {
			path = ""
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := newLogger(cfg.Log, cmd.ErrOrStderr())
	if err != nil {
		return nil, nil, err
	}
	slog.SetDefault(logger)

	if err := cfg.Validate(logger); err != nil {
		return nil, nil, fmt.Errorf("invalid config: %w", err)
	}
	if path == "" {
		logger.Info("no config file, using defaults")
	}
	return cfg, logger, nil
}

func newLogger(cfg config.LogCfg, w io.Writer) (*slog.Logger, error) {
	level, err := config.ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.Format, "text") {
		return slog.New(slog.NewTextHandler(w, opts)), nil
	}
	return slog.New(slog.NewJSONHandler(w, opts)), nil
}
