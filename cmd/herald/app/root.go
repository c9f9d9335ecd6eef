// Package app provides the commands of the herald binary.
package app

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/heraldhq/herald/internal/config"
)

// Version is injected at build time with -ldflags "-X ...app.Version=...".
var Version = "dev"

// NewRootCmd creates the root command. Each call owns a fresh viper
// instance so commands can be built more than once in one process.
func NewRootCmd() *cobra.Command {
	v := config.New()

	root := &cobra.Command{
		Use:               "herald",
		DisableAutoGenTag: true,
		Short:             "Herald - OAuth 2.1 authorization server and MCP publishing endpoint",
		Long: `Herald issues OAuth 2.1 tokens to MCP clients and serves an MCP endpoint
whose tools publish files to the S3 buckets of the caller's tenant.

Configuration is read from an optional YAML file (--config) and from
HERALD_* environment variables, e.g. HERALD_SERVER_ADDR or HERALD_AUTH_JWT_SECRET.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Help()
		},
	}

	root.PersistentFlags().StringP("config", "c", "", "Path to a YAML configuration file")
	root.PersistentFlags().Bool("debug", false, "Enable debug logging")
	for _, name := range []string{"config", "debug"} {
		if err := v.BindPFlag(name, root.PersistentFlags().Lookup(name)); err != nil {
			slog.Error(fmt.Sprintf("Error binding %s flag: %v", name, err))
		}
	}

	root.AddCommand(newServeCmd(v))
	root.AddCommand(newMigrateCmd(v))
	root.AddCommand(newKeygenCmd())
	root.AddCommand(newVersionCmd())

	root.SilenceUsage = true
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "herald version: %s\n", Version)
		},
	}
}

// loadConfig reads the configuration and builds the process logger.
func loadConfig(v *viper.Viper, stderr io.Writer) (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(v, v.GetString("config"))
	if err != nil {
		return nil, nil, err
	}
	if v.GetBool("debug") {
		cfg.Log.Level = "debug"
	}
	logger, err := newLogger(cfg.Log, stderr)
	if err != nil {
		return nil, nil, err
	}
	slog.SetDefault(logger)
	return cfg, logger, nil
}

func newLogger(cfg config.LogConfig, w io.Writer) (*slog.Logger, error) {
	if w == nil {
		w = os.Stderr
	}
	level, err := config.ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	switch cfg.Format {
	case "", "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	case "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("unknown log.format %q", cfg.Format)
	}
}
