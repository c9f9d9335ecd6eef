package app

import (
	"fmt"
	"log/slog"
	"net"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func newServeCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the herald server",
		Long: `Start the authorization server and MCP endpoint.

The server opens the configured storage (applying pending migrations when
storage.auto_migrate is set), connects to Redis when redis.url is set and
listens on server.addr until interrupted.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := loadConfig(v, cmd.ErrOrStderr())
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			svc, err := NewService(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer func() {
				if err := svc.Close(); err != nil {
					logger.Warn("Failed to release resources", "error", err)
				}
			}()

			ln, err := net.Listen("tcp", cfg.Server.Addr)
			if err != nil {
				return fmt.Errorf("failed to listen on %s: %w", cfg.Server.Addr, err)
			}
			if err := svc.Serve(ctx, ln); err != nil {
				return err
			}
			slog.Info("Server stopped")
			return nil
		},
	}

	cmd.Flags().String("addr", "", "Listen address (overrides server.addr)")
	cmd.Flags().String("issuer", "", "Public issuer URL (overrides server.issuer)")
	for key, name := range map[string]string{"server.addr": "addr", "server.issuer": "issuer"} {
		if err := v.BindPFlag(key, cmd.Flags().Lookup(name)); err != nil {
			slog.Error(fmt.Sprintf("Error binding %s flag: %v", name, err))
		}
	}
	return cmd
}
