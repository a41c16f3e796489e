package cli

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/floorlog/internal/config"
	"github.com/roach88/floorlog/internal/remote/httpremote"
	"github.com/roach88/floorlog/internal/schema"
)

const shutdownTimeout = 10 * time.Second

// NewServeCommand runs the remote authority over HTTP so tablets configured
// with remote.kind = "http" can push to it.
func NewServeCommand(opts *RootOptions) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the remote authority over HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := opts.formatter(cmd)
			cfg, logger, err := loadConfig(opts, cmd.ErrOrStderr())
			if err != nil {
				_ = f.Error("E_COMMAND", err.Error(), nil)
				return err
			}
			if cfg.Remote.Kind == config.RemoteHTTP {
				err := NewExitError(ExitCommandError, "serve needs a memory or dynamo remote, not http")
				_ = f.Error("E_COMMAND", err.Error(), nil)
				return err
			}
			if cfg.Remote.Kind == config.RemoteNone {
				cfg.Remote.Kind = config.RemoteMemory
			}
			if addr == "" {
				addr = cfg.Server.Addr
			}

			ctx := cmd.Context()
			authority, err := newAuthority(ctx, cfg.Remote, schema.MustNew(), logger)
			if err != nil {
				return f.Fail(err)
			}

			serverOpts := []httpremote.ServerOption{httpremote.WithLogger(logger)}
			if len(cfg.Server.AllowedOrigins) > 0 {
				serverOpts = append(serverOpts, httpremote.WithAllowedOrigins(cfg.Server.AllowedOrigins...))
			}
			srv := &http.Server{
				Addr:              addr,
				Handler:           httpremote.NewServer(authority, serverOpts...).Handler(),
				ReadHeaderTimeout: 10 * time.Second,
			}

			errCh := make(chan error, 1)
			go func() {
				logger.Info("remote authority listening", "addr", addr, "kind", cfg.Remote.Kind)
				errCh <- srv.ListenAndServe()
			}()

			select {
			case err := <-errCh:
				if errors.Is(err, http.ErrServerClosed) {
					return nil
				}
				return f.Fail(err)
			case <-ctx.Done():
			}

			logger.Info("shutting down remote authority")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				return f.Fail(err)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from server.addr)")
	return cmd
}
