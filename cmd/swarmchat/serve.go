package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/brockhager/swarmchat"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func createServeCommand(global *GlobalFlags) *cobra.Command {
	flags := &ServeFlags{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the host daemon",
		Long: `Run the host daemon. The sidecar is started immediately unless
autostart is disabled. SIGINT or SIGTERM runs the close sequence: the sidecar
is terminated and waited for before the daemon exits.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, global, flags, cmd.ErrOrStderr(), nil)
		},
	}
	cmd.Flags().StringVar(&flags.Listen, "listen", "", "override server.listen")
	cmd.Flags().BoolVar(&flags.NoAutostart, "no-autostart", false, "do not start the sidecar on launch")
	return cmd
}

// runServe blocks until ctx is done, then shuts the sidecar down and stops
// the HTTP server. onListen, when set, receives the bound address.
func runServe(ctx context.Context, global *GlobalFlags, flags *ServeFlags, console io.Writer, onListen func(addr string)) error {
	cfg, err := swarmchat.LoadConfig(global.ConfigPath)
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}
	if flags.Listen != "" {
		cfg.Server.Listen = flags.Listen
	}
	if flags.NoAutostart {
		cfg.Sidecar.Autostart = false
	}

	host, err := swarmchat.NewHost(cfg, console)
	if err != nil {
		return err
	}
	defer func() { _ = host.Close() }()
	log := host.Logger()

	ln, err := net.Listen("tcp", cfg.Server.Listen)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.Server.Listen, err)
	}
	srv := host.NewHTTPServer(ln.Addr().String())
	log.Info("Serving control API", "addr", ln.Addr().String(), "base", cfg.Server.BasePath)
	if onListen != nil {
		onListen(ln.Addr().String())
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	host.StartSampler(gctx)

	if cfg.Sidecar.Autostart {
		if _, err := host.Sidecar().Start(); err != nil {
			// The daemon stays up so the sidecar can be started later.
			log.Error("Autostart failed", "name", cfg.Sidecar.Name, "error", err)
		}
	}

	g.Go(func() error {
		<-gctx.Done()
		host.Sidecar().HandleCloseRequest(context.Background(), func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				log.Warn("HTTP shutdown incomplete", "error", err)
				_ = srv.Close()
			}
		})
		return nil
	})

	err = g.Wait()
	log.Info("Host stopped")
	return err
}
