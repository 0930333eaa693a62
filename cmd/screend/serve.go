package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/vango-go/vai-screen/internal/dotenv"
	"github.com/vango-go/vai-screen/pkg/gateway/config"
	"github.com/vango-go/vai-screen/pkg/gateway/server"
)

const (
	listenAttempts = 6
	// drainSlack is added to the grace period for closing what remains.
	drainSlack = 5 * time.Second
)

type serveDeps struct {
	loadEnv    func() error
	loadConfig func(configFile string, flags *pflag.FlagSet) (config.Config, error)
	newServer  func(ctx context.Context, cfg config.Config, logger *slog.Logger) (*server.Server, error)
	listen     func(addr string, attempts int, logger *slog.Logger) (net.Listener, error)
	signals    []os.Signal
}

func defaultServeDeps() serveDeps {
	return serveDeps{
		loadEnv:    func() error { return dotenv.LoadFiles(".env.local", ".env") },
		loadConfig: config.Load,
		newServer:  server.New,
		listen:     listenWithFallback,
		signals:    []os.Signal{os.Interrupt, syscall.SIGTERM},
	}
}

func newServeCmd(stderr io.Writer, deps serveDeps) *cobra.Command {
	var configFile string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the socket server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), stderr, configFile, cmd.Flags(), deps)
		},
	}
	cmd.Flags().StringVar(&configFile, "config", "", "optional config file (yaml, toml or json)")
	cmd.Flags().String("addr", "", "listen address, overrides SCREEN_ADDR and PORT")
	return cmd
}

func runServe(ctx context.Context, stderr io.Writer, configFile string, flags *pflag.FlagSet, deps serveDeps) error {
	if err := deps.loadEnv(); err != nil {
		return err
	}
	cfg, err := deps.loadConfig(configFile, flags)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := newLogger(stderr, cfg)

	ctx, stop := signal.NotifyContext(ctx, deps.signals...)
	defer stop()

	srv, err := deps.newServer(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer srv.Close()
	go srv.Warm(ctx)

	ln, err := deps.listen(cfg.Addr, listenAttempts, logger)
	if err != nil {
		return err
	}
	httpSrv := &http.Server{
		Handler:           srv.Handler(),
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
	}
	logger.Info("listening", "addr", ln.Addr().String(), "socket_path", cfg.SocketPath, "version", version)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down", "grace", cfg.ShutdownGracePeriod)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod+drainSlack)
		defer cancel()
		if !srv.Drain(shutdownCtx, cfg.ShutdownGracePeriod) {
			logger.Warn("sessions still open after drain")
		}
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown http server: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("server stopped")
	return nil
}

func newLogger(w io.Writer, cfg config.Config) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
