package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/jacksonlee411/payroll-console/internal/routing"
	"github.com/jacksonlee411/payroll-console/internal/server"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "payroll-console",
		Short:         "Server-rendered console for the payroll REST API",
		SilenceUsage:  true,
		SilenceErrors: false,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), os.Getenv("HTTP_ADDR"))
		},
	}
	root.AddCommand(newServeCmd(), newRoutesCmd(), newMigrateCmd())
	return root
}

func newServeCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), addr)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", os.Getenv("HTTP_ADDR"), "listen address (default :8080, env HTTP_ADDR)")
	return cmd
}

func newRoutesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "routes",
		Short: "Print the route allowlist with route classes and guard modes",
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, err := server.AllowlistPath()
			if err != nil {
				return err
			}
			a, err := routing.LoadAllowlist(path)
			if err != nil {
				return err
			}
			c, err := routing.NewClassifier(a, "server")
			if err != nil {
				return err
			}
			return printRoutes(cmd.OutOrStdout(), c)
		},
	}
}

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the Postgres session table (SESSION_STORE=postgres)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			if err := server.MigrateSessionStore(ctx); err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), "session store migrated")
			return nil
		},
	}
}

func printRoutes(w io.Writer, c *routing.Classifier) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "PATH\tMETHODS\tCLASS\tGUARD")
	for _, r := range c.Routes() {
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", r.Path, strings.Join(r.Methods, ","), r.RouteClass, c.Guard(r.Path))
	}
	return tw.Flush()
}

func newLogger() (*zap.Logger, error) {
	var cfg zap.Config
	switch strings.ToLower(strings.TrimSpace(os.Getenv("LOG_FORMAT"))) {
	case "", "json":
		cfg = zap.NewProductionConfig()
	case "console":
		cfg = zap.NewDevelopmentConfig()
	default:
		return nil, errors.New("invalid LOG_FORMAT (expected json|console)")
	}
	if raw := strings.TrimSpace(os.Getenv("LOG_LEVEL")); raw != "" {
		lvl, err := zapcore.ParseLevel(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid LOG_LEVEL: %w", err)
		}
		cfg.Level = zap.NewAtomicLevelAt(lvl)
	}
	return cfg.Build()
}

func runServe(ctx context.Context, addr string) error {
	if addr == "" {
		addr = ":8080"
	}
	logger, err := newLogger()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	h, err := server.NewHandlerWithOptions(server.HandlerOptions{Logger: logger})
	if err != nil {
		logger.Error("handler setup failed", zap.Error(err))
		return err
	}

	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
