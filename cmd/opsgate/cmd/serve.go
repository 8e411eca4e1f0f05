package cmd

import (
	"context"
	"fmt"
	"net"
	"strconv"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/hugo-lorenzo-mato/opsgate/internal/api"
	"github.com/hugo-lorenzo-mato/opsgate/internal/observer"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API, observer and reconciler",
	Long: `Start the opsgate API server.

The server exposes operation admission and lifecycle endpoints, the derived
views and a Server-Sent Events stream. It also runs the observer and the
reconciler, so queued major operations are started as soon as the slot
frees up, whichever process freed it.

Examples:
  # Start with defaults (127.0.0.1:8080)
  opsgate serve

  # Start on custom host and port
  opsgate serve --host 0.0.0.0 --port 3000

  # Serve without running the reconciler (another process runs it)
  opsgate serve --no-reconciler`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

var serveNoReconciler bool

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().String("host", "", "Host address to bind to (default: server.host)")
	serveCmd.Flags().IntP("port", "p", 0, "Port to listen on (default: server.port)")
	serveCmd.Flags().BoolVar(&serveNoReconciler, "no-reconciler", false, "Do not run the reconciler in this process")

	_ = viper.BindPFlag("server.host", serveCmd.Flags().Lookup("host"))
	_ = viper.BindPFlag("server.port", serveCmd.Flags().Lookup("port"))
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signalContext(cmd.Context())
	defer stop()

	rt, err := openRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()
	cfg := rt.Config

	obs := observer.New(rt.Ledger,
		observer.WithHistoryLimit(cfg.Observer.HistoryLimit),
		observer.WithFallbackInterval(cfg.Observer.FallbackInterval),
		observer.WithEventBus(rt.Bus),
		observer.WithLogger(rt.Logger),
	)
	if err := obs.Start(ctx); err != nil {
		return fmt.Errorf("starting observer: %w", err)
	}
	defer obs.Stop()

	opts := []api.ServerOption{
		api.WithLogger(rt.Logger.WithComponent("api")),
		api.WithObserver(obs),
		api.WithCORSOrigins(cfg.Server.CORSOrigins),
		api.WithHistoryLimit(cfg.Observer.HistoryLimit),
	}
	if !serveNoReconciler {
		if err := rt.Reconciler.Start(ctx); err != nil {
			return fmt.Errorf("starting reconciler: %w", err)
		}
		defer func() { _ = rt.Reconciler.Stop(context.WithoutCancel(ctx)) }()
		opts = append(opts, api.WithReconciler(rt.Reconciler))
	}

	server := api.NewServer(rt.Ledger, rt.Gate, rt.Lifecycle, rt.Bus, opts...)
	addr := net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port))
	if err := server.ListenAndServe(ctx, addr); err != nil {
		return fmt.Errorf("serving: %w", err)
	}
	rt.Logger.Info("server stopped")
	return nil
}
