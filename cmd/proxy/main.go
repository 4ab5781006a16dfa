// Command proxy is an intercepting HTTP/HTTPS proxy.
//
// Clients configure it as their HTTP proxy. Plain requests are forwarded to
// the origin named by their Host header; CONNECT tunnels are terminated with
// a certificate minted on the fly from a local CA, so traffic can be
// observed in the clear by registered observers. Clients must import the CA
// certificate (mitm.pem, also served at the management API's /ca endpoint)
// into their trust store.
//
// Usage:
//
//	proxy start [--host 127.0.0.1] [--port 8888] [--debug]
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"mitm-proxy/internal/certstore"
	"mitm-proxy/internal/config"
	"mitm-proxy/internal/logger"
	"mitm-proxy/internal/management"
	"mitm-proxy/internal/metrics"
	"mitm-proxy/internal/observer"
	"mitm-proxy/internal/proxy"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var debug bool

	root := &cobra.Command{
		Use:           "proxy",
		Short:         "Intercepting HTTP/HTTPS proxy",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().BoolVar(&debug, "debug", false, "run with debug logging")

	start := &cobra.Command{
		Use:   "start",
		Short: "Start the proxy server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load()
			if f := cmd.Flags().Lookup("host"); f.Changed {
				cfg.BindAddress = f.Value.String()
			}
			if f := cmd.Flags().Lookup("port"); f.Changed {
				port, _ := cmd.Flags().GetInt("port")
				cfg.ProxyPort = port
			}
			return run(cmd.Context(), cfg, debug)
		},
	}
	start.Flags().StringP("host", "H", "127.0.0.1", "host to bind")
	start.Flags().IntP("port", "p", 8888, "port to bind")
	root.AddCommand(start)

	return root
}

func run(ctx context.Context, cfg *config.Config, debug bool) error {
	log, err := logger.New(cfg.LogLevel, debug)
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer log.Sync() //nolint:errcheck // stderr sync errors are unactionable

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	m := metrics.New()

	store, err := certstore.LoadOrGenerate(
		cfg.CACertPath(), cfg.CAKeyPath(), cfg.LeafCacheSize, m, log.Named("certstore"))
	if err != nil {
		return err
	}

	bus := observer.NewBus(log.Named("observer"), m, observer.NewLog(log.Named("observer")))

	srv := proxy.NewServer(cfg, store, bus, m, log.Named("proxy"))

	// The control plane is best-effort: the proxy keeps serving if it fails.
	mgmt := management.New(cfg, srv, store, m, log.Named("management"))
	go func() {
		if err := mgmt.ListenAndServe(ctx); err != nil {
			log.Error("management API failed", zap.Error(err))
		}
	}()

	return srv.Run(ctx)
}
