package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"rpc-gateway/client"
	"rpc-gateway/config"
	"rpc-gateway/discovery"
	"rpc-gateway/identity"
	"rpc-gateway/logging"
	"rpc-gateway/server"
	"rpc-gateway/telemetry"
)

var (
	cfgFile string

	backendGateway string
	backendPort    int
	backendService []string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "rpcgw",
		Short: "rpcgw: client-side RPC gateway to discovered backend servers",
	}
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "Path to config file (yaml, toml or json)")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run the gateway until SIGINT/SIGTERM",
		RunE:  runGateway,
	}

	backendCmd := &cobra.Command{
		Use:   "backend",
		Short: "Run an echo backend that announces itself through discovery",
		RunE:  runBackend,
	}
	backendCmd.Flags().StringVar(&backendGateway, "gateway", "127.0.0.1:5670", "Gateway router address")
	backendCmd.Flags().IntVar(&backendPort, "port", 6000, "Port part of the backend identity")
	backendCmd.Flags().StringSliceVar(&backendService, "service", []string{"echo:1"}, "Hosted services, name:version")

	validateCmd := &cobra.Command{
		Use:   "validate-id <request-id>",
		Short: "Check the structure and checksum of a request id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !identity.ValidateRequestID(args[0]) {
				return fmt.Errorf("invalid request id %q", args[0])
			}
			fmt.Fprintln(cmd.OutOrStdout(), "valid")
			return nil
		},
	}

	rootCmd.AddCommand(runCmd, backendCmd, validateCmd)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func setup() (config.Config, *zap.Logger, discovery.Discovery, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return cfg, nil, nil, fmt.Errorf("config load: %w", err)
	}
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Development)
	if err != nil {
		return cfg, nil, nil, fmt.Errorf("logger init: %w", err)
	}
	disc, err := discovery.New(cfg.Discovery, logger)
	if err != nil {
		return cfg, nil, nil, fmt.Errorf("discovery: %w", err)
	}
	return cfg, logger, disc, nil
}

func runGateway(cmd *cobra.Command, args []string) error {
	cfg, logger, disc, err := setup()
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	gw, err := client.New(ctx, cfg, disc, logger)
	if err != nil {
		return err
	}

	var metrics *http.Server
	if cfg.Metrics.Addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", telemetry.MetricsHandler())
		metrics = &http.Server{Addr: cfg.Metrics.Addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server stopped", zap.Error(err))
			}
		}()
		logger.Info("serving metrics", zap.String("addr", cfg.Metrics.Addr))
	}

	<-ctx.Done()
	logger.Info("shutting down")
	if metrics != nil {
		sctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
		metrics.Shutdown(sctx)
		cancel()
	}
	return gw.Destroy()
}

func runBackend(cmd *cobra.Command, args []string) error {
	cfg, logger, disc, err := setup()
	if err != nil {
		return err
	}
	defer logger.Sync()

	svr := server.NewServer(cfg.IP, backendPort, logger)
	for _, s := range backendService {
		name, version, ok := splitService(s)
		if !ok {
			return fmt.Errorf("bad service %q, want name:version", s)
		}
		svr.Register(name, version, func(_ context.Context, req *server.Request) (int32, []byte) {
			return 200, req.Payload
		})
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	errc := make(chan error, 1)
	go func() { errc <- svr.Serve(backendGateway, disc) }()
	logger.Info("backend running", zap.Stringer("node", svr.Node()), zap.String("gateway", backendGateway))

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	return svr.Shutdown(cfg.ShutdownGrace)
}

func splitService(s string) (name, version string, ok bool) {
	name, version, ok = strings.Cut(s, ":")
	return name, version, ok && name != "" && version != ""
}
