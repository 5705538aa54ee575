// Command harnessd runs the Kafka pipeline test-execution harness: the
// HTTP API, the QueueCoordinator/TestExecutionFSM actor tree, and a
// Prometheus metrics endpoint, until SIGINT/SIGTERM requests a graceful
// shutdown.
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

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/CrisisTextLine/kafka-harness/internal/config"
	"github.com/CrisisTextLine/kafka-harness/internal/gateway/httpapi"
	"github.com/CrisisTextLine/kafka-harness/internal/metrics"
	"github.com/CrisisTextLine/kafka-harness/internal/obslog"
	"github.com/CrisisTextLine/kafka-harness/internal/rootsup"
)

// Exit codes: 0 clean shutdown, 1 startup failure, 2 unhandled
// supervisor failure.
const (
	exitOK             = 0
	exitStartupFailure = 1
	exitSupervisorFailure = 2
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath, rest := extractConfigFlag(os.Args[1:])

	cfg, err := config.Load(configPath, rest)
	if err != nil {
		fmt.Fprintf(os.Stderr, "harnessd: config: %v\n", err)
		return exitStartupFailure
	}

	logger, err := obslog.New(cfg.Verbose)
	if err != nil {
		fmt.Fprintf(os.Stderr, "harnessd: logging: %v\n", err)
		return exitStartupFailure
	}
	defer logger.Sync() //nolint:errcheck

	ctx, stopSignals := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stopSignals()

	registry := metrics.NewRegistry()

	system, err := rootsup.Boot(ctx, cfg, logger, rootsup.GlueProviders{})
	if err != nil {
		logger.Error("boot failed", zap.Error(err))
		return exitStartupFailure
	}
	defer system.Shutdown()

	collector := metrics.NewQueueCollector(system.Gateway, system.Registry)
	registry.MustRegister(collector)

	apiServer := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: httpapi.NewRouter(system.Gateway),
	}
	metricsServer := &http.Server{
		Addr:    cfg.MetricsAddr,
		Handler: promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
	}

	serverErrs := make(chan error, 2)
	go func() {
		logger.Info("http api listening", zap.String("addr", cfg.HTTPAddr))
		if err := apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErrs <- fmt.Errorf("api server: %w", err)
			return
		}
		serverErrs <- nil
	}()
	go func() {
		logger.Info("metrics listening", zap.String("addr", cfg.MetricsAddr))
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErrs <- fmt.Errorf("metrics server: %w", err)
			return
		}
		serverErrs <- nil
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received, draining")
	case err := <-serverErrs:
		if err != nil {
			logger.Error("server failed", zap.Error(err))
			shutdownServers(logger, apiServer, metricsServer)
			return exitSupervisorFailure
		}
	}

	shutdownServers(logger, apiServer, metricsServer)
	return exitOK
}

func shutdownServers(logger *zap.Logger, servers ...*http.Server) {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, s := range servers {
		if err := s.Shutdown(shutdownCtx); err != nil {
			logger.Warn("server shutdown", zap.String("addr", s.Addr), zap.Error(err))
		}
	}
}

// extractConfigFlag pulls "-config"/"--config" (either "-config=path" or
// "-config path") out of args before the rest reach config.Load's own
// flag.FlagSet, which doesn't define -config itself — config.Load takes
// the path as a direct parameter instead.
func extractConfigFlag(args []string) (path string, rest []string) {
	rest = make([]string, 0, len(args))
	for i := 0; i < len(args); i++ {
		arg := args[i]
		switch {
		case arg == "-config" || arg == "--config":
			if i+1 < len(args) {
				path = args[i+1]
				i++
			}
		case strings.HasPrefix(arg, "-config=") || strings.HasPrefix(arg, "--config="):
			path = arg[strings.Index(arg, "=")+1:]
		default:
			rest = append(rest, arg)
		}
	}
	return path, rest
}
