package main

// main.go boots a memkv server: it parses command-line flags, constructs a
// memkv.Table and memkv.Server, exposes Prometheus metrics on an
// /metrics HTTP endpoint, and blocks until SIGINT/SIGTERM, then drains
// connections and shuts down.
//
// Build-time flag: `-ldflags "-X main.version=vX.Y.Z"`, the same pattern
// the teacher's cmd/arena-cache-inspect uses for its version string.
// ---------------------------------------------------------------
// © 2025 memkv authors. MIT License.

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	memkv "github.com/voskan/memkv"
	"github.com/voskan/memkv/internal/dispatch"
)

var version = "dev"

func main() {
	opts := parseFlags()

	if opts.showVersion {
		fmt.Println(version)
		return
	}

	logger := newLogger(opts.verbose)
	defer logger.Sync()

	strategy, err := parseStrategy(opts.strategy)
	if err != nil {
		logger.Fatal("invalid dispatch strategy", zap.Error(err))
	}

	registry := prometheus.NewRegistry()

	tableOpts := []memkv.Option{
		memkv.WithAddr(opts.addr),
		memkv.WithPort(opts.port),
		memkv.WithVolume(opts.volume),
		memkv.WithPartitions(uint16(opts.partitions)),
		memkv.WithDispatchStrategy(strategy),
		memkv.WithMetrics(registry),
		memkv.WithLogger(logger),
		memkv.WithVersion(version),
	}
	if opts.workers > 0 {
		tableOpts = append(tableOpts, memkv.WithWorkers(opts.workers))
	}

	table, err := memkv.New(tableOpts...)
	if err != nil {
		logger.Fatal("configure table", zap.Error(err))
	}

	srv := memkv.NewServer(table)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sig
		logger.Info("shutdown signal received")
		cancel()
	}()

	if opts.metricsAddr != "" {
		go serveMetrics(opts.metricsAddr, registry, logger)
	}

	logger.Info("starting memkv-server",
		zap.String("version", version),
		zap.String("addr", opts.addr),
		zap.Uint16("port", opts.port),
		zap.String("strategy", strategy.String()),
		zap.Int("workers", opts.workers),
	)

	if err := srv.Serve(ctx); err != nil {
		logger.Fatal("serve", zap.Error(err))
	}

	if err := srv.Close(); err != nil {
		logger.Error("shutdown", zap.Error(err))
	}
	logger.Info("memkv-server stopped")
}

func serveMetrics(addr string, reg *prometheus.Registry, logger *zap.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	logger.Info("metrics listening", zap.String("addr", addr))
	if err := http.ListenAndServe(addr, mux); err != nil && err != http.ErrServerClosed {
		logger.Error("metrics server", zap.Error(err))
	}
}

func newLogger(verbose bool) *zap.Logger {
	cfg := zap.NewProductionConfig()
	if verbose {
		cfg = zap.NewDevelopmentConfig()
	}
	logger, err := cfg.Build()
	if err != nil {
		logger = zap.NewNop()
	}
	return logger
}

func parseStrategy(s string) (dispatch.Strategy, error) {
	switch s {
	case "locking":
		return dispatch.Locking, nil
	case "delegation":
		return dispatch.Delegation, nil
	case "combining":
		return dispatch.Combining, nil
	default:
		return 0, fmt.Errorf("unknown strategy %q (want locking|delegation|combining)", s)
	}
}

type options struct {
	addr        string
	port        uint16
	volume      int64
	partitions  uint
	workers     int
	strategy    string
	metricsAddr string
	verbose     bool
	showVersion bool
}

func parseFlags() *options {
	opts := &options{}
	var port uint
	flag.StringVar(&opts.addr, "addr", "127.0.0.1", "listen address")
	flag.UintVar(&port, "port", 11211, "listen port")
	flag.Int64Var(&opts.volume, "volume", 64<<20, "total byte cap across partitions")
	flag.UintVar(&opts.partitions, "partitions", 16, "number of partitions (power of two; rounded up)")
	flag.IntVar(&opts.workers, "workers", 0, "event-loop worker count (0 = runtime.NumCPU())")
	flag.StringVar(&opts.strategy, "strategy", "locking", "dispatch strategy: locking|delegation|combining")
	flag.StringVar(&opts.metricsAddr, "metrics-addr", ":9150", "Prometheus /metrics listen address (empty disables)")
	flag.BoolVar(&opts.verbose, "verbose", false, "development (console) logging instead of production JSON")
	flag.BoolVar(&opts.showVersion, "version", false, "print version and exit")
	flag.Parse()

	opts.port = uint16(port)
	return opts
}
