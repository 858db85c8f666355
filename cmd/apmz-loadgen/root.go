package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/zoobzio/clockz"
	"go.uber.org/zap"

	"github.com/zoobzio/apmz"
	"github.com/zoobzio/apmz/config"
	"github.com/zoobzio/apmz/logging"
)

const metricsNamespace = "apmz"

// flagKeys maps command line flags to configuration keys.
var flagKeys = map[string]string{
	"service-name":   "service_name",
	"server-url":     "server_urls",
	"secret-token":   "secret_token",
	"disable-send":   "disable_send",
	"sample-rate":    "transaction_sample_rate",
	"max-queue-size": "max_queue_size",
	"log-level":      "log.level",
}

// newRootCommand builds the CLI. Configuration comes from, in increasing
// priority, defaults, the config file, APMZ_ environment variables and flags.
func newRootCommand(vp *viper.Viper) *cobra.Command {
	var (
		cfgFile     string
		metricsAddr string
		duration    time.Duration
		load        workload
	)

	vp.SetDefault("service_name", "apmz-loadgen")

	root := &cobra.Command{
		Use:           "apmz-loadgen",
		Short:         "Generate synthetic trace load through the apmz agent",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			for flag, key := range flagKeys {
				if err := vp.BindPFlag(key, cmd.Flags().Lookup(flag)); err != nil {
					return fmt.Errorf("binding flag %s: %w", flag, err)
				}
			}
			if cfgFile != "" {
				vp.SetConfigFile(cfgFile)
				if err := vp.ReadInConfig(); err != nil {
					return fmt.Errorf("reading config file %s: %w", cfgFile, err)
				}
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.FromViper(vp)
			if err != nil {
				return err
			}
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			if duration > 0 {
				ctx, cancel = context.WithTimeout(ctx, duration)
				defer cancel()
			}
			return run(ctx, cmd, cfg, metricsAddr, load)
		},
	}

	flags := root.Flags()
	flags.StringVarP(&cfgFile, "config", "c", "", "config file (yaml, json or toml)")
	flags.String("service-name", "apmz-loadgen", "service name reported in metadata")
	flags.StringSlice("server-url", nil, "APM server URLs")
	flags.String("secret-token", "", "secret token for the APM server")
	flags.Bool("disable-send", false, "record and drop events without sending")
	flags.Float64("sample-rate", 1.0, "fraction of traces recorded in full")
	flags.Int("max-queue-size", 512, "reporter queue capacity")
	flags.String("log-level", "info", "log level")
	flags.StringVar(&metricsAddr, "metrics-addr", ":9464", "address serving /metrics, empty to disable")
	flags.DurationVar(&duration, "duration", 0, "stop after this long, 0 runs until interrupted or --count")
	flags.IntVar(&load.workers, "workers", 4, "concurrent workers")
	flags.Uint64Var(&load.count, "count", 0, "stop after this many transactions")
	flags.DurationVar(&load.interval, "interval", 10*time.Millisecond, "pause between transactions per worker")
	flags.IntVar(&load.spans, "spans", 5, "spans per transaction")
	flags.Uint64Var(&load.errorEvery, "error-every", 20, "capture an error every n transactions, 0 disables")
	flags.BoolVar(&load.downstream, "downstream", true, "simulate a downstream service continuing the trace")
	return root
}

func run(ctx context.Context, cmd *cobra.Command, cfg config.Config, metricsAddr string, load workload) error {
	logger, err := logging.New(cfg.Log)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	tracer, err := apmz.New(cfg, apmz.WithLogger(logger))
	if err != nil {
		return err
	}

	if metricsAddr != "" {
		_, stop, err := serveMetrics(tracer, metricsAddr, logger)
		if err != nil {
			_ = tracer.Close(context.Background())
			return err
		}
		defer stop()
	}

	logger.Info("generating load",
		zap.String("service", cfg.ServiceName),
		zap.Int("workers", load.workers),
		zap.Uint64("count", load.count),
		zap.Int("spans", load.spans))

	gen := newGenerator(tracer, clockz.RealClock, load)
	gen.run(ctx)

	closeCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerTimeout)
	defer cancel()
	closeErr := tracer.Close(closeCtx)

	s := gen.summary()
	fmt.Fprintf(cmd.OutOrStdout(), "transactions=%d errors=%d reported=%d dropped=%d requests_ok=%d requests_failed=%d\n",
		s.Transactions, s.Errors,
		s.Stats.Reporter.Reported, s.Stats.Reporter.Dropped,
		s.Stats.Reporter.RequestsOK, s.Stats.Reporter.RequestsFailed)
	return closeErr
}

// serveMetrics exposes the agent counters and Go runtime metrics.
func serveMetrics(tracer *apmz.Tracer, addr string, logger *zap.Logger) (net.Addr, func(), error) {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		tracer.Collector(metricsNamespace),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, nil, fmt.Errorf("listening on %s: %w", addr, err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server stopped", zap.Error(err))
		}
	}()
	logger.Info("serving metrics", zap.String("addr", ln.Addr().String()))

	return ln.Addr(), func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}, nil
}
