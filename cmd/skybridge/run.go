package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/pqsky/skybridge/internal/config"
	"github.com/pqsky/skybridge/pkg/metrics"
	"github.com/pqsky/skybridge/pkg/proxy"
)

func newRunCmd() *cobra.Command {
	var (
		cfgPath string
		tracing string
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the tunnel endpoint",
		Long: `Run starts the proxy described by the configuration file and serves
until SIGINT or SIGTERM. The pre-shared key may be supplied via the
` + config.EnvPSK + ` environment variable instead of the file.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return err
			}

			format := metrics.FormatText
			if cfg.LogFormat == "json" {
				format = metrics.FormatJSON
			}
			logger := metrics.NewLogger(
				metrics.WithLevel(metrics.ParseLevel(cfg.LogLevel)),
				metrics.WithFormat(format),
				metrics.WithName("skybridge"),
			)
			metrics.SetLogger(logger)

			switch tracing {
			case "simple":
				metrics.SetTracer(metrics.NewSimpleTracer())
			case "otel":
				metrics.SetTracer(metrics.NewOTelTracer("skybridge"))
			}

			collector := metrics.NewCollector(metrics.Labels{"role": string(cfg.Role)})
			metrics.SetGlobal(collector)

			obs := metrics.NewProxyObserver(metrics.ProxyObserverConfig{
				Collector: collector,
				Logger:    logger,
				Role:      string(cfg.Role),
			})

			p, err := proxy.New(cfg, obs)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return p.Run(ctx)
		},
	}

	cmd.Flags().StringVarP(&cfgPath, "config", "c", "skybridge.yaml", "configuration file")
	cmd.Flags().StringVar(&tracing, "tracing", "none", "tracing mode: none, simple, otel (requires -tags otel)")
	return cmd
}
