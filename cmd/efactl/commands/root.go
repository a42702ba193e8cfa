// Package commands implements the efactl subcommands.
package commands

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/rocketbitz/efa-transport/efa"
	"github.com/rocketbitz/efa-transport/fi"
	"github.com/rocketbitz/efa-transport/handshake"
	"github.com/rocketbitz/efa-transport/internal/config"
	"github.com/rocketbitz/efa-transport/provider"
	"github.com/rocketbitz/efa-transport/provider/simulated"
)

type globalFlags struct {
	configPath string
}

// NewRootCmd builds the efactl command tree.
func NewRootCmd(version string) *cobra.Command {
	flags := &globalFlags{}
	root := &cobra.Command{
		Use:   "efactl",
		Short: "Inspect and run EFA RDMA transport endpoints",
		Long: `efactl drives the EFA transport core: it prints the effective
configuration, probes devices, serves connection handshakes and runs a
loopback RDMA write.

Configuration is read from --config, ./efactl.yaml, /etc/efactl or
$HOME/.efactl, and every key can be overridden with an EFA_ variable, e.g.
EFA_PROVIDER=simulated or EFA_RESOURCES_MAX_CQE=1024.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "", "path to the configuration file")

	root.AddCommand(newConfigCmd(flags))
	root.AddCommand(newInfoCmd(flags))
	root.AddCommand(newServeCmd(flags))
	root.AddCommand(newLoopbackCmd(flags))
	return root
}

// session bundles what every command builds from the configuration.
type session struct {
	cfg      *config.Config
	logger   *zap.SugaredLogger
	provider provider.Provider
}

func setup(flags *globalFlags) (*session, error) {
	cfg, err := config.Load(flags.configPath)
	if err != nil {
		return nil, err
	}
	logger, err := newLogger(cfg.Log)
	if err != nil {
		return nil, err
	}
	return &session{cfg: cfg, logger: logger, provider: newProvider(cfg)}, nil
}

func (s *session) close() {
	_ = s.logger.Sync()
}

func newLogger(cfg config.LogConfig) (*zap.SugaredLogger, error) {
	zcfg := zap.NewProductionConfig()
	if cfg.Development {
		zcfg = zap.NewDevelopmentConfig()
	}
	level, err := zap.ParseAtomicLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}
	zcfg.Level = level
	logger, err := zcfg.Build()
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	return logger.Sugar(), nil
}

func newProvider(cfg *config.Config) provider.Provider {
	if cfg.Provider == config.ProviderSimulated {
		return simulated.New()
	}
	return fi.NewProvider(fi.WithProvider(cfg.Provider), fi.WithDomainSuffix(cfg.DomainSuffix))
}

func newMetrics(cfg config.MetricsConfig, reg prometheus.Registerer) (efa.MetricHook, error) {
	switch cfg.Backend {
	case config.MetricsPrometheus:
		return efa.NewPrometheusMetrics(efa.PrometheusMetricsOptions{Registerer: reg})
	case config.MetricsOTel:
		return efa.NewOTelMetrics(efa.OTelMetricsOptions{MeterProvider: otel.GetMeterProvider()})
	default:
		return nil, nil
	}
}

// newContext constructs a context for device. The caller must Deconstruct it.
func (s *session) newContext(device string, metrics efa.MetricHook) (*efa.Context, error) {
	opts := efa.Options{
		ServerName: s.cfg.ServerName,
		Logger:     s.logger.With("device", device),
		Metrics:    metrics,
		Limits:     s.cfg,
		Handshake: handshake.NewClient(
			handshake.WithTimeout(s.cfg.Handshake.Timeout),
			handshake.WithLogger(s.logger),
		),
	}
	ctx := efa.NewContext(s.provider, device, opts)
	if err := ctx.Construct(s.cfg.ResourceConfig()); err != nil {
		return nil, err
	}
	return ctx, nil
}
