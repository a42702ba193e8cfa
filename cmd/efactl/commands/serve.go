package commands

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/rocketbitz/efa-transport/efa"
	"github.com/rocketbitz/efa-transport/handshake"
	"github.com/rocketbitz/efa-transport/internal/config"
)

const (
	pollBatch    = 64
	idleBackoff  = 100 * time.Microsecond
	shutdownWait = 5 * time.Second
)

func newServeCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Construct devices and answer handshakes until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := setup(flags)
			if err != nil {
				return err
			}
			defer s.close()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return s.serve(ctx)
		},
	}
}

func (s *session) serve(ctx context.Context) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics, err := newMetrics(s.cfg.Metrics, reg)
	if err != nil {
		return err
	}

	registry := handshake.NewRegistry()
	var contexts []*efa.Context
	defer func() {
		for _, c := range contexts {
			if err := c.Deconstruct(); err != nil {
				s.logger.Errorw("failed to tear down context", "nic_path", c.NICPath(), "error", err)
			}
		}
	}()
	for _, device := range s.cfg.Devices {
		c, err := s.newContext(device, metrics)
		if err != nil {
			return err
		}
		contexts = append(contexts, c)
		registry.Add(c)
		s.logger.Infow("serving device", "nic_path", c.NICPath(), "local_addr", c.LocalAddr())
	}

	g, ctx := errgroup.WithContext(ctx)

	hsServer := &http.Server{
		Addr:              s.cfg.Handshake.Listen,
		Handler:           handshake.NewServer(registry, s.logger),
		ReadHeaderTimeout: s.cfg.Handshake.Timeout,
	}
	g.Go(func() error { return s.listen(ctx, hsServer, "handshake") })

	if s.cfg.Metrics.Backend == config.MetricsPrometheus {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
		metricsServer := &http.Server{Addr: s.cfg.Metrics.Listen, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		g.Go(func() error { return s.listen(ctx, metricsServer, "metrics") })
	}

	for _, c := range contexts {
		for q := 0; q < c.QueueCount(); q++ {
			g.Go(func() error { return s.poll(ctx, c, q) })
		}
	}

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	s.logger.Infow("efactl serve stopped")
	return err
}

func (s *session) listen(ctx context.Context, srv *http.Server, name string) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Infow("listening", "server", name, "addr", srv.Addr)
		errCh <- srv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownWait)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return ctx.Err()
	}
}

// poll drains one completion queue until ctx ends.
func (s *session) poll(ctx context.Context, c *efa.Context, queue int) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		n, err := c.PollCompletions(queue, pollBatch)
		if err != nil {
			s.logger.Errorw("completion poll failed", "nic_path", c.NICPath(), "queue", queue, "error", err)
			return err
		}
		if n == 0 {
			time.Sleep(idleBackoff)
		}
	}
}
