package efa

import (
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/rocketbitz/efa-transport/provider/simulated"
)

func TestPrometheusMetricsCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics, err := NewPrometheusMetrics(PrometheusMetricsOptions{Registerer: reg})
	if err != nil {
		t.Fatalf("NewPrometheusMetrics: %v", err)
	}

	conn := map[string]string{labelDevice: "efa0", labelProvider: "efa", labelMode: modeActive}
	data := map[string]string{labelDevice: "efa0", labelProvider: "efa"}
	metrics.ConnectionEstablished(conn)
	metrics.ConnectionFailed(errors.New("refused"), conn)
	metrics.SlicePosted(data)
	metrics.SliceDeferred(data)
	metrics.SliceFailed(errors.New("fail"), data)
	metrics.WriteCompleted(data)
	metrics.WriteFailed(errors.New("wfail"), data)

	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	cases := map[string]float64{
		"efa_connection_established_total": 1,
		"efa_connection_failed_total":      1,
		"efa_slice_posted_total":           1,
		"efa_slice_deferred_total":         1,
		"efa_slice_failed_total":           1,
		"efa_write_completed_total":        1,
		"efa_write_failed_total":           1,
	}
	for name, want := range cases {
		if got := findCounterValue(mfs, name); got != want {
			t.Fatalf("unexpected counter %s: got %v want %v", name, got, want)
		}
	}

	again, err := NewPrometheusMetrics(PrometheusMetricsOptions{Registerer: reg})
	if err != nil {
		t.Fatalf("re-registering metrics: %v", err)
	}
	again.SlicePosted(data)
	mfs, _ = reg.Gather()
	if got := findCounterValue(mfs, "efa_slice_posted_total"); got != 2 {
		t.Fatalf("expected shared counter, got %v", got)
	}
}

func TestOTelMetricsCounters(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	metrics, err := NewOTelMetrics(OTelMetricsOptions{MeterProvider: provider})
	if err != nil {
		t.Fatalf("NewOTelMetrics: %v", err)
	}

	conn := map[string]string{labelDevice: "efa0", labelProvider: "efa", labelMode: modePassive}
	data := map[string]string{labelDevice: "efa0", labelProvider: "efa"}
	metrics.ConnectionEstablished(conn)
	metrics.ConnectionFailed(errors.New("refused"), conn)
	metrics.SlicePosted(data)
	metrics.SliceDeferred(data)
	metrics.SliceFailed(errors.New("fail"), data)
	metrics.WriteCompleted(data)
	metrics.WriteFailed(errors.New("wfail"), data)

	ctx := context.Background()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(ctx, &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	cases := map[string]float64{
		"efa.connection.established": 1,
		"efa.connection.failed":      1,
		"efa.slice.posted":           1,
		"efa.slice.deferred":         1,
		"efa.slice.failed":           1,
		"efa.write.completed":        1,
		"efa.write.failed":           1,
	}
	for name, want := range cases {
		if got := otelCounterValue(rm, name); got != want {
			t.Fatalf("unexpected counter %s: got %v want %v", name, got, want)
		}
	}
	if err := provider.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}

func TestContextEmitsMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics, err := NewPrometheusMetrics(PrometheusMetricsOptions{Registerer: reg})
	if err != nil {
		t.Fatalf("NewPrometheusMetrics: %v", err)
	}
	p := simulated.New()
	ctx := newTestContext(t, p, "a", Options{Metrics: metrics})

	ep, err := ctx.Endpoint(ctx.NICPath())
	if err != nil {
		t.Fatalf("Endpoint: %v", err)
	}
	defer ep.Release()
	if _, _, err := ep.SubmitPostSend(context.Background(), makeSlices(2)); err != nil {
		t.Fatalf("SubmitPostSend: %v", err)
	}
	if _, err := ctx.PollCompletions(0, 0); err != nil {
		t.Fatalf("PollCompletions: %v", err)
	}

	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	if got := findCounterValue(mfs, "efa_connection_established_total"); got != 1 {
		t.Fatalf("unexpected established count %v", got)
	}
	if got := findCounterValue(mfs, "efa_slice_posted_total"); got != 2 {
		t.Fatalf("unexpected posted count %v", got)
	}
	if got := findCounterValue(mfs, "efa_write_completed_total"); got != 2 {
		t.Fatalf("unexpected completed count %v", got)
	}
	for _, mf := range mfs {
		if mf.GetName() != "efa_connection_established_total" {
			continue
		}
		for _, lp := range mf.Metric[0].GetLabel() {
			if lp.GetName() == labelMode && lp.GetValue() != modeLoopback {
				t.Fatalf("unexpected mode label %q", lp.GetValue())
			}
			if lp.GetName() == labelProvider && lp.GetValue() != simulated.Name {
				t.Fatalf("unexpected provider label %q", lp.GetValue())
			}
		}
	}
}

func findCounterValue(mfs []*dto.MetricFamily, name string) float64 {
	for _, mf := range mfs {
		if mf.GetName() != name {
			continue
		}
		var sum float64
		for _, m := range mf.Metric {
			sum += m.GetCounter().GetValue()
		}
		return sum
	}
	return 0
}

func otelCounterValue(rm metricdata.ResourceMetrics, name string) float64 {
	for _, scope := range rm.ScopeMetrics {
		for _, metric := range scope.Metrics {
			if metric.Name != name {
				continue
			}
			switch data := metric.Data.(type) {
			case metricdata.Sum[int64]:
				var sum float64
				for _, dp := range data.DataPoints {
					sum += float64(dp.Value)
				}
				return sum
			}
		}
	}
	return 0
}
