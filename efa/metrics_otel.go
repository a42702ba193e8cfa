package efa

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// OTelMetricsOptions configures NewOTelMetrics.
type OTelMetricsOptions struct {
	MeterProvider          metric.MeterProvider
	Meter                  metric.Meter
	InstrumentationName    string
	InstrumentationVersion string
}

var _ MetricHook = (*OTelMetrics)(nil)

// OTelMetrics implements MetricHook using OpenTelemetry counters.
type OTelMetrics struct {
	meter           metric.Meter
	connEstablished metric.Int64Counter
	connFailed      metric.Int64Counter
	slicePosted     metric.Int64Counter
	sliceDeferred   metric.Int64Counter
	sliceFailed     metric.Int64Counter
	writeCompleted  metric.Int64Counter
	writeFailed     metric.Int64Counter
}

// NewOTelMetrics constructs a MetricHook that emits OpenTelemetry counter measurements.
func NewOTelMetrics(opts OTelMetricsOptions) (*OTelMetrics, error) {
	meter := opts.Meter
	if meter == nil {
		provider := opts.MeterProvider
		if provider == nil {
			provider = otel.GetMeterProvider()
		}
		name := opts.InstrumentationName
		if name == "" {
			name = "github.com/rocketbitz/efa-transport/efa"
		}
		meter = provider.Meter(name, metric.WithInstrumentationVersion(opts.InstrumentationVersion))
	}

	o := &OTelMetrics{meter: meter}
	counters := []struct {
		dst  *metric.Int64Counter
		name string
	}{
		{&o.connEstablished, "efa.connection.established"},
		{&o.connFailed, "efa.connection.failed"},
		{&o.slicePosted, "efa.slice.posted"},
		{&o.sliceDeferred, "efa.slice.deferred"},
		{&o.sliceFailed, "efa.slice.failed"},
		{&o.writeCompleted, "efa.write.completed"},
		{&o.writeFailed, "efa.write.failed"},
	}
	for _, c := range counters {
		counter, err := meter.Int64Counter(c.name)
		if err != nil {
			return nil, err
		}
		*c.dst = counter
	}
	return o, nil
}

// ConnectionEstablished records a successful connection setup.
func (o *OTelMetrics) ConnectionEstablished(attrs map[string]string) {
	o.connEstablished.Add(context.Background(), 1, metric.WithAttributes(otelAttrsWithMode(attrs)...))
}

// ConnectionFailed records a failed connection setup.
func (o *OTelMetrics) ConnectionFailed(_ error, attrs map[string]string) {
	o.connFailed.Add(context.Background(), 1, metric.WithAttributes(otelAttrsWithMode(attrs)...))
}

// SlicePosted records a slice accepted by the provider.
func (o *OTelMetrics) SlicePosted(attrs map[string]string) {
	o.slicePosted.Add(context.Background(), 1, metric.WithAttributes(otelAttrs(attrs)...))
}

// SliceDeferred records a slice left pending on a full queue.
func (o *OTelMetrics) SliceDeferred(attrs map[string]string) {
	o.sliceDeferred.Add(context.Background(), 1, metric.WithAttributes(otelAttrs(attrs)...))
}

// SliceFailed records a slice that failed to post.
func (o *OTelMetrics) SliceFailed(_ error, attrs map[string]string) {
	o.sliceFailed.Add(context.Background(), 1, metric.WithAttributes(otelAttrs(attrs)...))
}

// WriteCompleted records a successful write completion.
func (o *OTelMetrics) WriteCompleted(attrs map[string]string) {
	o.writeCompleted.Add(context.Background(), 1, metric.WithAttributes(otelAttrs(attrs)...))
}

// WriteFailed records an errored write completion.
func (o *OTelMetrics) WriteFailed(_ error, attrs map[string]string) {
	o.writeFailed.Add(context.Background(), 1, metric.WithAttributes(otelAttrs(attrs)...))
}

func otelAttrs(attrs map[string]string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(labelDevice, attrs[labelDevice]),
		attribute.String(labelProvider, attrs[labelProvider]),
	}
}

func otelAttrsWithMode(attrs map[string]string) []attribute.KeyValue {
	kvs := otelAttrs(attrs)
	if v := attrs[labelMode]; v != "" {
		kvs = append(kvs, attribute.String(labelMode, v))
	}
	return kvs
}
