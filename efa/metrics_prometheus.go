package efa

import "github.com/prometheus/client_golang/prometheus"

// PrometheusMetricsOptions configures NewPrometheusMetrics.
type PrometheusMetricsOptions struct {
	Registerer  prometheus.Registerer
	Namespace   string
	Subsystem   string
	ConstLabels prometheus.Labels
}

var _ MetricHook = (*PrometheusMetrics)(nil)

// PrometheusMetrics implements MetricHook using Prometheus counters.
type PrometheusMetrics struct {
	connEstablished *prometheus.CounterVec
	connFailed      *prometheus.CounterVec
	slicePosted     *prometheus.CounterVec
	sliceDeferred   *prometheus.CounterVec
	sliceFailed     *prometheus.CounterVec
	writeCompleted  *prometheus.CounterVec
	writeFailed     *prometheus.CounterVec
}

var (
	connectionLabelKeys = []string{labelDevice, labelProvider, labelMode}
	dataLabelKeys       = []string{labelDevice, labelProvider}
)

// NewPrometheusMetrics constructs a MetricHook backed by Prometheus counters.
// Counters already registered on the Registerer are reused.
func NewPrometheusMetrics(opts PrometheusMetricsOptions) (*PrometheusMetrics, error) {
	reg := opts.Registerer
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	counter := func(name, help string, keys []string) *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   opts.Namespace,
			Subsystem:   opts.Subsystem,
			Name:        name,
			Help:        help,
			ConstLabels: opts.ConstLabels,
		}, keys)
	}

	p := &PrometheusMetrics{
		connEstablished: counter("efa_connection_established_total", "Number of peer connections established", connectionLabelKeys),
		connFailed:      counter("efa_connection_failed_total", "Number of failed connection attempts", connectionLabelKeys),
		slicePosted:     counter("efa_slice_posted_total", "Number of slices posted as RDMA writes", dataLabelKeys),
		sliceDeferred:   counter("efa_slice_deferred_total", "Number of slices deferred because the transmit queue was full", dataLabelKeys),
		sliceFailed:     counter("efa_slice_failed_total", "Number of slices that failed to post", dataLabelKeys),
		writeCompleted:  counter("efa_write_completed_total", "Number of successful RDMA write completions", dataLabelKeys),
		writeFailed:     counter("efa_write_failed_total", "Number of errored RDMA write completions", dataLabelKeys),
	}

	for _, vec := range []**prometheus.CounterVec{
		&p.connEstablished, &p.connFailed, &p.slicePosted, &p.sliceDeferred,
		&p.sliceFailed, &p.writeCompleted, &p.writeFailed,
	} {
		registered, err := registerCounterVec(reg, *vec)
		if err != nil {
			return nil, err
		}
		*vec = registered
	}
	return p, nil
}

func (p *PrometheusMetrics) ConnectionEstablished(attrs map[string]string) {
	p.connEstablished.With(labels(attrs, connectionLabelKeys...)).Inc()
}

func (p *PrometheusMetrics) ConnectionFailed(_ error, attrs map[string]string) {
	p.connFailed.With(labels(attrs, connectionLabelKeys...)).Inc()
}

func (p *PrometheusMetrics) SlicePosted(attrs map[string]string) {
	p.slicePosted.With(labels(attrs, dataLabelKeys...)).Inc()
}

func (p *PrometheusMetrics) SliceDeferred(attrs map[string]string) {
	p.sliceDeferred.With(labels(attrs, dataLabelKeys...)).Inc()
}

func (p *PrometheusMetrics) SliceFailed(_ error, attrs map[string]string) {
	p.sliceFailed.With(labels(attrs, dataLabelKeys...)).Inc()
}

func (p *PrometheusMetrics) WriteCompleted(attrs map[string]string) {
	p.writeCompleted.With(labels(attrs, dataLabelKeys...)).Inc()
}

func (p *PrometheusMetrics) WriteFailed(_ error, attrs map[string]string) {
	p.writeFailed.With(labels(attrs, dataLabelKeys...)).Inc()
}

func registerCounterVec(reg prometheus.Registerer, vec *prometheus.CounterVec) (*prometheus.CounterVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
		}
		return nil, err
	}
	return vec, nil
}

func labels(attrs map[string]string, keys ...string) prometheus.Labels {
	labs := make(prometheus.Labels, len(keys))
	for _, key := range keys {
		labs[key] = attrs[key]
	}
	return labs
}
