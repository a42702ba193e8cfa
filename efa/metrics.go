package efa

// MetricHook captures transport telemetry events.
type MetricHook interface {
	ConnectionEstablished(attrs map[string]string)
	ConnectionFailed(err error, attrs map[string]string)
	SlicePosted(attrs map[string]string)
	SliceDeferred(attrs map[string]string)
	SliceFailed(err error, attrs map[string]string)
	WriteCompleted(attrs map[string]string)
	WriteFailed(err error, attrs map[string]string)
}

const (
	labelDevice   = "device"
	labelProvider = "provider"
	labelMode     = "mode"
)

// Connection modes reported under the "mode" label.
const (
	modeLoopback = "loopback"
	modeActive   = "active"
	modePassive  = "passive"
)

type nopMetrics struct{}

func (nopMetrics) ConnectionEstablished(map[string]string)  {}
func (nopMetrics) ConnectionFailed(error, map[string]string) {}
func (nopMetrics) SlicePosted(map[string]string)            {}
func (nopMetrics) SliceDeferred(map[string]string)          {}
func (nopMetrics) SliceFailed(error, map[string]string)     {}
func (nopMetrics) WriteCompleted(map[string]string)         {}
func (nopMetrics) WriteFailed(error, map[string]string)     {}
