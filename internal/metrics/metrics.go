package metrics

import (
	"math"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ForwardDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "qconv_forward_duration_seconds",
		Help:    "Duration of quantized convolution forward passes",
		Buckets: prometheus.DefBuckets,
	}, []string{"layer", "phase"})

	ForwardTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "qconv_forward_total",
		Help: "Total number of quantized convolution forward passes",
	}, []string{"layer", "phase"})

	ForwardErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "qconv_forward_errors_total",
		Help: "Total number of failed forward passes",
	}, []string{"layer", "error_type"})

	RunningEstimate = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "quant_running_estimate",
		Help: "Current running range estimate per activation site",
	}, []string{"layer", "site"})

	ScaleValue = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "quant_scale",
		Help: "Scale factors left by the most recent forward pass",
	}, []string{"layer", "kind"})

	ClippedElements = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "quant_clipped_elements_total",
		Help: "Elements saturated by the [-1, 1] clamp",
	}, []string{"layer", "site"})

	NumericalInstability = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "numerical_instability_total",
		Help: "Total number of NaN/Inf values detected",
	}, []string{"tensor", "type"})

	PowerEstimate = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crossbar_power_estimate_total",
		Help: "Accumulated crossbar energy estimate",
	}, []string{"layer", "phase"})

	PowerLastEstimate = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "crossbar_power_last_estimate",
		Help: "Crossbar energy estimate of the most recent forward pass",
	}, []string{"layer", "phase"})

	BitPlaneConvolutions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "crossbar_bitplane_convolutions_total",
		Help: "Total number of bit-plane convolutions run by the evaluation power model",
	})

	TensorMemoryAllocated = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tensor_memory_allocated_bytes",
		Help: "Current bytes allocated for pooled tensors",
	})

	ReportsExported = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "power_reports_exported_total",
		Help: "Power reports written, by sink",
	}, []string{"sink"})

	ReportRows = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "power_report_rows",
		Help:    "Rows per exported power report",
		Buckets: []float64{1, 2, 4, 8, 16, 32, 64, 128},
	})
)

func phase(training bool) string {
	if training {
		return "train"
	}
	return "eval"
}

func RecordForward(layer string, training bool, duration time.Duration) {
	ForwardTotal.WithLabelValues(layer, phase(training)).Inc()
	ForwardDuration.WithLabelValues(layer, phase(training)).Observe(duration.Seconds())
}

func RecordForwardError(layer, errorType string) {
	ForwardErrors.WithLabelValues(layer, errorType).Inc()
}

func RecordRunningEstimate(layer, site string, value float64) {
	RunningEstimate.WithLabelValues(layer, site).Set(value)
}

func RecordScales(layer string, combined, weight, activation float64) {
	ScaleValue.WithLabelValues(layer, "combined").Set(combined)
	ScaleValue.WithLabelValues(layer, "weight").Set(weight)
	ScaleValue.WithLabelValues(layer, "activation").Set(activation)
}

func RecordClipped(layer, site string, count int) {
	if count > 0 {
		ClippedElements.WithLabelValues(layer, site).Add(float64(count))
	}
}

func RecordNumericalInstability(name string, nanCount, infCount int) {
	if nanCount > 0 {
		NumericalInstability.WithLabelValues(name, "nan").Add(float64(nanCount))
	}
	if infCount > 0 {
		NumericalInstability.WithLabelValues(name, "inf").Add(float64(infCount))
	}
}

// RecordPower tracks one forward pass's energy. Non-finite or negative
// estimates only update the gauge; counters cannot go backwards.
func RecordPower(layer string, training bool, value float64) {
	PowerLastEstimate.WithLabelValues(layer, phase(training)).Set(value)
	if value >= 0 && !math.IsInf(value, 0) {
		PowerEstimate.WithLabelValues(layer, phase(training)).Add(value)
	}
}

func RecordBitPlaneConvolution() {
	BitPlaneConvolutions.Inc()
}

func RecordTensorMemory(bytes int64) {
	TensorMemoryAllocated.Set(float64(bytes))
}

func RecordReportExport(sink string, rows int) {
	ReportsExported.WithLabelValues(sink).Inc()
	ReportRows.Observe(float64(rows))
}
