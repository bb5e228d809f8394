package torch_loader

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the collectors of the loader.
type Metrics struct {
	TensorsLoaded  prometheus.Counter
	BytesRead      prometheus.Counter
	PaddingBytes   prometheus.Counter
	AliasedTensors prometheus.Counter
	MergeTactics   *prometheus.CounterVec
	ArchiveLoad    prometheus.Histogram
}

// NewMetrics creates the collectors and registers them into reg,
// a nil reg leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		TensorsLoaded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "torch_loader_tensors_loaded_total",
			Help: "Total number of tensors created on the device",
		}),
		BytesRead: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "torch_loader_bytes_read_total",
			Help: "Total number of payload bytes read from archives",
		}),
		PaddingBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "torch_loader_padding_bytes_total",
			Help: "Total number of padding bytes skipped in archive entries",
		}),
		AliasedTensors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "torch_loader_aliased_tensors_total",
			Help: "Total number of tensors sharing the payload of another tensor",
		}),
		MergeTactics: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "torch_loader_merge_tactics_total",
			Help: "Total number of merged tensors by tactic",
		}, []string{"tactic"}),
		ArchiveLoad: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "torch_loader_archive_load_seconds",
			Help:    "Latency of loading one archive or one shard set",
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 8),
		}),
	}
	if reg != nil {
		reg.MustRegister(m.TensorsLoaded, m.BytesRead, m.PaddingBytes, m.AliasedTensors, m.MergeTactics, m.ArchiveLoad)
	}
	return m
}

func (m *Metrics) addTensors(n int) {
	if m != nil {
		m.TensorsLoaded.Add(float64(n))
	}
}

func (m *Metrics) addBytes(n int64) {
	if m != nil {
		m.BytesRead.Add(float64(n))
	}
}

func (m *Metrics) addPadding(n int64) {
	if m != nil {
		m.PaddingBytes.Add(float64(n))
	}
}

func (m *Metrics) addAliases(n int) {
	if m != nil {
		m.AliasedTensors.Add(float64(n))
	}
}

func (m *Metrics) addTactic(t MergeTactic) {
	if m != nil {
		m.MergeTactics.WithLabelValues(t.String()).Inc()
	}
}

func (m *Metrics) observeLoad(seconds float64) {
	if m != nil {
		m.ArchiveLoad.Observe(seconds)
	}
}
