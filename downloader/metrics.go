package downloader

import (
	"github.com/airbusgeo/sentinel2-downloader/common"
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics of the runs, registered on their own registry (see Registry)
type Metrics struct {
	registry        *prometheus.Registry
	products        *prometheus.CounterVec
	bytes           prometheus.Counter
	durationSeconds prometheus.Histogram
}

// NewMetrics creates and registers the metrics
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		products: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "s2downloader_products_total",
			Help: "Products processed, by status",
		}, []string{"status"}),
		bytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "s2downloader_downloaded_bytes_total",
			Help: "Bytes written to disk",
		}),
		durationSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "s2downloader_download_duration_seconds",
			Help:    "Duration of the successful downloads",
			Buckets: prometheus.ExponentialBuckets(1, 4, 8),
		}),
	}
	m.registry.MustRegister(m.products, m.bytes, m.durationSeconds)
	return m
}

// Registry returns the registry of the metrics (e.g. for prometheus.WriteToTextfile)
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// ProductsCounter returns the counter of products with the given status
func (m *Metrics) ProductsCounter(status common.Status) prometheus.Counter {
	return m.products.WithLabelValues(status.String())
}

// BytesCounter returns the counter of bytes written to disk
func (m *Metrics) BytesCounter() prometheus.Counter {
	return m.bytes
}

func (m *Metrics) observe(result common.Result, dl common.DownloadResult) {
	if m == nil {
		return
	}
	m.ProductsCounter(result.Status).Inc()
	if result.Status == common.StatusDONE {
		m.bytes.Add(float64(dl.Bytes))
		m.durationSeconds.Observe(dl.Duration.Seconds())
	}
}
