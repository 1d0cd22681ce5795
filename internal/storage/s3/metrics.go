package s3

import (
	"sync"
	"time"
)

// BackendMetrics tracks document store request metrics
type BackendMetrics struct {
	Requests        int64         `json:"requests"`
	Errors          int64         `json:"errors"`
	BytesUploaded   int64         `json:"bytes_uploaded"`
	BytesDownloaded int64         `json:"bytes_downloaded"`
	AverageLatency  time.Duration `json:"average_latency"`
	LastError       string        `json:"last_error"`
	LastErrorTime   time.Time     `json:"last_error_time"`

	CargoShipUploads int64 `json:"cargoship_uploads"`
	UploadFallbacks  int64 `json:"upload_fallbacks"`
}

// MetricsCollector handles metrics collection and aggregation for the document store
type MetricsCollector struct {
	mu      sync.RWMutex
	metrics BackendMetrics
}

// NewMetricsCollector creates a new metrics collector
func NewMetricsCollector() *MetricsCollector {
	return &MetricsCollector{}
}

// RecordRequest records one request's latency and outcome. Latency is an exponential
// moving average weighted 9:1 toward history.
func (mc *MetricsCollector) RecordRequest(duration time.Duration, err error) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	mc.metrics.Requests++
	if err != nil {
		mc.metrics.Errors++
		mc.metrics.LastError = err.Error()
		mc.metrics.LastErrorTime = time.Now()
	}

	if mc.metrics.Requests == 1 {
		mc.metrics.AverageLatency = duration
	} else {
		mc.metrics.AverageLatency = time.Duration(
			(int64(mc.metrics.AverageLatency)*9 + int64(duration)) / 10,
		)
	}
}

// RecordBytesUploaded records uploaded bytes
func (mc *MetricsCollector) RecordBytesUploaded(bytes int64) {
	mc.mu.Lock()
	mc.metrics.BytesUploaded += bytes
	mc.mu.Unlock()
}

// RecordBytesDownloaded records downloaded bytes
func (mc *MetricsCollector) RecordBytesDownloaded(bytes int64) {
	mc.mu.Lock()
	mc.metrics.BytesDownloaded += bytes
	mc.mu.Unlock()
}

// RecordCargoShipUpload counts an upload served by the transporter.
func (mc *MetricsCollector) RecordCargoShipUpload() {
	mc.mu.Lock()
	mc.metrics.CargoShipUploads++
	mc.mu.Unlock()
}

// RecordUploadFallback counts a transporter failure that fell back to PutObject.
func (mc *MetricsCollector) RecordUploadFallback() {
	mc.mu.Lock()
	mc.metrics.UploadFallbacks++
	mc.mu.Unlock()
}

// GetMetrics returns a copy of current metrics
func (mc *MetricsCollector) GetMetrics() BackendMetrics {
	mc.mu.RLock()
	defer mc.mu.RUnlock()
	return mc.metrics
}

// GetErrorRate returns errors per request
func (mc *MetricsCollector) GetErrorRate() float64 {
	mc.mu.RLock()
	defer mc.mu.RUnlock()
	if mc.metrics.Requests == 0 {
		return 0
	}
	return float64(mc.metrics.Errors) / float64(mc.metrics.Requests)
}
