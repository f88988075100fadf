package syncengine

import (
	"time"

	"github.com/illmade-knight/go-fieldsync/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the engine's Prometheus collectors. A nil *Metrics records
// nothing.
type Metrics struct {
	batches         *prometheus.CounterVec
	recordsUploaded *prometheus.CounterVec
	recordsDeleted  *prometheus.CounterVec
	bytesUploaded   *prometheus.CounterVec
	recordsSkipped  *prometheus.CounterVec
	runDuration     *prometheus.HistogramVec
}

// NewMetrics creates the engine collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		batches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fieldsync",
			Name:      "batches_total",
			Help:      "Upload attempts by domain and result status.",
		}, []string{"domain", "status"}),
		recordsUploaded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fieldsync",
			Name:      "records_uploaded_total",
			Help:      "Records included in successful uploads.",
		}, []string{"domain"}),
		recordsDeleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fieldsync",
			Name:      "records_deleted_total",
			Help:      "Records removed from the local store after a confirmed upload.",
		}, []string{"domain"}),
		bytesUploaded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fieldsync",
			Name:      "bytes_uploaded_total",
			Help:      "Serialized record bytes in successful uploads.",
		}, []string{"domain"}),
		recordsSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fieldsync",
			Name:      "records_skipped_total",
			Help:      "Records that could not be placed in any batch.",
		}, []string{"domain", "reason"}),
		runDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "fieldsync",
			Name:      "run_duration_seconds",
			Help:      "Wall time of pipeline runs.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 4, 8),
		}, []string{"domain"}),
	}
	for _, c := range []prometheus.Collector{
		m.batches, m.recordsUploaded, m.recordsDeleted, m.bytesUploaded, m.recordsSkipped, m.runDuration,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) observeBatch(domain types.Domain, status types.SyncStatus, batch types.Batch) {
	if m == nil {
		return
	}
	m.batches.WithLabelValues(string(domain), status.String()).Inc()
	if status == types.StatusSuccess {
		m.recordsUploaded.WithLabelValues(string(domain)).Add(float64(len(batch.Records)))
		m.bytesUploaded.WithLabelValues(string(domain)).Add(float64(batch.Bytes))
	}
}

func (m *Metrics) observeDeleted(domain types.Domain, n int) {
	if m == nil {
		return
	}
	m.recordsDeleted.WithLabelValues(string(domain)).Add(float64(n))
}

func (m *Metrics) observeSkipped(domain types.Domain, reason string, n int) {
	if m == nil {
		return
	}
	m.recordsSkipped.WithLabelValues(string(domain), reason).Add(float64(n))
}

func (m *Metrics) observeRun(domain types.Domain, d time.Duration) {
	if m == nil {
		return
	}
	m.runDuration.WithLabelValues(string(domain)).Observe(d.Seconds())
}
