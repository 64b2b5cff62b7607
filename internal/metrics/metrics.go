package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder captures storage and access metrics.
type Recorder interface {
	ObserveStorageOp(backend, op, result string, durationSeconds float64)
	IncAccessDescriptor(urlType string)
	IncURLGenerationFailure()
	IncBackendDowngrade()
	AddPurged(prefix string, n int)
	IncJobsCompleted(status string)
}

// Noop implements Recorder without emitting anything.
type Noop struct{}

func (Noop) ObserveStorageOp(string, string, string, float64) {}
func (Noop) IncAccessDescriptor(string)                       {}
func (Noop) IncURLGenerationFailure()                         {}
func (Noop) IncBackendDowngrade()                             {}
func (Noop) AddPurged(string, int)                            {}
func (Noop) IncJobsCompleted(string)                          {}

// Prom implements Recorder backed by Prometheus collectors.
type Prom struct {
	storageOps       *prometheus.HistogramVec
	accessDescriptor *prometheus.CounterVec
	urlFailures      prometheus.Counter
	downgrades       prometheus.Counter
	purged           *prometheus.CounterVec
	jobsCompleted    *prometheus.CounterVec
	once             sync.Once
}

func NewProm(namespace string) *Prom {
	p := &Prom{
		storageOps: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "storage_operation_duration_seconds",
			Help:      "Storage operation latency by backend, operation and result",
			Buckets:   prometheus.DefBuckets,
		}, []string{"backend", "op", "result"}),
		accessDescriptor: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "access_descriptors_total",
			Help:      "Download access descriptors issued by type",
		}, []string{"type"}),
		urlFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "url_generation_failures_total",
			Help:      "URL generation attempts that exhausted every strategy",
		}),
		downgrades: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "storage_backend_downgrades_total",
			Help:      "Remote to local storage downgrades",
		}),
		purged: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "storage_purged_objects_total",
			Help:      "Objects removed by age-based purges per prefix",
		}, []string{"prefix"}),
		jobsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_completed_total",
			Help:      "Dubbing jobs finished by status",
		}, []string{"status"}),
	}
	p.register()
	return p
}

func (p *Prom) register() {
	p.once.Do(func() {
		prometheus.MustRegister(p.storageOps, p.accessDescriptor, p.urlFailures, p.downgrades, p.purged, p.jobsCompleted)
	})
}

func (p *Prom) ObserveStorageOp(backend, op, result string, durationSeconds float64) {
	p.storageOps.WithLabelValues(backend, op, result).Observe(durationSeconds)
}

func (p *Prom) IncAccessDescriptor(urlType string) {
	p.accessDescriptor.WithLabelValues(urlType).Inc()
}

func (p *Prom) IncURLGenerationFailure() {
	p.urlFailures.Inc()
}

func (p *Prom) IncBackendDowngrade() {
	p.downgrades.Inc()
}

func (p *Prom) AddPurged(prefix string, n int) {
	if n <= 0 {
		return
	}
	p.purged.WithLabelValues(prefix).Add(float64(n))
}

func (p *Prom) IncJobsCompleted(status string) {
	p.jobsCompleted.WithLabelValues(status).Inc()
}

// Handler exposes the default Prometheus registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
