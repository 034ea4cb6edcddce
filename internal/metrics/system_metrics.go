package metrics

import (
	"runtime"
	"time"

	"github.com/Dhoini/license-service/pkg/logger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// SystemMetrics снимки состояния процесса. Периодичность задает планировщик.
type SystemMetrics interface {
	Record()
}

type systemMetrics struct {
	log         *logger.Logger
	goroutines  prometheus.Gauge
	heapAlloc   prometheus.Gauge
	heapObjects prometheus.Gauge
	sysBytes    prometheus.Gauge
	gcCycles    prometheus.Gauge
	gcPause     prometheus.Gauge
}

// NewSystemMetrics создает системные метрики
func NewSystemMetrics(registry *prometheus.Registry, log *logger.Logger) SystemMetrics {
	factory := promauto.With(registry)
	gauge := func(name, help string) prometheus.Gauge {
		return factory.NewGauge(prometheus.GaugeOpts{Namespace: "license", Subsystem: "process", Name: name, Help: help})
	}

	return &systemMetrics{
		log:         log,
		goroutines:  gauge("goroutines", "Current number of goroutines"),
		heapAlloc:   gauge("heap_alloc_bytes", "Bytes of allocated heap objects"),
		heapObjects: gauge("heap_objects", "Number of allocated heap objects"),
		sysBytes:    gauge("sys_bytes", "Total bytes of memory obtained from the OS"),
		gcCycles:    gauge("gc_cycles", "Number of completed GC cycles"),
		gcPause:     gauge("gc_last_pause_seconds", "Duration of the most recent GC pause"),
	}
}

// Record снимает текущие значения
func (m *systemMetrics) Record() {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	m.goroutines.Set(float64(runtime.NumGoroutine()))
	m.heapAlloc.Set(float64(ms.HeapAlloc))
	m.heapObjects.Set(float64(ms.HeapObjects))
	m.sysBytes.Set(float64(ms.Sys))
	m.gcCycles.Set(float64(ms.NumGC))
	if ms.NumGC > 0 {
		m.gcPause.Set(time.Duration(ms.PauseNs[(ms.NumGC+255)%256]).Seconds())
	}
	m.log.Debugw("System metrics recorded", "goroutines", runtime.NumGoroutine(), "heapAlloc", ms.HeapAlloc)
}
