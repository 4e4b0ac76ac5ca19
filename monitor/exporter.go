package monitor

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/GoCodeAlone/taskforge/task"
)

const namespace = "taskforge"

// Exporter mirrors monitor samples and events into Prometheus metrics.
type Exporter struct {
	queueDepth   *prometheus.GaugeVec
	liveAgents   prometheus.Gauge
	runningTasks prometheus.Gauge
	cpu          prometheus.Gauge
	memory       prometheus.Gauge
	disk         prometheus.Gauge
	events       *prometheus.CounterVec
	taskSeconds  *prometheus.HistogramVec
}

// NewExporter creates the collectors and registers them with reg.
func NewExporter(reg prometheus.Registerer) (*Exporter, error) {
	e := &Exporter{
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Tasks waiting in the queue by priority.",
		}, []string{"priority"}),
		liveAgents: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "live_agents",
			Help:      "Agents with a heartbeat inside the liveness window.",
		}),
		runningTasks: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "running_tasks",
			Help:      "Tracked tasks currently running.",
		}),
		cpu: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "host",
			Name:      "cpu_percent",
			Help:      "Host CPU usage.",
		}),
		memory: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "host",
			Name:      "memory_percent",
			Help:      "Host memory usage.",
		}),
		disk: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "host",
			Name:      "disk_percent",
			Help:      "Host disk usage.",
		}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "monitor_events_total",
			Help:      "Monitor events by type and level.",
		}, []string{"type", "level"}),
		taskSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "task_execution_seconds",
			Help:      "Execution time of finished tasks.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 10),
		}, []string{"type", "status"}),
	}
	for _, c := range []prometheus.Collector{
		e.queueDepth, e.liveAgents, e.runningTasks, e.cpu, e.memory, e.disk, e.events, e.taskSeconds,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return e, nil
}

func (e *Exporter) observeSample(s Sample, depth map[task.Priority]int64) {
	for _, p := range task.Priorities {
		e.queueDepth.WithLabelValues(p.String()).Set(float64(depth[p]))
	}
	e.liveAgents.Set(float64(s.ActiveAgents))
	e.runningTasks.Set(float64(s.RunningTasks))
	e.cpu.Set(s.CPU)
	e.memory.Set(s.Memory)
	e.disk.Set(s.Disk)
}

func (e *Exporter) observeEvent(ev Event) {
	e.events.WithLabelValues(string(ev.Type), string(ev.Level)).Inc()
}

func (e *Exporter) observeTask(tm TaskMetrics) {
	e.taskSeconds.WithLabelValues(tm.TaskType, tm.Status).Observe(tm.ExecutionTime)
}
