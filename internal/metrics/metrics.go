// Package metrics registers the harvester's Prometheus collectors:
//
//	#bfxflow_frames_received_total{stream}
//	#bfxflow_harvested_total{kind,asset}
//	#bfxflow_books_published_total{asset}
//	#bfxflow_ticks_published_total{asset}
//	#bfxflow_executions_total{credential}
//	#bfxflow_throttled_total{stage}
//	#bfxflow_dedup_rejected_total{asset}
//	#bfxflow_anomalies_total{asset}
//	#bfxflow_restarts_total{reason}
//	#bfxflow_queue_drops_total{queue}
//	#bfxflow_stage_retries_total{pipeline,stage}
//	#bfxflow_harvester_state{harvester}
//	#bfxflow_queue_length{queue}
//	#go_* and process_* system metrics
//
// Server exposes them on /metrics next to /health.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "bfxflow"

var (
	once sync.Once

	// Registry holds every collector of this package.
	Registry = prometheus.NewRegistry()

	framesReceived *prometheus.CounterVec
	harvested      *prometheus.CounterVec
	booksPublished *prometheus.CounterVec
	ticksPublished *prometheus.CounterVec
	executions     *prometheus.CounterVec
	throttled      *prometheus.CounterVec
	dedupRejected  *prometheus.CounterVec
	anomalies      *prometheus.CounterVec
	restarts       *prometheus.CounterVec
	queueDrops     *prometheus.CounterVec
	stageRetries   *prometheus.CounterVec
	harvesterState *prometheus.GaugeVec
	queueLength    *prometheus.GaugeVec
)

func counter(name, help string, labels ...string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	}, labels)
}

func gauge(name, help string, labels ...string) *prometheus.GaugeVec {
	return prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	}, labels)
}

// Init creates and registers the collectors. It is safe to call repeatedly;
// recording before Init is a no-op.
func Init() {
	once.Do(func() {
		framesReceived = counter("frames_received_total", "Websocket frames received", "stream")
		harvested = counter("harvested_total", "Books and ticks handed from a harvester to the pipeline", "kind", "asset")
		booksPublished = counter("books_published_total", "Order books written to the bus", "asset")
		ticksPublished = counter("ticks_published_total", "Tick prices written to the bus", "asset")
		executions = counter("executions_total", "Execution reports produced", "credential")
		throttled = counter("throttled_total", "Events dropped by a throttle", "stage")
		dedupRejected = counter("dedup_rejected_total", "Ticks rejected by the deduplicator", "asset")
		anomalies = counter("anomalies_total", "Order books rejected as mid-price anomalies", "asset")
		restarts = counter("restarts_total", "Harvester restarts", "reason")
		queueDrops = counter("queue_drops_total", "Messages dropped by full queues", "queue")
		stageRetries = counter("stage_retries_total", "Pipeline stage retries", "pipeline", "stage")
		harvesterState = gauge("harvester_state", "Current harvester state (0 disconnected .. 4 restarting)", "harvester")
		queueLength = gauge("queue_length", "Current queue occupancy", "queue")

		Registry.MustRegister(
			framesReceived, harvested, booksPublished, ticksPublished, executions,
			throttled, dedupRejected, anomalies, restarts,
			queueDrops, stageRetries, harvesterState, queueLength,
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	})
}

func inc(vec *prometheus.CounterVec, labels ...string) {
	if vec != nil {
		vec.WithLabelValues(labels...).Inc()
	}
}

func IncFramesReceived(stream string) { inc(framesReceived, stream) }
func IncHarvested(kind, asset string) { inc(harvested, kind, asset) }
func IncBooksPublished(asset string) { inc(booksPublished, asset) }
func IncTicksPublished(asset string) { inc(ticksPublished, asset) }
func IncExecutions(credential string) { inc(executions, credential) }
func IncThrottled(stage string) { inc(throttled, stage) }
func IncDedupRejected(asset string) { inc(dedupRejected, asset) }
func IncAnomalies(asset string) { inc(anomalies, asset) }
func IncRestarts(reason string) { inc(restarts, reason) }
func IncStageRetries(pipeline, stage string) { inc(stageRetries, pipeline, stage) }

// SetHarvesterState records the numeric state of the named harvester.
func SetHarvesterState(harvester string, state int) {
	if harvesterState != nil {
		harvesterState.WithLabelValues(harvester).Set(float64(state))
	}
}
