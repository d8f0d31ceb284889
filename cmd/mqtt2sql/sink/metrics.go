package sink

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus metrics
var (
	rowsWritten = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mqtt2sql_rows_written_total",
			Help: "The total number of rows upserted into the destination table",
		},
	)
	writesDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mqtt2sql_writes_dropped_total",
			Help: "The total number of messages dropped after exhausting transaction retries",
		},
	)
	connectRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mqtt2sql_sql_connect_retries_total",
			Help: "The total number of retried SQL connection attempts",
		},
	)
	inflightWriters = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "mqtt2sql_inflight_writers",
			Help: "The number of currently running storage writer goroutines",
		},
	)
)
