package transport

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var consumerRecords = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "arcnet_consumer_records_total",
	Help: "counter of records delivered to consumer group applications",
}, []string{"group", "status"})

var consumerBatches = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "arcnet_consumer_batches_total",
	Help: "counter of batches committed by consumer groups",
}, []string{"group"})

var consumerPassFailures = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "arcnet_consumer_pass_failures_total",
	Help: "counter of failed read passes, each causing a backoff and re-read",
}, []string{"group"})

var deadLetters = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "arcnet_dead_letters_total",
	Help: "counter of records parked on dead letter topics",
}, []string{"group", "topic"})

var batchCommitSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "arcnet_consumer_batch_commit_seconds",
	Help:    "duration of batch consume, finalize, and checkpoint commit",
	Buckets: prometheus.ExponentialBuckets(0.001, 3.0, 10),
}, []string{"group"})
