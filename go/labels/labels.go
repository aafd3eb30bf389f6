// Package labels defines the journal labels, topic names, envelope header
// keys, and consumer group names shared by all ArcNet components.
package labels

// JournalSpec labels.
const (
	// Topic is the ArcNet topic which this journal implements a partition of.
	Topic = "arcnet.dev/topic"
	// Partition is the zero-padded partition index of this journal within
	// its topic, matching the journal name suffix.
	Partition = "arcnet.dev/partition"
	// Region is the ArcNet region whose components produce to this journal.
	Region = "arcnet.dev/region"
)

// Topic names. A topic is a journal name prefix; its partitions are journals
// named <topic>/part-NNN.
const (
	// NodeTelemetry carries NodeTelemetry entities, keyed on node ID.
	NodeTelemetry = "arc.telemetry.nodes"
	// InferenceRequests carries InferenceRequest entities, keyed on request ID.
	InferenceRequests = "arc.request.inference"
	// InferenceRetries carries requests which failed to schedule and still
	// have retry budget, keyed on request ID.
	InferenceRetries = "arc.request.retry"
	// InferenceRejected carries requests whose retry budget is exhausted.
	InferenceRejected = "arc.request.rejected"
	// TrainingSubmit carries TrainingJob entities awaiting classification,
	// keyed on job ID.
	TrainingSubmit = "arc.job.submission"
	// TrainingFederated carries TrainingJob entities classified for the
	// federated scheduler, keyed on job ID.
	TrainingFederated = "arc.scheduler.training"
	// BridgePending carries PendingJob entities whose HPC transfer is in
	// flight. The topic doubles as the bridge's delay queue: each poll
	// cycle re-publishes jobs which are still transferring.
	BridgePending = "arc.bridge.pending"
	// BridgeFailed carries FailedJob entities for terminally failed bridge
	// submissions.
	BridgeFailed = "arc.bridge.failed"
	// OrnlIngress carries OrnlJob entities for jobs whose dataset transfer
	// completed and which are ready for HPC queue submission.
	OrnlIngress = "ornl.bridge.ingress"
	// RegionalSummaries carries RegionalSummary entities, keyed on geozone.
	RegionalSummaries = "arc.telemetry.regional-summary"

	// DispatchPrefix prefixes per-geozone dispatch command topics,
	// arc.command.dispatch.<geozone>.
	DispatchPrefix = "arc.command.dispatch."
	// DeadLetterPrefix prefixes per-topic dead letter topics,
	// arc.dead-letter.<topic>.
	DeadLetterPrefix = "arc.dead-letter."
	// CheckpointsPrefix prefixes per-group consumer offset journals,
	// arc.checkpoints.<group>.
	CheckpointsPrefix = "arc.checkpoints."
)

// Envelope header keys.
const (
	// EntityType names the schema entity carried by an envelope payload.
	EntityType = "entity-type"
	// SchemaVersion is the integer schema version of the payload.
	SchemaVersion = "schema-version"
	// ProducedAt is the RFC 3339 wall time at which the producer sent.
	ProducedAt = "produced-at"

	// TraceID, SpanID and TraceFlags propagate causality context across
	// topics. Producers stamp them when the triggering context carries
	// them; consumers echo them onto derived messages.
	TraceID    = "trace-id"
	SpanID     = "span-id"
	TraceFlags = "trace-flags"

	// RetriesRemaining is the scheduling retry budget left to an
	// InferenceRequest, decremented on each retry publication.
	RetriesRemaining = "retries-remaining"

	// ClassificationTarget and ClassificationReason record the bridge
	// classifier's routing decision on TrainingJob messages.
	ClassificationTarget = "classification-target"
	ClassificationReason = "classification-reason"

	// Dead letter headers, stamped by the transport when parking a message.
	OriginalTopic     = "original-topic"
	OriginalPartition = "original-partition"
	OriginalOffset    = "original-offset"
	DeadLetterError   = "error"
)

// Consumer group names.
const (
	// GroupRegionalIngest folds node telemetry into the regional store.
	GroupRegionalIngest = "arcnet-regional-ingest"
	// GroupScheduler places inference requests onto reserved nodes.
	GroupScheduler = "arcnet-scheduler"
	// GroupBridgeSubmission classifies and routes submitted training jobs.
	GroupBridgeSubmission = "arcnet-bridge-submission"
	// GroupBridgePending polls in-flight HPC transfers to completion.
	GroupBridgePending = "arcnet-bridge-pending"
)
