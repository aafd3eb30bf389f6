// Package schema defines the versioned ArcNet entity types, their
// validation rules, and the registry which decodes and migrates tagged
// payloads to the current schema version.
package schema

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// EntityType names a registered ArcNet entity.
type EntityType string

const (
	TypeNodeTelemetry    EntityType = "NodeTelemetry"
	TypeInferenceRequest EntityType = "InferenceRequest"
	TypeTrainingJob      EntityType = "TrainingJob"
	TypeNodeDocument     EntityType = "NodeDocument"
	TypeDispatchCommand  EntityType = "DispatchCommand"
	TypePendingJob       EntityType = "PendingJob"
	TypeOrnlJob          EntityType = "OrnlJob"
	TypeFailedJob        EntityType = "FailedJob"
	TypeRegionalSummary  EntityType = "RegionalSummary"
	TypeDeadLetter       EntityType = "DeadLetter"
)

// EnergySource is the power source a node currently draws from.
type EnergySource string

const (
	EnergySolar   EnergySource = "solar"
	EnergyGrid    EnergySource = "grid"
	EnergyBattery EnergySource = "battery"
	EnergyCogen   EnergySource = "cogen"
)

// Priority orders inference requests by urgency.
type Priority string

const (
	PriorityCritical   Priority = "critical"
	PriorityNormal     Priority = "normal"
	PriorityBackground Priority = "background"
)

// Target is a training job routing destination.
type Target string

const (
	TargetHPC       Target = "hpc"
	TargetFederated Target = "federated"
)

// NodeTelemetry is a point-in-time report of an edge node's capacity and
// power state. Timestamp is the valid time at which the node observed
// itself, as distinct from the system time at which a region ingested it.
type NodeTelemetry struct {
	SchemaVersion   int          `json:"schemaVersion" validate:"eq=2"`
	NodeID          uuid.UUID    `json:"nodeId" validate:"required"`
	Timestamp       time.Time    `json:"timestamp" validate:"required"`
	Geohash         string       `json:"geohash" validate:"len=6,geohash"`
	EnergySource    EnergySource `json:"energySource" validate:"oneof=solar grid battery cogen"`
	BatteryLevel    float64      `json:"batteryLevel" validate:"gte=0,lte=1"`
	GPUUtilization  float64      `json:"gpuUtilization" validate:"gte=0,lte=1"`
	GPUMemoryFreeGB float64      `json:"gpuMemoryFreeGb" validate:"gte=0"`
	ModelsLoaded    []string     `json:"modelsLoaded,omitempty"`
}

// InferenceRequest asks the mesh to serve one model invocation.
type InferenceRequest struct {
	SchemaVersion       int       `json:"schemaVersion" validate:"eq=2"`
	RequestID           uuid.UUID `json:"requestId" validate:"required"`
	ModelID             string    `json:"modelId" validate:"required"`
	ContextWindowTokens int       `json:"contextWindowTokens" validate:"gt=0"`
	Priority            Priority  `json:"priority" validate:"oneof=critical normal background"`
	MaxLatencyMS        int       `json:"maxLatencyMs" validate:"gt=0"`
	RequesterGeozone    string    `json:"requesterGeozone" validate:"required"`
}

// TrainingJob describes a submitted training workload, which the bridge
// routes to either the federated scheduler or an HPC facility.
type TrainingJob struct {
	SchemaVersion  int       `json:"schemaVersion" validate:"eq=2"`
	JobID          uuid.UUID `json:"jobId" validate:"required"`
	DatasetURI     string    `json:"datasetUri" validate:"required,uri"`
	DatasetSizeGB  float64   `json:"datasetSizeGb" validate:"gte=0"`
	EstimatedFLOPs float64   `json:"estimatedFlops" validate:"gte=0"`
	CheckpointURI  string    `json:"checkpointUri,omitempty" validate:"omitempty,uri"`
	// TargetOverride short-circuits classification when set.
	TargetOverride Target `json:"targetOverride,omitempty" validate:"omitempty,oneof=hpc federated"`

	// Extended classification signals. Zero values mean "not stated".
	RequiredGPUMemoryGB       float64 `json:"requiredGpuMemoryGb,omitempty" validate:"gte=0"`
	EstimatedCheckpointSizeGB float64 `json:"estimatedCheckpointSizeGb,omitempty" validate:"gte=0"`
	RequiresHighBandwidth     bool    `json:"requiresHighBandwidth,omitempty"`
}

// Reservation marks a node as held for a single inference request until
// ExpiresAt passes or the holder releases it.
type Reservation struct {
	RequestID  uuid.UUID `json:"requestId"`
	ReservedAt time.Time `json:"reservedAt"`
	ExpiresAt  time.Time `json:"expiresAt"`
}

// HeldBy returns whether the reservation is held by requestID and is
// still active as of now.
func (r *Reservation) HeldBy(requestID uuid.UUID, now time.Time) bool {
	return r != nil && r.RequestID == requestID && now.Before(r.ExpiresAt)
}

// Active returns whether the reservation exists and has not expired.
func (r *Reservation) Active(now time.Time) bool {
	return r != nil && now.Before(r.ExpiresAt)
}

// NodeDocument is the regional store's view of a node, folded from its
// telemetry stream. LastSeen is the system time of the most recent ingest.
type NodeDocument struct {
	SchemaVersion   int          `json:"schemaVersion" validate:"eq=1"`
	NodeID          uuid.UUID    `json:"nodeId" validate:"required"`
	GeozoneID       string       `json:"geozoneId" validate:"required"`
	Geohash         string       `json:"geohash" validate:"len=6,geohash"`
	EnergySource    EnergySource `json:"energySource" validate:"oneof=solar grid battery cogen"`
	BatteryLevel    float64      `json:"batteryLevel" validate:"gte=0,lte=1"`
	GPUUtilization  float64      `json:"gpuUtilization" validate:"gte=0,lte=1"`
	GPUMemoryFreeGB float64      `json:"gpuMemoryFreeGb" validate:"gte=0"`
	ModelsLoaded    []string     `json:"modelsLoaded,omitempty"`
	LastSeen        time.Time    `json:"lastSeen" validate:"required"`
	Reservation     *Reservation `json:"reservation,omitempty"`
}

// FoldTelemetry builds the NodeDocument for a telemetry report, carrying
// forward the reservation slot of the prior document (if any).
func FoldTelemetry(t *NodeTelemetry, prior *NodeDocument, ingestedAt time.Time) *NodeDocument {
	var doc = &NodeDocument{
		SchemaVersion:   1,
		NodeID:          t.NodeID,
		GeozoneID:       GeozoneOf(t.Geohash),
		Geohash:         t.Geohash,
		EnergySource:    t.EnergySource,
		BatteryLevel:    t.BatteryLevel,
		GPUUtilization:  t.GPUUtilization,
		GPUMemoryFreeGB: t.GPUMemoryFreeGB,
		ModelsLoaded:    t.ModelsLoaded,
		LastSeen:        ingestedAt,
	}
	if prior != nil {
		doc.Reservation = prior.Reservation
	}
	return doc
}

// GeozoneOf maps a geohash to its containing geozone, the 3-character
// geohash prefix (cell of roughly 156 x 156 km).
func GeozoneOf(geohash string) string {
	if len(geohash) < 3 {
		return geohash
	}
	return geohash[:3]
}

// DispatchCommand instructs a reserved node to serve an inference request.
// Exactly one is issued per successfully scheduled request.
type DispatchCommand struct {
	SchemaVersion int       `json:"schemaVersion" validate:"eq=1"`
	CommandType   string    `json:"commandType" validate:"eq=inference-dispatch"`
	RequestID     uuid.UUID `json:"requestId" validate:"required"`
	NodeID        uuid.UUID `json:"nodeId" validate:"required"`
	ModelID       string    `json:"modelId" validate:"required"`
	IssuedAt      time.Time `json:"issuedAt" validate:"required"`
}

// CommandInferenceDispatch is the only DispatchCommand type issued today.
const CommandInferenceDispatch = "inference-dispatch"

// PendingJob tracks a training job whose dataset transfer to an HPC
// facility is in flight.
type PendingJob struct {
	SchemaVersion  int         `json:"schemaVersion" validate:"eq=1"`
	Job            TrainingJob `json:"job"`
	TransferTaskID string      `json:"transferTaskId" validate:"required"`
	Status         string      `json:"status" validate:"eq=transferring"`
	Classification string      `json:"classification"`
	SubmittedAt    time.Time   `json:"submittedAt" validate:"required"`
	RetryCount     int         `json:"retryCount" validate:"gte=0"`
}

// StatusTransferring is the sole PendingJob status. Terminal outcomes are
// expressed by OrnlJob and FailedJob instead.
const StatusTransferring = "transferring"

// OrnlJob is a training job whose dataset transfer completed, ready for
// submission to the HPC batch queue.
type OrnlJob struct {
	SchemaVersion       int         `json:"schemaVersion" validate:"eq=1"`
	Job                 TrainingJob `json:"job"`
	TransferTaskID      string      `json:"transferTaskId" validate:"required"`
	BytesTransferred    int64       `json:"bytesTransferred" validate:"gte=0"`
	FilesTransferred    int64       `json:"filesTransferred" validate:"gte=0"`
	TransferCompletedAt time.Time   `json:"transferCompletedAt" validate:"required"`
	Classification      string      `json:"classification"`
}

// FailedJob is a training job which terminally failed to bridge.
type FailedJob struct {
	SchemaVersion int         `json:"schemaVersion" validate:"eq=1"`
	Job           TrainingJob `json:"job"`
	Reason        string      `json:"reason" validate:"required"`
	Detail        string      `json:"detail,omitempty"`
	FailedAt      time.Time   `json:"failedAt" validate:"required"`
}

// FailedJob reasons.
const (
	ReasonInitiationFailed = "transfer-initiation-failed"
	ReasonTransferFailed   = "transfer-failed"
	ReasonTransferCanceled = "transfer-canceled"
	ReasonTransferTimeout  = "transfer-timeout"
)

// DeadLetter wraps a message which could not be decoded, preserving its
// original bytes for offline inspection and replay.
type DeadLetter struct {
	SchemaVersion int `json:"schemaVersion" validate:"eq=1"`
	// Original is the failed line verbatim, when it was at least valid JSON.
	Original json.RawMessage `json:"original,omitempty"`
	// OriginalBase64 carries lines which were not valid JSON.
	OriginalBase64 []byte `json:"originalBase64,omitempty"`
}

// RegionalSummary aggregates the live nodes of one geozone.
type RegionalSummary struct {
	SchemaVersion      int                  `json:"schemaVersion" validate:"eq=1"`
	GeozoneID          string               `json:"geozoneId" validate:"required"`
	ComputedAt         time.Time            `json:"computedAt" validate:"required"`
	ActiveNodes        int                  `json:"activeNodes" validate:"gte=0"`
	AvailableGPUs      int                  `json:"availableGpus" validate:"gte=0"`
	AvgBatteryLevel    float64              `json:"avgBatteryLevel" validate:"gte=0,lte=1"`
	AvgGPUUtilization  float64              `json:"avgGpuUtilization" validate:"gte=0,lte=1"`
	EnergySourceCounts map[EnergySource]int `json:"energySourceCounts,omitempty"`
}
