package schema

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Legacy schema versions. Fleets upgrade slowly; regions must go on
// ingesting v1 payloads long after v2 became current. Each vN type keeps
// the exact wire shape that vN producers emit, and a migration advances
// it one version.

// nodeTelemetryV1 reported energy source as a free-form string.
type nodeTelemetryV1 struct {
	SchemaVersion   int       `json:"schemaVersion"`
	NodeID          uuid.UUID `json:"nodeId"`
	Timestamp       time.Time `json:"timestamp"`
	Geohash         string    `json:"geohash"`
	EnergySource    string    `json:"energySource"`
	BatteryLevel    float64   `json:"batteryLevel"`
	GPUUtilization  float64   `json:"gpuUtilization"`
	GPUMemoryFreeGB float64   `json:"gpuMemoryFreeGb"`
	ModelsLoaded    []string  `json:"modelsLoaded,omitempty"`
}

func migrateNodeTelemetryV1(value interface{}) (interface{}, error) {
	var v1 = value.(*nodeTelemetryV1)
	return &NodeTelemetry{
		SchemaVersion:   2,
		NodeID:          v1.NodeID,
		Timestamp:       v1.Timestamp,
		Geohash:         v1.Geohash,
		EnergySource:    foldEnergySource(v1.EnergySource),
		BatteryLevel:    v1.BatteryLevel,
		GPUUtilization:  v1.GPUUtilization,
		GPUMemoryFreeGB: v1.GPUMemoryFreeGB,
		ModelsLoaded:    v1.ModelsLoaded,
	}, nil
}

// foldEnergySource maps a free-form v1 energy string onto the v2 enum.
// Matching is case-insensitive; strings the enum doesn't name fold to
// grid, the conservative choice since grid scores lowest for placement.
func foldEnergySource(s string) EnergySource {
	switch EnergySource(strings.ToLower(strings.TrimSpace(s))) {
	case EnergySolar:
		return EnergySolar
	case EnergyBattery:
		return EnergyBattery
	case EnergyCogen:
		return EnergyCogen
	case "cogeneration": // Long form seen from early fleet builds.
		return EnergyCogen
	default:
		return EnergyGrid
	}
}

// inferenceRequestV1 expressed priority as an integer rank 1..3.
type inferenceRequestV1 struct {
	SchemaVersion       int       `json:"schemaVersion"`
	RequestID           uuid.UUID `json:"requestId"`
	ModelID             string    `json:"modelId"`
	ContextWindowTokens int       `json:"contextWindowTokens"`
	Priority            int       `json:"priority"`
	MaxLatencyMS        int       `json:"maxLatencyMs"`
	RequesterGeozone    string    `json:"requesterGeozone"`
}

func migrateInferenceRequestV1(value interface{}) (interface{}, error) {
	var v1 = value.(*inferenceRequestV1)

	var priority Priority
	switch v1.Priority {
	case 1:
		priority = PriorityCritical
	case 3:
		priority = PriorityBackground
	default:
		priority = PriorityNormal
	}
	return &InferenceRequest{
		SchemaVersion:       2,
		RequestID:           v1.RequestID,
		ModelID:             v1.ModelID,
		ContextWindowTokens: v1.ContextWindowTokens,
		Priority:            priority,
		MaxLatencyMS:        v1.MaxLatencyMS,
		RequesterGeozone:    v1.RequesterGeozone,
	}, nil
}

// trainingJobV1 sized datasets in whole gigabytes.
type trainingJobV1 struct {
	SchemaVersion  int       `json:"schemaVersion"`
	JobID          uuid.UUID `json:"jobId"`
	DatasetURI     string    `json:"datasetUri"`
	DatasetSizeGB  int64     `json:"datasetSizeGb"`
	EstimatedFLOPs float64   `json:"estimatedFlops"`
	CheckpointURI  string    `json:"checkpointUri,omitempty"`
	TargetOverride Target    `json:"targetOverride,omitempty"`
}

func migrateTrainingJobV1(value interface{}) (interface{}, error) {
	var v1 = value.(*trainingJobV1)
	return &TrainingJob{
		SchemaVersion:  2,
		JobID:          v1.JobID,
		DatasetURI:     v1.DatasetURI,
		DatasetSizeGB:  float64(v1.DatasetSizeGB),
		EstimatedFLOPs: v1.EstimatedFLOPs,
		CheckpointURI:  v1.CheckpointURI,
		TargetOverride: v1.TargetOverride,
	}, nil
}
