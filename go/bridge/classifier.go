// Package bridge routes submitted training jobs. A pure classifier
// decides whether each job runs on ArcNet's federated scheduler or
// bridges to the HPC facility; the orchestration loops then carry HPC
// jobs through dataset transfer to hand-off.
package bridge

import (
	"github.com/arcnet-dev/protocol/go/schema"
)

// Classification thresholds.
const (
	// DatasetSizeThresholdGB routes jobs with more data than a regional
	// mesh can stage.
	DatasetSizeThresholdGB = 1000.0
	// FLOPsThreshold routes jobs too compute-hungry for edge GPUs.
	FLOPsThreshold = 1e18
	// GPUMemoryThresholdGB is an extended trigger: single-device memory
	// beyond any edge node's GPUs.
	GPUMemoryThresholdGB = 256.0
	// CheckpointThresholdGB is an extended trigger: checkpoints too
	// large to ship over mesh links every save.
	CheckpointThresholdGB = 100.0
)

// Classification reasons.
const (
	ReasonOverrideHPC       = "override-hpc"
	ReasonOverrideFederated = "override-federated"
	ReasonDatasetSize       = "dataset-size"
	ReasonEstimatedFLOPs    = "estimated-flops"
	ReasonGPUMemory         = "required-gpu-memory"
	ReasonCheckpointSize    = "checkpoint-size"
	ReasonHighBandwidth     = "high-bandwidth"
	ReasonFederatedDefault  = "federated-default"
)

// Classification is the routing decision for one training job.
type Classification struct {
	Target schema.Target
	Reason string
	// Factors records every evaluated signal, for operator forensics.
	Factors map[string]interface{}
}

// Classifier decides where a training job runs. The zero value applies
// the primary decision table.
type Classifier struct {
	// Extended enables the additional HPC triggers (GPU memory,
	// checkpoint size, bandwidth) beyond the primary table.
	Extended bool
}

// Classify routes a job. Explicit overrides win, then the dataset and
// compute thresholds, then the extended triggers when enabled; anything
// else runs federated.
func (c Classifier) Classify(job *schema.TrainingJob) Classification {
	var factors = map[string]interface{}{
		"targetOverride": string(job.TargetOverride),
		"datasetSizeGb":  job.DatasetSizeGB,
		"estimatedFlops": job.EstimatedFLOPs,
	}
	if c.Extended {
		factors["requiredGpuMemoryGb"] = job.RequiredGPUMemoryGB
		factors["estimatedCheckpointSizeGb"] = job.EstimatedCheckpointSizeGB
		factors["requiresHighBandwidth"] = job.RequiresHighBandwidth
	}
	var decide = func(target schema.Target, reason string) Classification {
		return Classification{Target: target, Reason: reason, Factors: factors}
	}

	switch {
	case job.TargetOverride == schema.TargetHPC:
		return decide(schema.TargetHPC, ReasonOverrideHPC)
	case job.TargetOverride == schema.TargetFederated:
		return decide(schema.TargetFederated, ReasonOverrideFederated)
	case job.DatasetSizeGB > DatasetSizeThresholdGB:
		return decide(schema.TargetHPC, ReasonDatasetSize)
	case job.EstimatedFLOPs > FLOPsThreshold:
		return decide(schema.TargetHPC, ReasonEstimatedFLOPs)
	}

	if c.Extended {
		switch {
		case job.RequiredGPUMemoryGB > GPUMemoryThresholdGB:
			return decide(schema.TargetHPC, ReasonGPUMemory)
		case job.EstimatedCheckpointSizeGB > CheckpointThresholdGB:
			return decide(schema.TargetHPC, ReasonCheckpointSize)
		case job.RequiresHighBandwidth:
			return decide(schema.TargetHPC, ReasonHighBandwidth)
		}
	}
	return decide(schema.TargetFederated, ReasonFederatedDefault)
}
