package bridge

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/arcnet-dev/protocol/go/schema"
)

func trainingJob(mutate func(*schema.TrainingJob)) *schema.TrainingJob {
	var j = &schema.TrainingJob{
		SchemaVersion:  2,
		JobID:          uuid.MustParse("eeeeeeee-0000-0000-0000-00000000000e"),
		DatasetURI:     "s3://datasets/climate-sim",
		DatasetSizeGB:  120,
		EstimatedFLOPs: 1e15,
	}
	if mutate != nil {
		mutate(j)
	}
	return j
}

func TestClassifyPrimaryTable(t *testing.T) {
	var c Classifier

	// Case: an explicit HPC override wins, even for a tiny job.
	var cls = c.Classify(trainingJob(func(j *schema.TrainingJob) {
		j.TargetOverride = schema.TargetHPC
		j.DatasetSizeGB = 1
	}))
	require.Equal(t, schema.TargetHPC, cls.Target)
	require.Equal(t, ReasonOverrideHPC, cls.Reason)

	// Case: an explicit federated override wins, even for a huge one.
	cls = c.Classify(trainingJob(func(j *schema.TrainingJob) {
		j.TargetOverride = schema.TargetFederated
		j.DatasetSizeGB = 5000
		j.EstimatedFLOPs = 1e20
	}))
	require.Equal(t, schema.TargetFederated, cls.Target)
	require.Equal(t, ReasonOverrideFederated, cls.Reason)

	// Case: oversized datasets bridge to HPC.
	cls = c.Classify(trainingJob(func(j *schema.TrainingJob) {
		j.DatasetSizeGB = 1500
	}))
	require.Equal(t, schema.TargetHPC, cls.Target)
	require.Equal(t, ReasonDatasetSize, cls.Reason)

	// Case: dataset size is evaluated before FLOPs.
	cls = c.Classify(trainingJob(func(j *schema.TrainingJob) {
		j.DatasetSizeGB = 1500
		j.EstimatedFLOPs = 2e18
	}))
	require.Equal(t, ReasonDatasetSize, cls.Reason)

	// Case: compute-hungry jobs bridge on estimated FLOPs.
	cls = c.Classify(trainingJob(func(j *schema.TrainingJob) {
		j.EstimatedFLOPs = 2e18
	}))
	require.Equal(t, schema.TargetHPC, cls.Target)
	require.Equal(t, ReasonEstimatedFLOPs, cls.Reason)

	// Case: thresholds are strict. A job exactly at both runs federated.
	cls = c.Classify(trainingJob(func(j *schema.TrainingJob) {
		j.DatasetSizeGB = DatasetSizeThresholdGB
		j.EstimatedFLOPs = FLOPsThreshold
	}))
	require.Equal(t, schema.TargetFederated, cls.Target)
	require.Equal(t, ReasonFederatedDefault, cls.Reason)

	// Case: factors record exactly the signals the table evaluated.
	require.Equal(t, map[string]interface{}{
		"targetOverride": "",
		"datasetSizeGb":  DatasetSizeThresholdGB,
		"estimatedFlops": FLOPsThreshold,
	}, cls.Factors)
}

func TestClassifyExtendedTriggers(t *testing.T) {
	var gpuJob = trainingJob(func(j *schema.TrainingJob) { j.RequiredGPUMemoryGB = 512 })
	var ckptJob = trainingJob(func(j *schema.TrainingJob) { j.EstimatedCheckpointSizeGB = 200 })
	var bwJob = trainingJob(func(j *schema.TrainingJob) { j.RequiresHighBandwidth = true })

	// Case: the primary table ignores extended signals entirely.
	var primary Classifier
	for _, j := range []*schema.TrainingJob{gpuJob, ckptJob, bwJob} {
		var cls = primary.Classify(j)
		require.Equal(t, schema.TargetFederated, cls.Target)
		require.Equal(t, ReasonFederatedDefault, cls.Reason)
		require.NotContains(t, cls.Factors, "requiredGpuMemoryGb")
	}

	// Case: extended classification bridges each of them, in order.
	var extended = Classifier{Extended: true}

	var cls = extended.Classify(gpuJob)
	require.Equal(t, schema.TargetHPC, cls.Target)
	require.Equal(t, ReasonGPUMemory, cls.Reason)

	cls = extended.Classify(ckptJob)
	require.Equal(t, ReasonCheckpointSize, cls.Reason)

	cls = extended.Classify(bwJob)
	require.Equal(t, ReasonHighBandwidth, cls.Reason)
	require.Equal(t, true, cls.Factors["requiresHighBandwidth"])

	// Case: the primary table still decides ahead of extended triggers.
	cls = extended.Classify(trainingJob(func(j *schema.TrainingJob) {
		j.DatasetSizeGB = 1500
		j.RequiredGPUMemoryGB = 512
	}))
	require.Equal(t, ReasonDatasetSize, cls.Reason)

	// Case: GPU memory is checked before checkpoint size and bandwidth.
	cls = extended.Classify(trainingJob(func(j *schema.TrainingJob) {
		j.RequiredGPUMemoryGB = 512
		j.EstimatedCheckpointSizeGB = 200
		j.RequiresHighBandwidth = true
	}))
	require.Equal(t, ReasonGPUMemory, cls.Reason)
}
