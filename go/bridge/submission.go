package bridge

import (
	"context"
	"fmt"
	"time"

	retry "github.com/avast/retry-go"
	log "github.com/sirupsen/logrus"

	arcLabels "github.com/arcnet-dev/protocol/go/labels"
	"github.com/arcnet-dev/protocol/go/schema"
	"github.com/arcnet-dev/protocol/go/transfer"
	"github.com/arcnet-dev/protocol/go/transport"
)

// Submission consumes submitted training jobs, classifies each, and
// routes it. Federated jobs republish to the federated scheduler's
// topic. HPC jobs start a dataset transfer and enter the pending loop,
// or terminally fail when the transfer can't be initiated.
type Submission struct {
	Classifier Classifier
	Transfer   transfer.Client
	Producer   transport.Publisher
	// Now is the time source. Defaults to time.Now.
	Now func() time.Time
	// InitiateAttempts bounds transfer initiation tries per job
	// (default 3), with InitiateDelay (default 1s) doubling between.
	InitiateAttempts int
	InitiateDelay    time.Duration
}

var _ transport.Application = (*Submission)(nil)

// Consume routes one delivered training job.
func (s *Submission) Consume(ctx context.Context, rec *transport.Record) error {
	if !rec.Valid() {
		return nil // Already dead-lettered.
	}
	var job, ok = rec.Entity.(*schema.TrainingJob)
	if !ok {
		log.WithFields(log.Fields{
			"entity":  rec.Envelope.EntityType,
			"journal": rec.Journal,
		}).Warn("unexpected entity on training submission topic")
		return nil
	}

	var cls = s.Classifier.Classify(job)
	classifications.WithLabelValues(string(cls.Target), cls.Reason).Inc()

	var headers = transport.ChildHeaders(rec.Envelope)
	headers[arcLabels.ClassificationTarget] = string(cls.Target)
	headers[arcLabels.ClassificationReason] = cls.Reason

	log.WithFields(log.Fields{
		"job":     job.JobID,
		"target":  cls.Target,
		"reason":  cls.Reason,
		"factors": cls.Factors,
	}).Info("classified training job")

	if cls.Target == schema.TargetFederated {
		if _, err := s.Producer.Send(arcLabels.TrainingFederated, job.JobID.String(), job, headers); err != nil {
			return fmt.Errorf("publishing federated job: %w", err)
		}
		bridgeOutcomes.WithLabelValues("federated").Inc()
		return nil
	}
	return s.bridge(ctx, job, cls, headers)
}

// Finalize implements transport.Application.
func (s *Submission) Finalize(context.Context) error { return nil }

// bridge initiates the job's dataset transfer and publishes its
// PendingJob, or a FailedJob when initiation is exhausted.
func (s *Submission) bridge(ctx context.Context, job *schema.TrainingJob, cls Classification, headers map[string]string) error {
	var attempts = s.InitiateAttempts
	if attempts <= 0 {
		attempts = 3
	}
	var delay = s.InitiateDelay
	if delay <= 0 {
		delay = time.Second
	}

	var task *transfer.Task
	var err = retry.Do(
		func() error {
			var initErr error
			task, initErr = s.Transfer.Initiate(ctx, transfer.InitiateRequest{
				JobID:         job.JobID,
				DatasetURI:    job.DatasetURI,
				DatasetSizeGB: job.DatasetSizeGB,
			})
			return initErr
		},
		retry.Attempts(uint(attempts)),
		retry.Delay(delay),
		retry.DelayType(retry.BackOffDelay),
		retry.Context(ctx),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		if ctx.Err() != nil {
			// Shutting down. Fail the batch so the job is redelivered.
			return err
		}
		var failed = &schema.FailedJob{
			SchemaVersion: 1,
			Job:           *job,
			Reason:        schema.ReasonInitiationFailed,
			Detail:        err.Error(),
			FailedAt:      s.now(),
		}
		if _, pubErr := s.Producer.Send(arcLabels.BridgeFailed, job.JobID.String(), failed, headers); pubErr != nil {
			return fmt.Errorf("publishing failed job: %w", pubErr)
		}
		bridgeOutcomes.WithLabelValues("initiation-failed").Inc()

		log.WithFields(log.Fields{
			"job": job.JobID,
			"err": err,
		}).Warn("transfer initiation exhausted retries")
		return nil
	}

	var pending = &schema.PendingJob{
		SchemaVersion:  1,
		Job:            *job,
		TransferTaskID: task.TaskID,
		Status:         schema.StatusTransferring,
		Classification: cls.Reason,
		SubmittedAt:    s.now(),
	}
	if _, err = s.Producer.Send(arcLabels.BridgePending, job.JobID.String(), pending, headers); err != nil {
		return fmt.Errorf("publishing pending job: %w", err)
	}
	bridgeOutcomes.WithLabelValues("transfer-started").Inc()

	log.WithFields(log.Fields{
		"job":  job.JobID,
		"task": task.TaskID,
	}).Info("initiated dataset transfer")
	return nil
}

func (s *Submission) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}
