package bridge

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	arcLabels "github.com/arcnet-dev/protocol/go/labels"
	"github.com/arcnet-dev/protocol/go/schema"
	"github.com/arcnet-dev/protocol/go/transfer"
	"github.com/arcnet-dev/protocol/go/transport"
)

// Pending consumes in-flight transfer jobs, polls each one's task, and
// steers the job to its terminal topic. Jobs still transferring are
// republished to the same topic, which doubles as the delay queue; the
// pacer bounds how fast one job cycles through it.
type Pending struct {
	Transfer transfer.Client
	Producer transport.Publisher
	// Now is the time source. Defaults to time.Now.
	Now func() time.Time
	// PollInterval paces a job's republish cycle (default 15s).
	PollInterval time.Duration
	// MaxTransferAge bounds how long a transfer may run before it's
	// canceled and the job fails (default 1h).
	MaxTransferAge time.Duration

	// sleep is swapped by tests.
	sleep func(context.Context, time.Duration)
}

var _ transport.Application = (*Pending)(nil)

// Consume advances one delivered pending job.
func (p *Pending) Consume(ctx context.Context, rec *transport.Record) error {
	if !rec.Valid() {
		return nil // Already dead-lettered.
	}
	var pending, ok = rec.Entity.(*schema.PendingJob)
	if !ok {
		log.WithFields(log.Fields{
			"entity":  rec.Envelope.EntityType,
			"journal": rec.Journal,
		}).Warn("unexpected entity on pending bridge topic")
		return nil
	}

	var headers = transport.ChildHeaders(rec.Envelope)
	for _, key := range []string{arcLabels.ClassificationTarget, arcLabels.ClassificationReason} {
		if v := rec.Envelope.Header(key); v != "" {
			headers[key] = v
		}
	}

	var status = transfer.StatusUnknown
	var task, err = p.Transfer.Poll(ctx, pending.TransferTaskID)
	if err != nil {
		if ctx.Err() != nil {
			return err
		}
		log.WithFields(log.Fields{
			"job":  pending.Job.JobID,
			"task": pending.TransferTaskID,
			"err":  err,
		}).Warn("polling transfer task failed")
	} else {
		status = task.Status
	}

	switch status {
	case transfer.StatusSucceeded:
		return p.complete(pending, task, headers)
	case transfer.StatusFailed:
		return p.fail(pending, schema.ReasonTransferFailed,
			fmt.Sprintf("transfer task %s failed", pending.TransferTaskID), headers)
	case transfer.StatusCanceled:
		return p.fail(pending, schema.ReasonTransferCanceled,
			fmt.Sprintf("transfer task %s was canceled", pending.TransferTaskID), headers)
	}

	// Still in flight, or the service couldn't tell us.
	if age := p.now().Sub(pending.SubmittedAt); age > p.maxAge() {
		if err = p.Transfer.Cancel(ctx, pending.TransferTaskID); err != nil {
			log.WithFields(log.Fields{
				"job":  pending.Job.JobID,
				"task": pending.TransferTaskID,
				"err":  err,
			}).Warn("canceling overdue transfer failed")
		}
		return p.fail(pending, schema.ReasonTransferTimeout,
			fmt.Sprintf("transfer ran %s without completing (last status %s)", age, status), headers)
	}

	p.pace(ctx)

	var next = *pending
	next.RetryCount++
	if _, err = p.Producer.Send(arcLabels.BridgePending, next.Job.JobID.String(), &next, headers); err != nil {
		return fmt.Errorf("republishing pending job: %w", err)
	}
	bridgeOutcomes.WithLabelValues("requeued").Inc()
	return nil
}

// Finalize implements transport.Application.
func (p *Pending) Finalize(context.Context) error { return nil }

// complete hands the transferred job to the HPC ingress topic.
func (p *Pending) complete(pending *schema.PendingJob, task *transfer.Task, headers map[string]string) error {
	var completedAt = task.CompletedAt
	if completedAt.IsZero() {
		completedAt = p.now()
	}
	var ornl = &schema.OrnlJob{
		SchemaVersion:       1,
		Job:                 pending.Job,
		TransferTaskID:      pending.TransferTaskID,
		BytesTransferred:    task.BytesTransferred,
		FilesTransferred:    task.FilesTransferred,
		TransferCompletedAt: completedAt,
		Classification:      pending.Classification,
	}
	if _, err := p.Producer.Send(arcLabels.OrnlIngress, pending.Job.JobID.String(), ornl, headers); err != nil {
		return fmt.Errorf("publishing completed job: %w", err)
	}
	bridgeOutcomes.WithLabelValues("completed").Inc()

	log.WithFields(log.Fields{
		"job":   pending.Job.JobID,
		"task":  pending.TransferTaskID,
		"bytes": task.BytesTransferred,
		"files": task.FilesTransferred,
		"polls": pending.RetryCount,
	}).Info("dataset transfer completed")
	return nil
}

// fail emits the job's terminal FailedJob.
func (p *Pending) fail(pending *schema.PendingJob, reason, detail string, headers map[string]string) error {
	var failed = &schema.FailedJob{
		SchemaVersion: 1,
		Job:           pending.Job,
		Reason:        reason,
		Detail:        detail,
		FailedAt:      p.now(),
	}
	if _, err := p.Producer.Send(arcLabels.BridgeFailed, pending.Job.JobID.String(), failed, headers); err != nil {
		return fmt.Errorf("publishing failed job: %w", err)
	}
	bridgeOutcomes.WithLabelValues(reason).Inc()

	log.WithFields(log.Fields{
		"job":    pending.Job.JobID,
		"task":   pending.TransferTaskID,
		"reason": reason,
		"detail": detail,
	}).Warn("bridged job failed")
	return nil
}

func (p *Pending) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now()
}

func (p *Pending) maxAge() time.Duration {
	if p.MaxTransferAge > 0 {
		return p.MaxTransferAge
	}
	return time.Hour
}

// pace blocks between poll cycles of a job, bounding how fast the
// pending topic spins.
func (p *Pending) pace(ctx context.Context) {
	var d = p.PollInterval
	if d <= 0 {
		d = transfer.DefaultPollInterval
	}
	if p.sleep != nil {
		p.sleep(ctx, d)
		return
	}
	var timer = time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
