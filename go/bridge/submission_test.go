package bridge

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.gazette.dev/core/broker/client"

	arcLabels "github.com/arcnet-dev/protocol/go/labels"
	"github.com/arcnet-dev/protocol/go/schema"
	"github.com/arcnet-dev/protocol/go/transfer"
	"github.com/arcnet-dev/protocol/go/transport"
)

var epoch = time.Date(2025, 8, 10, 12, 0, 0, 0, time.UTC)

type published struct {
	topic   string
	key     string
	entity  interface{}
	headers map[string]string
}

// pubRecorder stands in for the transport producer.
type pubRecorder struct{ sent []published }

func (r *pubRecorder) Send(topic, key string, entity interface{}, headers map[string]string) (*client.AsyncAppend, error) {
	r.sent = append(r.sent, published{topic, key, entity, headers})
	return nil, nil
}

func (r *pubRecorder) EnsureSend(_ context.Context, t transport.Topic, key string, entity interface{}, headers map[string]string) (*client.AsyncAppend, error) {
	r.sent = append(r.sent, published{t.Name, key, entity, headers})
	return nil, nil
}

// fakeTransfer scripts the transfer service.
type fakeTransfer struct {
	initiates    []transfer.InitiateRequest
	initiateErrs int // Initiate calls to fail before succeeding.
	polls        []string
	tasks        []*transfer.Task // Successive Poll responses; the last repeats.
	pollErr      error
	cancels      []string
	cancelErr    error
}

func (f *fakeTransfer) Initiate(_ context.Context, req transfer.InitiateRequest) (*transfer.Task, error) {
	f.initiates = append(f.initiates, req)
	if f.initiateErrs > 0 {
		f.initiateErrs--
		return nil, errors.New("dtn unavailable")
	}
	return &transfer.Task{TaskID: "task-1", Status: transfer.StatusPending}, nil
}

func (f *fakeTransfer) Poll(_ context.Context, taskID string) (*transfer.Task, error) {
	f.polls = append(f.polls, taskID)
	if f.pollErr != nil {
		return nil, f.pollErr
	}
	var i = len(f.polls) - 1
	if i >= len(f.tasks) {
		i = len(f.tasks) - 1
	}
	return f.tasks[i], nil
}

func (f *fakeTransfer) Cancel(_ context.Context, taskID string) error {
	f.cancels = append(f.cancels, taskID)
	return f.cancelErr
}

func jobRecord(job *schema.TrainingJob, headers map[string]string) *transport.Record {
	return &transport.Record{
		Envelope: &transport.Envelope{
			EntityType:    schema.TypeTrainingJob,
			SchemaVersion: 2,
			Key:           job.JobID.String(),
			Headers:       headers,
		},
		Entity: job,
	}
}

func TestSubmissionRoutesFederated(t *testing.T) {
	var pub = &pubRecorder{}
	var xfer = &fakeTransfer{}
	var sub = &Submission{
		Transfer: xfer,
		Producer: pub,
		Now:      func() time.Time { return epoch },
	}

	// Case: a modest job runs federated and republishes verbatim.
	var job = trainingJob(nil)
	require.NoError(t, sub.Consume(context.Background(),
		jobRecord(job, map[string]string{arcLabels.TraceID: "t1"})))

	require.Len(t, pub.sent, 1)
	var got = pub.sent[0]
	require.Equal(t, arcLabels.TrainingFederated, got.topic)
	require.Equal(t, job.JobID.String(), got.key)
	require.Equal(t, job, got.entity)

	// The classification annotates the message, and the trace carries over.
	require.Equal(t, "federated", got.headers[arcLabels.ClassificationTarget])
	require.Equal(t, ReasonFederatedDefault, got.headers[arcLabels.ClassificationReason])
	require.Equal(t, "t1", got.headers[arcLabels.TraceID])
	require.NotEmpty(t, got.headers[arcLabels.SpanID])

	// No transfer was started.
	require.Empty(t, xfer.initiates)
}

func TestSubmissionBridgesToHPC(t *testing.T) {
	var pub = &pubRecorder{}
	var xfer = &fakeTransfer{}
	var sub = &Submission{
		Transfer: xfer,
		Producer: pub,
		Now:      func() time.Time { return epoch },
	}

	// Case: an oversized dataset initiates a transfer and goes pending.
	var job = trainingJob(func(j *schema.TrainingJob) { j.DatasetSizeGB = 1500 })
	require.NoError(t, sub.Consume(context.Background(), jobRecord(job, nil)))

	require.Len(t, xfer.initiates, 1)
	require.Equal(t, transfer.InitiateRequest{
		JobID:         job.JobID,
		DatasetURI:    job.DatasetURI,
		DatasetSizeGB: 1500,
	}, xfer.initiates[0])

	require.Len(t, pub.sent, 1)
	var got = pub.sent[0]
	require.Equal(t, arcLabels.BridgePending, got.topic)
	require.Equal(t, job.JobID.String(), got.key)
	require.Equal(t, &schema.PendingJob{
		SchemaVersion:  1,
		Job:            *job,
		TransferTaskID: "task-1",
		Status:         schema.StatusTransferring,
		Classification: ReasonDatasetSize,
		SubmittedAt:    epoch,
	}, got.entity)
	require.Equal(t, "hpc", got.headers[arcLabels.ClassificationTarget])
	require.Equal(t, ReasonDatasetSize, got.headers[arcLabels.ClassificationReason])
}

func TestSubmissionRetriesInitiation(t *testing.T) {
	var pub = &pubRecorder{}
	var xfer = &fakeTransfer{initiateErrs: 2}
	var sub = &Submission{
		Transfer:      xfer,
		Producer:      pub,
		Now:           func() time.Time { return epoch },
		InitiateDelay: time.Millisecond,
	}

	// Case: two transient failures are retried through to success.
	var job = trainingJob(func(j *schema.TrainingJob) { j.EstimatedFLOPs = 2e18 })
	require.NoError(t, sub.Consume(context.Background(), jobRecord(job, nil)))

	require.Len(t, xfer.initiates, 3)
	require.Len(t, pub.sent, 1)
	require.Equal(t, arcLabels.BridgePending, pub.sent[0].topic)
}

func TestSubmissionExhaustsInitiation(t *testing.T) {
	var pub = &pubRecorder{}
	var xfer = &fakeTransfer{initiateErrs: 99}
	var sub = &Submission{
		Transfer:         xfer,
		Producer:         pub,
		Now:              func() time.Time { return epoch },
		InitiateAttempts: 2,
		InitiateDelay:    time.Millisecond,
	}

	// Case: when every attempt fails, the job fails terminally.
	var job = trainingJob(func(j *schema.TrainingJob) { j.DatasetSizeGB = 1500 })
	require.NoError(t, sub.Consume(context.Background(), jobRecord(job, nil)))

	require.Len(t, xfer.initiates, 2)
	require.Len(t, pub.sent, 1)
	var got = pub.sent[0]
	require.Equal(t, arcLabels.BridgeFailed, got.topic)
	require.Equal(t, &schema.FailedJob{
		SchemaVersion: 1,
		Job:           *job,
		Reason:        schema.ReasonInitiationFailed,
		Detail:        "dtn unavailable",
		FailedAt:      epoch,
	}, got.entity)
}

func TestSubmissionIgnoresForeignAndInvalidRecords(t *testing.T) {
	var pub = &pubRecorder{}
	var sub = &Submission{Transfer: &fakeTransfer{}, Producer: pub}

	// Case: an invalid record was already dead-lettered. Skip it.
	require.NoError(t, sub.Consume(context.Background(), &transport.Record{
		Err: errors.New("bad line"),
	}))

	// Case: an unexpected entity type is logged and skipped.
	require.NoError(t, sub.Consume(context.Background(), &transport.Record{
		Envelope: &transport.Envelope{EntityType: schema.TypeInferenceRequest},
		Entity: &schema.InferenceRequest{
			RequestID: uuid.MustParse("aaaaaaaa-0000-0000-0000-00000000000a"),
		},
	}))

	require.Empty(t, pub.sent)
}
