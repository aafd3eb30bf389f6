package transport

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	arcLabels "github.com/arcnet-dev/protocol/go/labels"
	"github.com/arcnet-dev/protocol/go/schema"
)

var epoch = time.Date(2025, 8, 10, 12, 0, 0, 0, time.UTC)

var nodeID = uuid.MustParse("11111111-0000-0000-0000-000000000001")

func fixtureTelemetry() *schema.NodeTelemetry {
	return &schema.NodeTelemetry{
		SchemaVersion:   2,
		NodeID:          nodeID,
		Timestamp:       epoch,
		Geohash:         "9q8yyk",
		EnergySource:    schema.EnergySolar,
		BatteryLevel:    0.8,
		GPUUtilization:  0.3,
		GPUMemoryFreeGB: 24,
		ModelsLoaded:    []string{"llama"},
	}
}

func TestEnvelopeRoundTrip(t *testing.T) {
	var reg = schema.NewRegistry()

	// Case: wrapping a registered entity stamps its type and version.
	var env, err = NewEnvelope(reg, nodeID.String(), fixtureTelemetry(),
		map[string]string{arcLabels.TraceID: "t1"})
	require.NoError(t, err)
	require.Equal(t, schema.TypeNodeTelemetry, env.EntityType)
	require.Equal(t, 2, env.SchemaVersion)
	require.Equal(t, nodeID.String(), env.Key)
	require.Equal(t, "t1", env.Header(arcLabels.TraceID))

	// Case: the envelope survives the wire and decodes to the entity.
	var line, _ = json.Marshal(env)
	var read Envelope
	require.NoError(t, json.Unmarshal(line, &read))

	entity, err := read.Decode(reg)
	require.NoError(t, err)
	require.Equal(t, fixtureTelemetry(), entity)

	// Case: unregistered values are refused outright.
	_, err = NewEnvelope(reg, "k", struct{ X int }{1}, nil)
	require.EqualError(t, err, "struct { X int } is not a registered entity type")
}

func TestEnvelopeMintsRootTraceContext(t *testing.T) {
	var reg = schema.NewRegistry()

	// Case: an envelope built without a trace context becomes a root.
	var env, err = NewEnvelope(reg, nodeID.String(), fixtureTelemetry(), nil)
	require.NoError(t, err)
	require.Len(t, env.Header(arcLabels.TraceID), 32)
	require.Len(t, env.Header(arcLabels.SpanID), 16)
	require.Equal(t, "01", env.Header(arcLabels.TraceFlags))

	// Case: a supplied trace context is left alone.
	var headers = map[string]string{
		arcLabels.TraceID:    "t1",
		arcLabels.SpanID:     "s1",
		arcLabels.TraceFlags: "00",
	}
	env, err = NewEnvelope(reg, nodeID.String(), fixtureTelemetry(), headers)
	require.NoError(t, err)
	require.Equal(t, "t1", env.Header(arcLabels.TraceID))
	require.Equal(t, "s1", env.Header(arcLabels.SpanID))
	require.Equal(t, "00", env.Header(arcLabels.TraceFlags))
}

func TestEnvelopeDecodeMigratesLegacyVersions(t *testing.T) {
	var reg = schema.NewRegistry()

	// A v1 producer's envelope, with its free-form energy string.
	var env = &Envelope{
		EntityType:    schema.TypeNodeTelemetry,
		SchemaVersion: 1,
		Key:           nodeID.String(),
		Payload: json.RawMessage(`{
			"schemaVersion": 1,
			"nodeId": "11111111-0000-0000-0000-000000000001",
			"timestamp": "2025-08-10T12:00:00Z",
			"geohash": "9q8yyk",
			"energySource": "Cogeneration",
			"batteryLevel": 0.8,
			"gpuUtilization": 0.3,
			"gpuMemoryFreeGb": 24
		}`),
	}

	// Case: the consumer sees only the migrated, current shape.
	var entity, err = env.Decode(reg)
	require.NoError(t, err)
	var te = entity.(*schema.NodeTelemetry)
	require.Equal(t, 2, te.SchemaVersion)
	require.Equal(t, schema.EnergyCogen, te.EnergySource)

	// Case: a version never registered fails to decode.
	env.SchemaVersion = 7
	_, err = env.Decode(reg)
	require.ErrorIs(t, err, schema.ErrUnknownVersion)
}

func TestRetryBudgetHeader(t *testing.T) {
	var env = &Envelope{}

	// Case: an absent header yields the default budget.
	require.Equal(t, 3, env.RetryBudget(3))

	// Case: a well-formed header is authoritative.
	env.WithHeader(arcLabels.RetriesRemaining, "1")
	require.Equal(t, 1, env.RetryBudget(3))
	env.WithHeader(arcLabels.RetriesRemaining, "0")
	require.Equal(t, 0, env.RetryBudget(3))

	// Case: malformed and negative values fall back to the default.
	env.WithHeader(arcLabels.RetriesRemaining, "several")
	require.Equal(t, 3, env.RetryBudget(3))
	env.WithHeader(arcLabels.RetriesRemaining, "-2")
	require.Equal(t, 3, env.RetryBudget(3))
}

func TestChildHeaders(t *testing.T) {
	// Case: no parent, or a parent without trace context, yields empty
	// (but usable) headers.
	require.Empty(t, ChildHeaders(nil))
	require.Empty(t, ChildHeaders(&Envelope{}))

	// Case: the parent's trace carries over under a fresh span.
	var parent = (&Envelope{}).
		WithHeader(arcLabels.TraceID, "t1").
		WithHeader(arcLabels.SpanID, "s1").
		WithHeader(arcLabels.TraceFlags, "01").
		WithHeader(arcLabels.RetriesRemaining, "2")

	var child = ChildHeaders(parent)
	require.Equal(t, "t1", child[arcLabels.TraceID])
	require.Equal(t, "01", child[arcLabels.TraceFlags])
	require.NotEmpty(t, child[arcLabels.SpanID])
	require.NotEqual(t, "s1", child[arcLabels.SpanID])

	// Unrelated headers, like retry budgets, do not propagate.
	require.NotContains(t, child, arcLabels.RetriesRemaining)
	require.Len(t, child, 3)
}
