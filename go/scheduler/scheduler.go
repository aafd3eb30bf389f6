package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
	cache "github.com/patrickmn/go-cache"
	"github.com/samber/lo"
	log "github.com/sirupsen/logrus"

	"github.com/arcnet-dev/protocol/go/docstore"
	arcLabels "github.com/arcnet-dev/protocol/go/labels"
	"github.com/arcnet-dev/protocol/go/reserve"
	"github.com/arcnet-dev/protocol/go/schema"
	"github.com/arcnet-dev/protocol/go/transport"
)

// Candidates is the store query surface the scheduler draws from.
type Candidates interface {
	FindAvailable(prefix, modelID string, minBattery float64, opts docstore.FindOptions) []*schema.NodeDocument
}

// Reserver claims nodes on behalf of requests.
type Reserver interface {
	Reserve(nodeID, requestID uuid.UUID) (*schema.Reservation, error)
}

// Scheduler consumes inference requests and places each onto the best
// available node: the node is reserved first, then a dispatch command
// is issued to its geozone. Releasing the reservation is the dispatch
// receiver's duty, not the scheduler's.
type Scheduler struct {
	policy   Policy
	store    Candidates
	reserver Reserver
	producer transport.Publisher
	now      func() time.Time

	// conflicts remembers nodes which recently lost us a reservation
	// race, so consecutive requests don't pile onto the same node.
	conflicts *cache.Cache
}

// NewScheduler builds a Scheduler and logs the policy fingerprint.
func NewScheduler(policy Policy, store Candidates, reserver Reserver, producer transport.Publisher, now func() time.Time) (*Scheduler, error) {
	var fp, err = policy.Fingerprint()
	if err != nil {
		return nil, err
	}
	log.WithFields(log.Fields{
		"fingerprint": fp,
		"geozone":     policy.WeightGeozone,
		"energy":      policy.WeightEnergy,
		"utilization": policy.WeightUtilization,
		"battery":     policy.WeightBattery,
	}).Info("scheduler policy")

	if now == nil {
		now = time.Now
	}
	return &Scheduler{
		policy:    policy,
		store:     store,
		reserver:  reserver,
		producer:  producer,
		now:       now,
		conflicts: cache.New(policy.ConflictTTL, time.Minute),
	}, nil
}

var _ transport.Application = (*Scheduler)(nil)

// Consume schedules one delivered inference request.
func (s *Scheduler) Consume(ctx context.Context, rec *transport.Record) error {
	if !rec.Valid() {
		return nil // Already dead-lettered.
	}
	var req, ok = rec.Entity.(*schema.InferenceRequest)
	if !ok {
		log.WithFields(log.Fields{
			"entity":  rec.Envelope.EntityType,
			"journal": rec.Journal,
		}).Warn("unexpected entity on inference request topic")
		return nil
	}
	return s.schedule(ctx, rec.Envelope, req)
}

// Finalize implements transport.Application. Published messages are
// awaited by the consumer transaction; there's nothing further to flush.
func (s *Scheduler) Finalize(context.Context) error { return nil }

func (s *Scheduler) schedule(ctx context.Context, env *transport.Envelope, req *schema.InferenceRequest) error {
	var opts = docstore.FindOptions{MaxResults: s.policy.MaxCandidates}
	var candidates = s.store.FindAvailable(req.RequesterGeozone, req.ModelID, s.policy.MinBattery, opts)
	if len(candidates) == 0 && s.policy.WidenSearch {
		candidates = s.store.FindAvailable("", req.ModelID, s.policy.MinBattery, opts)
	}

	var attempts int
	for _, node := range s.rank(req, candidates) {
		if attempts == s.policy.MaxAttempts {
			break
		}
		if _, skip := s.conflicts.Get(node.NodeID.String()); skip {
			continue
		}
		attempts++

		var _, err = s.reserver.Reserve(node.NodeID, req.RequestID)
		switch {
		case err == nil:
			return s.dispatch(ctx, env, req, node)

		case errors.Is(err, reserve.ErrAlreadyReserved), errors.Is(err, reserve.ErrRaceCondition):
			s.conflicts.SetDefault(node.NodeID.String(), struct{}{})
			reservationConflicts.Inc()

			log.WithFields(log.Fields{
				"request": req.RequestID,
				"node":    node.NodeID,
				"err":     err,
			}).Debug("candidate lost to a concurrent reservation")

		case errors.Is(err, reserve.ErrNodeNotFound):
			// The document vanished between query and claim. Move on.

		default:
			return fmt.Errorf("reserving node %s: %w", node.NodeID, err)
		}
	}
	return s.requeue(env, req)
}

// rank orders candidates by descending score, breaking ties by node ID
// so equal candidates place deterministically.
func (s *Scheduler) rank(req *schema.InferenceRequest, nodes []*schema.NodeDocument) []*schema.NodeDocument {
	var scores = lo.SliceToMap(nodes, func(n *schema.NodeDocument) (uuid.UUID, float64) {
		return n.NodeID, s.policy.Score(req, n)
	})
	sort.Slice(nodes, func(i, j int) bool {
		if scores[nodes[i].NodeID] != scores[nodes[j].NodeID] {
			return scores[nodes[i].NodeID] > scores[nodes[j].NodeID]
		}
		return nodes[i].NodeID.String() < nodes[j].NodeID.String()
	})
	return nodes
}

// dispatch issues the command which hands the reserved node to the
// request, on the dispatch topic of the node's geozone.
func (s *Scheduler) dispatch(ctx context.Context, env *transport.Envelope, req *schema.InferenceRequest, node *schema.NodeDocument) error {
	var cmd = &schema.DispatchCommand{
		SchemaVersion: 1,
		CommandType:   schema.CommandInferenceDispatch,
		RequestID:     req.RequestID,
		NodeID:        node.NodeID,
		ModelID:       req.ModelID,
		IssuedAt:      s.now(),
	}
	var topic = transport.Topic{
		Name:       arcLabels.DispatchPrefix + node.GeozoneID,
		Partitions: 1,
	}
	if _, err := s.producer.EnsureSend(ctx, topic, node.NodeID.String(), cmd, transport.ChildHeaders(env)); err != nil {
		return fmt.Errorf("publishing dispatch command: %w", err)
	}
	schedulerDecisions.WithLabelValues("dispatched").Inc()

	log.WithFields(log.Fields{
		"request": req.RequestID,
		"model":   req.ModelID,
		"node":    node.NodeID,
		"geozone": node.GeozoneID,
	}).Info("dispatched inference request")
	return nil
}

// requeue sends the request for another scheduling pass, or rejects it
// once its retry budget is spent.
func (s *Scheduler) requeue(env *transport.Envelope, req *schema.InferenceRequest) error {
	var remaining = env.RetryBudget(s.policy.RetryBudget)
	var headers = transport.ChildHeaders(env)

	if remaining <= 0 {
		if _, err := s.producer.Send(arcLabels.InferenceRejected, req.RequestID.String(), req, headers); err != nil {
			return fmt.Errorf("publishing rejection: %w", err)
		}
		schedulerDecisions.WithLabelValues("rejected").Inc()

		log.WithFields(log.Fields{
			"request": req.RequestID,
			"model":   req.ModelID,
			"geozone": req.RequesterGeozone,
		}).Warn("rejected inference request with exhausted retries")
		return nil
	}

	headers[arcLabels.RetriesRemaining] = strconv.Itoa(remaining - 1)
	if _, err := s.producer.Send(arcLabels.InferenceRetries, req.RequestID.String(), req, headers); err != nil {
		return fmt.Errorf("publishing retry: %w", err)
	}
	schedulerDecisions.WithLabelValues("retried").Inc()
	return nil
}
