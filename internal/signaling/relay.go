package signaling

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/mossy-p/meshchat/internal/metrics"
	"github.com/mossy-p/meshchat/internal/models"
	"github.com/mossy-p/meshchat/internal/store"
)

// Handler processes one envelope that this subscriber consumed.
type Handler func(ctx context.Context, env models.Envelope)

// Relay is an addressed, delete-on-read mailbox on top of the shared store.
type Relay struct {
	store      store.Store
	collection string
	metrics    *metrics.Metrics
	log        *zap.Logger
	now        func() time.Time
}

// NewRelay exchanges envelopes through collection.
func NewRelay(s store.Store, collection string, m *metrics.Metrics, log *zap.Logger) *Relay {
	return &Relay{
		store:      s,
		collection: collection,
		metrics:    m,
		log:        log,
		now:        time.Now,
	}
}

// Send appends an envelope to the shared collection
func (r *Relay) Send(ctx context.Context, env models.Envelope) error {
	if env.SentAt.IsZero() {
		env.SentAt = r.now().UTC()
	}
	if err := env.Validate(); err != nil {
		return fmt.Errorf("send %s to %s: %w", env.Type(), env.To, err)
	}

	if _, err := r.store.Add(ctx, r.collection, env); err != nil {
		return fmt.Errorf("send %s to %s: %w", env.Type(), env.To, err)
	}
	r.metrics.Signals.WithLabelValues(metrics.DirectionSent, string(env.Type())).Inc()
	return nil
}

// Subscribe consumes envelopes addressed to selfID until ctx is done. Each
// batch is dispatched offer-first, and an envelope reaches handle only if
// this subscriber's delete removed it from the store.
func (r *Relay) Subscribe(ctx context.Context, selfID string, handle Handler) error {
	changes, err := r.store.Watch(ctx, r.collection, store.Filter{Field: "to", Value: selfID})
	if err != nil {
		return fmt.Errorf("watch inbox: %w", err)
	}

	for batch := range changes {
		r.dispatch(ctx, selfID, batch, handle)
	}
	return ctx.Err()
}

func (r *Relay) dispatch(ctx context.Context, selfID string, batch []store.Change, handle Handler) {
	envs := make([]models.Envelope, 0, len(batch))
	for _, c := range batch {
		if c.Kind != store.ChangeAdded {
			continue
		}

		var env models.Envelope
		err := c.Doc.Decode(&env)
		if err == nil {
			err = env.Validate()
		}
		if err != nil || env.To != selfID {
			// Nobody else can use it either
			r.log.Warn("discarding unusable envelope", zap.String("id", c.Doc.ID), zap.Error(err))
			_, _ = r.store.Delete(ctx, r.collection, c.Doc.ID)
			continue
		}
		env.ID = c.Doc.ID
		envs = append(envs, env)
	}

	OfferFirst(envs)

	for _, env := range envs {
		consumed, err := r.store.Delete(ctx, r.collection, env.ID)
		if err != nil {
			r.log.Warn("could not consume envelope",
				zap.String("id", env.ID), zap.String("from", env.From), zap.Error(err))
			continue
		}
		if !consumed {
			continue
		}
		r.metrics.Signals.WithLabelValues(metrics.DirectionReceived, string(env.Type())).Inc()
		handle(ctx, env)
	}
}

// Cleanup deletes the envelopes selfID authored that nobody consumed yet.
func (r *Relay) Cleanup(ctx context.Context, selfID string) (int, error) {
	docs, err := r.store.Query(ctx, r.collection, store.Filter{Field: "from", Value: selfID})
	if err != nil {
		return 0, fmt.Errorf("list authored envelopes: %w", err)
	}

	removed := 0
	for _, doc := range docs {
		ok, err := r.store.Delete(ctx, r.collection, doc.ID)
		if err != nil {
			r.log.Warn("cleanup delete failed", zap.String("id", doc.ID), zap.Error(err))
			continue
		}
		if ok {
			removed++
		}
	}
	return removed, nil
}

// OfferFirst orders offers ahead of answers and candidates, keeping arrival
// order within each group.
func OfferFirst(envs []models.Envelope) {
	sort.SliceStable(envs, func(i, j int) bool {
		return rank(envs[i]) < rank(envs[j])
	})
}

func rank(env models.Envelope) int {
	switch env.Payload.(type) {
	case models.OfferPayload:
		return 0
	case models.AnswerPayload, models.CandidatePayload:
		return 1
	default:
		return 2
	}
}
