package presence

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/mossy-p/meshchat/internal/models"
	"github.com/mossy-p/meshchat/internal/store"
)

// Registry tracks who is in the room through one record per participant.
// With a ttl each record must be refreshed by Heartbeat; records of nodes
// that died without leaving expire and drop out of every snapshot.
type Registry struct {
	store      store.Store
	collection string
	ttl        time.Duration
	log        *zap.Logger
}

// NewRegistry keeps presence in collection. A ttl of zero disables expiry.
func NewRegistry(s store.Store, collection string, ttl time.Duration, log *zap.Logger) *Registry {
	return &Registry{store: s, collection: collection, ttl: ttl, log: log}
}

// Join upserts the participant's live record
func (r *Registry) Join(ctx context.Context, p models.Participant) error {
	if err := r.refresh(ctx, p); err != nil {
		return fmt.Errorf("join %s: %w", p.ID, err)
	}
	r.log.Info("joined room", zap.String("participant", p.ID), zap.String("name", p.DisplayName))
	return nil
}

func (r *Registry) refresh(ctx context.Context, p models.Participant) error {
	p.LastSeen = time.Now().UTC()
	if err := r.store.Set(ctx, r.collection, p.ID, p); err != nil {
		return err
	}
	if r.ttl > 0 {
		if _, err := r.store.Expire(ctx, r.collection, p.ID, r.ttl); err != nil {
			return err
		}
	}
	return nil
}

// Heartbeat rewrites the participant's record every third of the ttl until
// ctx is done. Failed refreshes are logged and retried on the next tick.
func (r *Registry) Heartbeat(ctx context.Context, p models.Participant) error {
	if r.ttl <= 0 {
		return nil
	}

	ticker := time.NewTicker(max(r.ttl/3, time.Millisecond))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := r.refresh(ctx, p); err != nil && ctx.Err() == nil {
				r.log.Warn("presence refresh failed", zap.String("participant", p.ID), zap.Error(err))
			}
		}
	}
}

// Leave deletes the participant's live record
func (r *Registry) Leave(ctx context.Context, id string) error {
	if _, err := r.store.Delete(ctx, r.collection, id); err != nil {
		return fmt.Errorf("leave %s: %w", id, err)
	}
	r.log.Info("left room", zap.String("participant", id))
	return nil
}

// Subscribe calls fn with every participant except selfID, first with the
// current snapshot and then after each change or expiry. It blocks until ctx
// is done.
func (r *Registry) Subscribe(ctx context.Context, selfID string, fn func([]models.Participant)) error {
	changes, err := r.store.Watch(ctx, r.collection, store.Filter{})
	if err != nil {
		return fmt.Errorf("watch presence: %w", err)
	}

	var sweep <-chan time.Time
	if r.ttl > 0 {
		ticker := time.NewTicker(max(r.ttl/2, time.Millisecond))
		defer ticker.Stop()
		sweep = ticker.C
	}

	others := make(map[string]models.Participant)
	for {
		select {
		case batch, ok := <-changes:
			if !ok {
				return ctx.Err()
			}
			r.apply(others, batch, selfID)
			r.prune(others, time.Now())
			fn(sorted(others))

		case now := <-sweep:
			if r.prune(others, now) {
				fn(sorted(others))
			}
		}
	}
}

func (r *Registry) apply(others map[string]models.Participant, batch []store.Change, selfID string) {
	for _, c := range batch {
		if c.Doc.ID == selfID {
			continue
		}
		switch c.Kind {
		case store.ChangeAdded, store.ChangeModified:
			var p models.Participant
			if err := c.Doc.Decode(&p); err != nil {
				r.log.Warn("ignoring malformed presence record", zap.String("id", c.Doc.ID), zap.Error(err))
				continue
			}
			p.ID = c.Doc.ID
			others[p.ID] = p
		case store.ChangeRemoved:
			delete(others, c.Doc.ID)
		}
	}
}

// prune drops records not refreshed within the ttl and reports whether any
// were dropped.
func (r *Registry) prune(others map[string]models.Participant, now time.Time) bool {
	if r.ttl <= 0 {
		return false
	}
	pruned := false
	for id, p := range others {
		if now.Sub(p.LastSeen) > r.ttl {
			r.log.Info("presence expired", zap.String("participant", id), zap.Time("last_seen", p.LastSeen))
			delete(others, id)
			pruned = true
		}
	}
	return pruned
}

func sorted(m map[string]models.Participant) []models.Participant {
	out := make([]models.Participant, 0, len(m))
	for _, p := range m {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].JoinedAt.Equal(out[j].JoinedAt) {
			return out[i].JoinedAt.Before(out[j].JoinedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}
