// Package chat runs one joined chat session: presence, the signal inbox,
// the peer mesh and the message transcript.
package chat

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/mossy-p/meshchat/config"
	"github.com/mossy-p/meshchat/internal/metrics"
	"github.com/mossy-p/meshchat/internal/models"
	"github.com/mossy-p/meshchat/internal/peer"
	"github.com/mossy-p/meshchat/internal/presence"
	"github.com/mossy-p/meshchat/internal/signaling"
)

const leaveTimeout = 5 * time.Second

// Session owns every live connection of one participant for as long as it
// stays in the room. It is never shared between participants.
type Session struct {
	self        models.Participant
	registry    *presence.Registry
	relay       *signaling.Relay
	manager     *peer.Manager
	transcript  *Transcript
	broadcaster *Broadcaster
	log         *zap.Logger

	mu     sync.RWMutex
	others []models.Participant
	seeded bool
}

// NewSession builds a session for self. Nothing touches the store until Run.
func NewSession(self models.Participant, registry *presence.Registry, relay *signaling.Relay,
	transports peer.TransportFactory, cfg config.ChatConfig, m *metrics.Metrics, log *zap.Logger) *Session {
	log = log.With(zap.String("self", self.ID))
	if self.JoinedAt.IsZero() {
		self.JoinedAt = time.Now().UTC()
	}

	limit := rate.Inf
	if cfg.SendRate > 0 {
		limit = rate.Limit(cfg.SendRate)
	}

	s := &Session{
		self:       self,
		registry:   registry,
		relay:      relay,
		manager:    peer.NewManager(self.ID, transports, relay, m, log),
		transcript: NewTranscript(cfg.TranscriptLimit),
		log:        log,
	}
	s.broadcaster = NewBroadcaster(self, s.manager, s, s.transcript, validator.New(),
		rate.NewLimiter(limit, max(cfg.SendBurst, 1)), m, log)
	s.manager.OnMessage(func(remoteID string, data []byte) {
		s.broadcaster.Receive(remoteID, data)
	})
	return s
}

// Run joins the room and keeps the mesh in step with presence until ctx is
// done, then leaves. Store failures degrade the session but never end it early.
func (s *Session) Run(ctx context.Context) error {
	if err := s.registry.Join(ctx, s.self); err != nil {
		s.log.Error("join failed, continuing without presence", zap.Error(err))
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.degraded("presence heartbeat", s.registry.Heartbeat(gctx, s.self))
	})
	g.Go(func() error {
		err := s.registry.Subscribe(gctx, s.self.ID, func(ps []models.Participant) {
			s.onPresence(gctx, ps)
		})
		return s.degraded("presence", err)
	})
	g.Go(func() error {
		err := s.relay.Subscribe(gctx, s.self.ID, s.onSignal)
		return s.degraded("signal inbox", err)
	})
	_ = g.Wait()
	<-ctx.Done()

	leaveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), leaveTimeout)
	defer cancel()
	return s.Leave(leaveCtx)
}

func (s *Session) degraded(what string, err error) error {
	if err != nil && !errors.Is(err, context.Canceled) {
		s.log.Error(what+" subscription ended", zap.Error(err))
	}
	return nil
}

// Leave removes the presence record, deletes unconsumed envelopes this
// participant authored and closes every connection.
func (s *Session) Leave(ctx context.Context) error {
	var errs []error
	if err := s.registry.Leave(ctx, s.self.ID); err != nil {
		s.log.Warn("leave failed", zap.Error(err))
		errs = append(errs, err)
	}

	n, err := s.relay.Cleanup(ctx, s.self.ID)
	if err != nil {
		s.log.Warn("signal cleanup failed", zap.Error(err))
		errs = append(errs, err)
	}

	s.manager.Close()

	s.mu.Lock()
	s.others = nil
	s.seeded = false
	s.mu.Unlock()

	s.log.Info("left session", zap.Int("envelopes_removed", n))
	return errors.Join(errs...)
}

func (s *Session) onPresence(ctx context.Context, ps []models.Participant) {
	s.mu.Lock()
	prev := make(map[string]models.Participant, len(s.others))
	for _, p := range s.others {
		prev[p.ID] = p
	}
	seeded := s.seeded
	s.others = ps
	s.seeded = true
	s.mu.Unlock()

	current := make(map[string]struct{}, len(ps))
	for _, p := range ps {
		current[p.ID] = struct{}{}
		if _, ok := prev[p.ID]; !ok && seeded {
			s.broadcaster.System(fmt.Sprintf("%s joined the chat", displayName(p)))
		}
	}
	for id, p := range prev {
		if _, ok := current[id]; ok {
			continue
		}
		s.manager.Disconnect(id)
		s.broadcaster.System(fmt.Sprintf("%s left the chat", displayName(p)))
	}

	for _, p := range ps {
		if !peer.ShouldInitiate(s.self.ID, p.ID) || s.manager.Has(p.ID) {
			continue
		}
		if err := s.manager.Connect(ctx, p.ID); err != nil {
			s.log.Warn("could not start negotiation", zap.String("peer", p.ID), zap.Error(err))
		}
	}
}

func (s *Session) onSignal(ctx context.Context, env models.Envelope) {
	if err := s.manager.HandleSignal(ctx, env); err != nil {
		s.log.Warn("signal not applied",
			zap.String("peer", env.From), zap.String("type", string(env.Type())), zap.Error(err))
	}
}

// Send broadcasts a message typed by the local user.
func (s *Session) Send(ctx context.Context, req models.SendMessageRequest) (Delivery, error) {
	return s.broadcaster.Send(ctx, models.ChatMessage{
		Text:   req.Text,
		Type:   req.Type,
		Amount: req.Amount,
	})
}

// Others lists the other participants from the latest presence snapshot.
func (s *Session) Others() []models.Participant {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]models.Participant(nil), s.others...)
}

// Status reports presence and the state of every peer connection.
func (s *Session) Status() models.RoomStatus {
	peers := s.manager.Peers()
	status := models.RoomStatus{
		Self:         s.self,
		Participants: s.Others(),
		Peers:        make([]models.PeerStatus, 0, len(peers)),
	}
	for _, p := range peers {
		status.Peers = append(status.Peers, models.PeerStatus{ID: p.ID, State: p.State.String()})
	}
	return status
}

// Self returns the local participant.
func (s *Session) Self() models.Participant { return s.self }

// Transcript returns the session's visible message history.
func (s *Session) Transcript() *Transcript { return s.transcript }

// Manager exposes the peer mesh, mainly for status and tests.
func (s *Session) Manager() *peer.Manager { return s.manager }

func displayName(p models.Participant) string {
	if p.DisplayName != "" {
		return p.DisplayName
	}
	return p.ID
}
