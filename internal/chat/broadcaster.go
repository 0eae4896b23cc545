package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/mossy-p/meshchat/internal/metrics"
	"github.com/mossy-p/meshchat/internal/models"
	"github.com/mossy-p/meshchat/internal/peer"
)

var (
	// ErrPeersNotReady means others are in the room but no channel is open
	// yet. Nothing was displayed or sent; the user should retry.
	ErrPeersNotReady  = errors.New("peers are listed but not connected yet")
	ErrInvalidMessage = errors.New("invalid chat message")
)

// WarningNoPeers is attached to a delivery made while nobody else is in the room.
const WarningNoPeers = "no peers connected yet, message shown locally only"

// ChannelSource lists the data channels registered for broadcast.
type ChannelSource interface {
	Channels() map[string]peer.DataChannel
}

// Roster lists the other participants currently present.
type Roster interface {
	Others() []models.Participant
}

// Delivery summarizes one broadcast.
type Delivery struct {
	Message   models.ChatMessage
	Delivered int
	Warning   string
}

// Broadcaster sends chat messages to every open channel and folds inbound
// ones into the transcript.
type Broadcaster struct {
	self       models.Participant
	channels   ChannelSource
	roster     Roster
	transcript *Transcript
	validate   *validator.Validate
	limiter    *rate.Limiter
	metrics    *metrics.Metrics
	log        *zap.Logger
	now        func() time.Time
}

func NewBroadcaster(self models.Participant, channels ChannelSource, roster Roster, transcript *Transcript,
	validate *validator.Validate, limiter *rate.Limiter, m *metrics.Metrics, log *zap.Logger) *Broadcaster {
	return &Broadcaster{
		self:       self,
		channels:   channels,
		roster:     roster,
		transcript: transcript,
		validate:   validate,
		limiter:    limiter,
		metrics:    m,
		log:        log,
		now:        time.Now,
	}
}

// Send echoes msg locally and writes it to every open channel. Channels that
// are not open are skipped without retry.
func (b *Broadcaster) Send(ctx context.Context, msg models.ChatMessage) (Delivery, error) {
	msg = b.stamp(msg)
	if err := b.check(msg); err != nil {
		return Delivery{}, err
	}

	if err := b.limiter.Wait(ctx); err != nil {
		b.log.Warn("send limiter cancelled", zap.String("reason", err.Error()))
		return Delivery{}, err
	}

	open := b.openChannels()
	others := len(b.roster.Others())
	if others > 0 && len(open) == 0 {
		b.log.Warn("send blocked, peers not connected", zap.Int("participants", others))
		return Delivery{}, ErrPeersNotReady
	}

	b.transcript.Add(msg)

	d := Delivery{Message: msg}
	if others == 0 && len(open) == 0 {
		d.Warning = WarningNoPeers
	}

	raw, err := json.Marshal(msg)
	if err != nil {
		return d, fmt.Errorf("encode message %s: %w", msg.ID, err)
	}

	for id, dc := range open {
		if err := dc.SendText(string(raw)); err != nil {
			b.log.Warn("channel write failed", zap.String("peer", id), zap.Error(err))
			continue
		}
		d.Delivered++
	}

	b.metrics.ChatMessages.WithLabelValues(metrics.DirectionSent, string(msg.Type)).Inc()
	b.log.Debug("message sent", zap.String("id", msg.ID), zap.Int("delivered", d.Delivered))
	return d, nil
}

// Receive decodes one data channel payload and records it. It reports
// whether the message was new.
func (b *Broadcaster) Receive(from string, raw []byte) bool {
	var msg models.ChatMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		b.log.Warn("dropping undecodable message", zap.String("peer", from), zap.Error(err))
		return false
	}
	if err := b.check(msg); err != nil {
		b.log.Warn("dropping invalid message", zap.String("peer", from), zap.Error(err))
		return false
	}
	if msg.SenderID == b.self.ID {
		return false
	}

	if !b.transcript.Add(msg) {
		b.log.Debug("duplicate message", zap.String("id", msg.ID), zap.String("peer", from))
		return false
	}
	b.metrics.ChatMessages.WithLabelValues(metrics.DirectionReceived, string(msg.Type)).Inc()
	return true
}

// System records a local notice. It is never broadcast.
func (b *Broadcaster) System(text string) {
	b.transcript.Add(models.ChatMessage{
		ID:         uuid.NewString(),
		SenderID:   b.self.ID,
		SenderName: b.self.DisplayName,
		Text:       text,
		Type:       models.MessageTypeSystem,
		Timestamp:  b.now().UTC(),
	})
}

func (b *Broadcaster) stamp(msg models.ChatMessage) models.ChatMessage {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = b.now().UTC()
	}
	if msg.Type == "" {
		msg.Type = models.MessageTypeText
	}
	msg.SenderID = b.self.ID
	if msg.SenderName == "" {
		msg.SenderName = b.self.DisplayName
	}
	return msg
}

func (b *Broadcaster) check(msg models.ChatMessage) error {
	if err := b.validate.Struct(msg); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if msg.Type == models.MessageTypeDonation && msg.Amount == nil {
		return fmt.Errorf("%w: donation without amount", ErrInvalidMessage)
	}
	return nil
}

func (b *Broadcaster) openChannels() map[string]peer.DataChannel {
	all := b.channels.Channels()
	for id, dc := range all {
		if dc.ReadyState() != webrtc.DataChannelStateOpen {
			delete(all, id)
		}
	}
	return all
}
