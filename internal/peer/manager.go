// Package peer owns the mesh: one transport and one data channel per remote
// participant, negotiated through addressed signal envelopes.
//
// Each remote peer moves through New, Negotiating, Connected and Closed.
// Only the side whose id sorts higher creates the offer, so every pair
// negotiates exactly once without a central arbiter. Remote candidates that
// arrive before the remote description are parked in a CandidateQueue and
// applied right after it is set.
//
// Failures are scoped to the peer they happened on: the peer is torn down
// and logged, and no other peer is touched.
package peer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"github.com/mossy-p/meshchat/internal/metrics"
	"github.com/mossy-p/meshchat/internal/models"
)

// ChannelLabel names the single chat data channel of every connection.
const ChannelLabel = "chat"

const defaultSignalTimeout = 10 * time.Second

var (
	ErrUnknownPeer = errors.New("no connection for peer")
	ErrSelfSignal  = errors.New("signal addressed from self")
)

// Signaler delivers envelopes to remote participants.
type Signaler interface {
	Send(ctx context.Context, env models.Envelope) error
}

// Status is a point-in-time view of one peer.
type Status struct {
	ID    string
	State State
}

// peerConn is one remote participant and its current transport.
type peerConn struct {
	ID string

	// mu serializes negotiation steps on this peer's transport
	mu sync.Mutex

	// guarded by Manager.mu
	state     State
	transport Transport
	channel   DataChannel
	createdAt time.Time
}

// Manager holds the live connection and channel maps of one chat session.
type Manager struct {
	selfID        string
	newTransport  TransportFactory
	signals       Signaler
	candidates    *CandidateQueue
	metrics       *metrics.Metrics
	log           *zap.Logger
	signalTimeout time.Duration

	mu       sync.RWMutex
	peers    map[string]*peerConn
	channels map[string]DataChannel

	onMessage func(remoteID string, data []byte)
	onState   func(remoteID string, state State)
}

// NewManager returns an empty mesh for selfID. Transports come from factory
// and outbound signals go through signals.
func NewManager(selfID string, factory TransportFactory, signals Signaler, m *metrics.Metrics, log *zap.Logger) *Manager {
	return &Manager{
		selfID:        selfID,
		newTransport:  factory,
		signals:       signals,
		candidates:    NewCandidateQueue(),
		metrics:       m,
		log:           log.With(zap.String("self", selfID)),
		signalTimeout: defaultSignalTimeout,
		peers:         make(map[string]*peerConn),
		channels:      make(map[string]DataChannel),
	}
}

// OnMessage registers the receiver of inbound data channel messages.
// It must be set before any peer is created.
func (m *Manager) OnMessage(fn func(remoteID string, data []byte)) {
	m.onMessage = fn
}

// OnStateChange registers a listener for peer state transitions.
// It must be set before any peer is created.
func (m *Manager) OnStateChange(fn func(remoteID string, state State)) {
	m.onState = fn
}

// Connect runs the initiator path towards remoteID. It is a no-op when a
// connection for remoteID already exists.
func (m *Manager) Connect(ctx context.Context, remoteID string) error {
	if remoteID == m.selfID {
		return ErrSelfSignal
	}

	p, created, err := m.getOrCreate(remoteID)
	if err != nil {
		return err
	}
	if !created {
		return nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	dc, err := p.transport.CreateDataChannel(ChannelLabel)
	if err != nil {
		return m.fail(p, "create data channel", err)
	}
	m.wireChannel(p, dc)

	offer, err := p.transport.CreateOffer()
	if err != nil {
		return m.fail(p, "create offer", err)
	}
	if err := p.transport.SetLocalDescription(offer); err != nil {
		return m.fail(p, "set local description", err)
	}
	if err := m.transition(p, StateNegotiating); err != nil {
		return err
	}

	env := models.Envelope{From: m.selfID, To: remoteID, Payload: models.OfferPayload{SDP: offer.SDP}}
	if err := m.signals.Send(ctx, env); err != nil {
		return m.fail(p, "send offer", err)
	}

	m.log.Info("sent offer", zap.String("peer", remoteID))
	return nil
}

// HandleSignal applies one consumed envelope to the matching peer.
func (m *Manager) HandleSignal(ctx context.Context, env models.Envelope) error {
	if env.From == m.selfID {
		return ErrSelfSignal
	}

	switch p := env.Payload.(type) {
	case models.OfferPayload:
		return m.handleOffer(ctx, env.From, p)
	case models.AnswerPayload:
		return m.handleAnswer(env.From, p)
	case models.CandidatePayload:
		return m.handleCandidate(env.From, p.Candidate)
	default:
		return fmt.Errorf("%w: %T", models.ErrUnknownSignal, env.Payload)
	}
}

func (m *Manager) handleOffer(ctx context.Context, from string, offer models.OfferPayload) error {
	p, _, err := m.getOrCreate(from)
	if err != nil {
		return err
	}

	p.mu.Lock()
	if p.transport.HasRemoteDescription() {
		// The remote restarted negotiation; start over on a fresh transport
		p.mu.Unlock()
		m.teardown(p, "superseded by new offer", false)
		if p, _, err = m.getOrCreate(from); err != nil {
			return err
		}
		p.mu.Lock()
	}
	defer p.mu.Unlock()

	if err := p.transport.SetRemoteDescription(offer.SessionDescription()); err != nil {
		return m.fail(p, "set remote description", err)
	}
	m.drainCandidates(p)

	answer, err := p.transport.CreateAnswer()
	if err != nil {
		return m.fail(p, "create answer", err)
	}
	if err := p.transport.SetLocalDescription(answer); err != nil {
		return m.fail(p, "set local description", err)
	}
	if err := m.transition(p, StateNegotiating); err != nil {
		return m.fail(p, "answer offer", err)
	}

	env := models.Envelope{From: m.selfID, To: from, Payload: models.AnswerPayload{SDP: answer.SDP}}
	if err := m.signals.Send(ctx, env); err != nil {
		return m.fail(p, "send answer", err)
	}

	m.log.Info("answered offer", zap.String("peer", from))
	return nil
}

func (m *Manager) handleAnswer(from string, answer models.AnswerPayload) error {
	p, ok := m.lookup(from)
	if !ok {
		return fmt.Errorf("%w: answer from %s", ErrUnknownPeer, from)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.transport.HasRemoteDescription() {
		m.log.Debug("ignoring duplicate answer", zap.String("peer", from))
		return nil
	}
	if err := p.transport.SetRemoteDescription(answer.SessionDescription()); err != nil {
		return m.fail(p, "set remote description", err)
	}
	m.drainCandidates(p)
	return nil
}

func (m *Manager) handleCandidate(from string, c webrtc.ICECandidateInit) error {
	p, ok := m.lookup(from)
	if !ok {
		// The offer has not been seen yet
		m.candidates.Enqueue(from, c)
		return nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.transport.HasRemoteDescription() {
		m.candidates.Enqueue(from, c)
		return nil
	}
	if err := p.transport.AddICECandidate(c); err != nil {
		return fmt.Errorf("add candidate from %s: %w", from, err)
	}
	return nil
}

// drainCandidates must be called with p.mu held and the remote description set.
func (m *Manager) drainCandidates(p *peerConn) {
	if err := m.candidates.Drain(p.ID, p.transport.AddICECandidate); err != nil {
		m.log.Warn("queued candidates rejected", zap.String("peer", p.ID), zap.Error(err))
	}
}

// Disconnect tears down the connection to remoteID, if any.
func (m *Manager) Disconnect(remoteID string) {
	if p, ok := m.lookup(remoteID); ok {
		m.teardown(p, "disconnect requested", true)
	}
	m.candidates.Drop(remoteID)
}

// Close tears down every connection.
func (m *Manager) Close() {
	m.mu.RLock()
	peers := make([]*peerConn, 0, len(m.peers))
	for _, p := range m.peers {
		peers = append(peers, p)
	}
	m.mu.RUnlock()

	for _, p := range peers {
		m.teardown(p, "session closed", true)
	}
}

// Has reports whether a connection object exists for remoteID.
func (m *Manager) Has(remoteID string) bool {
	_, ok := m.lookup(remoteID)
	return ok
}

// State returns the current state of remoteID's connection.
func (m *Manager) State(remoteID string) (State, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.peers[remoteID]
	if !ok {
		return StateClosed, false
	}
	return p.state, true
}

// Peers lists every live connection sorted by id.
func (m *Manager) Peers() []Status {
	m.mu.RLock()
	out := make([]Status, 0, len(m.peers))
	for id, p := range m.peers {
		out = append(out, Status{ID: id, State: p.state})
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Channels returns the data channels registered for broadcast. Callers must
// still check ReadyState before writing.
func (m *Manager) Channels() map[string]DataChannel {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]DataChannel, len(m.channels))
	for id, dc := range m.channels {
		out[id] = dc
	}
	return out
}

// PendingCandidates reports how many candidates from remoteID are queued.
func (m *Manager) PendingCandidates(remoteID string) int {
	return m.candidates.Len(remoteID)
}

func (m *Manager) lookup(remoteID string) (*peerConn, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.peers[remoteID]
	return p, ok
}

func (m *Manager) getOrCreate(remoteID string) (*peerConn, bool, error) {
	if p, ok := m.lookup(remoteID); ok {
		return p, false, nil
	}

	t, err := m.newTransport()
	if err != nil {
		return nil, false, fmt.Errorf("new transport for %s: %w", remoteID, err)
	}

	m.mu.Lock()
	if existing, ok := m.peers[remoteID]; ok {
		m.mu.Unlock()
		_ = t.Close()
		return existing, false, nil
	}
	p := &peerConn{ID: remoteID, state: StateNew, transport: t, createdAt: time.Now()}
	m.peers[remoteID] = p
	m.mu.Unlock()

	m.metrics.PeerTransition("", StateNew.String())
	m.wireTransport(p)
	return p, true, nil
}

func (m *Manager) wireTransport(p *peerConn) {
	log := m.log.With(zap.String("peer", p.ID))

	p.transport.OnICECandidate(func(c webrtc.ICECandidateInit) {
		ctx, cancel := context.WithTimeout(context.Background(), m.signalTimeout)
		defer cancel()

		env := models.Envelope{From: m.selfID, To: p.ID, Payload: models.CandidatePayload{Candidate: c}}
		if err := m.signals.Send(ctx, env); err != nil {
			log.Warn("could not send candidate", zap.Error(err))
		}
	})

	p.transport.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		log.Debug("transport state changed", zap.String("state", s.String()))
		switch s {
		case webrtc.PeerConnectionStateDisconnected,
			webrtc.PeerConnectionStateFailed,
			webrtc.PeerConnectionStateClosed:
			m.teardown(p, "transport "+s.String(), true)
		}
	})

	// The answering side receives the initiator's channel here
	p.transport.OnDataChannel(func(dc DataChannel) {
		m.wireChannel(p, dc)
	})
}

func (m *Manager) wireChannel(p *peerConn, dc DataChannel) {
	dc.OnOpen(func() { m.channelOpened(p, dc) })
	dc.OnClose(func() { m.teardown(p, "data channel closed", true) })
	dc.OnMessage(func(data []byte) {
		if m.onMessage != nil {
			m.onMessage(p.ID, data)
		}
	})

	m.mu.Lock()
	p.channel = dc
	m.mu.Unlock()

	if dc.ReadyState() == webrtc.DataChannelStateOpen {
		m.channelOpened(p, dc)
	}
}

func (m *Manager) channelOpened(p *peerConn, dc DataChannel) {
	m.mu.Lock()
	if m.peers[p.ID] != p || p.state != StateNegotiating {
		m.mu.Unlock()
		return
	}
	m.channels[p.ID] = dc
	from, err := m.setStateLocked(p, StateConnected)
	m.mu.Unlock()

	if err != nil {
		m.log.Warn("channel opened in unexpected state", zap.String("peer", p.ID), zap.Error(err))
		return
	}
	m.notify(p, from, StateConnected)
	m.metrics.NegotiationDuration.Observe(time.Since(p.createdAt).Seconds())
	m.log.Info("data channel open", zap.String("peer", p.ID))
}

// teardown removes p from both maps and closes its channel and transport.
// It is a no-op for a peer that was already removed or replaced.
func (m *Manager) teardown(p *peerConn, reason string, dropQueued bool) {
	m.mu.Lock()
	if m.peers[p.ID] != p {
		m.mu.Unlock()
		return
	}
	delete(m.peers, p.ID)
	delete(m.channels, p.ID)
	from, _ := m.setStateLocked(p, StateClosed)
	dc, t := p.channel, p.transport
	p.channel = nil
	m.mu.Unlock()

	if dropQueued {
		m.candidates.Drop(p.ID)
	}
	if dc != nil {
		_ = dc.Close()
	}
	if err := t.Close(); err != nil {
		m.log.Debug("transport close failed", zap.String("peer", p.ID), zap.Error(err))
	}

	m.metrics.PeerRemoved(from.String())
	if m.onState != nil {
		m.onState(p.ID, StateClosed)
	}
	m.log.Info("peer closed", zap.String("peer", p.ID), zap.String("reason", reason))
}

func (m *Manager) fail(p *peerConn, step string, err error) error {
	err = fmt.Errorf("%s for %s: %w", step, p.ID, err)
	m.log.Warn("negotiation failed", zap.String("peer", p.ID), zap.String("step", step), zap.Error(err))
	// Callers hold p.mu; teardown only needs Manager.mu
	m.teardown(p, step+" failed", true)
	return err
}

func (m *Manager) transition(p *peerConn, to State) error {
	m.mu.Lock()
	from, err := m.setStateLocked(p, to)
	m.mu.Unlock()
	if err != nil {
		return err
	}
	m.notify(p, from, to)
	return nil
}

// setStateLocked is the only place peer state changes. Manager.mu must be held.
func (m *Manager) setStateLocked(p *peerConn, to State) (State, error) {
	from := p.state
	if err := Transition(from, to); err != nil {
		return from, fmt.Errorf("peer %s: %w", p.ID, err)
	}
	p.state = to
	return from, nil
}

func (m *Manager) notify(p *peerConn, from, to State) {
	m.metrics.PeerTransition(from.String(), to.String())
	m.log.Debug("peer state", zap.String("peer", p.ID), zap.Stringer("from", from), zap.Stringer("to", to))
	if m.onState != nil {
		m.onState(p.ID, to)
	}
}
