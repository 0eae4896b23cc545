// Package peertest provides in-memory transports for exercising the peer
// manager without ICE, DTLS or SCTP.
//
// A Network hands out one TransportFactory per participant. Descriptions
// carry a transport token, so when an initiator applies an answer the
// network links both transports, delivers the initiator's channel to the
// answering side through OnDataChannel and opens both ends.
package peertest

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/mossy-p/meshchat/internal/peer"
)

var (
	ErrNoRemoteDescription = errors.New("remote description not set")
	ErrChannelNotOpen      = errors.New("data channel not open")
)

type Channel struct {
	mu        sync.Mutex
	label     string
	state     webrtc.DataChannelState
	onOpen    func()
	onClose   func()
	onMessage func([]byte)
	sent      []string
	remote    *Channel
}

func NewChannel(label string) *Channel {
	return &Channel{label: label, state: webrtc.DataChannelStateConnecting}
}

func (c *Channel) Label() string { return c.label }

func (c *Channel) ReadyState() webrtc.DataChannelState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Channel) OnOpen(fn func()) {
	c.mu.Lock()
	c.onOpen = fn
	c.mu.Unlock()
}

func (c *Channel) OnClose(fn func()) {
	c.mu.Lock()
	c.onClose = fn
	c.mu.Unlock()
}

func (c *Channel) OnMessage(fn func([]byte)) {
	c.mu.Lock()
	c.onMessage = fn
	c.mu.Unlock()
}

func (c *Channel) SendText(text string) error {
	c.mu.Lock()
	if c.state != webrtc.DataChannelStateOpen {
		c.mu.Unlock()
		return ErrChannelNotOpen
	}
	c.sent = append(c.sent, text)
	remote := c.remote
	c.mu.Unlock()

	if remote != nil {
		remote.Deliver([]byte(text))
	}
	return nil
}

func (c *Channel) Close() error {
	c.mu.Lock()
	if c.state == webrtc.DataChannelStateClosed {
		c.mu.Unlock()
		return nil
	}
	c.state = webrtc.DataChannelStateClosed
	fn, remote := c.onClose, c.remote
	c.mu.Unlock()

	if fn != nil {
		fn()
	}
	if remote != nil {
		_ = remote.Close()
	}
	return nil
}

// Open moves the channel to open and fires OnOpen.
func (c *Channel) Open() {
	c.mu.Lock()
	c.state = webrtc.DataChannelStateOpen
	fn := c.onOpen
	c.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// SetState forces the ready state without firing callbacks.
func (c *Channel) SetState(s webrtc.DataChannelState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// Deliver fires OnMessage as if data arrived from the remote end.
func (c *Channel) Deliver(data []byte) {
	c.mu.Lock()
	fn := c.onMessage
	c.mu.Unlock()
	if fn != nil {
		fn(data)
	}
}

func (c *Channel) Sent() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.sent...)
}

type Transport struct {
	Token string

	mu            sync.Mutex
	net           *Network
	local         *webrtc.SessionDescription
	remote        *webrtc.SessionDescription
	applied       []webrtc.ICECandidateInit
	channels      []*Channel
	closed        bool
	failures      map[string]error
	linked        *Transport
	onCandidate   func(webrtc.ICECandidateInit)
	onState       func(webrtc.PeerConnectionState)
	onDataChannel func(peer.DataChannel)
}

// NewTransport returns an unlinked transport for direct manager tests.
func NewTransport(token string) *Transport {
	return &Transport{Token: token, failures: make(map[string]error)}
}

// FailOn makes the named method return err from now on.
func (t *Transport) FailOn(method string, err error) {
	t.mu.Lock()
	t.failures[method] = err
	t.mu.Unlock()
}

func (t *Transport) failure(method string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.failures[method]
}

func (t *Transport) CreateDataChannel(label string) (peer.DataChannel, error) {
	if err := t.failure("CreateDataChannel"); err != nil {
		return nil, err
	}
	ch := NewChannel(label)
	t.mu.Lock()
	t.channels = append(t.channels, ch)
	t.mu.Unlock()
	return ch, nil
}

func (t *Transport) CreateOffer() (webrtc.SessionDescription, error) {
	if err := t.failure("CreateOffer"); err != nil {
		return webrtc.SessionDescription{}, err
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "fake-offer:" + t.Token}, nil
}

func (t *Transport) CreateAnswer() (webrtc.SessionDescription, error) {
	if err := t.failure("CreateAnswer"); err != nil {
		return webrtc.SessionDescription{}, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.remote == nil {
		return webrtc.SessionDescription{}, ErrNoRemoteDescription
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "fake-answer:" + t.Token}, nil
}

// SetLocalDescription also "gathers" one host candidate.
func (t *Transport) SetLocalDescription(desc webrtc.SessionDescription) error {
	if err := t.failure("SetLocalDescription"); err != nil {
		return err
	}
	t.mu.Lock()
	t.local = &desc
	fn := t.onCandidate
	t.mu.Unlock()

	if fn != nil && t.net != nil {
		fn(webrtc.ICECandidateInit{Candidate: "candidate:" + t.Token + " 1 udp 1 127.0.0.1 9 typ host"})
	}
	return nil
}

func (t *Transport) SetRemoteDescription(desc webrtc.SessionDescription) error {
	if err := t.failure("SetRemoteDescription"); err != nil {
		return err
	}
	t.mu.Lock()
	t.remote = &desc
	t.mu.Unlock()

	if t.net != nil && desc.Type == webrtc.SDPTypeAnswer {
		token := strings.TrimPrefix(desc.SDP, "fake-answer:")
		go t.net.link(t, token)
	}
	return nil
}

func (t *Transport) HasRemoteDescription() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.remote != nil
}

func (t *Transport) AddICECandidate(c webrtc.ICECandidateInit) error {
	if err := t.failure("AddICECandidate"); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.remote == nil {
		return fmt.Errorf("candidate %q: %w", c.Candidate, ErrNoRemoteDescription)
	}
	t.applied = append(t.applied, c)
	return nil
}

func (t *Transport) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	t.mu.Lock()
	t.onCandidate = fn
	t.mu.Unlock()
}

func (t *Transport) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	t.mu.Lock()
	t.onState = fn
	t.mu.Unlock()
}

func (t *Transport) OnDataChannel(fn func(peer.DataChannel)) {
	t.mu.Lock()
	t.onDataChannel = fn
	t.mu.Unlock()
}

// Close fires the closed state once and disconnects a linked transport.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	fn, linked, channels := t.onState, t.linked, t.channels
	t.mu.Unlock()

	for _, ch := range channels {
		_ = ch.Close()
	}
	if fn != nil {
		fn(webrtc.PeerConnectionStateClosed)
	}
	if linked != nil {
		go linked.FireState(webrtc.PeerConnectionStateDisconnected)
	}
	return nil
}

// FireState delivers a connection state change as the transport would.
func (t *Transport) FireState(s webrtc.PeerConnectionState) {
	t.mu.Lock()
	fn := t.onState
	t.mu.Unlock()
	if fn != nil {
		fn(s)
	}
}

// FireCandidate delivers a locally gathered candidate.
func (t *Transport) FireCandidate(c webrtc.ICECandidateInit) {
	t.mu.Lock()
	fn := t.onCandidate
	t.mu.Unlock()
	if fn != nil {
		fn(c)
	}
}

// RemoteDataChannel simulates the initiator's channel arriving on this side.
func (t *Transport) RemoteDataChannel(label string) *Channel {
	ch := NewChannel(label)
	t.mu.Lock()
	t.channels = append(t.channels, ch)
	fn := t.onDataChannel
	t.mu.Unlock()
	if fn != nil {
		fn(ch)
	}
	return ch
}

func (t *Transport) Channels() []*Channel {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*Channel(nil), t.channels...)
}

func (t *Transport) Applied() []webrtc.ICECandidateInit {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]webrtc.ICECandidateInit(nil), t.applied...)
}

func (t *Transport) Local() *webrtc.SessionDescription {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.local
}

func (t *Transport) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// Network links transports created through its factories.
type Network struct {
	mu         sync.Mutex
	seq        int
	transports map[string]*Transport
	byOwner    map[string][]*Transport
}

func NewNetwork() *Network {
	return &Network{
		transports: make(map[string]*Transport),
		byOwner:    make(map[string][]*Transport),
	}
}

// Factory returns the transport factory for participant owner.
func (n *Network) Factory(owner string) peer.TransportFactory {
	return func() (peer.Transport, error) {
		n.mu.Lock()
		defer n.mu.Unlock()
		n.seq++
		t := NewTransport(fmt.Sprintf("%s-%d", owner, n.seq))
		t.net = n
		n.transports[t.Token] = t
		n.byOwner[owner] = append(n.byOwner[owner], t)
		return t, nil
	}
}

// Transports lists every transport owner created, oldest first.
func (n *Network) Transports(owner string) []*Transport {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]*Transport(nil), n.byOwner[owner]...)
}

func (n *Network) link(initiator *Transport, answererToken string) {
	n.mu.Lock()
	answerer, ok := n.transports[answererToken]
	n.mu.Unlock()
	if !ok {
		return
	}

	initiator.mu.Lock()
	initiator.linked = answerer
	local := append([]*Channel(nil), initiator.channels...)
	initiator.mu.Unlock()

	answerer.mu.Lock()
	answerer.linked = initiator
	answerer.mu.Unlock()

	initiator.FireState(webrtc.PeerConnectionStateConnected)
	answerer.FireState(webrtc.PeerConnectionStateConnected)

	for _, ch := range local {
		remote := answerer.RemoteDataChannel(ch.Label())
		ch.mu.Lock()
		ch.remote = remote
		ch.mu.Unlock()
		remote.mu.Lock()
		remote.remote = ch
		remote.mu.Unlock()

		remote.Open()
		ch.Open()
	}
}
