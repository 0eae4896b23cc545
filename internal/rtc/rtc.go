// Package rtc adapts pion/webrtc peer connections to the peer package.
package rtc

import (
	"fmt"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"

	"github.com/mossy-p/meshchat/config"
	"github.com/mossy-p/meshchat/internal/peer"
)

// NewFactory builds one pion API for the process and returns a factory for
// STUN-only peer connections.
func NewFactory(cfg config.ICEConfig) (peer.TransportFactory, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register default codecs: %w", err)
	}

	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, registry); err != nil {
		return nil, fmt.Errorf("register default interceptors: %w", err)
	}

	se := webrtc.SettingEngine{}
	se.SetICETimeouts(cfg.DisconnectedTimeout, cfg.FailedTimeout, cfg.KeepAliveInterval)

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(registry),
		webrtc.WithSettingEngine(se),
	)

	pcConfig := webrtc.Configuration{}
	if len(cfg.STUNURLs) > 0 {
		pcConfig.ICEServers = []webrtc.ICEServer{{URLs: cfg.STUNURLs}}
	}

	return func() (peer.Transport, error) {
		pc, err := api.NewPeerConnection(pcConfig)
		if err != nil {
			return nil, fmt.Errorf("new peer connection: %w", err)
		}
		return &Transport{pc: pc}, nil
	}, nil
}

// Transport wraps a pion peer connection.
type Transport struct {
	pc *webrtc.PeerConnection
}

var (
	_ peer.Transport   = (*Transport)(nil)
	_ peer.DataChannel = (*DataChannel)(nil)
)

func (t *Transport) CreateDataChannel(label string) (peer.DataChannel, error) {
	ordered := true
	dc, err := t.pc.CreateDataChannel(label, &webrtc.DataChannelInit{Ordered: &ordered})
	if err != nil {
		return nil, err
	}
	return &DataChannel{dc: dc}, nil
}

func (t *Transport) CreateOffer() (webrtc.SessionDescription, error) {
	return t.pc.CreateOffer(nil)
}

func (t *Transport) CreateAnswer() (webrtc.SessionDescription, error) {
	return t.pc.CreateAnswer(nil)
}

func (t *Transport) SetLocalDescription(desc webrtc.SessionDescription) error {
	return t.pc.SetLocalDescription(desc)
}

func (t *Transport) SetRemoteDescription(desc webrtc.SessionDescription) error {
	return t.pc.SetRemoteDescription(desc)
}

func (t *Transport) HasRemoteDescription() bool {
	return t.pc.RemoteDescription() != nil
}

func (t *Transport) AddICECandidate(c webrtc.ICECandidateInit) error {
	return t.pc.AddICECandidate(c)
}

// OnICECandidate skips the nil candidate pion sends when gathering ends.
func (t *Transport) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	t.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		fn(c.ToJSON())
	})
}

func (t *Transport) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	t.pc.OnConnectionStateChange(fn)
}

func (t *Transport) OnDataChannel(fn func(peer.DataChannel)) {
	t.pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		fn(&DataChannel{dc: dc})
	})
}

func (t *Transport) Close() error {
	return t.pc.Close()
}

// DataChannel wraps a pion data channel.
type DataChannel struct {
	dc *webrtc.DataChannel
}

func (d *DataChannel) Label() string { return d.dc.Label() }

func (d *DataChannel) ReadyState() webrtc.DataChannelState { return d.dc.ReadyState() }

func (d *DataChannel) OnOpen(fn func()) { d.dc.OnOpen(fn) }

func (d *DataChannel) OnClose(fn func()) { d.dc.OnClose(fn) }

func (d *DataChannel) OnMessage(fn func(data []byte)) {
	d.dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		fn(msg.Data)
	})
}

func (d *DataChannel) SendText(text string) error { return d.dc.SendText(text) }

func (d *DataChannel) Close() error { return d.dc.Close() }
