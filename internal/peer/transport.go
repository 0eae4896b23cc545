package peer

import "github.com/pion/webrtc/v4"

// Transport is the part of a WebRTC peer connection the manager drives.
type Transport interface {
	CreateDataChannel(label string) (DataChannel, error)
	CreateOffer() (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetLocalDescription(desc webrtc.SessionDescription) error
	SetRemoteDescription(desc webrtc.SessionDescription) error
	HasRemoteDescription() bool
	AddICECandidate(c webrtc.ICECandidateInit) error
	OnICECandidate(fn func(webrtc.ICECandidateInit))
	OnConnectionStateChange(fn func(webrtc.PeerConnectionState))
	OnDataChannel(fn func(DataChannel))
	Close() error
}

// DataChannel is a reliable, ordered message stream over a Transport.
type DataChannel interface {
	Label() string
	ReadyState() webrtc.DataChannelState
	OnOpen(fn func())
	OnClose(fn func())
	OnMessage(fn func(data []byte))
	SendText(text string) error
	Close() error
}

// TransportFactory creates a fresh transport for one remote participant.
type TransportFactory func() (Transport, error)
