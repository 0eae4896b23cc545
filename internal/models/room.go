package models

import "time"

// Participant is the live presence record of one chat node.
type Participant struct {
	ID          string    `json:"id"`
	DisplayName string    `json:"displayName"`
	JoinedAt    time.Time `json:"joinedAt"`
	LastSeen    time.Time `json:"lastSeen"`
}

// MessageType distinguishes chat transcript entries
type MessageType string

const (
	MessageTypeText     MessageType = "text"
	MessageTypeSystem   MessageType = "system"
	MessageTypeDonation MessageType = "donation"
)

// ChatMessage is broadcast verbatim over every open data channel.
type ChatMessage struct {
	ID         string      `json:"id" validate:"required"`
	SenderID   string      `json:"senderId" validate:"required"`
	SenderName string      `json:"senderName"`
	Text       string      `json:"text" validate:"required_unless=Type donation,max=2000"`
	Type       MessageType `json:"type" validate:"required,oneof=text system donation"`
	Amount     *float64    `json:"amount,omitempty" validate:"omitempty,gt=0"`
	Timestamp  time.Time   `json:"timestamp" validate:"required"`
}

// SendMessageRequest is the body accepted by the local API to post a message
type SendMessageRequest struct {
	Text   string      `json:"text" binding:"max=2000"`
	Type   MessageType `json:"type" binding:"omitempty,oneof=text donation"`
	Amount *float64    `json:"amount,omitempty" binding:"omitempty,gt=0"`
}

// SendMessageResponse reports how many open channels received the message
type SendMessageResponse struct {
	Message   ChatMessage `json:"message"`
	Delivered int         `json:"delivered"`
	Warning   string      `json:"warning,omitempty"`
}

// StreamEventType tags frames pushed over the chat websocket
type StreamEventType string

const (
	StreamEventMessage  StreamEventType = "message"
	StreamEventDelivery StreamEventType = "delivery"
	StreamEventError    StreamEventType = "error"
)

// StreamEvent is one frame written to a websocket client.
type StreamEvent struct {
	Type      StreamEventType `json:"type"`
	Message   *ChatMessage    `json:"message,omitempty"`
	Delivered int             `json:"delivered,omitempty"`
	Warning   string          `json:"warning,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// PeerStatus is one remote connection as seen by the local node
type PeerStatus struct {
	ID    string `json:"id"`
	State string `json:"state"`
}

// RoomStatus is the local node's view of the chat room
type RoomStatus struct {
	Self         Participant   `json:"self"`
	Participants []Participant `json:"participants"`
	Peers        []PeerStatus  `json:"peers"`
}
