package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/pion/webrtc/v4"
)

// SignalType represents the type of WebRTC signaling message
type SignalType string

const (
	SignalTypeOffer     SignalType = "offer"
	SignalTypeAnswer    SignalType = "answer"
	SignalTypeCandidate SignalType = "candidate"
)

var ErrUnknownSignal = errors.New("unknown signal type")

// Payload is the negotiation artifact carried by an Envelope.
// Implemented by OfferPayload, AnswerPayload and CandidatePayload only.
type Payload interface {
	Type() SignalType
	isPayload()
}

type OfferPayload struct {
	SDP string `json:"sdp"`
}

type AnswerPayload struct {
	SDP string `json:"sdp"`
}

type CandidatePayload struct {
	Candidate webrtc.ICECandidateInit `json:"candidate"`
}

func (OfferPayload) Type() SignalType     { return SignalTypeOffer }
func (AnswerPayload) Type() SignalType    { return SignalTypeAnswer }
func (CandidatePayload) Type() SignalType { return SignalTypeCandidate }

func (OfferPayload) isPayload()     {}
func (AnswerPayload) isPayload()    {}
func (CandidatePayload) isPayload() {}

// SessionDescription converts an offer or answer into the pion form.
func (p OfferPayload) SessionDescription() webrtc.SessionDescription {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: p.SDP}
}

func (p AnswerPayload) SessionDescription() webrtc.SessionDescription {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: p.SDP}
}

// Envelope is a signaling message addressed from one participant to another.
// ID is the store document id and is not part of the wire form.
type Envelope struct {
	ID      string    `json:"-"`
	From    string    `json:"from"`
	To      string    `json:"to"`
	Payload Payload   `json:"payload"`
	SentAt  time.Time `json:"sentAt"`
}

// Type returns the payload kind, or "" when the envelope has no payload.
func (e Envelope) Type() SignalType {
	if e.Payload == nil {
		return ""
	}
	return e.Payload.Type()
}

type envelopeWire struct {
	Type    SignalType      `json:"type"`
	From    string          `json:"from"`
	To      string          `json:"to"`
	Payload json.RawMessage `json:"payload"`
	SentAt  time.Time       `json:"sentAt"`
}

func (e Envelope) MarshalJSON() ([]byte, error) {
	if e.Payload == nil {
		return nil, fmt.Errorf("envelope from %s to %s: missing payload", e.From, e.To)
	}
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(envelopeWire{
		Type:    e.Payload.Type(),
		From:    e.From,
		To:      e.To,
		Payload: payload,
		SentAt:  e.SentAt,
	})
}

func (e *Envelope) UnmarshalJSON(b []byte) error {
	var w envelopeWire
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}

	var payload Payload
	switch w.Type {
	case SignalTypeOffer:
		var p OfferPayload
		if err := json.Unmarshal(w.Payload, &p); err != nil {
			return fmt.Errorf("decode offer payload: %w", err)
		}
		payload = p
	case SignalTypeAnswer:
		var p AnswerPayload
		if err := json.Unmarshal(w.Payload, &p); err != nil {
			return fmt.Errorf("decode answer payload: %w", err)
		}
		payload = p
	case SignalTypeCandidate:
		var p CandidatePayload
		if err := json.Unmarshal(w.Payload, &p); err != nil {
			return fmt.Errorf("decode candidate payload: %w", err)
		}
		payload = p
	default:
		return fmt.Errorf("%w: %q", ErrUnknownSignal, w.Type)
	}

	e.From = w.From
	e.To = w.To
	e.Payload = payload
	e.SentAt = w.SentAt
	return nil
}

// Validate checks the fields every consumer relies on.
func (e Envelope) Validate() error {
	switch {
	case e.From == "":
		return errors.New("envelope has no sender")
	case e.To == "":
		return errors.New("envelope has no addressee")
	case e.Payload == nil:
		return errors.New("envelope has no payload")
	}

	switch p := e.Payload.(type) {
	case OfferPayload:
		if p.SDP == "" {
			return errors.New("offer without sdp")
		}
	case AnswerPayload:
		if p.SDP == "" {
			return errors.New("answer without sdp")
		}
	case CandidatePayload:
		if p.Candidate.Candidate == "" {
			return errors.New("candidate without candidate line")
		}
	}
	return nil
}
