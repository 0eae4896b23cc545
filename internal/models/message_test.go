package models

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
)

func TestEnvelopeJSON(t *testing.T) {
	mid := "0"
	idx := uint16(0)
	sent := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	envs := []Envelope{
		{From: "b2", To: "a1", Payload: OfferPayload{SDP: "v=0 offer"}, SentAt: sent},
		{From: "a1", To: "b2", Payload: AnswerPayload{SDP: "v=0 answer"}, SentAt: sent},
		{From: "b2", To: "a1", Payload: CandidatePayload{Candidate: webrtc.ICECandidateInit{
			Candidate: "candidate:1 1 udp 2130706431 10.0.0.1 5000 typ host", SDPMid: &mid, SDPMLineIndex: &idx,
		}}, SentAt: sent},
	}

	for _, env := range envs {
		t.Run(string(env.Type()), func(t *testing.T) {
			data, err := json.Marshal(env)
			if err != nil {
				t.Fatalf("Failed to marshal envelope: %v", err)
			}
			if !strings.Contains(string(data), `"type":"`+string(env.Type())+`"`) {
				t.Errorf("Expected wire type %s in %s", env.Type(), data)
			}

			var got Envelope
			if err := json.Unmarshal(data, &got); err != nil {
				t.Fatalf("Failed to unmarshal envelope: %v", err)
			}
			if got.Type() != env.Type() || got.From != env.From || got.To != env.To {
				t.Errorf("Expected %+v, got %+v", env, got)
			}
			if !got.SentAt.Equal(sent) {
				t.Errorf("Expected sentAt %v, got %v", sent, got.SentAt)
			}
			if err := got.Validate(); err != nil {
				t.Errorf("Expected decoded envelope to be valid: %v", err)
			}
		})
	}

	t.Run("candidate fields survive", func(t *testing.T) {
		data, _ := json.Marshal(envs[2])
		var got Envelope
		if err := json.Unmarshal(data, &got); err != nil {
			t.Fatalf("Failed to unmarshal envelope: %v", err)
		}
		c := got.Payload.(CandidatePayload).Candidate
		if c.SDPMid == nil || *c.SDPMid != "0" || c.SDPMLineIndex == nil || *c.SDPMLineIndex != 0 {
			t.Errorf("Candidate mid/index lost: %+v", c)
		}
	})

	t.Run("unknown type", func(t *testing.T) {
		var got Envelope
		err := json.Unmarshal([]byte(`{"type":"renegotiate","from":"a","to":"b","payload":{}}`), &got)
		if !errors.Is(err, ErrUnknownSignal) {
			t.Errorf("Expected ErrUnknownSignal, got %v", err)
		}
	})

	t.Run("missing payload", func(t *testing.T) {
		if _, err := json.Marshal(Envelope{From: "a", To: "b"}); err == nil {
			t.Error("Expected marshal error for envelope without payload")
		}
	})
}

func TestEnvelopeValidate(t *testing.T) {
	cases := map[string]Envelope{
		"no sender":     {To: "b", Payload: OfferPayload{SDP: "x"}},
		"no addressee":  {From: "a", Payload: OfferPayload{SDP: "x"}},
		"empty offer":   {From: "a", To: "b", Payload: OfferPayload{}},
		"empty answer":  {From: "a", To: "b", Payload: AnswerPayload{}},
		"empty cand":    {From: "a", To: "b", Payload: CandidatePayload{}},
		"no payload at": {From: "a", To: "b"},
	}
	for name, env := range cases {
		if err := env.Validate(); err == nil {
			t.Errorf("%s: expected validation error", name)
		}
	}
}
