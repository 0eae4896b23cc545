package chat

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"github.com/mossy-p/meshchat/config"
	"github.com/mossy-p/meshchat/internal/metrics"
	"github.com/mossy-p/meshchat/internal/models"
	"github.com/mossy-p/meshchat/internal/peer"
	"github.com/mossy-p/meshchat/internal/peer/peertest"
	"github.com/mossy-p/meshchat/internal/presence"
	"github.com/mossy-p/meshchat/internal/signaling"
	"github.com/mossy-p/meshchat/internal/store"
)

const (
	usersCollection   = "community_chat_users"
	signalsCollection = "community_signals"
)

type running struct {
	*Session
	cancel context.CancelFunc
	done   chan error
}

func (r *running) stop(t *testing.T) {
	t.Helper()
	r.cancel()
	select {
	case err := <-r.done:
		if err != nil {
			t.Errorf("Run returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Timed out waiting for session to leave")
	}
}

func startSession(t *testing.T, s store.Store, network *peertest.Network, id string) *running {
	t.Helper()
	log := zap.NewNop()
	m := metrics.New()

	session := NewSession(
		models.Participant{ID: id, DisplayName: "user-" + id},
		presence.NewRegistry(s, usersCollection, 0, log),
		signaling.NewRelay(s, signalsCollection, m, log),
		network.Factory(id),
		config.ChatConfig{TranscriptLimit: 100, SendRate: 100, SendBurst: 10},
		m, log,
	)

	ctx, cancel := context.WithCancel(context.Background())
	r := &running{Session: session, cancel: cancel, done: make(chan error, 1)}
	go func() { r.done <- session.Run(ctx) }()
	t.Cleanup(cancel)
	return r
}

func eventually(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("Timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func connected(s *Session, remoteID string) bool {
	state, ok := s.Manager().State(remoteID)
	return ok && state == peer.StateConnected
}

func textEntries(tr *Transcript) []models.ChatMessage {
	var out []models.ChatMessage
	for _, msg := range tr.Messages() {
		if msg.Type == models.MessageTypeText {
			out = append(out, msg)
		}
	}
	return out
}

func TestTwoPartyHandshake(t *testing.T) {
	s := store.NewMemory()
	network := peertest.NewNetwork()

	a1 := startSession(t, s, network, "a1")
	b2 := startSession(t, s, network, "b2")

	eventually(t, func() bool { return connected(a1.Session, "b2") && connected(b2.Session, "a1") },
		"a1 and b2 to connect")

	t.Run("only the higher id offers", func(t *testing.T) {
		for _, tr := range network.Transports("a1") {
			if local := tr.Local(); local != nil && local.Type == webrtc.SDPTypeOffer {
				t.Errorf("Expected a1 never to offer, transport %s did", tr.Token)
			}
		}
		offered := false
		for _, tr := range network.Transports("b2") {
			if local := tr.Local(); local != nil && local.Type == webrtc.SDPTypeOffer {
				offered = true
			}
		}
		if !offered {
			t.Error("Expected b2 to send the offer")
		}
	})

	t.Run("status lists the peer", func(t *testing.T) {
		eventually(t, func() bool { return len(a1.Others()) == 1 }, "a1 to see b2 in presence")
		status := a1.Status()
		if status.Self.ID != "a1" {
			t.Errorf("Expected self a1, got %s", status.Self.ID)
		}
		if len(status.Participants) != 1 || status.Participants[0].ID != "b2" {
			t.Errorf("Expected b2 as the only participant, got %+v", status.Participants)
		}
		if len(status.Peers) != 1 || status.Peers[0].State != peer.StateConnected.String() {
			t.Errorf("Expected one connected peer, got %+v", status.Peers)
		}
	})

	t.Run("messages reach the other side once", func(t *testing.T) {
		d, err := b2.Send(context.Background(), models.SendMessageRequest{Text: "hello"})
		if err != nil {
			t.Fatalf("Send failed: %v", err)
		}
		if d.Delivered != 1 {
			t.Errorf("Expected 1 delivery, got %d", d.Delivered)
		}

		eventually(t, func() bool { return len(textEntries(a1.Transcript())) == 1 }, "a1 to receive the message")
		got := textEntries(a1.Transcript())[0]
		if got.ID != d.Message.ID || got.SenderID != "b2" || got.Text != "hello" {
			t.Errorf("Unexpected message %+v", got)
		}

		raw, _ := json.Marshal(d.Message)
		a1.Manager().Channels()["b2"].(*peertest.Channel).Deliver(raw)
		if n := len(textEntries(a1.Transcript())); n != 1 {
			t.Errorf("Expected redelivery to be ignored, got %d entries", n)
		}
		if n := len(textEntries(b2.Transcript())); n != 1 {
			t.Errorf("Expected sender to see its own message once, got %d", n)
		}
	})

	t.Run("leave removes every trace", func(t *testing.T) {
		b2.stop(t)

		if b2.Manager().Has("a1") || len(b2.Manager().Channels()) != 0 {
			t.Error("Expected b2 to hold no connections after leaving")
		}
		eventually(t, func() bool { return !a1.Manager().Has("b2") }, "a1 to drop b2")
		eventually(t, func() bool { return len(a1.Others()) == 0 }, "a1 to see b2 leave")

		ctx := context.Background()
		users, err := s.Query(ctx, usersCollection, store.Filter{Field: "id", Value: "b2"})
		if err != nil {
			t.Fatalf("Query failed: %v", err)
		}
		if len(users) != 0 {
			t.Errorf("Expected b2's presence record gone, got %d", len(users))
		}
		authored, err := s.Query(ctx, signalsCollection, store.Filter{Field: "from", Value: "b2"})
		if err != nil {
			t.Fatalf("Query failed: %v", err)
		}
		if len(authored) != 0 {
			t.Errorf("Expected no envelopes from b2, got %d", len(authored))
		}
	})

	a1.stop(t)
}

func TestSessionAlone(t *testing.T) {
	s := store.NewMemory()
	a1 := startSession(t, s, peertest.NewNetwork(), "a1")

	eventually(t, func() bool {
		users, _ := s.Query(context.Background(), usersCollection, store.Filter{})
		return len(users) == 1
	}, "a1 to register presence")

	d, err := a1.Send(context.Background(), models.SendMessageRequest{Text: "hello?"})
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if d.Warning != WarningNoPeers {
		t.Errorf("Expected no-peers warning, got %q", d.Warning)
	}

	a1.stop(t)
}

var errStoreDown = errors.New("store unavailable")

// unreachablePresence fails every write and the presence watch while signals
// keep working.
type unreachablePresence struct {
	*store.Memory
}

func (u unreachablePresence) Set(context.Context, string, string, any) error {
	return errStoreDown
}

func (u unreachablePresence) Watch(ctx context.Context, collection string, filter store.Filter) (<-chan []store.Change, error) {
	if collection == usersCollection {
		return nil, errStoreDown
	}
	return u.Memory.Watch(ctx, collection, filter)
}

func TestSessionDegradedPresence(t *testing.T) {
	s := unreachablePresence{Memory: store.NewMemory()}
	a1 := startSession(t, s, peertest.NewNetwork(), "a1")

	// Give the failing join and subscription time to surface
	time.Sleep(100 * time.Millisecond)
	select {
	case err := <-a1.done:
		t.Fatalf("Run returned before cancellation: %v", err)
	default:
	}

	d, err := a1.Send(context.Background(), models.SendMessageRequest{Text: "anyone?"})
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if d.Delivered != 0 || d.Warning != WarningNoPeers {
		t.Errorf("Expected a local-only delivery with warning, got %+v", d)
	}
	if n := len(textEntries(a1.Transcript())); n != 1 {
		t.Errorf("Expected the message echoed locally, got %d entries", n)
	}

	a1.stop(t)
}

func TestSessionSystemMessages(t *testing.T) {
	s := store.NewMemory()
	network := peertest.NewNetwork()

	a1 := startSession(t, s, network, "a1")
	eventually(t, func() bool {
		a1.mu.RLock()
		defer a1.mu.RUnlock()
		return a1.seeded
	}, "a1's first presence snapshot")

	c3 := startSession(t, s, network, "c3")
	eventually(t, func() bool { return connected(a1.Session, "c3") }, "a1 and c3 to connect")
	c3.stop(t)

	eventually(t, func() bool {
		var joined, left bool
		for _, msg := range a1.Transcript().Messages() {
			if msg.Type != models.MessageTypeSystem {
				continue
			}
			joined = joined || msg.Text == "user-c3 joined the chat"
			left = left || msg.Text == "user-c3 left the chat"
		}
		return joined && left
	}, "join and leave notices")

	a1.stop(t)
}
