package presence

import (
	"context"
	"slices"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/mossy-p/meshchat/internal/models"
	"github.com/mossy-p/meshchat/internal/store"
)

func ids(ps []models.Participant) []string {
	out := make([]string, len(ps))
	for i, p := range ps {
		out[i] = p.ID
	}
	return out
}

func TestRegistry(t *testing.T) {
	s := store.NewMemory()
	reg := NewRegistry(s, "community_chat_users", 0, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	if err := reg.Join(ctx, models.Participant{ID: "a1", DisplayName: "Alice", JoinedAt: base}); err != nil {
		t.Fatalf("Join failed: %v", err)
	}
	if err := reg.Join(ctx, models.Participant{ID: "c3", DisplayName: "Carol", JoinedAt: base.Add(time.Minute)}); err != nil {
		t.Fatalf("Join failed: %v", err)
	}

	updates := make(chan []models.Participant, 16)
	done := make(chan error, 1)
	go func() {
		done <- reg.Subscribe(ctx, "a1", func(ps []models.Participant) { updates <- ps })
	}()

	next := func() []string {
		t.Helper()
		select {
		case ps := <-updates:
			return ids(ps)
		case <-time.After(2 * time.Second):
			t.Fatal("Timed out waiting for presence update")
		}
		return nil
	}

	t.Run("snapshot excludes self", func(t *testing.T) {
		got := next()
		if len(got) != 1 || got[0] != "c3" {
			t.Errorf("Expected [c3], got %v", got)
		}
	})

	t.Run("join is delivered in joinedAt order", func(t *testing.T) {
		_ = reg.Join(ctx, models.Participant{ID: "b2", DisplayName: "Bob", JoinedAt: base.Add(30 * time.Second)})
		got := next()
		if len(got) != 2 || got[0] != "b2" || got[1] != "c3" {
			t.Errorf("Expected [b2 c3], got %v", got)
		}
	})

	t.Run("leave removes participant", func(t *testing.T) {
		if err := reg.Leave(ctx, "c3"); err != nil {
			t.Fatalf("Leave failed: %v", err)
		}
		got := next()
		if len(got) != 1 || got[0] != "b2" {
			t.Errorf("Expected [b2], got %v", got)
		}
	})

	t.Run("subscribe returns on cancel", func(t *testing.T) {
		cancel()
		select {
		case err := <-done:
			if err != context.Canceled {
				t.Errorf("Expected context.Canceled, got %v", err)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("Subscribe did not return after cancel")
		}
	})
}

func TestRegistryExpiry(t *testing.T) {
	const ttl = 150 * time.Millisecond
	s := store.NewMemory()
	reg := NewRegistry(s, "community_chat_users", ttl, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// A node that died without leaving: written once, never refreshed
	ghost := models.Participant{ID: "g9", DisplayName: "Ghost", LastSeen: time.Now().UTC()}
	if err := s.Set(ctx, "community_chat_users", ghost.ID, ghost); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	bob := models.Participant{ID: "b2", DisplayName: "Bob"}
	if err := reg.Join(ctx, bob); err != nil {
		t.Fatalf("Join failed: %v", err)
	}
	go reg.Heartbeat(ctx, bob)

	var mu sync.Mutex
	var latest []string
	updates := 0
	go reg.Subscribe(ctx, "a1", func(ps []models.Participant) {
		mu.Lock()
		latest = ids(ps)
		updates++
		mu.Unlock()
	})
	current := func() ([]string, int) {
		mu.Lock()
		defer mu.Unlock()
		return slices.Clone(latest), updates
	}

	waitFor := func(t *testing.T, cond func([]string) bool, what string) {
		t.Helper()
		deadline := time.Now().Add(2 * time.Second)
		for {
			got, n := current()
			if n > 0 && cond(got) {
				return
			}
			if time.Now().After(deadline) {
				t.Fatalf("Timed out waiting for %s, last roster %v", what, got)
			}
			time.Sleep(10 * time.Millisecond)
		}
	}

	t.Run("stale record drops out", func(t *testing.T) {
		waitFor(t, func(got []string) bool {
			return !slices.Contains(got, "g9") && slices.Contains(got, "b2")
		}, "ghost to expire")
	})

	t.Run("heartbeat keeps a live record", func(t *testing.T) {
		time.Sleep(3 * ttl)
		got, _ := current()
		if !slices.Equal(got, []string{"b2"}) {
			t.Errorf("Expected [b2], got %v", got)
		}
	})

	t.Run("record without heartbeat expires in the store", func(t *testing.T) {
		if err := reg.Join(ctx, models.Participant{ID: "c3", DisplayName: "Carol"}); err != nil {
			t.Fatalf("Join failed: %v", err)
		}
		deadline := time.Now().Add(2 * time.Second)
		for {
			docs, _ := s.Query(ctx, "community_chat_users", store.Filter{})
			found := false
			for _, d := range docs {
				found = found || d.ID == "c3"
			}
			if !found {
				return
			}
			if time.Now().After(deadline) {
				t.Fatal("Expected c3 to expire from the store")
			}
			time.Sleep(10 * time.Millisecond)
		}
	})
}
