package chat

import (
	"sync"

	"github.com/mossy-p/meshchat/internal/models"
)

const listenerBuffer = 64

// Transcript is the visible, id-deduplicated message log of one session.
// Only the newest limit entries are kept, but every id ever added stays
// known so a late duplicate of a trimmed message is still rejected.
type Transcript struct {
	mu        sync.RWMutex
	limit     int
	messages  []models.ChatMessage
	seen      map[string]struct{}
	listeners map[int]chan models.ChatMessage
	nextID    int
}

// NewTranscript keeps at most limit visible entries.
func NewTranscript(limit int) *Transcript {
	return &Transcript{
		limit:     limit,
		seen:      make(map[string]struct{}),
		listeners: make(map[int]chan models.ChatMessage),
	}
}

// Add appends msg unless its id was already recorded.
func (t *Transcript) Add(msg models.ChatMessage) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, dup := t.seen[msg.ID]; dup {
		return false
	}
	t.seen[msg.ID] = struct{}{}

	t.messages = append(t.messages, msg)
	if t.limit > 0 && len(t.messages) > t.limit {
		t.messages = append([]models.ChatMessage(nil), t.messages[len(t.messages)-t.limit:]...)
	}

	for _, ch := range t.listeners {
		// slow listeners miss entries rather than stall the mesh
		select {
		case ch <- msg:
		default:
		}
	}
	return true
}

// Messages returns a copy of the visible entries, oldest first.
func (t *Transcript) Messages() []models.ChatMessage {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]models.ChatMessage(nil), t.messages...)
}

// Len is the number of visible entries.
func (t *Transcript) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.messages)
}

// Subscribe streams every entry added from now on. The returned cancel
// func closes the channel.
func (t *Transcript) Subscribe() (<-chan models.ChatMessage, func()) {
	t.mu.Lock()
	defer t.mu.Unlock()

	id := t.nextID
	t.nextID++
	ch := make(chan models.ChatMessage, listenerBuffer)
	t.listeners[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			t.mu.Lock()
			delete(t.listeners, id)
			close(ch)
			t.mu.Unlock()
		})
	}
}
