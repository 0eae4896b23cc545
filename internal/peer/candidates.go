package peer

import (
	"errors"
	"sync"

	"github.com/pion/webrtc/v4"
)

// CandidateQueue holds remote ICE candidates that arrived before the remote
// description was set.
type CandidateQueue struct {
	mu      sync.Mutex
	pending map[string][]webrtc.ICECandidateInit
}

// NewCandidateQueue returns an empty queue.
func NewCandidateQueue() *CandidateQueue {
	return &CandidateQueue{pending: make(map[string][]webrtc.ICECandidateInit)}
}

// Enqueue appends c to remoteID's pending list
func (q *CandidateQueue) Enqueue(remoteID string, c webrtc.ICECandidateInit) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending[remoteID] = append(q.pending[remoteID], c)
}

// Drain applies every queued candidate for remoteID in arrival order and
// clears the list. Each candidate is handed to apply exactly once; failures
// are collected and do not stop the rest.
func (q *CandidateQueue) Drain(remoteID string, apply func(webrtc.ICECandidateInit) error) error {
	q.mu.Lock()
	queued := q.pending[remoteID]
	delete(q.pending, remoteID)
	q.mu.Unlock()

	var errs []error
	for _, c := range queued {
		if err := apply(c); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Drop discards remoteID's pending candidates
func (q *CandidateQueue) Drop(remoteID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.pending, remoteID)
}

// Len reports how many candidates wait for remoteID.
func (q *CandidateQueue) Len(remoteID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending[remoteID])
}
