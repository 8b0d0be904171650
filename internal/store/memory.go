package store

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/chatr4661-cell/chatr-sub007/internal/signal"
)

// subscriberBuffer bounds how far a live subscriber may lag before it is
// dropped. Appends must never block on a slow consumer.
const subscriberBuffer = 64

// MemoryStore is the in-process Store used by tests and single-node
// deployments. Envelopes are kept per (call, recipient) key; there is no
// cross-key locking beyond the map itself.
type MemoryStore struct {
	mu      sync.RWMutex
	history map[streamKey][]signal.Envelope
	subs    map[streamKey]map[int]chan signal.Envelope
	nextSub int
}

type streamKey struct {
	callID string
	to     string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		history: make(map[streamKey][]signal.Envelope),
		subs:    make(map[streamKey]map[int]chan signal.Envelope),
	}
}

func (s *MemoryStore) Append(ctx context.Context, env signal.Envelope) (string, error) {
	if env.Heartbeat() {
		return "", ErrHeartbeat
	}
	if env.ID == "" {
		env.ID = uuid.NewString()
	}
	key := streamKey{callID: env.CallID, to: env.To}

	s.mu.Lock()
	s.history[key] = append(s.history[key], env)
	var dropped []int
	for id, ch := range s.subs[key] {
		select {
		case ch <- env:
		default:
			dropped = append(dropped, id)
		}
	}
	for _, id := range dropped {
		close(s.subs[key][id])
		delete(s.subs[key], id)
	}
	s.mu.Unlock()

	return env.ID, nil
}

func (s *MemoryStore) History(ctx context.Context, callID, to string) ([]signal.Envelope, error) {
	key := streamKey{callID: callID, to: to}

	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]signal.Envelope, len(s.history[key]))
	copy(out, s.history[key])
	return out, nil
}

func (s *MemoryStore) Subscribe(ctx context.Context, callID, to string) (<-chan signal.Envelope, func(), error) {
	key := streamKey{callID: callID, to: to}
	ch := make(chan signal.Envelope, subscriberBuffer)

	s.mu.Lock()
	if s.subs[key] == nil {
		s.subs[key] = make(map[int]chan signal.Envelope)
	}
	id := s.nextSub
	s.nextSub++
	s.subs[key][id] = ch
	s.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			s.mu.Lock()
			if cur, ok := s.subs[key][id]; ok && cur == ch {
				close(ch)
				delete(s.subs[key], id)
			}
			s.mu.Unlock()
		})
	}
	return ch, cancel, nil
}
