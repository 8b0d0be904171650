package store

import (
	"context"
	"testing"
	"time"

	"github.com/chatr4661-cell/chatr-sub007/internal/signal"
)

func appendEnv(t *testing.T, s *MemoryStore, callID, from, to string, p signal.Payload) signal.Envelope {
	t.Helper()
	env := signal.NewEnvelope(callID, from, to, p)
	id, err := s.Append(context.Background(), env)
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if id != env.ID {
		t.Fatalf("append changed an assigned id: %s != %s", id, env.ID)
	}
	return env
}

func TestMemoryStore_HistoryOrder(t *testing.T) {
	s := NewMemoryStore()
	a := appendEnv(t, s, "c1", "alice", "bob", signal.Offer{SDP: "s1", Round: 1})
	b := appendEnv(t, s, "c1", "alice", "bob", signal.Candidate{Candidate: "cand1"})
	appendEnv(t, s, "c2", "alice", "bob", signal.Offer{SDP: "other call", Round: 1})

	hist, err := s.History(context.Background(), "c1", "bob")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(hist) != 2 || hist[0].ID != a.ID || hist[1].ID != b.ID {
		t.Fatalf("history out of order or wrong length: %+v", hist)
	}

	// The reverse direction is a separate key space.
	hist, err = s.History(context.Background(), "c1", "alice")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(hist) != 0 {
		t.Fatalf("expected empty history for alice, got %d", len(hist))
	}
}

func TestMemoryStore_AppendAssignsID(t *testing.T) {
	s := NewMemoryStore()
	env := signal.NewEnvelope("c1", "alice", "bob", signal.Hangup{})
	env.ID = ""
	id, err := s.Append(context.Background(), env)
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if id == "" {
		t.Fatalf("expected assigned id")
	}
}

func TestMemoryStore_RejectsHeartbeats(t *testing.T) {
	s := NewMemoryStore()
	_, err := s.Append(context.Background(), signal.NewEnvelope("c1", "a", "b", signal.Ping{SentAt: 1}))
	if err != ErrHeartbeat {
		t.Fatalf("expected ErrHeartbeat, got %v", err)
	}
}

func TestMemoryStore_SubscribeLiveOnly(t *testing.T) {
	s := NewMemoryStore()
	appendEnv(t, s, "c1", "alice", "bob", signal.Offer{SDP: "before", Round: 1})

	ch, cancel, err := s.Subscribe(context.Background(), "c1", "bob")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer cancel()

	live := appendEnv(t, s, "c1", "alice", "bob", signal.Candidate{Candidate: "live"})

	select {
	case got := <-ch:
		if got.ID != live.ID {
			t.Fatalf("expected live envelope %s, got %s", live.ID, got.ID)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for live envelope")
	}

	select {
	case got := <-ch:
		t.Fatalf("unexpected extra envelope %s (pre-subscription history must not be delivered live)", got.ID)
	default:
	}
}

func TestMemoryStore_CancelIdempotentAndCloses(t *testing.T) {
	s := NewMemoryStore()
	ch, cancel, err := s.Subscribe(context.Background(), "c1", "bob")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	cancel()
	cancel()

	if _, open := <-ch; open {
		t.Fatalf("expected channel closed after cancel")
	}

	// Appends after cancellation must not panic or deliver.
	appendEnv(t, s, "c1", "alice", "bob", signal.Hangup{})
}

func TestMemoryStore_SlowSubscriberDropped(t *testing.T) {
	s := NewMemoryStore()
	ch, cancel, err := s.Subscribe(context.Background(), "c1", "bob")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer cancel()

	for i := 0; i < subscriberBuffer+1; i++ {
		appendEnv(t, s, "c1", "alice", "bob", signal.Candidate{Candidate: "cand"})
	}

	// Drain: the subscriber was dropped at overflow, so the channel must be
	// closed after at most subscriberBuffer deliveries.
	n := 0
	for range ch {
		n++
	}
	if n != subscriberBuffer {
		t.Fatalf("expected %d buffered envelopes before drop, got %d", subscriberBuffer, n)
	}
}
