package store

import (
	"context"
	"errors"

	"github.com/chatr4661-cell/chatr-sub007/internal/signal"
)

var (
	// ErrUnavailable wraps backend outages. Callers must treat it as "state
	// unknown", never as an empty history.
	ErrUnavailable = errors.New("signal store unavailable")

	// ErrHeartbeat is returned when a ping/pong envelope is appended.
	// Heartbeats are transport-level and are never persisted.
	ErrHeartbeat = errors.New("heartbeat envelopes are not stored")
)

// Store is the durable, ordered record of signaling envelopes, keyed by
// (call id, recipient id). Writes for one call never block or reorder reads
// for another; calls are independent key spaces.
type Store interface {
	// Append durably records the envelope, then notifies live subscribers.
	// It never blocks on delivery. If env.ID is empty an id is assigned;
	// the (possibly assigned) id is returned.
	Append(ctx context.Context, env signal.Envelope) (string, error)

	// History returns every envelope appended so far for the call and
	// recipient, in creation order.
	History(ctx context.Context, callID, to string) ([]signal.Envelope, error)

	// Subscribe returns a live tail of envelopes appended after the
	// subscription is established. The cancel func releases the
	// subscription and closes the channel. A subscriber that falls too far
	// behind is dropped (its channel closed) rather than blocking appends.
	Subscribe(ctx context.Context, callID, to string) (<-chan signal.Envelope, func(), error)
}
