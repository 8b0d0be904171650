package transport

import (
	"context"
	"errors"
	"time"

	"github.com/chatr4661-cell/chatr-sub007/internal/signal"
)

var (
	// ErrUnavailable indicates the carrier could not accept the envelope
	// right now (backend outage, send queue overflow during reconnect).
	ErrUnavailable = errors.New("signal transport unavailable")

	// ErrDown is the permanent failure delivered on Fatal after reconnect
	// attempts are exhausted.
	ErrDown = errors.New("signal transport down")

	// ErrClosed is returned by operations on a closed carrier.
	ErrClosed = errors.New("signal transport closed")
)

// Carrier delivers envelopes for exactly one call participant.
type Carrier interface {
	// Send delivers the envelope to the peer. Control envelopes
	// (offer/answer/hangup) use an ordered reliable path; candidate
	// envelopes may use a lossy path where supported.
	Send(ctx context.Context, env signal.Envelope) error

	// SendTone transmits an out-of-band signaling tone. Best effort; no
	// envelope is recorded.
	SendTone(digit rune) error

	// Receive is the stream of inbound envelopes. Closed when the carrier
	// closes. Delivery is at-least-once; receivers deduplicate by
	// envelope id.
	Receive() <-chan signal.Envelope

	// RTT reports the last measured round-trip time, if the carrier
	// measures one.
	RTT() (time.Duration, bool)

	// Fatal delivers at most one permanent transport failure.
	Fatal() <-chan error

	Close() error
}

// controlKind reports whether the envelope must never be lost in transit.
func controlKind(k signal.Kind) bool {
	switch k {
	case signal.KindOffer, signal.KindAnswer, signal.KindHangup:
		return true
	default:
		return false
	}
}
