package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/chatr4661-cell/chatr-sub007/internal/signal"
	"github.com/chatr4661-cell/chatr-sub007/internal/store"
)

// StoreCarrier is the reliable fallback: envelopes are appended to the
// shared signal store and received through its live subscription. Ordered,
// at-least-once, no datagram path.
type StoreCarrier struct {
	st     store.Store
	log    *slog.Logger
	callID string
	selfID string

	recv   <-chan signal.Envelope
	unsub  func()
	fatal  chan error
	closed sync.Once
	done   chan struct{}
}

// NewStoreCarrier subscribes to live envelopes addressed to selfID. History
// replay is the coordinator's responsibility; the carrier only tails.
func NewStoreCarrier(ctx context.Context, st store.Store, callID, selfID string, log *slog.Logger) (*StoreCarrier, error) {
	if log == nil {
		log = slog.Default()
	}
	recv, unsub, err := st.Subscribe(ctx, callID, selfID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return &StoreCarrier{
		st:     st,
		log:    log,
		callID: callID,
		selfID: selfID,
		recv:   recv,
		unsub:  unsub,
		fatal:  make(chan error, 1),
		done:   make(chan struct{}),
	}, nil
}

func (c *StoreCarrier) Send(ctx context.Context, env signal.Envelope) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	if env.Heartbeat() {
		// The fallback has no channel-level heartbeat; the store's own
		// availability stands in for liveness.
		return nil
	}
	if _, err := c.st.Append(ctx, env); err != nil {
		if errors.Is(err, store.ErrUnavailable) {
			return fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		return err
	}
	return nil
}

func (c *StoreCarrier) SendTone(digit rune) error {
	// No out-of-band path on the fallback; tones degrade to a no-op.
	c.log.Debug("dropping tone on fallback carrier", "call", c.callID, "digit", string(digit))
	return nil
}

func (c *StoreCarrier) Receive() <-chan signal.Envelope { return c.recv }

func (c *StoreCarrier) RTT() (time.Duration, bool) { return 0, false }

func (c *StoreCarrier) Fatal() <-chan error { return c.fatal }

func (c *StoreCarrier) Close() error {
	c.closed.Do(func() {
		close(c.done)
		c.unsub()
	})
	return nil
}
