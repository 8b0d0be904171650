package transport

import (
	"context"
	"log/slog"

	"github.com/chatr4661-cell/chatr-sub007/internal/store"
)

// Options selects and configures the carriers for one call participant.
type Options struct {
	// Store backs the reliable fallback carrier. Required.
	Store store.Store

	// LowLatency enables the DataChannel carrier when non-nil. A nil value
	// means the capability is absent and the fallback is used directly.
	LowLatency *DialConfig

	DataChannel DataChannelConfig

	Logger *slog.Logger
}

// Dial establishes the carrier for a call: the low-latency channel when it
// can be set up, otherwise the reliable fallback, which is then used
// exclusively for the remainder of the call. There is no mid-call
// switching.
func Dial(ctx context.Context, callID, selfID string, opts Options) (Carrier, error) {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	if opts.LowLatency != nil {
		cfg := opts.DataChannel
		cfg.CallID = callID
		cfg.SelfID = selfID
		if cfg.Logger == nil {
			cfg.Logger = log
		}
		c, err := DialDataChannelCarrier(ctx, *opts.LowLatency, cfg)
		if err == nil {
			return c, nil
		}
		log.Warn("low-latency transport setup failed, using fallback for this call",
			"call", callID, "err", err)
	}

	return NewStoreCarrier(ctx, opts.Store, callID, selfID, log)
}
