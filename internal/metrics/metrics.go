package metrics

import "sync"

// Event names incremented by the relay.
const (
	EventSignalAppended       = "signal_appended"
	EventSignalDroppedRate    = "signal_dropped_rate_limited"
	EventSignalDroppedInvalid = "signal_dropped_invalid"
	EventWSConnection         = "ws_signal_connection"
	EventRTCConnection        = "rtc_transport_connection"
	EventToneForwarded        = "tone_forwarded"
)

// Metrics is a minimal, concurrency-safe counter registry. It keeps the
// relay's enforcement paths testable without pulling in a metrics backend.
type Metrics struct {
	mu sync.Mutex
	m  map[string]uint64
}

func New() *Metrics {
	return &Metrics{
		m: make(map[string]uint64),
	}
}

func (m *Metrics) Inc(name string) {
	m.mu.Lock()
	m.m[name]++
	m.mu.Unlock()
}

func (m *Metrics) Get(name string) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m[name]
}

// Snapshot copies the current counters for exposition.
func (m *Metrics) Snapshot() map[string]uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap := make(map[string]uint64, len(m.m))
	for k, v := range m.m {
		snap[k] = v
	}
	return snap
}
