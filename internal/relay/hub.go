package relay

import "sync"

// toneSink receives forwarded out-of-band tones.
type toneSink interface {
	forwardTone(digit rune) error
}

// hub tracks the live low-latency connections per call so tones can be
// forwarded directly between participants without touching the store.
type hub struct {
	mu    sync.RWMutex
	conns map[string]map[string]toneSink // callID -> userID -> sink
}

func newHub() *hub {
	return &hub{conns: make(map[string]map[string]toneSink)}
}

func (h *hub) register(callID, userID string, sink toneSink) {
	h.mu.Lock()
	defer h.mu.Unlock()
	byUser := h.conns[callID]
	if byUser == nil {
		byUser = make(map[string]toneSink)
		h.conns[callID] = byUser
	}
	byUser[userID] = sink
}

func (h *hub) unregister(callID, userID string, sink toneSink) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if byUser := h.conns[callID]; byUser[userID] == sink {
		delete(byUser, userID)
		if len(byUser) == 0 {
			delete(h.conns, callID)
		}
	}
}

// peerSink returns the live connection of the other participant, if any.
func (h *hub) peerSink(callID, userID string) toneSink {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for user, sink := range h.conns[callID] {
		if user != userID {
			return sink
		}
	}
	return nil
}
