package push

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrNoTarget is returned by MostRecent when the user has no registered
// device token.
var ErrNoTarget = errors.New("no push target registered")

// Target is one registered push destination for a user's device. A user may
// have several (phone, tablet); LastUsed picks between them.
type Target struct {
	Token    string    `json:"token"`
	Platform string    `json:"platform"`
	LastUsed time.Time `json:"lastUsed"`
}

// TargetRegistry stores device tokens per user. Implementations are injected
// into the dispatcher; there is no package-level default.
type TargetRegistry interface {
	// Save records or refreshes a target. Saving an existing token updates
	// its platform and LastUsed.
	Save(ctx context.Context, userID string, target Target) error

	// MostRecent returns the target with the newest LastUsed, or ErrNoTarget.
	MostRecent(ctx context.Context, userID string) (Target, error)

	// Invalidate removes a token the provider reported as dead. Removing an
	// unknown token is not an error.
	Invalidate(ctx context.Context, userID, token string) error
}

// MemoryRegistry is the in-process TargetRegistry used by tests and
// single-node deployments.
type MemoryRegistry struct {
	mu      sync.RWMutex
	targets map[string][]Target
}

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{targets: make(map[string][]Target)}
}

func (r *MemoryRegistry) Save(_ context.Context, userID string, target Target) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	list := r.targets[userID]
	for i := range list {
		if list[i].Token == target.Token {
			list[i] = target
			return nil
		}
	}
	r.targets[userID] = append(list, target)
	return nil
}

func (r *MemoryRegistry) MostRecent(_ context.Context, userID string) (Target, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	list := r.targets[userID]
	if len(list) == 0 {
		return Target{}, ErrNoTarget
	}
	best := list[0]
	for _, t := range list[1:] {
		if t.LastUsed.After(best.LastUsed) {
			best = t
		}
	}
	return best, nil
}

func (r *MemoryRegistry) Invalidate(_ context.Context, userID, token string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	list := r.targets[userID]
	for i := range list {
		if list[i].Token == token {
			r.targets[userID] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(r.targets[userID]) == 0 {
		delete(r.targets, userID)
	}
	return nil
}
