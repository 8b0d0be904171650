package signal

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// MediaKind selects the media profile of a call.
type MediaKind string

const (
	MediaAudio MediaKind = "audio"
	MediaVideo MediaKind = "video"
)

func (m MediaKind) Valid() bool {
	return m == MediaAudio || m == MediaVideo
}

// Call identifies one audio/video session between two parties. It is
// immutable after creation; every envelope belonging to the session
// references its ID.
type Call struct {
	ID        string
	CallerID  string
	CalleeID  string
	Media     MediaKind
	CreatedAt time.Time
}

// NewCall mints a call record with a fresh id.
func NewCall(callerID, calleeID string, media MediaKind) (Call, error) {
	if callerID == "" || calleeID == "" {
		return Call{}, fmt.Errorf("call requires caller and callee ids")
	}
	if !media.Valid() {
		return Call{}, fmt.Errorf("unsupported media kind %q", media)
	}
	return Call{
		ID:        uuid.NewString(),
		CallerID:  callerID,
		CalleeID:  calleeID,
		Media:     media,
		CreatedAt: time.Now().UTC(),
	}, nil
}

// Peer returns the other participant of the call, or "" if userID is not a
// participant.
func (c Call) Peer(userID string) string {
	switch userID {
	case c.CallerID:
		return c.CalleeID
	case c.CalleeID:
		return c.CallerID
	default:
		return ""
	}
}
