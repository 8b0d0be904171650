// Package transport moves signal envelopes between a call participant and
// the signal exchange backend.
//
// Two carriers are provided: a low-latency WebRTC DataChannel carrier (an
// ordered reliable channel for control envelopes plus an unordered
// unreliable channel for ICE candidates, tones and heartbeats) and a
// reliable store-backed fallback. Dial tries the low-latency carrier first
// and falls back for the remainder of the call; there is no mid-call
// switching.
package transport
