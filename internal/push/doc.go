// Package push wakes the callee's device when a call starts.
//
// The dispatcher sends a data-only, short-TTL, high-priority message to the
// callee's most recently used device token. Delivery is best effort: the
// caller proceeds with signaling whether or not the push went out, so every
// provider failure is reported in the result instead of as an error.
package push
