// Package signal defines the call signaling envelope: the single message
// unit exchanged between two call participants while they negotiate a peer
// connection.
//
// Envelopes are append-only. A call's signaling history is the ordered
// sequence of envelopes addressed to either party; nothing in this package
// mutates an envelope after creation.
package signal
