// Package relay is the server side of the signal transports.
//
// It hosts the fallback WebSocket pub/sub endpoint (history plus live
// envelopes over the store), the low-latency WebRTC transport endpoint
// (datachannels bridged into the store, tones forwarded directly between
// live participants), and the push-target registry API. Every endpoint is
// authenticated with HMAC bearer tokens and inbound signaling is bounded in
// size and rate.
package relay
