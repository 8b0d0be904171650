// Package store persists signal envelopes and fans them out to live
// subscribers. It is the durable half of the signaling transport: a
// participant that starts observing late replays History before consuming
// the live Subscribe tail, so no envelope is ever lost to a cold start.
package store
