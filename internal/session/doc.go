// Package session owns the per-call signaling state machine.
//
// One Coordinator exists per participant per call. Every inbound signal and
// every user action funnels through a single serialized loop, so the state
// is never touched by two flows at once; that is the design answer to
// racing offer/answer/candidate deliveries. Across calls, coordinators are
// fully independent.
package session
