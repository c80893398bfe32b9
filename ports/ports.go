// Package ports implements the client half of the activity protocol: the
// port objects a launching page holds while an activity runs somewhere
// else. IframePort drives an embedded frame over a live channel; WindowPort
// drives a popup (live channel) or a full-page redirect (no channel at
// all). Every port resolves, once, into a single immutable result.
package ports

import "fmt"

// State is a port's position in its lifecycle. Transitions are
// one-directional; ResultReceived and Failed are terminal.
type State int

const (
	// StateCreated is a constructed port that has not been connected or
	// opened yet.
	StateCreated State = iota

	// StateConnecting covers the handshake: the target is loading, the
	// host's announcement is pending.
	StateConnecting

	// StateConnected means the live channel is up and the request has been
	// handed over.
	StateConnected

	// StateRedirectPending means the launch navigated this page away; no
	// live channel exists and the result, if any, returns by redirect.
	StateRedirectPending

	// StateResultReceived means the port holds its result.
	StateResultReceived

	// StateFailed means the handshake or the channel broke before a result
	// arrived.
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateRedirectPending:
		return "redirect-pending"
	case StateResultReceived:
		return "result-received"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}
