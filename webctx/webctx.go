// Package webctx abstracts the browsing-context primitives the activity
// protocol runs on: cross-context structured messaging, window opening and
// navigation. The protocol packages never touch a concrete fabric; they see
// one context from the inside (Context) and other contexts as references
// (Handle).
//
// Two fabrics ship with this module: memctx wires contexts together inside
// one process for tests and demos, and wsctx stretches the same contract
// across a websocket relay so separate processes can play the two sides.
package webctx

// Message is an inbound cross-context message.
//
// Origin and SourceID are asserted by the fabric, never by the sender. That
// assertion is what downstream code means by a "verified" origin: a receiver
// may trust Origin to name the sending context's origin regardless of what
// Data claims.
type Message struct {
	Origin   string
	SourceID string
	Data     map[string]any
}

// Handle is a reference to another browsing context, as held from outside
// it: a parent's embedded frame, a popup's opener, an opener's popup.
type Handle interface {
	// ID names the referenced context. Stable for the context's lifetime.
	ID() string

	// Send delivers a structured message to the referenced context. The
	// payload crosses the boundary by value; mutations after Send never
	// reach the receiver. Sending to a closed context is an error.
	Send(data map[string]any) error

	// Navigate points the referenced context at a new URL.
	Navigate(url string) error

	// Closed reports whether the referenced context has gone away.
	Closed() bool
}

// Context is one browsing context seen from the inside.
type Context interface {
	// ID names this context; a Handle to it reports the same ID.
	ID() string

	// Origin is this context's own origin, e.g. "https://app.example".
	Origin() string

	// URL is the full current address, fragment included.
	URL() string

	// Fragment is the current URL fragment without its leading '#'.
	Fragment() string

	// ReplaceFragment swaps the URL fragment in place without navigating.
	ReplaceFragment(fragment string) error

	// Navigate replaces this context's document with the given URL. The
	// context keeps its identity; message subscriptions do not survive.
	Navigate(url string) error

	// OnMessage subscribes to inbound messages. Delivery is asynchronous
	// and FIFO per sender. The returned func cancels the subscription.
	OnMessage(fn func(Message)) (stop func())

	// OpenWindow opens a new top-level context on the given URL. name and
	// features are passed to the windowing primitive untouched.
	OpenWindow(url, name, features string) (Handle, error)

	// Opener is the context that opened this one, or nil.
	Opener() Handle

	// Parent is the embedding context, or nil when top-level.
	Parent() Handle

	// IsEmbedded reports whether this context lives inside another one.
	IsEmbedded() bool
}
