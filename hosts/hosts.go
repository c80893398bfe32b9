// Package hosts implements the host half of the activity protocol: the side
// that runs inside the launched context, takes the request, does its work
// and produces the single result. Which variant applies is a property of
// how the context was reached, decided once by Detect: embedded means
// iframe, an opener means popup, anything else means the host was reached
// by full-page redirect.
package hosts

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/machinefabric/activities-go/activity"
	"github.com/machinefabric/activities-go/webctx"
)

// Kind is the host variant for a context.
type Kind int

const (
	KindIframe Kind = iota
	KindPopup
	KindRedirect
)

func (k Kind) String() string {
	switch k {
	case KindIframe:
		return "iframe"
	case KindPopup:
		return "popup"
	case KindRedirect:
		return "redirect"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Detect decides the host variant for a context. It is a pure read of the
// context's position: embedded contexts host iframes, top-level contexts
// with a live opener host popups, everything else was reached by redirect.
func Detect(page webctx.Context) Kind {
	if page.IsEmbedded() {
		return KindIframe
	}
	if op := page.Opener(); op != nil && !op.Closed() {
		return KindPopup
	}
	return KindRedirect
}

// State is a host's position in its lifecycle. Transitions are
// one-directional: Created → Connecting → Connected → ResultSent, with
// Failed absorbing handshake, validation and delivery failures.
type State int

const (
	StateCreated State = iota
	StateConnecting
	StateConnected
	StateResultSent
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
	case StateResultSent:
		return "result-sent"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Host is one side of a running activity, seen from inside the launched
// context.
type Host interface {
	// Connect performs the variant's handshake and returns the host to
	// keep using, which may be a delegate. The request argument is only
	// consulted by redirect hosts; live variants always negotiate the
	// request over their channel.
	Connect(ctx context.Context, request any) (Host, error)

	// Request returns the request this host is serving, once connected.
	Request() *activity.Request

	// Args returns the request's launch arguments.
	Args() map[string]any

	// Ready signals the client that the host is ready for display. A no-op
	// for redirect hosts.
	Ready() error

	// Result ends the activity with the single result. Exactly one result
	// can ever be sent; later calls fail.
	Result(code activity.Code, data any) error

	// Message sends a custom payload to the client. Live channels only.
	Message(payload map[string]any) error

	// OnMessage sets the consumer for custom payloads from the client.
	OnMessage(fn func(map[string]any))

	// Mode returns the delivery mechanism this host serves.
	Mode() activity.Mode

	// State returns the host's lifecycle state.
	State() State

	// TargetOrigin returns the client origin results go to. For redirect
	// hosts this is derived from the return URL and is only a claim.
	TargetOrigin() string

	// OriginVerified reports whether the client origin was asserted by the
	// fabric. Always false for redirect hosts.
	OriginVerified() bool

	// SecureChannel reports whether a direct message channel to the client
	// exists. Always false for redirect hosts.
	SecureChannel() bool

	// Close releases the host's channel resources. It does not send
	// anything.
	Close()
}

// AcceptOptions tunes how an incoming activity is accepted.
type AcceptOptions struct {
	// ArgsSchema is a JSON Schema the request args must satisfy. Nil
	// accepts anything.
	ArgsSchema map[string]any

	// Delegate, when set, handles the activity instead of a built-in
	// variant and is returned from Accept unchanged.
	Delegate Host

	// Logger for host-side operational logs. Nil falls back to
	// slog.Default.
	Logger *slog.Logger
}

// Accept detects the variant for page, builds the matching host and runs
// its handshake. With opts.Delegate set, the delegate is connected instead.
func Accept(ctx context.Context, page webctx.Context, request any, opts *AcceptOptions) (Host, error) {
	var h Host
	switch {
	case opts != nil && opts.Delegate != nil:
		h = opts.Delegate
	default:
		switch Detect(page) {
		case KindIframe:
			h = NewIframeHost(page, opts)
		case KindPopup:
			h = NewPopupHost(page, opts)
		default:
			h = NewRedirectHost(page, opts)
		}
	}
	return h.Connect(ctx, request)
}

func optLogger(opts *AcceptOptions) *slog.Logger {
	if opts != nil && opts.Logger != nil {
		return opts.Logger
	}
	return slog.Default()
}

func optSchema(opts *AcceptOptions) map[string]any {
	if opts == nil {
		return nil
	}
	return opts.ArgsSchema
}
