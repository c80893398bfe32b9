package hosts

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/machinefabric/activities-go/activity"
	"github.com/machinefabric/activities-go/webctx"
)

// RedirectHost serves an activity reached by full-page navigation. There is
// no channel: the request rides in on the launch URL's fragment (or is
// handed in directly) and the result rides out by navigating back to the
// request's return URL with the result encoded in its fragment. Origins on
// this path are payload claims; nothing is verified and nothing is secure.
type RedirectHost struct {
	page   webctx.Context
	schema map[string]any
	log    *slog.Logger

	mu    sync.Mutex
	state State
	req   *activity.Request
}

// NewRedirectHost builds, without connecting, a redirect host for page.
func NewRedirectHost(page webctx.Context, opts *AcceptOptions) *RedirectHost {
	return &RedirectHost{
		page:   page,
		schema: optSchema(opts),
		log:    optLogger(opts),
		state:  StateCreated,
	}
}

// Connect resolves the request: from the argument when supplied (a
// serialized string or a Request value), otherwise from the launch URL's
// fragment. A redirect host cannot respond without a return URL, so a
// request lacking one is rejected here rather than at result time.
func (h *RedirectHost) Connect(ctx context.Context, request any) (Host, error) {
	h.mu.Lock()
	if h.state != StateCreated {
		h.mu.Unlock()
		return nil, activity.NewHandshakeError("connect already attempted", nil)
	}
	h.state = StateConnecting
	h.mu.Unlock()

	req, err := h.resolveRequest(request)
	if err != nil {
		h.fail()
		return nil, err
	}
	if req.ReturnURL == "" {
		h.fail()
		return nil, &activity.Error{Kind: activity.KindMalformedRequest, Message: "redirect activity requires a return url"}
	}
	if err := activity.ValidateArgs(h.schema, req.Args); err != nil {
		h.fail()
		return nil, err
	}

	h.mu.Lock()
	h.req = req
	h.state = StateConnected
	h.mu.Unlock()
	return h, nil
}

// Request returns the request this host is serving, once connected.
func (h *RedirectHost) Request() *activity.Request {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.req
}

// Args returns the request's launch arguments.
func (h *RedirectHost) Args() map[string]any {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.req == nil {
		return nil
	}
	return h.req.Args
}

// Ready is a no-op: there is no client to signal.
func (h *RedirectHost) Ready() error { return nil }

// Result encodes the result into the return URL's fragment and navigates
// there, ending this host's page.
func (h *RedirectHost) Result(code activity.Code, data any) error {
	if !code.Valid() {
		return &activity.Error{Kind: activity.KindMalformedRequest, Message: fmt.Sprintf("invalid result code %q", code)}
	}

	h.mu.Lock()
	switch h.state {
	case StateConnected:
	case StateResultSent:
		h.mu.Unlock()
		return activity.NewDisconnectedError("result already sent")
	default:
		st := h.state
		h.mu.Unlock()
		return activity.NewDisconnectedError(fmt.Sprintf("cannot send a result in state %s", st))
	}
	req := h.req

	base, frag := activity.SplitFragment(req.ReturnURL)
	res := &activity.Result{
		RequestID: req.RequestID,
		Code:      code,
		Data:      data,
		Origin:    h.page.Origin(),
	}
	frag, err := activity.EncodeResultFragment(frag, res)
	if err != nil {
		h.state = StateFailed
		h.mu.Unlock()
		return err
	}
	h.state = StateResultSent
	h.mu.Unlock()

	if err := h.page.Navigate(activity.JoinFragment(base, frag)); err != nil {
		h.mu.Lock()
		h.state = StateFailed
		h.mu.Unlock()
		return activity.NewSendError("navigate to return url", err)
	}
	return nil
}

// Message always fails: redirect activities have no channel.
func (h *RedirectHost) Message(payload map[string]any) error {
	return activity.NewDisconnectedError("redirect activities have no channel")
}

// OnMessage is a no-op: no message can ever arrive.
func (h *RedirectHost) OnMessage(fn func(map[string]any)) {}

// Mode returns ModeRedirect.
func (h *RedirectHost) Mode() activity.Mode { return activity.ModeRedirect }

// State returns the host's lifecycle state.
func (h *RedirectHost) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// TargetOrigin returns the origin of the return URL. It is derived from
// payload data and is only ever a claim.
func (h *RedirectHost) TargetOrigin() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.req == nil {
		return ""
	}
	return activity.OriginOf(h.req.ReturnURL)
}

// OriginVerified is always false on the redirect path.
func (h *RedirectHost) OriginVerified() bool { return false }

// SecureChannel is always false on the redirect path.
func (h *RedirectHost) SecureChannel() bool { return false }

// Close is a no-op: a redirect host holds no channel.
func (h *RedirectHost) Close() {}

func (h *RedirectHost) resolveRequest(request any) (*activity.Request, error) {
	switch v := request.(type) {
	case nil:
		req, ok := activity.DecodeRequestFragment(h.page.Fragment())
		if !ok {
			return nil, activity.NewHandshakeError("no request in the launch fragment", nil)
		}
		return req, nil
	case *activity.Request:
		if err := v.Validate(); err != nil {
			return nil, err
		}
		return v, nil
	case activity.Request:
		r := v
		if err := r.Validate(); err != nil {
			return nil, err
		}
		return &r, nil
	case string:
		return activity.ParseRequest(v)
	default:
		return nil, &activity.Error{Kind: activity.KindMalformedRequest, Message: fmt.Sprintf("unsupported request type %T", request)}
	}
}

func (h *RedirectHost) fail() {
	h.mu.Lock()
	if h.state != StateResultSent {
		h.state = StateFailed
	}
	h.mu.Unlock()
}
