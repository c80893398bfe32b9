package ports

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"github.com/machinefabric/activities-go/activity"
	"github.com/machinefabric/activities-go/messenger"
	"github.com/machinefabric/activities-go/webctx"
)

// WindowPort runs an activity in another top-level context. Target "_blank"
// or a window name opens a popup and speaks the live protocol over it;
// target "_top" gives up this page entirely: the request travels in the
// launch URL's fragment, no channel ever exists, and the result, if any,
// comes back by redirect long after this port is gone.
type WindowPort struct {
	page   webctx.Context
	url    string
	target string
	req    *activity.Request
	opts   *activity.OpenOptions
	log    *slog.Logger

	mode activity.Mode
	m    *messenger.Messenger
	win  webctx.Handle

	mu     sync.Mutex
	state  State
	result *activity.Result

	resultCh  chan struct{}
	closeCh   chan struct{}
	closeOnce sync.Once
}

// NewWindowPort builds a port for url under the given open target:
// "_blank", "_top" or a plain window name. Anything else is rejected with
// an invalid-target error. Redirect launches ("_top") additionally require
// the request to carry a return URL.
func NewWindowPort(page webctx.Context, url, target string, req *activity.Request, opts *activity.OpenOptions, log *slog.Logger) (*WindowPort, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if !validTarget(target) {
		return nil, activity.NewInvalidTargetError(target)
	}
	if log == nil {
		log = slog.Default()
	}
	mode := activity.ModePopup
	if target == "_top" {
		mode = activity.ModeRedirect
		if req.ReturnURL == "" {
			return nil, &activity.Error{Kind: activity.KindMalformedRequest, Message: "redirect launch requires a return url"}
		}
	}
	return &WindowPort{
		page:     page,
		url:      url,
		target:   target,
		req:      req,
		opts:     opts,
		log:      log,
		mode:     mode,
		state:    StateCreated,
		resultCh: make(chan struct{}),
		closeCh:  make(chan struct{}),
	}, nil
}

// Open launches the activity. For popups it opens the window and returns;
// the handshake then runs on message events and the result arrives through
// AcceptResult. For "_top" it navigates this page to the activity URL with
// the request encoded in the fragment, after which nothing more can happen
// on this port.
func (w *WindowPort) Open() error {
	w.mu.Lock()
	if w.state != StateCreated {
		w.mu.Unlock()
		return activity.NewHandshakeError("open already attempted", nil)
	}
	w.mu.Unlock()

	if w.mode == activity.ModeRedirect {
		return w.openRedirect()
	}
	return w.openPopup()
}

func (w *WindowPort) openRedirect() error {
	base, frag := activity.SplitFragment(w.url)
	frag, err := activity.EncodeRequestFragment(frag, w.req)
	if err != nil {
		w.fail()
		return err
	}

	w.mu.Lock()
	w.state = StateRedirectPending
	w.mu.Unlock()

	if err := w.page.Navigate(activity.JoinFragment(base, frag)); err != nil {
		w.fail()
		return activity.NewHandshakeError("redirect navigation", err)
	}
	return nil
}

func (w *WindowPort) openPopup() error {
	name := w.target
	if name == "_blank" {
		name = ""
	}
	win, err := w.page.OpenWindow(w.url, name, w.opts.Features())
	if err != nil {
		w.fail()
		return activity.NewHandshakeError("window open blocked", err)
	}

	w.mu.Lock()
	w.win = win
	w.state = StateConnecting
	w.mu.Unlock()

	w.m = messenger.New(w.page, win, activity.OriginOf(w.url), w.log)
	w.m.OnCommand(w.handleCommand)
	w.m.Listen()
	return nil
}

// AcceptResult blocks until the popup's single result. In redirect mode no
// result can ever arrive here; the call pends until ctx ends, and the
// result is discovered on the return page instead.
func (w *WindowPort) AcceptResult(ctx context.Context) (*activity.Result, error) {
	w.mu.Lock()
	if w.state == StateCreated {
		w.mu.Unlock()
		return nil, activity.NewDisconnectedError("port never opened")
	}
	if w.result != nil {
		res := w.result
		w.mu.Unlock()
		return res, nil
	}
	if w.state == StateFailed {
		w.mu.Unlock()
		return nil, activity.NewDisconnectedError("port already failed")
	}
	w.mu.Unlock()

	if w.mode == activity.ModeRedirect {
		<-ctx.Done()
		return nil, ctx.Err()
	}

	select {
	case <-w.resultCh:
		w.mu.Lock()
		res := w.result
		w.mu.Unlock()
		return res, nil
	case <-w.closeCh:
		return nil, activity.NewDisconnectedError("host closed the channel before a result")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Message sends a custom payload to the popup host.
func (w *WindowPort) Message(payload map[string]any) error {
	w.mu.Lock()
	s := w.state
	w.mu.Unlock()
	if s != StateConnected {
		return activity.NewDisconnectedError("custom messages need a connected channel")
	}
	if err := w.m.Send(messenger.CmdMsg, map[string]any{"data": payload}); err != nil {
		return activity.NewSendError("send custom message", err)
	}
	return nil
}

// Close unsubscribes from the popup channel, if any.
func (w *WindowPort) Close() {
	if w.m != nil {
		w.m.Close()
	}
}

// RequestID returns the identifier of the request this port carries.
func (w *WindowPort) RequestID() string { return w.req.RequestID }

// Mode returns ModePopup or ModeRedirect, decided by the open target.
func (w *WindowPort) Mode() activity.Mode { return w.mode }

// TargetOrigin returns the origin results are expected from. For redirect
// launches this is derived from the activity URL and is only ever a claim.
func (w *WindowPort) TargetOrigin() string {
	if w.mode == activity.ModeRedirect {
		return activity.OriginOf(w.url)
	}
	return w.m.PeerOrigin()
}

// OriginVerified reports whether the host origin has been fabric-asserted.
// Always false in redirect mode.
func (w *WindowPort) OriginVerified() bool {
	if w.mode == activity.ModeRedirect {
		return false
	}
	return w.m != nil && w.m.OriginVerified()
}

// SecureChannel reports whether a direct message channel to the host is
// established. Always false in redirect mode.
func (w *WindowPort) SecureChannel() bool {
	if w.mode == activity.ModeRedirect {
		return false
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state == StateConnected || w.state == StateResultReceived
}

// State returns the port's lifecycle state.
func (w *WindowPort) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

func (w *WindowPort) fail() {
	w.mu.Lock()
	if w.state != StateResultReceived {
		w.state = StateFailed
	}
	w.mu.Unlock()
	if w.m != nil {
		w.m.Close()
	}
}

func (w *WindowPort) handleCommand(c messenger.Command) {
	switch c.Name {
	case messenger.CmdConnect:
		// Hand the request over on every announce; the host keeps the
		// first one it parses.
		s, err := activity.SerializeRequest(w.req)
		if err != nil {
			w.log.Debug("serialize request failed", "error", err)
			return
		}
		if err := w.m.Send(messenger.CmdStart, map[string]any{"request": s}); err != nil {
			w.log.Debug("hand over request failed", "error", err)
			return
		}
		w.mu.Lock()
		if w.state == StateConnecting {
			w.state = StateConnected
		}
		w.mu.Unlock()

	case messenger.CmdResult:
		res, ok := resultFromCommand(c)
		if !ok || res.RequestID != w.req.RequestID {
			return
		}
		w.mu.Lock()
		if w.result != nil {
			w.mu.Unlock()
			return
		}
		w.result = res
		w.state = StateResultReceived
		close(w.resultCh)
		w.mu.Unlock()

	case messenger.CmdClose:
		w.mu.Lock()
		done := w.result != nil
		w.mu.Unlock()
		if done {
			return
		}
		w.closeOnce.Do(func() { close(w.closeCh) })
	}
}

func validTarget(target string) bool {
	switch target {
	case "_blank", "_top":
		return true
	}
	return target != "" && !strings.HasPrefix(target, "_")
}
