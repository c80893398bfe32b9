package hosts

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/machinefabric/activities-go/activity"
	"github.com/machinefabric/activities-go/messenger"
	"github.com/machinefabric/activities-go/webctx"
)

// announceEvery is how often a connecting host re-announces itself until
// the client hands over the request. The client deduplicates announces, so
// re-sending is safe; it covers clients that attach their listener after
// this context loads.
const announceEvery = 250 * time.Millisecond

// liveHost is the shared machinery of the two channel-backed variants. The
// iframe host speaks to its parent, the popup host to its opener; beyond
// the peer and the opener-closed check on delivery they behave identically.
type liveHost struct {
	page      webctx.Context
	peer      webctx.Handle
	mode      activity.Mode
	schema    map[string]any
	checkPeer bool
	log       *slog.Logger
	m         *messenger.Messenger

	mu        sync.Mutex
	state     State
	req       *activity.Request
	onMsg     func(map[string]any)
	startCh   chan *activity.Request
	startOnce sync.Once
}

// IframeHost serves an activity embedded in a frame: the channel runs to
// the parent context.
type IframeHost struct {
	liveHost
}

// PopupHost serves an activity in an opened window: the channel runs to the
// opener. Its opener may disappear at any time; Result reports that as a
// send failure.
type PopupHost struct {
	liveHost
}

// NewIframeHost builds, without connecting, a host speaking to page's
// parent.
func NewIframeHost(page webctx.Context, opts *AcceptOptions) *IframeHost {
	return &IframeHost{liveHost: newLive(page, page.Parent(), activity.ModeIframe, false, opts)}
}

// NewPopupHost builds, without connecting, a host speaking to page's
// opener.
func NewPopupHost(page webctx.Context, opts *AcceptOptions) *PopupHost {
	return &PopupHost{liveHost: newLive(page, page.Opener(), activity.ModePopup, true, opts)}
}

// Connect announces this host to the parent and waits for the request.
func (h *IframeHost) Connect(ctx context.Context, request any) (Host, error) {
	if err := h.connect(ctx); err != nil {
		return nil, err
	}
	return h, nil
}

// Connect announces this host to the opener and waits for the request.
func (h *PopupHost) Connect(ctx context.Context, request any) (Host, error) {
	if err := h.connect(ctx); err != nil {
		return nil, err
	}
	return h, nil
}

func newLive(page webctx.Context, peer webctx.Handle, mode activity.Mode, checkPeer bool, opts *AcceptOptions) liveHost {
	return liveHost{
		page:      page,
		peer:      peer,
		mode:      mode,
		schema:    optSchema(opts),
		checkPeer: checkPeer,
		log:       optLogger(opts),
		state:     StateCreated,
		startCh:   make(chan *activity.Request, 1),
	}
}

func (h *liveHost) connect(ctx context.Context) error {
	h.mu.Lock()
	if h.state != StateCreated {
		h.mu.Unlock()
		return activity.NewHandshakeError("connect already attempted", nil)
	}
	if h.peer == nil {
		h.state = StateFailed
		h.mu.Unlock()
		return activity.NewHandshakeError("no client context to connect to", nil)
	}
	h.state = StateConnecting
	h.mu.Unlock()

	h.m = messenger.New(h.page, h.peer, "", h.log)
	h.m.OnCommand(h.handleCommand)
	h.m.Listen()

	if err := h.m.Send(messenger.CmdConnect, map[string]any{"v": 1}); err != nil {
		h.fail()
		return activity.NewHandshakeError("announce", err)
	}
	announce := time.NewTicker(announceEvery)
	defer announce.Stop()

	for {
		select {
		case req := <-h.startCh:
			return h.finishConnect(req)
		case <-announce.C:
			if err := h.m.Send(messenger.CmdConnect, map[string]any{"v": 1}); err != nil {
				h.fail()
				return activity.NewHandshakeError("announce", err)
			}
		case <-ctx.Done():
			h.fail()
			return activity.NewHandshakeError("client never started the activity", ctx.Err())
		}
	}
}

func (h *liveHost) finishConnect(req *activity.Request) error {
	if err := activity.ValidateArgs(h.schema, req.Args); err != nil {
		h.fail()
		return err
	}
	h.mu.Lock()
	h.req = req
	if h.state == StateConnecting {
		h.state = StateConnected
	}
	h.mu.Unlock()
	return nil
}

// Request returns the request this host is serving, once connected.
func (h *liveHost) Request() *activity.Request {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.req
}

// Args returns the request's launch arguments.
func (h *liveHost) Args() map[string]any {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.req == nil {
		return nil
	}
	return h.req.Args
}

// Ready signals the client that the host is ready for display.
func (h *liveHost) Ready() error {
	h.mu.Lock()
	st := h.state
	h.mu.Unlock()
	if st != StateConnected {
		return activity.NewDisconnectedError("ready needs a connected channel")
	}
	if err := h.m.Send(messenger.CmdReady, nil); err != nil {
		return activity.NewSendError("send ready", err)
	}
	return nil
}

// Result delivers the single result over the channel. If the client
// context is gone the host moves to Failed and the result is lost; there is
// no retry.
func (h *liveHost) Result(code activity.Code, data any) error {
	if !code.Valid() {
		return &activity.Error{Kind: activity.KindMalformedRequest, Message: fmt.Sprintf("invalid result code %q", code)}
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	switch h.state {
	case StateConnected:
	case StateResultSent:
		return activity.NewDisconnectedError("result already sent")
	default:
		return activity.NewDisconnectedError(fmt.Sprintf("cannot send a result in state %s", h.state))
	}

	if h.checkPeer && h.peer.Closed() {
		h.state = StateFailed
		return activity.NewSendError("client window is closed", nil)
	}
	err := h.m.Send(messenger.CmdResult, map[string]any{
		"requestId": h.req.RequestID,
		"code":      code.String(),
		"data":      data,
	})
	if err != nil {
		h.state = StateFailed
		return activity.NewSendError("deliver result", err)
	}
	h.state = StateResultSent
	return nil
}

// Message sends a custom payload to the client.
func (h *liveHost) Message(payload map[string]any) error {
	h.mu.Lock()
	st := h.state
	h.mu.Unlock()
	if st != StateConnected {
		return activity.NewDisconnectedError("custom messages need a connected channel")
	}
	if err := h.m.Send(messenger.CmdMsg, map[string]any{"data": payload}); err != nil {
		return activity.NewSendError("send custom message", err)
	}
	return nil
}

// OnMessage sets the consumer for custom payloads from the client.
func (h *liveHost) OnMessage(fn func(map[string]any)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onMsg = fn
}

// Mode returns the delivery mechanism this host serves.
func (h *liveHost) Mode() activity.Mode { return h.mode }

// State returns the host's lifecycle state.
func (h *liveHost) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// TargetOrigin returns the fabric-asserted client origin, once pinned.
func (h *liveHost) TargetOrigin() string {
	if h.m == nil {
		return ""
	}
	return h.m.PeerOrigin()
}

// OriginVerified reports whether the client origin has been pinned from a
// fabric-asserted frame.
func (h *liveHost) OriginVerified() bool {
	return h.m != nil && h.m.OriginVerified()
}

// SecureChannel reports whether the direct channel to the client is up.
func (h *liveHost) SecureChannel() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state == StateConnected || h.state == StateResultSent
}

// Close releases the channel subscription.
func (h *liveHost) Close() {
	if h.m != nil {
		h.m.Close()
	}
}

func (h *liveHost) fail() {
	h.mu.Lock()
	if h.state != StateResultSent {
		h.state = StateFailed
	}
	h.mu.Unlock()
	if h.m != nil {
		h.m.Close()
	}
}

func (h *liveHost) handleCommand(c messenger.Command) {
	switch c.Name {
	case messenger.CmdStart:
		raw, _ := c.Payload["request"].(string)
		req, err := activity.ParseRequest(raw)
		if err != nil {
			h.log.Debug("dropping unparsable request", "error", err)
			return
		}
		h.startOnce.Do(func() { h.startCh <- req })

	case messenger.CmdMsg:
		h.mu.Lock()
		fn := h.onMsg
		st := h.state
		h.mu.Unlock()
		if st != StateConnected || fn == nil {
			return
		}
		data, _ := c.Payload["data"].(map[string]any)
		fn(data)

	case messenger.CmdClose:
		h.mu.Lock()
		if h.state == StateConnecting || h.state == StateConnected {
			h.state = StateFailed
		}
		h.mu.Unlock()
	}
}
