package ports

import (
	"context"
	"log/slog"
	"sync"

	"github.com/machinefabric/activities-go/activity"
	"github.com/machinefabric/activities-go/messenger"
	"github.com/machinefabric/activities-go/webctx"
)

// IframePort runs an activity inside an embedded frame. The channel to the
// host is always a direct message channel, so iframe results are always
// origin-verified and secure.
type IframePort struct {
	page  webctx.Context
	frame webctx.Handle
	url   string
	req   *activity.Request
	log   *slog.Logger
	m     *messenger.Messenger

	mu      sync.Mutex
	state   State
	result  *activity.Result
	onReady func()
	onMsg   func(map[string]any)

	connectCh   chan struct{}
	resultCh    chan struct{}
	closeCh     chan struct{}
	connectOnce sync.Once
	closeOnce   sync.Once
}

// NewIframePort builds a port that will run req in frame at url. The frame
// is navigated on Connect, not here.
func NewIframePort(page webctx.Context, frame webctx.Handle, url string, req *activity.Request, log *slog.Logger) (*IframePort, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if frame == nil {
		return nil, activity.NewHandshakeError("iframe handle is required", nil)
	}
	if log == nil {
		log = slog.Default()
	}
	p := &IframePort{
		page:      page,
		frame:     frame,
		url:       url,
		req:       req,
		log:       log,
		state:     StateCreated,
		connectCh: make(chan struct{}),
		resultCh:  make(chan struct{}),
		closeCh:   make(chan struct{}),
	}
	p.m = messenger.New(page, frame, activity.OriginOf(url), log)
	p.m.OnCommand(p.handleCommand)
	return p, nil
}

// Connect navigates the frame to the activity URL, waits for the host's
// announcement and hands over the request. It fails fast and permanently:
// a handshake error is never retried on the same port.
func (p *IframePort) Connect(ctx context.Context) error {
	p.mu.Lock()
	if p.state != StateCreated {
		p.mu.Unlock()
		return activity.NewHandshakeError("connect already attempted", nil)
	}
	p.state = StateConnecting
	p.mu.Unlock()

	p.m.Listen()
	if err := p.frame.Navigate(p.url); err != nil {
		p.fail()
		return activity.NewHandshakeError("navigate frame", err)
	}

	select {
	case <-p.connectCh:
	case <-p.closeCh:
		p.fail()
		return activity.NewHandshakeError("host closed before connecting", nil)
	case <-ctx.Done():
		p.fail()
		return activity.NewHandshakeError("host never connected", ctx.Err())
	}

	if err := p.sendStart(); err != nil {
		p.fail()
		return activity.NewHandshakeError("hand over request", err)
	}

	p.mu.Lock()
	if p.state == StateConnecting {
		p.state = StateConnected
	}
	p.mu.Unlock()
	return nil
}

// AcceptResult blocks until the host's single result. Every call after the
// first successful one returns the same result.
func (p *IframePort) AcceptResult(ctx context.Context) (*activity.Result, error) {
	p.mu.Lock()
	if p.state == StateCreated {
		p.mu.Unlock()
		return nil, activity.NewDisconnectedError("port never connected")
	}
	if p.result != nil {
		res := p.result
		p.mu.Unlock()
		return res, nil
	}
	if p.state == StateFailed {
		p.mu.Unlock()
		return nil, activity.NewDisconnectedError("port already failed")
	}
	p.mu.Unlock()

	select {
	case <-p.resultCh:
		p.mu.Lock()
		res := p.result
		p.mu.Unlock()
		return res, nil
	case <-p.closeCh:
		return nil, activity.NewDisconnectedError("host closed the channel before a result")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Message sends a custom payload to the host over the connected channel.
func (p *IframePort) Message(payload map[string]any) error {
	p.mu.Lock()
	s := p.state
	p.mu.Unlock()
	if s != StateConnected {
		return activity.NewDisconnectedError("custom messages need a connected channel")
	}
	if err := p.m.Send(messenger.CmdMsg, map[string]any{"data": payload}); err != nil {
		return activity.NewSendError("send custom message", err)
	}
	return nil
}

// OnMessage sets the consumer for custom payloads from the host.
func (p *IframePort) OnMessage(fn func(map[string]any)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onMsg = fn
}

// OnReady sets the callback for the host's display-ready signal.
func (p *IframePort) OnReady(fn func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onReady = fn
}

// Close unsubscribes from the channel. The held result, if any, stays
// available.
func (p *IframePort) Close() {
	p.m.Close()
}

// RequestID returns the identifier of the request this port carries.
func (p *IframePort) RequestID() string { return p.req.RequestID }

// Mode returns ModeIframe.
func (p *IframePort) Mode() activity.Mode { return activity.ModeIframe }

// TargetOrigin returns the origin the port accepts host frames from.
func (p *IframePort) TargetOrigin() string { return p.m.PeerOrigin() }

// OriginVerified reports whether the host origin has been asserted by the
// fabric. True from the host's first accepted frame onward.
func (p *IframePort) OriginVerified() bool { return p.m.OriginVerified() }

// SecureChannel reports whether a direct message channel to the host is
// established.
func (p *IframePort) SecureChannel() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state == StateConnected || p.state == StateResultReceived
}

// State returns the port's lifecycle state.
func (p *IframePort) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *IframePort) fail() {
	p.mu.Lock()
	if p.state != StateResultReceived {
		p.state = StateFailed
	}
	p.mu.Unlock()
	p.m.Close()
}

func (p *IframePort) sendStart() error {
	s, err := activity.SerializeRequest(p.req)
	if err != nil {
		return err
	}
	return p.m.Send(messenger.CmdStart, map[string]any{"request": s})
}

func (p *IframePort) handleCommand(c messenger.Command) {
	switch c.Name {
	case messenger.CmdConnect:
		first := false
		p.connectOnce.Do(func() {
			first = true
			close(p.connectCh)
		})
		// A re-announce after the handshake means the host missed the
		// request; hand it over again.
		if !first {
			p.mu.Lock()
			connected := p.state == StateConnected
			p.mu.Unlock()
			if connected {
				if err := p.sendStart(); err != nil {
					p.log.Debug("re-sending request failed", "error", err)
				}
			}
		}

	case messenger.CmdReady:
		p.mu.Lock()
		fn := p.onReady
		p.mu.Unlock()
		if fn != nil {
			fn()
		}

	case messenger.CmdResult:
		res, ok := resultFromCommand(c)
		if !ok || res.RequestID != p.req.RequestID {
			return
		}
		p.mu.Lock()
		if p.result != nil {
			p.mu.Unlock()
			return
		}
		p.result = res
		p.state = StateResultReceived
		close(p.resultCh)
		p.mu.Unlock()

	case messenger.CmdMsg:
		p.mu.Lock()
		fn := p.onMsg
		p.mu.Unlock()
		if fn != nil {
			data, _ := c.Payload["data"].(map[string]any)
			fn(data)
		}

	case messenger.CmdClose:
		p.mu.Lock()
		done := p.result != nil
		p.mu.Unlock()
		if done {
			return
		}
		p.closeOnce.Do(func() { close(p.closeCh) })
	}
}

// resultFromCommand decodes a live-channel result frame. The origin comes
// from the frame's fabric assertion, so the result is verified and secure.
func resultFromCommand(c messenger.Command) (*activity.Result, bool) {
	if c.Payload == nil {
		return nil, false
	}
	id, _ := c.Payload["requestId"].(string)
	codeStr, _ := c.Payload["code"].(string)
	code, err := activity.ParseCode(codeStr)
	if id == "" || err != nil {
		return nil, false
	}
	return &activity.Result{
		RequestID:      id,
		Code:           code,
		Data:           c.Payload["data"],
		Origin:         c.Origin,
		OriginVerified: true,
		SecureChannel:  true,
	}, true
}
