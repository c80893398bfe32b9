// Package activities manages activity launches from a client context: it
// opens activities in embedded frames, popups or by full-page redirect,
// buffers their results and fans them out to registered callbacks.
//
// A Manager captures its launch environment once, at construction: the URL,
// fragment, embedding and opener facts it will ever consult. Nothing is
// re-read from the context afterwards, so a result riding in on the launch
// fragment is discovered from that snapshot no matter what the page does to
// its fragment later.
//
// Result delivery is asynchronous and exactly-once per registration:
// callbacks registered before a result arrives run as one batch in
// registration order, callbacks registered after it each run in a later
// batch of their own, and no callback ever runs synchronously under
// OnResult. Results are buffered for the Manager's lifetime; the first
// result stored for a request identifier wins and is never replaced.
package activities

import (
	"context"
	"log/slog"
	"sync"

	"github.com/machinefabric/activities-go/activity"
	"github.com/machinefabric/activities-go/hosts"
	"github.com/machinefabric/activities-go/ports"
	"github.com/machinefabric/activities-go/webctx"
)

// ResultPort is the callback-facing view of a finished or pending activity:
// enough to identify it and collect its single result. Ports discovered
// from a redirect fragment resolve immediately.
type ResultPort interface {
	RequestID() string
	Mode() activity.Mode
	AcceptResult(ctx context.Context) (*activity.Result, error)
}

var (
	_ ResultPort = (*ports.IframePort)(nil)
	_ ResultPort = (*ports.WindowPort)(nil)
	_ ResultPort = (*redirectResultPort)(nil)
)

// Env is the launch environment as captured when the Manager was built.
type Env struct {
	URL       string
	Origin    string
	Fragment  string
	Embedded  bool
	HasOpener bool
}

// Option tunes a Manager.
type Option func(*Manager)

// WithLogger sets the logger passed down to ports and hosts. The default is
// slog.Default.
func WithLogger(log *slog.Logger) Option {
	return func(m *Manager) { m.log = log }
}

// Manager launches activities from one client context and owns their
// result delivery.
type Manager struct {
	page webctx.Context
	log  *slog.Logger
	env  Env
	kind hosts.Kind

	bg     context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	buffer   map[string]ResultPort
	handlers map[string][]*registration

	jobsMu   sync.Mutex
	jobsCond *sync.Cond
	jobs     []func()
	closed   bool
}

type registration struct {
	fn        func(ResultPort)
	delivered bool
}

// NewManager builds a Manager for page, capturing the launch environment
// and starting the delivery goroutine. Close releases it.
func NewManager(page webctx.Context, opts ...Option) *Manager {
	m := &Manager{
		page: page,
		log:  slog.Default(),
		env: Env{
			URL:       page.URL(),
			Origin:    page.Origin(),
			Fragment:  page.Fragment(),
			Embedded:  page.IsEmbedded(),
			HasOpener: page.Opener() != nil,
		},
		kind:     hosts.Detect(page),
		buffer:   make(map[string]ResultPort),
		handlers: make(map[string][]*registration),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.bg, m.cancel = context.WithCancel(context.Background())
	m.jobsCond = sync.NewCond(&m.jobsMu)
	go m.dispatchLoop()
	return m
}

// Environment returns the captured launch environment.
func (m *Manager) Environment() Env { return m.env }

// Close stops the delivery goroutine after draining queued callback
// batches and abandons pending popup awaits. Buffered results stay
// readable through DiscoverResult.
func (m *Manager) Close() {
	m.cancel()
	m.jobsMu.Lock()
	m.closed = true
	m.jobsCond.Broadcast()
	m.jobsMu.Unlock()
}

// OpenIframe runs an activity at url inside the given frame and returns
// the connected port. The request identifier is generated; the captured
// page URL serves as the return URL. Handshake failures surface verbatim
// and are never retried.
func (m *Manager) OpenIframe(ctx context.Context, frame webctx.Handle, url string, args map[string]any) (*ports.IframePort, error) {
	req := &activity.Request{
		RequestID: activity.NewRequestID(),
		ReturnURL: m.env.URL,
		Args:      args,
	}
	port, err := ports.NewIframePort(m.page, frame, url, req, m.log)
	if err != nil {
		return nil, err
	}
	if err := port.Connect(ctx); err != nil {
		return nil, err
	}
	return port, nil
}

// Open launches an activity at url in another top-level context under the
// given open target. It returns only construction and open errors; the
// result, if one ever arrives, is buffered and delivered through OnResult.
// For popups the Manager awaits the result in the background; a "_top"
// launch navigates this page away and its result comes back by redirect
// into some future page's Manager.
func (m *Manager) Open(requestID, url, target string, args map[string]any, opts *activity.OpenOptions) error {
	returnURL := m.env.URL
	if opts != nil && opts.ReturnURL != "" {
		returnURL = opts.ReturnURL
	}
	req := &activity.Request{
		RequestID: requestID,
		ReturnURL: returnURL,
		Args:      args,
	}
	port, err := ports.NewWindowPort(m.page, url, target, req, opts, m.log)
	if err != nil {
		return err
	}
	if err := port.Open(); err != nil {
		return err
	}
	if port.Mode() == activity.ModePopup {
		go m.awaitPopupResult(port)
	}
	return nil
}

// OnResult registers a callback for the result of requestID. Each
// registration is delivered at most once. If the result is already
// available, buffered or sitting in the captured launch fragment, the
// callback is scheduled asynchronously right away; it never runs on the
// caller's stack.
func (m *Manager) OnResult(requestID string, fn func(ResultPort)) {
	reg := &registration{fn: fn}
	m.mu.Lock()
	m.handlers[requestID] = append(m.handlers[requestID], reg)
	port, ok, scrub := m.lookupLocked(requestID)
	if ok {
		reg.delivered = true
	}
	m.mu.Unlock()

	if scrub {
		m.scrubFragment()
	}
	if ok {
		m.enqueue(func() { m.runCallback(reg.fn, port, requestID) })
	}
}

// DiscoverResult returns the buffered result port for requestID, looking
// in the captured launch fragment on a miss. Only a fragment result whose
// request identifier matches is consumed; anything else stays where it is,
// discoverable by its own identifier.
func (m *Manager) DiscoverResult(requestID string) (ResultPort, bool) {
	m.mu.Lock()
	port, ok, scrub := m.lookupLocked(requestID)
	m.mu.Unlock()
	if scrub {
		m.scrubFragment()
	}
	return port, ok
}

// ConnectHost accepts an incoming activity on this context, using the
// variant decided from the environment captured at construction. With
// opts.Delegate set, the delegate is connected and returned unchanged.
func (m *Manager) ConnectHost(ctx context.Context, request any, opts *hosts.AcceptOptions) (hosts.Host, error) {
	o := hosts.AcceptOptions{}
	if opts != nil {
		o = *opts
	}
	if o.Logger == nil {
		o.Logger = m.log
	}
	if o.Delegate != nil {
		return o.Delegate.Connect(ctx, request)
	}

	var h hosts.Host
	switch m.kind {
	case hosts.KindIframe:
		h = hosts.NewIframeHost(m.page, &o)
	case hosts.KindPopup:
		h = hosts.NewPopupHost(m.page, &o)
	default:
		h = hosts.NewRedirectHost(m.page, &o)
	}
	return h.Connect(ctx, request)
}

func (m *Manager) awaitPopupResult(port *ports.WindowPort) {
	if _, err := port.AcceptResult(m.bg); err != nil {
		if m.bg.Err() == nil {
			m.log.Debug("popup activity ended without a result",
				"requestId", port.RequestID(), "error", err)
		}
		return
	}
	m.deliver(port.RequestID(), port)
}

// deliver buffers the port (first result wins) and schedules one batch for
// every not-yet-delivered registration, in registration order.
func (m *Manager) deliver(requestID string, port ResultPort) {
	m.mu.Lock()
	if _, exists := m.buffer[requestID]; exists {
		m.mu.Unlock()
		return
	}
	m.buffer[requestID] = port
	var batch []func(ResultPort)
	for _, reg := range m.handlers[requestID] {
		if !reg.delivered {
			reg.delivered = true
			batch = append(batch, reg.fn)
		}
	}
	m.mu.Unlock()

	if len(batch) == 0 {
		return
	}
	m.enqueue(func() {
		for _, fn := range batch {
			m.runCallback(fn, port, requestID)
		}
	})
}

// lookupLocked resolves requestID against the buffer, then against the
// captured fragment. The third return reports that a fragment result was
// just consumed and the live fragment should be scrubbed.
func (m *Manager) lookupLocked(requestID string) (ResultPort, bool, bool) {
	if port, ok := m.buffer[requestID]; ok {
		return port, true, false
	}
	res, ok := activity.DecodeResultFragment(m.env.Fragment)
	if !ok || res.RequestID != requestID {
		return nil, false, false
	}
	port := &redirectResultPort{res: res}
	m.buffer[requestID] = port
	return port, true, true
}

// scrubFragment removes the consumed result from the live fragment so a
// reload does not rediscover it. The buffered copy stays readable.
func (m *Manager) scrubFragment() {
	frag := m.page.Fragment()
	stripped := activity.StripResultFragment(frag)
	if stripped == frag {
		return
	}
	if err := m.page.ReplaceFragment(stripped); err != nil {
		m.log.Debug("scrub result fragment", "error", err)
	}
}

func (m *Manager) runCallback(fn func(ResultPort), port ResultPort, requestID string) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("result callback panicked", "requestId", requestID, "panic", r)
		}
	}()
	fn(port)
}

func (m *Manager) enqueue(job func()) {
	m.jobsMu.Lock()
	if m.closed {
		m.jobsMu.Unlock()
		return
	}
	m.jobs = append(m.jobs, job)
	m.jobsCond.Signal()
	m.jobsMu.Unlock()
}

func (m *Manager) dispatchLoop() {
	for {
		m.jobsMu.Lock()
		for !m.closed && len(m.jobs) == 0 {
			m.jobsCond.Wait()
		}
		if len(m.jobs) == 0 {
			m.jobsMu.Unlock()
			return
		}
		job := m.jobs[0]
		m.jobs = m.jobs[1:]
		m.jobsMu.Unlock()
		job()
	}
}

// redirectResultPort wraps a result synthesized from a redirect fragment.
// It is already resolved; AcceptResult returns immediately.
type redirectResultPort struct {
	res *activity.Result
}

func (p *redirectResultPort) RequestID() string { return p.res.RequestID }

func (p *redirectResultPort) Mode() activity.Mode { return activity.ModeRedirect }

func (p *redirectResultPort) AcceptResult(ctx context.Context) (*activity.Result, error) {
	return p.res, nil
}
