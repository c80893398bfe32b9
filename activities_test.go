package activities

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/machinefabric/activities-go/activity"
	"github.com/machinefabric/activities-go/hosts"
	"github.com/machinefabric/activities-go/webctx/memctx"
)

// servePopups answers every window the fabric opens with one host-side
// Manager, replying with the given result once the request arrives.
// A non-nil release gates the reply so tests can line callbacks up first.
func servePopups(t *testing.T, fab *memctx.Fabric, release <-chan struct{}, code Code, data map[string]any) {
	t.Helper()
	fab.OnOpen(func(w *memctx.Page) {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			hm := NewManager(w)
			defer hm.Close()
			h, err := hm.ConnectHost(ctx, nil, nil)
			if err != nil {
				t.Errorf("host connect: %v", err)
				return
			}
			if release != nil {
				<-release
			}
			if err := h.Result(code, data); err != nil {
				t.Errorf("host result: %v", err)
			}
		}()
	})
}

func waitPort(t *testing.T, ch <-chan ResultPort) ResultPort {
	t.Helper()
	select {
	case p := <-ch:
		return p
	case <-time.After(5 * time.Second):
		t.Fatal("result was never delivered")
		return nil
	}
}

func waitName(t *testing.T, ch <-chan string) string {
	t.Helper()
	select {
	case name := <-ch:
		return name
	case <-time.After(5 * time.Second):
		t.Fatal("callback never ran")
		return ""
	}
}

func TestManagerPopupActivityDelivery(t *testing.T) {
	fab := memctx.NewFabric()
	defer fab.Shutdown()
	page := fab.NewPage("https://shop.example/checkout")
	m := NewManager(page)
	defer m.Close()

	servePopups(t, fab, nil, CodeOK, map[string]any{"receipt": "r-77"})

	reqID := NewRequestID()
	got := make(chan ResultPort, 1)
	m.OnResult(reqID, func(p ResultPort) { got <- p })

	err := m.Open(reqID, "https://pay.example/activity", "paywin",
		map[string]any{"amount": 25}, &OpenOptions{Width: 400, Height: 600})
	require.NoError(t, err)

	port := waitPort(t, got)
	assert.Equal(t, reqID, port.RequestID())
	assert.Equal(t, ModePopup, port.Mode())

	res, err := port.AcceptResult(context.Background())
	require.NoError(t, err)
	assert.Equal(t, CodeOK, res.Code)
	assert.Equal(t, map[string]any{"receipt": "r-77"}, res.Data)
	assert.Equal(t, "https://pay.example", res.Origin)
	assert.True(t, res.OriginVerified)
	assert.True(t, res.SecureChannel)

	// The port stays buffered for the manager's lifetime.
	buffered, ok := m.DiscoverResult(reqID)
	require.True(t, ok)
	assert.Same(t, port, buffered)
}

func TestManagerResultBatchOrdering(t *testing.T) {
	fab := memctx.NewFabric()
	defer fab.Shutdown()
	page := fab.NewPage("https://shop.example/checkout")
	m := NewManager(page)
	defer m.Close()

	release := make(chan struct{})
	servePopups(t, fab, release, CodeOK, nil)

	reqID := NewRequestID()
	var mu sync.Mutex
	var order []string
	ran := make(chan string, 8)
	record := func(name string) func(ResultPort) {
		return func(ResultPort) {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			ran <- name
		}
	}

	// Three callbacks in place before the result exists.
	m.OnResult(reqID, record("a"))
	m.OnResult(reqID, record("b"))
	m.OnResult(reqID, record("c"))
	require.NoError(t, m.Open(reqID, "https://pay.example/activity", "paywin", nil, nil))
	close(release)
	for i := 0; i < 3; i++ {
		waitName(t, ran)
	}

	// Late registrations get their own deliveries; earlier ones never
	// fire again.
	m.OnResult(reqID, record("d"))
	waitName(t, ran)
	m.OnResult(reqID, record("e"))
	waitName(t, ran)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"a", "b", "c", "d", "e"}, order)
}

func TestManagerCallbackPanicIsolation(t *testing.T) {
	fab := memctx.NewFabric()
	defer fab.Shutdown()
	page := fab.NewPage("https://shop.example/checkout")
	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := NewManager(page, WithLogger(quiet))
	defer m.Close()

	release := make(chan struct{})
	servePopups(t, fab, release, CodeCanceled, nil)

	reqID := NewRequestID()
	ran := make(chan string, 4)
	m.OnResult(reqID, func(ResultPort) { panic("boom") })
	m.OnResult(reqID, func(ResultPort) { ran <- "sibling" })
	require.NoError(t, m.Open(reqID, "https://pay.example/activity", "paywin", nil, nil))
	close(release)

	assert.Equal(t, "sibling", waitName(t, ran))

	// Delivery keeps working after the panic.
	m.OnResult(reqID, func(ResultPort) { ran <- "late" })
	assert.Equal(t, "late", waitName(t, ran))
}

func TestManagerIframeActivityEndToEnd(t *testing.T) {
	fab := memctx.NewFabric()
	defer fab.Shutdown()
	page := fab.NewPage("https://shop.example/checkout")
	m := NewManager(page)
	defer m.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	frame, framePage := page.Embed("about:blank")

	// The host side boots once the activity document is loaded into the
	// frame, the way a real embedded document would run its own script.
	hostErr := make(chan error, 1)
	var once sync.Once
	fab.OnNavigate(func(pg *memctx.Page) {
		if pg.ID() != framePage.ID() {
			return
		}
		once.Do(func() {
			go func() {
				hm := NewManager(pg)
				defer hm.Close()
				h, err := hm.ConnectHost(ctx, nil, nil)
				if err != nil {
					hostErr <- err
					return
				}
				if h.Mode() != ModeIframe {
					hostErr <- fmt.Errorf("host mode = %s, want iframe", h.Mode())
					return
				}
				if plan := h.Args()["plan"]; plan != "pro" {
					hostErr <- fmt.Errorf("host saw args %v", h.Args())
					return
				}
				hostErr <- h.Result(CodeOK, map[string]any{"sku": "tier-2"})
			}()
		})
	})

	port, err := m.OpenIframe(ctx, frame, "https://plans.example/picker", map[string]any{"plan": "pro"})
	require.NoError(t, err)
	defer port.Close()

	res, err := port.AcceptResult(ctx)
	require.NoError(t, err)
	require.NoError(t, <-hostErr)

	assert.Equal(t, ModeIframe, port.Mode())
	assert.Equal(t, CodeOK, res.Code)
	assert.Equal(t, map[string]any{"sku": "tier-2"}, res.Data)
	assert.Equal(t, "https://plans.example", res.Origin)
	assert.True(t, res.OriginVerified)
	assert.True(t, res.SecureChannel)
}

func TestManagerRedirectRoundTrip(t *testing.T) {
	fab := memctx.NewFabric()
	defer fab.Shutdown()
	page := fab.NewPage("https://shop.example/checkout?step=pay")

	// Leg one: the client launches by giving the page up.
	m1 := NewManager(page)
	reqID := NewRequestID()
	err := m1.Open(reqID, "https://pay.example/activity", "_top", map[string]any{"amount": 25}, nil)
	require.NoError(t, err)
	m1.Close()
	require.True(t, strings.HasPrefix(page.URL(), "https://pay.example/activity#"))

	// Leg two: the activity document serves the request it finds in its
	// launch fragment.
	hm := NewManager(page)
	h, err := hm.ConnectHost(context.Background(), nil, nil)
	require.NoError(t, err)
	assert.Equal(t, ModeRedirect, h.Mode())
	assert.Equal(t, "https://shop.example", h.TargetOrigin())
	assert.Equal(t, float64(25), h.Args()["amount"])
	assert.False(t, h.SecureChannel())
	require.NoError(t, h.Result(CodeOK, map[string]any{"receipt": "r-9"}))
	hm.Close()
	require.True(t, strings.HasPrefix(page.URL(), "https://shop.example/checkout?step=pay#"))

	// Leg three: back on the return page, a fresh manager discovers the
	// result in its captured fragment.
	m2 := NewManager(page)
	defer m2.Close()
	port, ok := m2.DiscoverResult(reqID)
	require.True(t, ok)
	assert.Equal(t, ModeRedirect, port.Mode())

	res, err := port.AcceptResult(context.Background())
	require.NoError(t, err)
	assert.Equal(t, CodeOK, res.Code)
	assert.Equal(t, map[string]any{"receipt": "r-9"}, res.Data)
	assert.Equal(t, "https://pay.example", res.Origin)
	assert.False(t, res.OriginVerified)
	assert.False(t, res.SecureChannel)

	// Consuming scrubbed the live fragment; the buffered copy survives.
	assert.NotContains(t, page.Fragment(), activity.ResultParam)
	again, ok := m2.DiscoverResult(reqID)
	require.True(t, ok)
	assert.Same(t, port, again)
}

func TestManagerFragmentMatchesRequestIDOnly(t *testing.T) {
	reqID := NewRequestID()
	frag, err := activity.EncodeResultFragment("", &activity.Result{
		RequestID: reqID,
		Code:      activity.CodeOK,
		Origin:    "https://pay.example",
	})
	require.NoError(t, err)

	fab := memctx.NewFabric()
	defer fab.Shutdown()
	page := fab.NewPage("https://shop.example/done#" + frag)
	m := NewManager(page)
	defer m.Close()

	// A lookup under the wrong id misses and leaves the fragment alone.
	_, ok := m.DiscoverResult("someone-elses-request")
	require.False(t, ok)
	assert.Contains(t, page.Fragment(), activity.ResultParam)

	stray := make(chan struct{}, 1)
	m.OnResult("someone-elses-request", func(ResultPort) { stray <- struct{}{} })
	select {
	case <-stray:
		t.Fatal("delivered a result to the wrong request id")
	case <-time.After(150 * time.Millisecond):
	}

	// The rightful owner still finds it, and only then is it consumed.
	port, ok := m.DiscoverResult(reqID)
	require.True(t, ok)
	assert.Equal(t, reqID, port.RequestID())
	assert.NotContains(t, page.Fragment(), activity.ResultParam)
}

func TestManagerSnapshotSurvivesNavigation(t *testing.T) {
	reqID := NewRequestID()
	frag, err := activity.EncodeResultFragment("tab=cart", &activity.Result{
		RequestID: reqID,
		Code:      activity.CodeFailed,
		Data:      map[string]any{"reason": "expired"},
		Origin:    "https://pay.example",
	})
	require.NoError(t, err)

	fab := memctx.NewFabric()
	defer fab.Shutdown()
	launch := "https://shop.example/done#" + frag
	page := fab.NewPage(launch)
	m := NewManager(page)
	defer m.Close()

	// The page moves on, but the manager answers from its snapshot.
	require.NoError(t, page.Navigate("https://shop.example/elsewhere"))

	env := m.Environment()
	assert.Equal(t, launch, env.URL)
	assert.Equal(t, "https://shop.example", env.Origin)
	assert.False(t, env.Embedded)

	port, ok := m.DiscoverResult(reqID)
	require.True(t, ok)
	res, err := port.AcceptResult(context.Background())
	require.NoError(t, err)
	assert.Equal(t, CodeFailed, res.Code)
	assert.Equal(t, map[string]any{"reason": "expired"}, res.Data)
}

func TestManagerReentrantRegistration(t *testing.T) {
	reqID := NewRequestID()
	frag, err := activity.EncodeResultFragment("", &activity.Result{
		RequestID: reqID,
		Code:      activity.CodeOK,
		Origin:    "https://pay.example",
	})
	require.NoError(t, err)

	fab := memctx.NewFabric()
	defer fab.Shutdown()
	page := fab.NewPage("https://shop.example/done#" + frag)
	m := NewManager(page)
	defer m.Close()

	// Registering from inside a callback must not deadlock, and the inner
	// registration still gets its delivery.
	inner := make(chan struct{})
	m.OnResult(reqID, func(ResultPort) {
		m.OnResult(reqID, func(ResultPort) { close(inner) })
	})

	select {
	case <-inner:
	case <-time.After(2 * time.Second):
		t.Fatal("nested registration was never delivered")
	}
}

func TestManagerOpenRejectsBadTarget(t *testing.T) {
	fab := memctx.NewFabric()
	defer fab.Shutdown()
	page := fab.NewPage("https://shop.example/checkout")
	m := NewManager(page)
	defer m.Close()

	err := m.Open(NewRequestID(), "https://pay.example/activity", "_self", nil, nil)
	require.Error(t, err)
	assert.True(t, IsKind(err, KindInvalidTarget))
}

func TestManagerOpenReturnURLOverride(t *testing.T) {
	fab := memctx.NewFabric()
	defer fab.Shutdown()
	page := fab.NewPage("https://shop.example/checkout")
	m := NewManager(page)
	defer m.Close()

	reqID := NewRequestID()
	opts := &OpenOptions{ReturnURL: "https://shop.example/landing"}
	require.NoError(t, m.Open(reqID, "https://pay.example/activity", "_top", nil, opts))

	req, ok := activity.DecodeRequestFragment(page.Fragment())
	require.True(t, ok)
	assert.Equal(t, reqID, req.RequestID)
	assert.Equal(t, "https://shop.example/landing", req.ReturnURL)
}

func TestManagerConnectHostDelegate(t *testing.T) {
	fab := memctx.NewFabric()
	defer fab.Shutdown()
	parent := fab.NewPage("https://shop.example/checkout")
	_, embedded := parent.Embed("https://pay.example/activity")

	// The page is embedded, so the manager would pick the iframe variant;
	// the delegate overrides that decision entirely.
	m := NewManager(embedded)
	defer m.Close()
	delegate := hosts.NewRedirectHost(embedded, nil)
	req := &Request{RequestID: NewRequestID(), ReturnURL: "https://shop.example/done"}

	h, err := m.ConnectHost(context.Background(), req, &AcceptOptions{Delegate: delegate})
	require.NoError(t, err)
	assert.Same(t, delegate, h)
	assert.Equal(t, ModeRedirect, h.Mode())
	assert.Equal(t, req.RequestID, h.Request().RequestID)
}
