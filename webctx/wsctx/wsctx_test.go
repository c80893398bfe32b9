package wsctx

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"

	"github.com/machinefabric/activities-go"
	"github.com/machinefabric/activities-go/webctx"
)

func newTestRelay(t *testing.T, token string) (*Hub, string) {
	t.Helper()
	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))
	hub := NewHub(NewMemoryStore(), token, quiet)
	server := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	t.Cleanup(func() {
		hub.Shutdown()
		server.Close()
	})
	return hub, "ws" + strings.TrimPrefix(server.URL, "http")
}

func recvMessage(t *testing.T, ch <-chan webctx.Message) webctx.Message {
	t.Helper()
	select {
	case m := <-ch:
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a message")
		return webctx.Message{}
	}
}

// rawDial registers a bare websocket connection, bypassing Client, so
// tests can hand-craft envelopes.
func rawDial(t *testing.T, wsURL, pageURL string) *websocket.Conn {
	t.Helper()
	sock, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial relay: %v", err)
	}
	t.Cleanup(func() { _ = sock.Close() })
	writeRaw(t, sock, &Envelope{
		MsgID:     ulid.Make().String(),
		Type:      TypeRegister,
		Timestamp: time.Now().UnixMilli(),
		Payload:   map[string]any{"url": pageURL},
	})
	sock.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := sock.ReadMessage(); err != nil {
		t.Fatalf("read welcome: %v", err)
	}
	return sock
}

func writeRaw(t *testing.T, sock *websocket.Conn, env *Envelope) {
	t.Helper()
	b, err := EncodeEnvelope(env)
	if err != nil {
		t.Fatalf("encode envelope: %v", err)
	}
	if err := sock.WriteMessage(websocket.BinaryMessage, b); err != nil {
		t.Fatalf("write envelope: %v", err)
	}
}

func TestDialRegistersContext(t *testing.T) {
	_, wsURL := newTestRelay(t, "")

	c, err := Dial(context.Background(), wsURL, "https://shop.example/checkout#tab=cart")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()

	if c.ID() == "" {
		t.Error("expected an assigned context id")
	}
	if c.Origin() != "https://shop.example" {
		t.Errorf("origin = %q", c.Origin())
	}
	if c.URL() != "https://shop.example/checkout#tab=cart" {
		t.Errorf("url = %q", c.URL())
	}
	if c.Fragment() != "tab=cart" {
		t.Errorf("fragment = %q", c.Fragment())
	}
	if c.IsEmbedded() {
		t.Error("relay contexts must be top-level")
	}
	if c.Parent() != nil || c.Opener() != nil {
		t.Error("fresh context must have no parent and no opener")
	}
}

func TestRelayRequiresToken(t *testing.T) {
	_, wsURL := newTestRelay(t, "sekrit")

	if _, err := Dial(context.Background(), wsURL, "https://a.example/"); err == nil {
		t.Fatal("expected dial without token to fail")
	}

	c, err := Dial(context.Background(), wsURL, "https://a.example/", WithToken("sekrit"))
	if err != nil {
		t.Fatalf("dial with token: %v", err)
	}
	c.Close()
}

func TestOpenClaimAndMessage(t *testing.T) {
	hub, wsURL := newTestRelay(t, "")

	opener, err := Dial(context.Background(), wsURL, "https://shop.example/checkout")
	if err != nil {
		t.Fatalf("dial opener: %v", err)
	}
	defer opener.Close()

	claimed := make(chan *Client, 1)
	hub.OnOpen(func(po PendingOpen) {
		w, err := Dial(context.Background(), wsURL, "", WithClaim(po.ID))
		if err != nil {
			t.Errorf("claim: %v", err)
			return
		}
		claimed <- w
	})

	win, err := opener.OpenWindow("https://pay.example/activity", "paywin", "width=300,height=400")
	if err != nil {
		t.Fatalf("open window: %v", err)
	}

	var host *Client
	select {
	case host = <-claimed:
	case <-time.After(5 * time.Second):
		t.Fatal("the window was never claimed")
	}
	defer host.Close()

	if host.ID() != win.ID() {
		t.Errorf("claimed id %q, handle targets %q", host.ID(), win.ID())
	}
	if host.Origin() != "https://pay.example" {
		t.Errorf("claimed origin = %q", host.Origin())
	}
	if host.Name() != "paywin" || host.Features() != "width=300,height=400" {
		t.Errorf("claimed name=%q features=%q", host.Name(), host.Features())
	}
	op := host.Opener()
	if op == nil || op.ID() != opener.ID() {
		t.Fatalf("claimed context must link back to its opener")
	}

	// Opener to window, with the payload trying to lie about its origin.
	gotHost := make(chan webctx.Message, 1)
	host.OnMessage(func(m webctx.Message) { gotHost <- m })
	if err := win.Send(map[string]any{"hello": "from-opener", "origin": "https://evil.example"}); err != nil {
		t.Fatalf("send to window: %v", err)
	}
	m := recvMessage(t, gotHost)
	if m.Origin != "https://shop.example" {
		t.Errorf("stamped origin = %q, want the opener's pinned origin", m.Origin)
	}
	if m.SourceID != opener.ID() {
		t.Errorf("source id = %q, want %q", m.SourceID, opener.ID())
	}
	if m.Data["hello"] != "from-opener" {
		t.Errorf("data = %v", m.Data)
	}

	// Window back to opener through the opener handle.
	gotOpener := make(chan webctx.Message, 1)
	opener.OnMessage(func(m webctx.Message) { gotOpener <- m })
	if err := op.Send(map[string]any{"hello": "from-window"}); err != nil {
		t.Fatalf("send to opener: %v", err)
	}
	back := recvMessage(t, gotOpener)
	if back.Origin != "https://pay.example" || back.SourceID != host.ID() {
		t.Errorf("reply provenance = %q/%q", back.Origin, back.SourceID)
	}
}

func TestHubStampsProvenanceOverForgery(t *testing.T) {
	_, wsURL := newTestRelay(t, "")

	receiver, err := Dial(context.Background(), wsURL, "https://shop.example/page")
	if err != nil {
		t.Fatalf("dial receiver: %v", err)
	}
	defer receiver.Close()
	got := make(chan webctx.Message, 1)
	receiver.OnMessage(func(m webctx.Message) { got <- m })

	sock := rawDial(t, wsURL, "https://attacker.example/page")
	writeRaw(t, sock, &Envelope{
		MsgID:     ulid.Make().String(),
		Type:      TypeSend,
		TargetID:  receiver.ID(),
		Origin:    "https://bank.example",
		SourceID:  "context-of-someone-else",
		Timestamp: time.Now().UnixMilli(),
		Payload:   map[string]any{"note": "trust me"},
	})

	m := recvMessage(t, got)
	if m.Origin != "https://attacker.example" {
		t.Errorf("origin = %q, want the sender's pinned origin", m.Origin)
	}
	if m.SourceID == "context-of-someone-else" {
		t.Error("forged source id survived the relay")
	}
}

func TestHubDropsDuplicateEnvelopes(t *testing.T) {
	_, wsURL := newTestRelay(t, "")

	receiver, err := Dial(context.Background(), wsURL, "https://shop.example/page")
	if err != nil {
		t.Fatalf("dial receiver: %v", err)
	}
	defer receiver.Close()
	got := make(chan webctx.Message, 4)
	receiver.OnMessage(func(m webctx.Message) { got <- m })

	sock := rawDial(t, wsURL, "https://sender.example/page")
	dup := &Envelope{
		MsgID:     ulid.Make().String(),
		Type:      TypeSend,
		TargetID:  receiver.ID(),
		Timestamp: time.Now().UnixMilli(),
		Payload:   map[string]any{"n": 1},
	}
	for i := 0; i < 3; i++ {
		writeRaw(t, sock, dup)
	}

	recvMessage(t, got)
	select {
	case <-got:
		t.Fatal("a replayed envelope was delivered")
	case <-time.After(300 * time.Millisecond):
	}
}

func TestPeerClosedNotification(t *testing.T) {
	hub, wsURL := newTestRelay(t, "")

	opener, err := Dial(context.Background(), wsURL, "https://shop.example/checkout")
	if err != nil {
		t.Fatalf("dial opener: %v", err)
	}
	defer opener.Close()

	claimed := make(chan *Client, 1)
	hub.OnOpen(func(po PendingOpen) {
		w, err := Dial(context.Background(), wsURL, "", WithClaim(po.ID))
		if err != nil {
			t.Errorf("claim: %v", err)
			return
		}
		claimed <- w
	})

	win, err := opener.OpenWindow("https://pay.example/activity", "paywin", "")
	if err != nil {
		t.Fatalf("open window: %v", err)
	}
	var host *Client
	select {
	case host = <-claimed:
	case <-time.After(5 * time.Second):
		t.Fatal("the window was never claimed")
	}

	if win.Closed() {
		t.Fatal("window reported closed while alive")
	}
	host.Close()

	deadline := time.Now().Add(2 * time.Second)
	for !win.Closed() {
		if time.Now().After(deadline) {
			t.Fatal("the opener never learned the window closed")
		}
		time.Sleep(50 * time.Millisecond)
	}
}

func TestNavigateRepinsOrigin(t *testing.T) {
	hub, wsURL := newTestRelay(t, "")

	opener, err := Dial(context.Background(), wsURL, "https://shop.example/checkout")
	if err != nil {
		t.Fatalf("dial opener: %v", err)
	}
	defer opener.Close()
	got := make(chan webctx.Message, 1)
	opener.OnMessage(func(m webctx.Message) { got <- m })

	claimed := make(chan *Client, 1)
	hub.OnOpen(func(po PendingOpen) {
		w, err := Dial(context.Background(), wsURL, "", WithClaim(po.ID))
		if err != nil {
			t.Errorf("claim: %v", err)
			return
		}
		claimed <- w
	})
	if _, err := opener.OpenWindow("https://pay.example/activity", "w", ""); err != nil {
		t.Fatalf("open window: %v", err)
	}
	var host *Client
	select {
	case host = <-claimed:
	case <-time.After(5 * time.Second):
		t.Fatal("the window was never claimed")
	}
	defer host.Close()

	if err := host.Navigate("https://other.example/landing"); err != nil {
		t.Fatalf("navigate: %v", err)
	}
	if host.Origin() != "https://other.example" {
		t.Errorf("local origin = %q after navigation", host.Origin())
	}

	if err := host.Opener().Send(map[string]any{"here": "now"}); err != nil {
		t.Fatalf("send after navigation: %v", err)
	}
	m := recvMessage(t, got)
	if m.Origin != "https://other.example" {
		t.Errorf("stamped origin = %q, want the re-pinned one", m.Origin)
	}
}

// TestRelayActivityFlow runs the whole activity stack, client Manager on
// one connection and host Manager on another, across real sockets.
func TestRelayActivityFlow(t *testing.T) {
	hub, wsURL := newTestRelay(t, "")

	client, err := Dial(context.Background(), wsURL, "https://shop.example/checkout")
	if err != nil {
		t.Fatalf("dial client: %v", err)
	}
	defer client.Close()

	hub.OnOpen(func(po PendingOpen) {
		w, err := Dial(context.Background(), wsURL, "", WithClaim(po.ID))
		if err != nil {
			t.Errorf("claim: %v", err)
			return
		}
		defer w.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		hm := activities.NewManager(w)
		defer hm.Close()
		h, err := hm.ConnectHost(ctx, nil, nil)
		if err != nil {
			t.Errorf("host connect: %v", err)
			return
		}
		if h.Mode() != activities.ModePopup {
			t.Errorf("host mode = %s, want popup", h.Mode())
			return
		}
		if amt := h.Args()["amount"]; amt != int64(25) {
			t.Errorf("host saw amount %v (%T)", amt, amt)
		}
		if err := h.Result(activities.CodeOK, map[string]any{"paid": true}); err != nil {
			t.Errorf("host result: %v", err)
		}
	})

	m := activities.NewManager(client)
	defer m.Close()
	reqID := activities.NewRequestID()
	got := make(chan activities.ResultPort, 1)
	m.OnResult(reqID, func(p activities.ResultPort) { got <- p })

	err = m.Open(reqID, "https://pay.example/activity", "paywin", map[string]any{"amount": 25}, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	var port activities.ResultPort
	select {
	case port = <-got:
	case <-time.After(10 * time.Second):
		t.Fatal("result was never delivered")
	}

	res, err := port.AcceptResult(context.Background())
	if err != nil {
		t.Fatalf("accept result: %v", err)
	}
	if res.Code != activities.CodeOK {
		t.Errorf("code = %s", res.Code)
	}
	if res.Origin != "https://pay.example" || !res.OriginVerified || !res.SecureChannel {
		t.Errorf("provenance = %q verified=%v secure=%v", res.Origin, res.OriginVerified, res.SecureChannel)
	}
	if res.Data == nil {
		t.Fatal("missing result data")
	}
	data, ok := res.Data.(map[string]any)
	if !ok || data["paid"] != true {
		t.Errorf("data = %v", res.Data)
	}
}

func TestEnvelopeCodec(t *testing.T) {
	in := &Envelope{
		MsgID:     "m-1",
		Type:      TypeSend,
		TargetID:  "ctx-2",
		Origin:    "https://a.example",
		SourceID:  "ctx-1",
		Timestamp: 1712345678901,
		Payload:   map[string]any{"k": "v", "n": int64(7)},
	}
	b, err := EncodeEnvelope(in)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	out, err := DecodeEnvelope(b)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.MsgID != in.MsgID || out.Type != in.Type || out.TargetID != in.TargetID ||
		out.Origin != in.Origin || out.SourceID != in.SourceID || out.Timestamp != in.Timestamp {
		t.Errorf("round trip mismatch: %+v", out)
	}
	if out.Payload["k"] != "v" || out.Payload["n"] != int64(7) {
		t.Errorf("payload mismatch: %v", out.Payload)
	}

	if _, err := DecodeEnvelope([]byte{0xff, 0x00}); err == nil {
		t.Error("expected garbage to fail decoding")
	}
	missing, _ := EncodeEnvelope(&Envelope{MsgID: "m-2"})
	if _, err := DecodeEnvelope(missing); err == nil {
		t.Error("expected missing type to fail decoding")
	}
}

func TestMemoryStore(t *testing.T) {
	st := NewMemoryStore()
	ctx := context.Background()

	seen, err := st.Seen(ctx, "m-1", 50*time.Millisecond)
	if err != nil || seen {
		t.Fatalf("first sighting: seen=%v err=%v", seen, err)
	}
	seen, _ = st.Seen(ctx, "m-1", 50*time.Millisecond)
	if !seen {
		t.Error("second sighting must report seen")
	}
	time.Sleep(60 * time.Millisecond)
	seen, _ = st.Seen(ctx, "m-1", 50*time.Millisecond)
	if seen {
		t.Error("expired mark must not report seen")
	}

	if err := st.SetRoute(ctx, "ctx-1", Route{URL: "https://a.example/p", Origin: "https://a.example"}); err != nil {
		t.Fatalf("set route: %v", err)
	}
	r, ok, _ := st.GetRoute(ctx, "ctx-1")
	if !ok || r.Origin != "https://a.example" {
		t.Errorf("route = %+v ok=%v", r, ok)
	}
	if _, ok, _ := st.GetRoute(ctx, "nope"); ok {
		t.Error("unknown route must miss")
	}

	po := PendingOpen{ID: "w-1", URL: "https://b.example/w", OpenerID: "ctx-1"}
	if err := st.PutPendingOpen(ctx, po); err != nil {
		t.Fatalf("put pending open: %v", err)
	}
	got, ok, _ := st.TakePendingOpen(ctx, "w-1")
	if !ok || got.URL != po.URL {
		t.Errorf("take = %+v ok=%v", got, ok)
	}
	if _, ok, _ := st.TakePendingOpen(ctx, "w-1"); ok {
		t.Error("pending open must be consumed by take")
	}
}
