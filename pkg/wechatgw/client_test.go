// Copyright 2024-2026 Aiku AI

package wechatgw

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/aiku/mautrix-wechaty/pkg/connector"
)

const testOwner = "@alice:example.com"

// fakeGateway serves the session WebSocket and payload downloads.
type fakeGateway struct {
	server  *httptest.Server
	conns   chan *websocket.Conn
	headers chan http.Header
	paths   chan string
}

func newFakeGateway(t *testing.T) *fakeGateway {
	t.Helper()
	g := &fakeGateway{
		conns:   make(chan *websocket.Conn, 4),
		headers: make(chan http.Header, 4),
		paths:   make(chan string, 4),
	}
	upgrader := websocket.Upgrader{}
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/sessions/", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer secret" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		g.headers <- r.Header
		g.paths <- r.URL.EscapedPath()
		g.conns <- conn
	})
	mux.HandleFunc("/files/cat.jpg", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer secret" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "image/jpeg")
		_, _ = w.Write([]byte("jpeg-bytes"))
	})
	g.server = httptest.NewServer(mux)
	t.Cleanup(g.server.Close)
	return g
}

func (g *fakeGateway) accept(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case conn := <-g.conns:
		t.Cleanup(func() { _ = conn.Close() })
		return conn
	case <-time.After(5 * time.Second):
		t.Fatal("client never connected")
		return nil
	}
}

func startClient(t *testing.T, g *fakeGateway) (*Client, *websocket.Conn) {
	t.Helper()
	c := NewClient(g.server.URL, "secret", testOwner, zerolog.Nop())
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(c.Stop)
	return c, g.accept(t)
}

func nextEvent(t *testing.T, c *Client) connector.WechatEvent {
	t.Helper()
	select {
	case evt, ok := <-c.Events():
		if !ok {
			t.Fatal("events closed")
		}
		return evt
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for event")
		return connector.WechatEvent{}
	}
}

func TestHTTPToWS(t *testing.T) {
	t.Parallel()
	tests := map[string]string{
		"http://gw:8788":  "ws://gw:8788",
		"https://gw":      "wss://gw",
		"ws://already":    "ws://already",
		"wss://secure:10": "wss://secure:10",
	}
	for in, want := range tests {
		if got := httpToWS(in); got != want {
			t.Errorf("httpToWS(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestWSToHTTP(t *testing.T) {
	t.Parallel()
	tests := map[string]string{
		"ws://gw:8788":  "http://gw:8788",
		"wss://gw":      "https://gw",
		"http://plain":  "http://plain",
		"https://tls:1": "https://tls:1",
	}
	for in, want := range tests {
		if got := wsToHTTP(in); got != want {
			t.Errorf("wsToHTTP(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestClientConnectsToOwnerEndpoint(t *testing.T) {
	t.Parallel()
	g := newFakeGateway(t)
	startClient(t, g)
	if path := <-g.paths; path != "/v1/sessions/@alice:example.com" && path != "/v1/sessions/@alice%3Aexample.com" {
		t.Errorf("unexpected session path %q", path)
	}
}

func TestClientRejectedWithoutToken(t *testing.T) {
	t.Parallel()
	g := newFakeGateway(t)
	c := NewClient(g.server.URL, "wrong", testOwner, zerolog.Nop())
	err := c.Start(context.Background())
	if err == nil || !strings.Contains(err.Error(), "401") {
		t.Fatalf("expected 401 error, got %v", err)
	}
	c.Stop()
	if _, ok := <-c.Events(); ok {
		t.Error("events should be closed after Stop")
	}
}

func TestClientEvents(t *testing.T) {
	t.Parallel()
	g := newFakeGateway(t)
	c, conn := startClient(t, g)

	frames := []frame{
		{Type: frameScan, QRCode: "https://login.weixin.qq.com/l/x", Status: int(connector.ScanWaiting)},
		{Type: frameLogin, Contact: &connector.Contact{ID: "wxid_self", Name: "Alice"}},
		{Type: "heartbeat"},
		{Type: frameMessage, Message: &messageFrame{
			ID:   "m1",
			Type: "text",
			Text: "hello",
			From: connector.Contact{ID: "wxid_bob", Name: "Bob"},
			Room: &connector.Room{ID: "g@chatroom", Topic: "Family"},
		}},
		{Type: frameLogout},
	}
	for _, f := range frames {
		if err := conn.WriteJSON(f); err != nil {
			t.Fatalf("WriteJSON: %v", err)
		}
	}

	scan := nextEvent(t, c)
	if scan.Type != connector.WechatEventScan || scan.ScanStatus != connector.ScanWaiting || scan.QRCode == "" {
		t.Errorf("unexpected scan event %+v", scan)
	}
	login := nextEvent(t, c)
	if login.Type != connector.WechatEventLogin || login.Contact.Name != "Alice" {
		t.Errorf("unexpected login event %+v", login)
	}
	msg := nextEvent(t, c)
	if msg.Type != connector.WechatEventMessage {
		t.Fatalf("unexpected event %+v", msg)
	}
	m := msg.Message
	if m.ID() != "m1" || m.Text() != "hello" || m.Type() != connector.KindText || m.From().ID != "wxid_bob" || m.Room().ID != "g@chatroom" || m.Self() {
		t.Errorf("unexpected message fields")
	}
	if _, err := m.FileBox(context.Background()); !errors.Is(err, errNoFile) {
		t.Errorf("text message FileBox: got %v", err)
	}
	if logout := nextEvent(t, c); logout.Type != connector.WechatEventLogout {
		t.Errorf("unexpected logout event %+v", logout)
	}
}

func TestMessageFileBox(t *testing.T) {
	t.Parallel()
	g := newFakeGateway(t)
	c, conn := startClient(t, g)

	_ = conn.WriteJSON(frame{Type: frameMessage, Message: &messageFrame{
		ID: "inline", Type: "emoticon",
		File: &fileFrame{Name: "e.gif", MimeType: "emoticon", Data: []byte("GIF89a")},
	}})
	_ = conn.WriteJSON(frame{Type: frameMessage, Message: &messageFrame{
		ID: "remote", Type: "image",
		File: &fileFrame{Name: "cat.jpg", URL: g.server.URL + "/files/cat.jpg"},
	}})

	inline, err := nextEvent(t, c).Message.FileBox(context.Background())
	if err != nil {
		t.Fatalf("inline FileBox: %v", err)
	}
	if string(inline.Data) != "GIF89a" || inline.MimeType != "emoticon" {
		t.Errorf("unexpected inline file %+v", inline)
	}
	remoteMsg := nextEvent(t, c).Message
	if remoteMsg.Type() != connector.KindImage {
		t.Errorf("kind: got %s", remoteMsg.Type())
	}
	remote, err := remoteMsg.FileBox(context.Background())
	if err != nil {
		t.Fatalf("remote FileBox: %v", err)
	}
	if string(remote.Data) != "jpeg-bytes" || remote.MimeType != "image/jpeg" || remote.Name != "cat.jpg" {
		t.Errorf("unexpected remote file %+v", remote)
	}
}

// ackRequests answers every request frame, rejecting those whose text is
// "reject", and forwards the frames it saw.
func ackRequests(conn *websocket.Conn, seen chan<- frame) {
	for {
		var f frame
		if err := conn.ReadJSON(&f); err != nil {
			return
		}
		seen <- f
		ack := frame{Type: frameAck, ID: f.ID}
		if f.Text == "reject" {
			ack.Error = "risk control"
		}
		if err := conn.WriteJSON(ack); err != nil {
			return
		}
	}
}

func TestClientRequests(t *testing.T) {
	t.Parallel()
	g := newFakeGateway(t)
	c, conn := startClient(t, g)
	seen := make(chan frame, 8)
	go ackRequests(conn, seen)
	ctx := context.Background()

	if err := c.Say(ctx, connector.Target{ContactID: "wxid_bob"}, "hello"); err != nil {
		t.Fatalf("Say: %v", err)
	}
	f := <-seen
	if f.Type != frameSay || f.To == nil || f.To.ContactID != "wxid_bob" || f.Text != "hello" || f.ID == "" {
		t.Errorf("unexpected say frame %+v", f)
	}

	if err := c.SendFile(ctx, connector.Target{RoomID: "g@chatroom"}, &connector.FileBox{Name: "a.png", MimeType: "image/png", Data: []byte{1, 2}}); err != nil {
		t.Fatalf("SendFile: %v", err)
	}
	f = <-seen
	if f.Type != frameFile || f.File == nil || f.File.Name != "a.png" || len(f.File.Data) != 2 || f.To.RoomID != "g@chatroom" {
		t.Errorf("unexpected file frame %+v", f)
	}

	if err := c.Logout(ctx); err != nil {
		t.Fatalf("Logout: %v", err)
	}
	if f = <-seen; f.Type != frameLogoutReq {
		t.Errorf("unexpected logout frame %+v", f)
	}

	err := c.Say(ctx, connector.Target{ContactID: "wxid_bob"}, "reject")
	if err == nil || !strings.Contains(err.Error(), "risk control") {
		t.Errorf("expected rejection, got %v", err)
	}
}

func TestClientRequestTimeout(t *testing.T) {
	t.Parallel()
	g := newFakeGateway(t)
	c, _ := startClient(t, g)
	c.RequestTimeout = 50 * time.Millisecond

	err := c.Say(context.Background(), connector.Target{ContactID: "wxid_bob"}, "anyone?")
	if err == nil || !strings.Contains(err.Error(), "did not acknowledge") {
		t.Errorf("expected timeout, got %v", err)
	}
}

func TestClientStop(t *testing.T) {
	t.Parallel()
	g := newFakeGateway(t)
	c, _ := startClient(t, g)

	c.Stop()
	select {
	case _, ok := <-c.Events():
		if ok {
			t.Error("unexpected event after Stop")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("events not closed after Stop")
	}
	if err := c.Say(context.Background(), connector.Target{ContactID: "x"}, "late"); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
	c.Stop()
}

func TestClientReconnects(t *testing.T) {
	t.Parallel()
	g := newFakeGateway(t)
	c, conn := startClient(t, g)

	_ = conn.Close()
	second := g.accept(t)
	if err := second.WriteJSON(frame{Type: frameLogin, Contact: &connector.Contact{ID: "wxid_self"}}); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}
	if evt := nextEvent(t, c); evt.Type != connector.WechatEventLogin {
		t.Errorf("unexpected event after reconnect %+v", evt)
	}
}

func TestClientClosesDroppedConnections(t *testing.T) {
	t.Parallel()
	g := newFakeGateway(t)
	_, conn := startClient(t, g)

	for i := 1; i <= 3; i++ {
		// A close frame ends the client's read but leaves the TCP
		// connection up; only the client closing it produces EOF here.
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, ""),
			time.Now().Add(time.Second))
		raw := conn.UnderlyingConn()
		_ = raw.SetReadDeadline(time.Now().Add(5 * time.Second))
		_, err := io.Copy(io.Discard, raw)
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			t.Fatalf("drop %d: client never closed the old connection", i)
		}
		conn = g.accept(t)
	}
}

func TestClientPendingRequestFailsOnDisconnect(t *testing.T) {
	t.Parallel()
	g := newFakeGateway(t)
	c, conn := startClient(t, g)

	errs := make(chan error, 1)
	go func() {
		errs <- c.Say(context.Background(), connector.Target{ContactID: "wxid_bob"}, "hello?")
	}()
	var f frame
	if err := conn.ReadJSON(&f); err != nil {
		t.Fatalf("ReadJSON: %v", err)
	}
	if f.Type != frameSay {
		t.Fatalf("unexpected frame %+v", f)
	}
	_ = conn.Close()

	select {
	case err := <-errs:
		if !errors.Is(err, ErrNotConnected) {
			t.Errorf("expected ErrNotConnected, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("pending Say never returned")
	}
}

func TestDownloadSendsTokenOnlyToGateway(t *testing.T) {
	t.Parallel()
	g := newFakeGateway(t)
	auth := make(chan string, 1)
	other := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth <- r.Header.Get("Authorization")
		_, _ = w.Write([]byte("elsewhere"))
	}))
	t.Cleanup(other.Close)

	c := NewClient(g.server.URL, "secret", testOwner, zerolog.Nop())
	ctx := context.Background()

	data, _, err := c.download(ctx, other.URL+"/cdn/cat.jpg")
	if err != nil {
		t.Fatalf("download from other host: %v", err)
	}
	if string(data) != "elsewhere" {
		t.Errorf("unexpected data %q", data)
	}
	if got := <-auth; got != "" {
		t.Errorf("token leaked to other host: %q", got)
	}

	data, mimeType, err := c.download(ctx, "/files/cat.jpg")
	if err != nil {
		t.Fatalf("download relative url: %v", err)
	}
	if string(data) != "jpeg-bytes" || mimeType != "image/jpeg" {
		t.Errorf("unexpected relative download %q %q", data, mimeType)
	}

	if _, _, err := c.download(ctx, "file:///etc/passwd"); err == nil {
		t.Error("expected non-http payload url to be rejected")
	}
}
