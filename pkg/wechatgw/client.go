// Copyright 2024-2026 Aiku AI

// Package wechatgw connects to a wechaty gateway over WebSocket. The gateway
// runs the actual WeChat puppet and exchanges JSON frames with the bridge,
// one connection per operator.
package wechatgw

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/xid"
	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/mautrix-wechaty/pkg/connector"
)

var (
	// ErrClosed is returned by requests after Stop.
	ErrClosed = errors.New("gateway client closed")
	// ErrNotConnected is returned by requests while the connection is down.
	ErrNotConnected = errors.New("gateway not connected")
)

const (
	defaultRequestTimeout = 30 * time.Second
	minReconnectDelay     = time.Second
	maxReconnectDelay     = 30 * time.Second
	dialTimeout           = 10 * time.Second
)

// reply answers a pending request: the gateway's ack, or a local error when
// the connection dropped first.
type reply struct {
	ack *frame
	err error
}

// Client is a connector.WechatClient backed by the gateway.
type Client struct {
	endpoint   string
	gateway    *url.URL
	token      string
	log        zerolog.Logger
	dialer     *websocket.Dialer
	httpClient *http.Client

	// RequestTimeout bounds how long a request waits for its ack.
	RequestTimeout time.Duration

	events chan connector.WechatEvent

	connMu  sync.Mutex
	conn    *websocket.Conn
	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[string]chan reply

	started  bool
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

var _ connector.WechatClient = (*Client)(nil)

// NewClient creates a client for owner's session at baseURL. http(s) URLs
// are converted to ws(s).
func NewClient(baseURL, token string, owner id.UserID, log zerolog.Logger) *Client {
	endpoint := strings.TrimSuffix(httpToWS(baseURL), "/") + "/v1/sessions/" + url.PathEscape(string(owner))
	gateway, err := url.Parse(wsToHTTP(baseURL))
	if err != nil {
		gateway = nil
	}
	return &Client{
		endpoint:       endpoint,
		gateway:        gateway,
		token:          token,
		log:            log.With().Str("component", "wechat_gateway").Stringer("owner", owner).Logger(),
		dialer:         websocket.DefaultDialer,
		httpClient:     &http.Client{Timeout: 2 * time.Minute},
		RequestTimeout: defaultRequestTimeout,
		events:         make(chan connector.WechatEvent, 64),
		pending:        make(map[string]chan reply),
		stop:           make(chan struct{}),
		done:           make(chan struct{}),
	}
}

// httpToWS converts an HTTP(S) URL to a WS(S) URL.
func httpToWS(url string) string {
	if strings.HasPrefix(url, "https://") {
		return "wss://" + strings.TrimPrefix(url, "https://")
	}
	if strings.HasPrefix(url, "http://") {
		return "ws://" + strings.TrimPrefix(url, "http://")
	}
	return url
}

// wsToHTTP converts a WS(S) URL to an HTTP(S) URL.
func wsToHTTP(url string) string {
	if strings.HasPrefix(url, "wss://") {
		return "https://" + strings.TrimPrefix(url, "wss://")
	}
	if strings.HasPrefix(url, "ws://") {
		return "http://" + strings.TrimPrefix(url, "ws://")
	}
	return url
}

// Start dials the gateway. ctx only bounds the initial dial; the connection
// lives until Stop and is re-established when it drops.
func (c *Client) Start(ctx context.Context) error {
	conn, err := c.dial(ctx)
	if err != nil {
		return err
	}
	c.connMu.Lock()
	c.conn = conn
	c.started = true
	c.connMu.Unlock()
	go c.readLoop(conn)
	c.log.Info().Str("endpoint", c.endpoint).Msg("Gateway connected")
	return nil
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	if c.token != "" {
		header.Set("Authorization", "Bearer "+c.token)
	}
	conn, resp, err := c.dialer.DialContext(ctx, c.endpoint, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("failed to connect to gateway (status %d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("failed to connect to gateway: %w", err)
	}
	return conn, nil
}

// Stop closes the connection. Events is closed once the read loop exits.
func (c *Client) Stop() {
	c.stopOnce.Do(func() {
		close(c.stop)
		c.connMu.Lock()
		conn, started := c.conn, c.started
		c.conn = nil
		c.connMu.Unlock()
		if conn != nil {
			c.writeMu.Lock()
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			c.writeMu.Unlock()
			_ = conn.Close()
		}
		if started {
			<-c.done
		} else {
			close(c.events)
		}
	})
}

func (c *Client) Events() <-chan connector.WechatEvent {
	return c.events
}

func (c *Client) stopped() bool {
	select {
	case <-c.stop:
		return true
	default:
		return false
	}
}

func (c *Client) readLoop(conn *websocket.Conn) {
	defer close(c.done)
	defer close(c.events)
	for {
		var f frame
		if err := conn.ReadJSON(&f); err != nil {
			if c.stopped() {
				return
			}
			c.log.Warn().Err(err).Msg("Gateway connection lost, reconnecting")
			_ = conn.Close()
			c.failPending(ErrNotConnected)
			if conn = c.reconnect(); conn == nil {
				return
			}
			continue
		}
		c.handleFrame(&f)
	}
}

// reconnect redials with exponential backoff until it succeeds or the
// client is stopped, in which case it returns nil.
func (c *Client) reconnect() *websocket.Conn {
	c.connMu.Lock()
	c.conn = nil
	c.connMu.Unlock()

	delay := minReconnectDelay
	for {
		select {
		case <-c.stop:
			return nil
		case <-time.After(delay):
		}
		ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
		conn, err := c.dial(ctx)
		cancel()
		if err == nil {
			c.connMu.Lock()
			if c.stopped() {
				c.connMu.Unlock()
				_ = conn.Close()
				return nil
			}
			c.conn = conn
			c.connMu.Unlock()
			c.log.Info().Msg("Gateway reconnected")
			return conn
		}
		c.log.Error().Err(err).Dur("retry_in", delay).Msg("Failed to reconnect to gateway")
		delay = min(delay*2, maxReconnectDelay)
	}
}

func (c *Client) handleFrame(f *frame) {
	switch f.Type {
	case frameAck:
		c.resolve(f)
	case frameLogin:
		c.emit(connector.WechatEvent{Type: connector.WechatEventLogin, Contact: contactOf(f)})
	case frameLogout:
		c.emit(connector.WechatEvent{Type: connector.WechatEventLogout, Contact: contactOf(f)})
	case frameScan:
		c.emit(connector.WechatEvent{
			Type:       connector.WechatEventScan,
			QRCode:     f.QRCode,
			ScanStatus: connector.ScanStatus(f.Status),
		})
	case frameMessage:
		if f.Message == nil {
			c.log.Warn().Msg("Message frame without message")
			return
		}
		c.emit(connector.WechatEvent{
			Type:    connector.WechatEventMessage,
			Message: &message{frame: f.Message, client: c},
		})
	case frameError:
		c.log.Error().Str("error", f.Error).Msg("Gateway reported an error")
	default:
		c.log.Trace().Str("frame_type", f.Type).Msg("Unhandled gateway frame")
	}
}

func contactOf(f *frame) connector.Contact {
	if f.Contact == nil {
		return connector.Contact{}
	}
	return *f.Contact
}

func (c *Client) emit(evt connector.WechatEvent) {
	select {
	case c.events <- evt:
	case <-c.stop:
	}
}

// request sends f and waits for the matching ack.
func (c *Client) request(ctx context.Context, f *frame) error {
	if c.stopped() {
		return ErrClosed
	}
	f.ID = xid.New().String()
	ack := make(chan reply, 1)
	c.pendingMu.Lock()
	c.pending[f.ID] = ack
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, f.ID)
		c.pendingMu.Unlock()
	}()

	if err := c.write(f); err != nil {
		return err
	}

	timer := time.NewTimer(c.RequestTimeout)
	defer timer.Stop()
	select {
	case resp := <-ack:
		if resp.err != nil {
			return fmt.Errorf("%s interrupted: %w", f.Type, resp.err)
		}
		if resp.ack.Error != "" {
			return fmt.Errorf("gateway rejected %s: %s", f.Type, resp.ack.Error)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return fmt.Errorf("gateway did not acknowledge %s within %s", f.Type, c.RequestTimeout)
	case <-c.stop:
		return ErrClosed
	}
}

func (c *Client) write(f *frame) error {
	c.connMu.Lock()
	conn := c.conn
	c.connMu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := conn.WriteJSON(f); err != nil {
		return fmt.Errorf("failed to write %s frame: %w", f.Type, err)
	}
	return nil
}

func (c *Client) resolve(f *frame) {
	c.pendingMu.Lock()
	ack, ok := c.pending[f.ID]
	c.pendingMu.Unlock()
	if !ok {
		c.log.Debug().Str("request_id", f.ID).Msg("Ack for unknown request")
		return
	}
	select {
	case ack <- reply{ack: f}:
	default:
	}
}

// failPending answers every waiting request with err.
func (c *Client) failPending(err error) {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	for _, ack := range c.pending {
		select {
		case ack <- reply{err: err}:
		default:
		}
	}
}

func (c *Client) Say(ctx context.Context, to connector.Target, text string) error {
	return c.request(ctx, &frame{Type: frameSay, To: &to, Text: text})
}

func (c *Client) SendFile(ctx context.Context, to connector.Target, file *connector.FileBox) error {
	return c.request(ctx, &frame{
		Type: frameFile,
		To:   &to,
		File: &fileFrame{Name: file.Name, MimeType: file.MimeType, Data: file.Data},
	})
}

func (c *Client) Logout(ctx context.Context) error {
	return c.request(ctx, &frame{Type: frameLogoutReq})
}
