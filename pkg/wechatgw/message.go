// Copyright 2024-2026 Aiku AI

package wechatgw

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/aiku/mautrix-wechaty/pkg/connector"
)

var errNoFile = errors.New("message has no file")

// message adapts a gateway message frame to connector.WechatMessage.
type message struct {
	frame  *messageFrame
	client *Client
}

var _ connector.WechatMessage = (*message)(nil)

func (m *message) ID() string                  { return m.frame.ID }
func (m *message) Text() string                { return m.frame.Text }
func (m *message) Type() connector.MessageKind { return connector.ParseMessageKind(m.frame.Type) }
func (m *message) From() connector.Contact     { return m.frame.From }
func (m *message) Room() *connector.Room       { return m.frame.Room }
func (m *message) Self() bool                  { return m.frame.Self }

func (m *message) FileBox(ctx context.Context) (*connector.FileBox, error) {
	file := m.frame.File
	if file == nil {
		return nil, errNoFile
	}
	box := &connector.FileBox{Name: file.Name, MimeType: file.MimeType, Data: file.Data}
	if len(box.Data) > 0 || file.URL == "" {
		return box, nil
	}
	data, mimeType, err := m.client.download(ctx, file.URL)
	if err != nil {
		return nil, err
	}
	box.Data = data
	if box.MimeType == "" {
		box.MimeType = mimeType
	}
	return box, nil
}

// download fetches a payload URL announced by the gateway. Relative URLs
// are resolved against the gateway, and the token is only sent to the
// gateway's own host.
func (c *Client) download(ctx context.Context, rawURL string) ([]byte, string, error) {
	target, err := c.resolvePayloadURL(rawURL)
	if err != nil {
		return nil, "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return nil, "", fmt.Errorf("failed to build download request: %w", err)
	}
	if c.token != "" && c.sameHost(target) {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("failed to download %s: %w", target, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("failed to download %s: unexpected status %d", target, resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxPayloadBytes+1))
	if err != nil {
		return nil, "", fmt.Errorf("failed to read %s: %w", target, err)
	}
	if len(data) > maxPayloadBytes {
		return nil, "", fmt.Errorf("payload at %s exceeds %d bytes", target, maxPayloadBytes)
	}
	return data, resp.Header.Get("Content-Type"), nil
}

func (c *Client) resolvePayloadURL(rawURL string) (*url.URL, error) {
	target, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid payload url %q: %w", rawURL, err)
	}
	if c.gateway != nil {
		target = c.gateway.ResolveReference(target)
	}
	if target.Scheme != "http" && target.Scheme != "https" {
		return nil, fmt.Errorf("unsupported payload url %q", rawURL)
	}
	return target, nil
}

func (c *Client) sameHost(target *url.URL) bool {
	return c.gateway != nil && strings.EqualFold(target.Host, c.gateway.Host)
}
