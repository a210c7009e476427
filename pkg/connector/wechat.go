// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package connector

import (
	"context"

	"maunium.net/go/mautrix/id"
)

// Contact is a WeChat account as seen by the logged-in operator.
type Contact struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

// Room is a WeChat group chat.
type Room struct {
	ID    string `json:"id"`
	Topic string `json:"topic,omitempty"`
}

// FileBox carries a binary payload (image, emoticon, file) in either direction.
type FileBox struct {
	Name     string
	MimeType string
	Data     []byte
}

// WechatMessage is a message received from WeChat.
type WechatMessage interface {
	ID() string
	Text() string
	Type() MessageKind
	From() Contact
	// Room returns nil for one-to-one messages.
	Room() *Room
	// Self reports whether the logged-in account sent the message.
	Self() bool
	FileBox(ctx context.Context) (*FileBox, error)
}

// ScanStatus mirrors the wechaty login QR states.
type ScanStatus int

const (
	ScanUnknown ScanStatus = iota
	ScanCancel
	ScanWaiting
	ScanScanned
	ScanConfirmed
	ScanTimeout
)

func (s ScanStatus) String() string {
	switch s {
	case ScanCancel:
		return "cancel"
	case ScanWaiting:
		return "waiting"
	case ScanScanned:
		return "scanned"
	case ScanConfirmed:
		return "confirmed"
	case ScanTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// WechatEventType discriminates WechatEvent.
type WechatEventType int

const (
	WechatEventLogin WechatEventType = iota + 1
	WechatEventLogout
	WechatEventScan
	WechatEventMessage
)

func (t WechatEventType) String() string {
	switch t {
	case WechatEventLogin:
		return "login"
	case WechatEventLogout:
		return "logout"
	case WechatEventScan:
		return "scan"
	case WechatEventMessage:
		return "message"
	default:
		return "unknown"
	}
}

// WechatEvent is one event emitted by a WechatClient. Only the fields
// relevant to Type are set.
type WechatEvent struct {
	Type       WechatEventType
	Contact    Contact
	QRCode     string
	ScanStatus ScanStatus
	Message    WechatMessage
}

// Target addresses an outgoing WeChat message. RoomID wins when both are set.
type Target struct {
	ContactID string `json:"contactId,omitempty"`
	RoomID    string `json:"roomId,omitempty"`
}

// IsEmpty reports whether the target addresses nobody.
func (t Target) IsEmpty() bool {
	return t.ContactID == "" && t.RoomID == ""
}

// WechatClient is one operator's connection to WeChat.
type WechatClient interface {
	// Start connects the client. Events are delivered on Events until Stop.
	Start(ctx context.Context) error
	Stop()
	Events() <-chan WechatEvent
	Say(ctx context.Context, to Target, text string) error
	SendFile(ctx context.Context, to Target, file *FileBox) error
	Logout(ctx context.Context) error
}

// WechatClientFactory creates the client for an operator's session.
type WechatClientFactory func(owner id.UserID) WechatClient
