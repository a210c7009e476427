// Copyright 2024-2026 Aiku AI

package wechatgw

import (
	"github.com/aiku/mautrix-wechaty/pkg/connector"
)

// Frame types sent by the gateway.
const (
	frameLogin   = "login"
	frameLogout  = "logout"
	frameScan    = "scan"
	frameMessage = "message"
	frameAck     = "ack"
	frameError   = "error"
)

// Frame types sent to the gateway. Every request carries an ID and is
// answered by an ack frame with the same ID.
const (
	frameSay        = "say"
	frameFile       = "file"
	frameLogoutReq  = "logout"
	maxPayloadBytes = 64 << 20
)

type frame struct {
	Type    string             `json:"type"`
	ID      string             `json:"id,omitempty"`
	Contact *connector.Contact `json:"contact,omitempty"`
	QRCode  string             `json:"qrcode,omitempty"`
	Status  int                `json:"status,omitempty"`
	Message *messageFrame      `json:"message,omitempty"`
	To      *connector.Target  `json:"to,omitempty"`
	Text    string             `json:"text,omitempty"`
	File    *fileFrame         `json:"file,omitempty"`
	Error   string             `json:"error,omitempty"`
}

type messageFrame struct {
	ID   string            `json:"id"`
	Type string            `json:"type"`
	Text string            `json:"text,omitempty"`
	From connector.Contact `json:"from"`
	Room *connector.Room   `json:"room,omitempty"`
	Self bool              `json:"self,omitempty"`
	File *fileFrame        `json:"file,omitempty"`
}

// fileFrame carries a payload either inline (base64 in JSON) or as a URL
// the client downloads from the gateway.
type fileFrame struct {
	Name     string `json:"name,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
	Data     []byte `json:"data,omitempty"`
	URL      string `json:"url,omitempty"`
}
