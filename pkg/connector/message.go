// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"
	"strings"
)

// Network identifies which side of the bridge a message came from.
type Network int

const (
	NetworkMatrix Network = iota + 1
	NetworkWechat
)

// MessageKind is the closed set of message types the translator knows about.
type MessageKind int

const (
	KindUnknown MessageKind = iota
	KindText
	KindImage
	KindEmoticon
	KindAudio
	KindAttachment
	KindContact
)

var kindNames = map[MessageKind]string{
	KindUnknown:    "unknown",
	KindText:       "text",
	KindImage:      "image",
	KindEmoticon:   "emoticon",
	KindAudio:      "audio",
	KindAttachment: "attachment",
	KindContact:    "contact",
}

func (k MessageKind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "unknown"
}

// ParseMessageKind maps a wechaty message type name to a MessageKind.
// Unrecognised names map to KindUnknown.
func ParseMessageKind(name string) MessageKind {
	name = strings.ToLower(strings.TrimSpace(name))
	for kind, kindName := range kindNames {
		if kindName == name {
			return kind
		}
	}
	return KindUnknown
}

// PayloadFunc fetches the binary content of a message on demand.
type PayloadFunc func(ctx context.Context) (*FileBox, error)

// InboundMessage is a network-neutral view of a received message.
type InboundMessage struct {
	Source   Network
	SenderID string
	RoomID   string
	Kind     MessageKind
	Text     string
	Payload  PayloadFunc
}

// NewInboundMessage converts a WeChat message.
func NewInboundMessage(msg WechatMessage) *InboundMessage {
	in := &InboundMessage{
		Source:   NetworkWechat,
		SenderID: msg.From().ID,
		Kind:     msg.Type(),
		Text:     msg.Text(),
		Payload:  msg.FileBox,
	}
	if room := msg.Room(); room != nil {
		in.RoomID = room.ID
	}
	return in
}
