// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"
	"fmt"
	"regexp"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/appservice"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// ImageInfo describes an already uploaded image.
type ImageInfo struct {
	URL      id.ContentURIString
	MimeType string
	Name     string
	Size     int
}

// MatrixAPI is the subset of the homeserver application-service API the
// bridge uses. An empty sender or creator acts as the bridge bot.
type MatrixAPI interface {
	BotUserID() id.UserID
	// IsRemoteUser reports whether userID is a puppet in the bridge's
	// exclusive user namespace. The bot itself is not a remote user.
	IsRemoteUser(userID id.UserID) bool

	CreateRoom(ctx context.Context, creator id.UserID, req *mautrix.ReqCreateRoom) (id.RoomID, error)
	SendText(ctx context.Context, sender id.UserID, roomID id.RoomID, text string) (id.EventID, error)
	SendImage(ctx context.Context, sender id.UserID, roomID id.RoomID, img ImageInfo) (id.EventID, error)
	UploadContent(ctx context.Context, sender id.UserID, data []byte, name, mimeType string) (id.ContentURIString, error)
	JoinedMembers(ctx context.Context, roomID id.RoomID) ([]id.UserID, error)

	InviteUser(ctx context.Context, inviter id.UserID, roomID id.RoomID, userID id.UserID) error
	JoinRoom(ctx context.Context, userID id.UserID, roomID id.RoomID) error
	SetDisplayName(ctx context.Context, userID id.UserID, name string) error
	DownloadMedia(ctx context.Context, uri id.ContentURIString) ([]byte, error)
}

// appserviceMatrix implements MatrixAPI with mautrix appservice intents.
type appserviceMatrix struct {
	as         *appservice.AppService
	namespaces []*regexp.Regexp
}

var _ MatrixAPI = (*appserviceMatrix)(nil)

// NewAppserviceMatrix wraps an application service. The registration's user
// namespaces decide which users are puppets.
func NewAppserviceMatrix(as *appservice.AppService) (MatrixAPI, error) {
	m := &appserviceMatrix{as: as}
	if as.Registration != nil {
		for _, ns := range as.Registration.Namespaces.UserIDs {
			re, err := regexp.Compile(ns.Regex)
			if err != nil {
				return nil, fmt.Errorf("failed to compile user namespace %q: %w", ns.Regex, err)
			}
			m.namespaces = append(m.namespaces, re)
		}
	}
	return m, nil
}

func (m *appserviceMatrix) BotUserID() id.UserID {
	return m.as.BotMXID()
}

func (m *appserviceMatrix) IsRemoteUser(userID id.UserID) bool {
	if userID == "" || userID == m.as.BotMXID() {
		return false
	}
	for _, re := range m.namespaces {
		if re.MatchString(string(userID)) {
			return true
		}
	}
	return false
}

// intent returns the intent for userID, registering puppets on first use.
func (m *appserviceMatrix) intent(ctx context.Context, userID id.UserID) (*appservice.IntentAPI, error) {
	if userID == "" || userID == m.as.BotMXID() {
		return m.as.BotIntent(), nil
	}
	intent := m.as.Intent(userID)
	if err := intent.EnsureRegistered(ctx); err != nil {
		return nil, fmt.Errorf("failed to register %s: %w", userID, err)
	}
	return intent, nil
}

func (m *appserviceMatrix) CreateRoom(ctx context.Context, creator id.UserID, req *mautrix.ReqCreateRoom) (id.RoomID, error) {
	intent, err := m.intent(ctx, creator)
	if err != nil {
		return "", err
	}
	resp, err := intent.CreateRoom(ctx, req)
	if err != nil {
		return "", fmt.Errorf("failed to create room: %w", err)
	}
	return resp.RoomID, nil
}

func (m *appserviceMatrix) SendText(ctx context.Context, sender id.UserID, roomID id.RoomID, text string) (id.EventID, error) {
	intent, err := m.intent(ctx, sender)
	if err != nil {
		return "", err
	}
	resp, err := intent.SendMessageEvent(ctx, roomID, event.EventMessage, &event.MessageEventContent{
		MsgType: event.MsgText,
		Body:    text,
	})
	if err != nil {
		return "", err
	}
	return resp.EventID, nil
}

func (m *appserviceMatrix) SendImage(ctx context.Context, sender id.UserID, roomID id.RoomID, img ImageInfo) (id.EventID, error) {
	intent, err := m.intent(ctx, sender)
	if err != nil {
		return "", err
	}
	body := img.Name
	if body == "" {
		body = "Image"
	}
	resp, err := intent.SendMessageEvent(ctx, roomID, event.EventMessage, &event.MessageEventContent{
		MsgType: event.MsgImage,
		Body:    body,
		URL:     img.URL,
		Info: &event.FileInfo{
			MimeType: img.MimeType,
			Size:     img.Size,
		},
	})
	if err != nil {
		return "", err
	}
	return resp.EventID, nil
}

func (m *appserviceMatrix) UploadContent(ctx context.Context, sender id.UserID, data []byte, name, mimeType string) (id.ContentURIString, error) {
	intent, err := m.intent(ctx, sender)
	if err != nil {
		return "", err
	}
	resp, err := intent.UploadBytesWithName(ctx, data, mimeType, name)
	if err != nil {
		return "", err
	}
	return resp.ContentURI.CUString(), nil
}

func (m *appserviceMatrix) JoinedMembers(ctx context.Context, roomID id.RoomID) ([]id.UserID, error) {
	resp, err := m.as.BotIntent().JoinedMembers(ctx, roomID)
	if err != nil {
		return nil, fmt.Errorf("failed to get joined members of %s: %w", roomID, err)
	}
	members := make([]id.UserID, 0, len(resp.Joined))
	for userID := range resp.Joined {
		members = append(members, userID)
	}
	return members, nil
}

func (m *appserviceMatrix) InviteUser(ctx context.Context, inviter id.UserID, roomID id.RoomID, userID id.UserID) error {
	intent, err := m.intent(ctx, inviter)
	if err != nil {
		return err
	}
	_, err = intent.InviteUser(ctx, roomID, &mautrix.ReqInviteUser{UserID: userID})
	return err
}

func (m *appserviceMatrix) JoinRoom(ctx context.Context, userID id.UserID, roomID id.RoomID) error {
	intent, err := m.intent(ctx, userID)
	if err != nil {
		return err
	}
	_, err = intent.JoinRoomByID(ctx, roomID)
	return err
}

func (m *appserviceMatrix) SetDisplayName(ctx context.Context, userID id.UserID, name string) error {
	intent, err := m.intent(ctx, userID)
	if err != nil {
		return err
	}
	return intent.SetDisplayName(ctx, name)
}

func (m *appserviceMatrix) DownloadMedia(ctx context.Context, uri id.ContentURIString) ([]byte, error) {
	parsed, err := uri.Parse()
	if err != nil {
		return nil, fmt.Errorf("failed to parse content uri %q: %w", uri, err)
	}
	return m.as.BotIntent().DownloadBytes(ctx, parsed)
}
