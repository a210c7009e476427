// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package connector

import (
	"context"
	"fmt"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/mautrix-wechaty/pkg/connector/matrixfmt"
	"github.com/aiku/mautrix-wechaty/pkg/identitystore"
)

// HandleMatrixEvent schedules evt on the session worker.
func (bu *BridgeUser) HandleMatrixEvent(evt *event.Event) <-chan error {
	return bu.Enqueue("matrix "+evt.Type.Type, func(ctx context.Context) error {
		return bu.handleMatrixEvent(ctx, evt)
	})
}

func (bu *BridgeUser) handleMatrixEvent(ctx context.Context, evt *event.Event) error {
	switch evt.Type {
	case event.EventMessage:
		return bu.handleMatrixMessage(ctx, evt)
	case event.StateMember:
		return bu.handleMembership(ctx, evt)
	default:
		bu.log.Trace().Str("event_type", evt.Type.Type).Msg("Unhandled Matrix event type")
		return nil
	}
}

// handleMatrixMessage relays a message from a real Matrix user to WeChat.
// Messages in the control room are commands instead.
func (bu *BridgeUser) handleMatrixMessage(ctx context.Context, evt *event.Event) error {
	// Echo prevention: only real users are relayed.
	if role := bu.connector.Roles.Classify(evt.Sender); role != RoleHuman {
		bu.log.Debug().
			Stringer("event_id", evt.ID).
			Stringer("sender", evt.Sender).
			Stringer("role", role).
			Msg("Skipping message from bridge user (echo prevention)")
		return nil
	}
	content := evt.Content.AsMessage()
	if content == nil {
		return nil
	}

	if bu.isControlRoom(ctx, evt.RoomID) {
		if evt.Sender != bu.MXID {
			return nil
		}
		return bu.handleCommand(ctx, evt.RoomID, content.Body)
	}

	if bu.State() != StateLoggedIn {
		return ErrNotLoggedIn
	}
	rec, err := bu.connector.Store.GetRoom(ctx, string(evt.RoomID))
	if isNotFound(err) {
		bu.log.Debug().Stringer("room_id", evt.RoomID).Msg("Ignoring message in unmapped room")
		return nil
	} else if err != nil {
		return err
	}
	target, err := bu.resolveTarget(ctx, rec)
	if err != nil {
		return err
	}
	if target.IsEmpty() {
		bu.log.Warn().Stringer("room_id", evt.RoomID).Msg("Room has no WeChat target")
		return nil
	}

	switch content.MsgType {
	case event.MsgText, event.MsgNotice, event.MsgEmote:
		text := matrixfmt.Parse(content)
		if content.MsgType == event.MsgEmote {
			text = "/me " + text
		}
		if evt.Sender != bu.MXID {
			text = evt.Sender.Localpart() + ": " + text
		}
		bu.log.Debug().
			Stringer("event_id", evt.ID).
			Str("preview", preview(text)).
			Msg("Relaying text to WeChat")
		if err := bu.wechat.Say(ctx, target, text); err != nil {
			return fmt.Errorf("%w: %w", ErrSendFailed, err)
		}

	case event.MsgImage, event.MsgVideo, event.MsgAudio, event.MsgFile:
		file, err := bu.downloadMatrixMedia(ctx, content)
		if err != nil {
			return err
		}
		if err := bu.wechat.SendFile(ctx, target, file); err != nil {
			return fmt.Errorf("%w: %w", ErrSendFailed, err)
		}

	default:
		bu.log.Debug().Str("msgtype", string(content.MsgType)).Msg("Ignoring unsupported message type")
	}
	return nil
}

// resolveTarget finds the WeChat conversation of a mapped room: the group
// for portals, the contact behind the puppet for direct rooms.
func (bu *BridgeUser) resolveTarget(ctx context.Context, rec *identitystore.Record) (Target, error) {
	if roomID := rec.GetString(recordPath(fieldRoomID)); roomID != "" {
		return Target{RoomID: roomID}, nil
	}
	for _, member := range rec.Get(recordPath(fieldMembers)).Array() {
		userID := id.UserID(member.String())
		if bu.connector.Roles.Classify(userID) != RolePuppet {
			continue
		}
		puppet, err := bu.connector.Store.GetUser(ctx, string(userID))
		if isNotFound(err) {
			continue
		} else if err != nil {
			return Target{}, err
		}
		if puppet.GetString(recordPath(fieldOwnerID)) != string(bu.MXID) {
			continue
		}
		return Target{ContactID: puppet.GetString(recordPath(fieldContactID))}, nil
	}
	return Target{}, nil
}

func (bu *BridgeUser) downloadMatrixMedia(ctx context.Context, content *event.MessageEventContent) (*FileBox, error) {
	data, err := bu.connector.Matrix.DownloadMedia(ctx, content.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to download media: %w", err)
	}
	file := &FileBox{
		Name: content.GetFileName(),
		Data: data,
	}
	if content.Info != nil {
		file.MimeType = content.Info.MimeType
	}
	return file, nil
}

// handleMembership accepts invites of the bot and of this operator's
// puppets. A puppet invited into an unmapped room adopts it as the direct
// room with the inviter.
func (bu *BridgeUser) handleMembership(ctx context.Context, evt *event.Event) error {
	member := evt.Content.AsMember()
	if member == nil || member.Membership != event.MembershipInvite || evt.StateKey == nil {
		return nil
	}
	if bu.connector.Roles.Classify(evt.Sender) != RoleHuman {
		return nil
	}
	invitee := id.UserID(*evt.StateKey)
	log := bu.log.With().
		Stringer("room_id", evt.RoomID).
		Stringer("invitee", invitee).
		Stringer("inviter", evt.Sender).
		Logger()

	switch bu.connector.Roles.Classify(invitee) {
	case RoleBot:
		if err := bu.connector.Matrix.JoinRoom(ctx, invitee, evt.RoomID); err != nil {
			return fmt.Errorf("failed to accept invite: %w", err)
		}
		log.Info().Msg("Bot accepted room invite")
		return nil
	case RolePuppet:
		rec, err := bu.connector.Store.GetUser(ctx, string(invitee))
		if isNotFound(err) {
			log.Debug().Msg("Ignoring invite for unknown puppet")
			return nil
		} else if err != nil {
			return err
		}
		if rec.GetString(recordPath(fieldOwnerID)) != string(bu.MXID) {
			log.Debug().Msg("Ignoring invite for puppet of another operator")
			return nil
		}
		if err := bu.connector.Matrix.JoinRoom(ctx, invitee, evt.RoomID); err != nil {
			return fmt.Errorf("failed to accept invite: %w", err)
		}
		if _, err := bu.connector.Store.GetRoom(ctx, string(evt.RoomID)); isNotFound(err) {
			mapping, err := bu.connector.Rooms.RecordDirectRoom(ctx, evt.RoomID, invitee, evt.Sender)
			if err != nil {
				return err
			}
			if mapping.RoomID != evt.RoomID {
				log.Info().Stringer("existing_room_id", mapping.RoomID).Msg("Pair already has a direct room")
			}
		} else if err != nil {
			return err
		}
		log.Info().Msg("Puppet accepted room invite")
	}
	return nil
}
