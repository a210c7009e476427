// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"
	"fmt"
	"net/http"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/mautrix-wechaty/pkg/identitystore"
)

const (
	logPreviewLength = 100
	emoticonMimeType = "emoticon"
)

// Translator relays WeChat messages into Matrix rooms as a puppet.
type Translator struct {
	matrix MatrixAPI
	log    zerolog.Logger
}

func NewTranslator(matrix MatrixAPI, log zerolog.Logger) *Translator {
	return &Translator{
		matrix: matrix,
		log:    log.With().Str("component", "translator").Logger(),
	}
}

// ToMatrix posts msg into roomID as sender. Text is sent verbatim, images
// and emoticons are uploaded first. Audio, attachments, contact cards and
// unknown kinds are dropped without error.
func (t *Translator) ToMatrix(ctx context.Context, msg *InboundMessage, roomID id.RoomID, sender id.UserID) error {
	log := t.log.With().
		Stringer("room_id", roomID).
		Stringer("sender", sender).
		Stringer("kind", msg.Kind).
		Logger()

	switch msg.Kind {
	case KindText:
		log.Debug().Str("preview", preview(msg.Text)).Msg("Relaying text to Matrix")
		if _, err := t.matrix.SendText(ctx, sender, roomID, msg.Text); err != nil {
			log.Err(err).Msg("Failed to send text to Matrix")
			return fmt.Errorf("%w: %w", ErrSendFailed, err)
		}
		return nil
	case KindImage, KindEmoticon:
		return t.sendImage(ctx, log, msg, roomID, sender)
	case KindAudio, KindAttachment, KindContact:
		log.Debug().Msg("Dropping unsupported message kind")
		return nil
	default:
		log.Debug().Msg("Ignoring message of unknown kind")
		return nil
	}
}

func (t *Translator) sendImage(ctx context.Context, log zerolog.Logger, msg *InboundMessage, roomID id.RoomID, sender id.UserID) error {
	if msg.Payload == nil {
		return fmt.Errorf("%w: message has no payload", ErrUploadFailed)
	}
	file, err := msg.Payload(ctx)
	if err != nil {
		log.Err(err).Msg("Failed to fetch image payload")
		return fmt.Errorf("%w: %w", ErrUploadFailed, err)
	}
	mimeType := imageMimeType(msg.Kind, file)

	uri, err := t.matrix.UploadContent(ctx, sender, file.Data, file.Name, mimeType)
	if err != nil {
		log.Err(err).Str("mime_type", mimeType).Msg("Failed to upload image to Matrix")
		return fmt.Errorf("%w: %w", ErrUploadFailed, err)
	}
	_, err = t.matrix.SendImage(ctx, sender, roomID, ImageInfo{
		URL:      uri,
		MimeType: mimeType,
		Name:     file.Name,
		Size:     len(file.Data),
	})
	if err != nil {
		log.Err(err).Str("content_uri", string(uri)).Msg("Failed to send image to Matrix")
		return fmt.Errorf("%w: %w", ErrSendFailed, err)
	}
	log.Debug().Str("content_uri", string(uri)).Msg("Relayed image to Matrix")
	return nil
}

// imageMimeType resolves the upload content type. Emoticons arrive with the
// pseudo type "emoticon" and are animated GIFs.
func imageMimeType(kind MessageKind, file *FileBox) string {
	switch {
	case file.MimeType == emoticonMimeType:
		return "image/gif"
	case file.MimeType != "":
		return file.MimeType
	case kind == KindEmoticon:
		return "image/gif"
	default:
		return http.DetectContentType(file.Data)
	}
}

func preview(text string) string {
	runes := []rune(text)
	if len(runes) <= logPreviewLength {
		return text
	}
	return string(runes[:logPreviewLength]) + "…"
}

// HandleWechatEvent schedules evt on the session worker.
func (bu *BridgeUser) HandleWechatEvent(evt WechatEvent) <-chan error {
	return bu.Enqueue("wechat "+evt.Type.String(), func(ctx context.Context) error {
		return bu.handleWechatEvent(ctx, evt)
	})
}

func (bu *BridgeUser) handleWechatEvent(ctx context.Context, evt WechatEvent) error {
	switch evt.Type {
	case WechatEventScan:
		return bu.onScan(ctx, evt.QRCode, evt.ScanStatus)
	case WechatEventLogin:
		bu.setState(StateLoggedIn, evt.Contact)
		bu.notify(ctx, fmt.Sprintf("Logged in to WeChat as %s", contactLabel(evt.Contact)))
		return nil
	case WechatEventLogout:
		bu.setState(StateLoggedOut, Contact{})
		if label := contactLabel(evt.Contact); label != "" {
			bu.notify(ctx, "Logged out of WeChat as "+label)
		} else {
			bu.notify(ctx, "Logged out of WeChat")
		}
		return nil
	case WechatEventMessage:
		if evt.Message == nil {
			return nil
		}
		return bu.onMessage(ctx, evt.Message)
	default:
		bu.log.Trace().Stringer("event_type", evt.Type).Msg("Unhandled WeChat event type")
		return nil
	}
}

func (bu *BridgeUser) onScan(ctx context.Context, code string, status ScanStatus) error {
	bu.log.Debug().Stringer("status", status).Msg("Received login scan event")
	switch status {
	case ScanWaiting, ScanTimeout:
		bu.setState(StateAwaitingScan, Contact{})
		if code == "" {
			return nil
		}
		bu.notify(ctx, "Scan this QR code with WeChat to log in: "+code)
		return bu.sendLoginQR(ctx, code)
	case ScanScanned:
		bu.notify(ctx, "QR code scanned, confirm the login on your phone")
	case ScanConfirmed:
		bu.notify(ctx, "Login confirmed")
	case ScanCancel:
		bu.setState(StateLoggedOut, Contact{})
		bu.notify(ctx, "Login cancelled")
	}
	return nil
}

func (bu *BridgeUser) onMessage(ctx context.Context, msg WechatMessage) error {
	log := bu.log.With().
		Str("message_id", msg.ID()).
		Str("contact_id", msg.From().ID).
		Stringer("kind", msg.Type()).
		Logger()

	// Echo prevention: skip messages sent by the logged-in account.
	if msg.Self() {
		log.Debug().Msg("Skipping own WeChat message (echo prevention)")
		return nil
	}

	puppet, err := bu.ensurePuppet(ctx, msg.From())
	if err != nil {
		return err
	}

	var roomID id.RoomID
	if room := msg.Room(); room != nil {
		mapping, err := bu.connector.Rooms.FindOrCreateGroupRoom(ctx, bu.MXID, room.ID, room.Topic)
		if err != nil {
			return err
		}
		if err := bu.connector.Rooms.EnsureMember(ctx, mapping.RoomID, puppet); err != nil {
			return err
		}
		roomID = mapping.RoomID
	} else {
		mapping, err := bu.connector.Rooms.FindOrCreateDirectRoom(ctx, puppet, bu.MXID)
		if err != nil {
			return err
		}
		roomID = mapping.RoomID
	}

	log.Debug().Stringer("room_id", roomID).Stringer("puppet", puppet).Msg("Relaying WeChat message")
	return bu.connector.Translator.ToMatrix(ctx, NewInboundMessage(msg), roomID, puppet)
}

// ensurePuppet returns the puppet for contact as seen by this operator,
// allocating and registering one on first contact. Display names are kept
// in sync with the WeChat name.
func (bu *BridgeUser) ensurePuppet(ctx context.Context, contact Contact) (id.UserID, error) {
	store := bu.connector.Store
	rec, err := store.QueryOne(ctx, identitystore.ScopeUser, puppetQuery(bu.MXID, contact.ID))
	switch {
	case err == nil:
		puppet := id.UserID(rec.ID)
		if contact.Name != "" && rec.GetString(recordPath(fieldName)) != contact.Name {
			bu.updatePuppetName(ctx, rec, contact)
		}
		return puppet, nil
	case !isNotFound(err):
		return "", err
	}

	cfg := bu.connector.Config.Bridge
	puppet := AllocatePuppetID(cfg.PuppetPrefix, bu.connector.Config.Homeserver.Domain)
	rec = identitystore.NewRecord(string(puppet))
	for field, value := range map[string]string{
		fieldContactID: contact.ID,
		fieldOwnerID:   string(bu.MXID),
		fieldName:      contact.Name,
	} {
		if err := rec.Set(recordPath(field), value); err != nil {
			return "", err
		}
	}
	if err := store.PutUser(ctx, rec); err != nil {
		return "", fmt.Errorf("failed to save puppet %s: %w", puppet, err)
	}
	bu.log.Info().
		Stringer("puppet", puppet).
		Str("contact_id", contact.ID).
		Msg("Allocated puppet for WeChat contact")

	bu.setPuppetDisplayName(ctx, puppet, contact)
	return puppet, nil
}

func (bu *BridgeUser) updatePuppetName(ctx context.Context, rec *identitystore.Record, contact Contact) {
	if err := rec.Set(recordPath(fieldName), contact.Name); err != nil {
		bu.log.Err(err).Msg("Failed to update puppet record")
		return
	}
	if err := bu.connector.Store.PutUser(ctx, rec); err != nil {
		bu.log.Err(err).Str("puppet", rec.ID).Msg("Failed to save puppet name")
	}
	bu.setPuppetDisplayName(ctx, id.UserID(rec.ID), contact)
}

func (bu *BridgeUser) setPuppetDisplayName(ctx context.Context, puppet id.UserID, contact Contact) {
	name := bu.connector.Config.FormatDisplayname(DisplaynameParams{
		Name:      contact.Name,
		ContactID: contact.ID,
	})
	if err := bu.connector.Matrix.SetDisplayName(ctx, puppet, name); err != nil {
		bu.log.Warn().Err(err).Stringer("puppet", puppet).Msg("Failed to set puppet display name")
	}
}

func contactLabel(contact Contact) string {
	if contact.Name != "" {
		return contact.Name
	}
	return contact.ID
}
