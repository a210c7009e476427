// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"
	"fmt"
	"strings"

	"maunium.net/go/mautrix/id"
)

const helpText = `Available commands:
help - show this message
status - show the WeChat login state
logout - log out of WeChat`

// handleCommand runs an operator command typed in the control room. The
// configured command prefix is optional.
func (bu *BridgeUser) handleCommand(ctx context.Context, roomID id.RoomID, body string) error {
	body = strings.TrimSpace(body)
	if prefix := bu.connector.Config.Bridge.CommandPrefix; prefix != "" {
		body = strings.TrimSpace(strings.TrimPrefix(body, prefix))
	}
	fields := strings.Fields(body)
	if len(fields) == 0 {
		return nil
	}
	command := strings.ToLower(fields[0])
	bu.log.Debug().Str("command", command).Msg("Handling control room command")

	var reply string
	switch command {
	case "help":
		reply = helpText
	case "status":
		reply = bu.statusText()
	case "logout":
		if bu.State() != StateLoggedIn {
			reply = "You are not logged in to WeChat"
			break
		}
		if err := bu.wechat.Logout(ctx); err != nil {
			return fmt.Errorf("failed to log out: %w", err)
		}
		reply = "Logging out of WeChat"
	default:
		reply = fmt.Sprintf("Unknown command %q, use help to list commands", command)
	}
	if _, err := bu.connector.Matrix.SendText(ctx, "", roomID, reply); err != nil {
		return fmt.Errorf("%w: %w", ErrSendFailed, err)
	}
	return nil
}

func (bu *BridgeUser) statusText() string {
	switch bu.State() {
	case StateLoggedIn:
		return "Logged in to WeChat as " + contactLabel(bu.Self())
	case StateAwaitingScan:
		return "Waiting for the login QR code to be scanned"
	default:
		return "Not logged in to WeChat"
	}
}
