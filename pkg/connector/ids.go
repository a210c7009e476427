// Copyright 2024-2026 Aiku AI

package connector

import (
	"sort"
	"strings"

	"github.com/rs/xid"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/mautrix-wechaty/pkg/identitystore"
)

// Record field paths. dataPrefix is the query namespace matching the paths
// written with Record.Set.
const (
	dataPrefix = "data.wechaty"

	fieldContactID  = "contactId"
	fieldOwnerID    = "ownerId"
	fieldName       = "name"
	fieldDirectPair = "directPair"
	fieldMembers    = "members"
	fieldRoomID     = "roomId"
	fieldTopic      = "topic"
	fieldDirect     = "direct"
)

// recordPath returns the path of field relative to a record's data object.
func recordPath(field string) string {
	return "wechaty." + field
}

// AllocatePuppetID returns a fresh Matrix user ID of the form
// @<prefix>_<xid>:<domain>. The xid suffix is globally unique, so no store
// round trip is needed; callers persist the mapping themselves.
func AllocatePuppetID(prefix, domain string) id.UserID {
	return id.NewUserID(prefix+"_"+xid.New().String(), domain)
}

// directPairKey is the order-independent key for a two-party room.
func directPairKey(a, b id.UserID) string {
	pair := []string{string(a), string(b)}
	sort.Strings(pair)
	return strings.Join(pair, "|")
}

// groupRoomKey identifies a WeChat group portal for one operator.
func groupRoomKey(owner id.UserID, wechatRoomID string) string {
	return string(owner) + "|" + wechatRoomID
}

func puppetQuery(owner id.UserID, contactID string) identitystore.Query {
	return identitystore.NewQuery(dataPrefix, map[string]any{
		fieldContactID: contactID,
		fieldOwnerID:   string(owner),
	})
}

func directRoomQuery(pairKey string) identitystore.Query {
	return identitystore.NewQuery(dataPrefix, map[string]any{
		fieldDirectPair: pairKey,
	})
}

func groupRoomQuery(owner id.UserID, wechatRoomID string) identitystore.Query {
	return identitystore.NewQuery(dataPrefix, map[string]any{
		fieldRoomID:  wechatRoomID,
		fieldOwnerID: string(owner),
	})
}
