// Copyright 2024-2026 Aiku AI

package connector

import (
	"maunium.net/go/mautrix/id"
)

// Role classifies a Matrix user from the bridge's point of view.
type Role int

const (
	RoleHuman Role = iota
	RoleBot
	RolePuppet
)

func (r Role) String() string {
	switch r {
	case RoleBot:
		return "bot"
	case RolePuppet:
		return "puppet"
	default:
		return "human"
	}
}

// RoleClassifier decides whether a Matrix sender is the bridge bot, one of
// the bridge's puppets or a real user. Only real users are relayed to WeChat.
type RoleClassifier struct {
	matrix MatrixAPI
}

func NewRoleClassifier(matrix MatrixAPI) *RoleClassifier {
	return &RoleClassifier{matrix: matrix}
}

// Classify is total: the bot check wins over the namespace check.
func (rc *RoleClassifier) Classify(userID id.UserID) Role {
	switch {
	case userID == rc.matrix.BotUserID():
		return RoleBot
	case rc.matrix.IsRemoteUser(userID):
		return RolePuppet
	default:
		return RoleHuman
	}
}

// IsManaged reports whether the bridge controls userID.
func (rc *RoleClassifier) IsManaged(userID id.UserID) bool {
	return rc.Classify(userID) != RoleHuman
}
