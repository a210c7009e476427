// Copyright 2024-2026 Aiku AI

package connector

import (
	"errors"

	"github.com/aiku/mautrix-wechaty/pkg/identitystore"
)

var (
	// ErrStoreUnavailable is returned when the identity store cannot be read or written.
	ErrStoreUnavailable = identitystore.ErrStoreUnavailable
	// ErrUploadFailed means binary content could not be fetched or uploaded to Matrix.
	ErrUploadFailed = errors.New("failed to upload content to matrix")
	// ErrSendFailed means a message was rejected by Matrix or WeChat.
	ErrSendFailed = errors.New("failed to send message")
	// ErrDuplicateBridgeSetup is returned by Init when the connector is already initialized.
	ErrDuplicateBridgeSetup = errors.New("bridge can not be set up twice")
	// ErrMissingStore is returned by Init when no identity store is supplied.
	ErrMissingStore = errors.New("identity store is required")
	// ErrSessionExists means the operator already has a live WeChat session.
	ErrSessionExists = errors.New("operator already has a live wechat session")
	// ErrNotLoggedIn means the session has no authenticated WeChat account.
	ErrNotLoggedIn = errors.New("not logged in to wechat")

	errSessionClosed = errors.New("session closed")
)

func isNotFound(err error) bool {
	return errors.Is(err, identitystore.ErrNotFound)
}
