// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// Router owns the live sessions and hands each incoming event to the
// session it belongs to. Sessions never block each other.
type Router struct {
	connector *WechatyConnector
	log       zerolog.Logger

	mu       sync.RWMutex
	sessions map[id.UserID]*BridgeUser
}

func NewRouter(wc *WechatyConnector) *Router {
	return &Router{
		connector: wc,
		log:       wc.Log.With().Str("component", "router").Logger(),
		sessions:  make(map[id.UserID]*BridgeUser),
	}
}

// AddSession starts a session for owner on client and pumps the client's
// events into it. Only one live session is allowed per operator.
func (r *Router) AddSession(ctx context.Context, owner id.UserID, client WechatClient) (*BridgeUser, error) {
	r.mu.Lock()
	if _, exists := r.sessions[owner]; exists {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrSessionExists, owner)
	}
	bu := newBridgeUser(r.connector, owner, client)
	r.sessions[owner] = bu
	r.mu.Unlock()

	bu.start(ctx)
	if err := client.Start(ctx); err != nil {
		r.RemoveSession(owner)
		return nil, fmt.Errorf("failed to start wechat client for %s: %w", owner, err)
	}
	go r.pump(owner, client)

	r.log.Info().Stringer("owner", owner).Msg("Session started")
	return bu, nil
}

func (r *Router) pump(owner id.UserID, client WechatClient) {
	for evt := range client.Events() {
		r.DispatchWechat(owner, evt)
	}
	r.log.Debug().Stringer("owner", owner).Msg("WeChat event stream ended")
}

// RemoveSession stops and forgets the session of owner.
func (r *Router) RemoveSession(owner id.UserID) {
	r.mu.Lock()
	bu, ok := r.sessions[owner]
	delete(r.sessions, owner)
	r.mu.Unlock()
	if ok {
		bu.stop()
		r.log.Info().Stringer("owner", owner).Msg("Session stopped")
	}
}

// Session returns the live session of owner, or nil.
func (r *Router) Session(owner id.UserID) *BridgeUser {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[owner]
}

// Stop stops every session.
func (r *Router) Stop() {
	r.mu.RLock()
	owners := make([]id.UserID, 0, len(r.sessions))
	for owner := range r.sessions {
		owners = append(owners, owner)
	}
	r.mu.RUnlock()
	for _, owner := range owners {
		r.RemoveSession(owner)
	}
}

// DispatchWechat queues a WeChat event on the session that owns the client
// connection it came from. It returns nil when that session is gone.
func (r *Router) DispatchWechat(owner id.UserID, evt WechatEvent) <-chan error {
	bu := r.Session(owner)
	if bu == nil {
		r.log.Warn().Stringer("owner", owner).Stringer("event_type", evt.Type).Msg("Dropping WeChat event for unknown session")
		return nil
	}
	return bu.HandleWechatEvent(evt)
}

// DispatchMatrix queues a Matrix event on the session owning its room. It
// returns nil for events no session handles: events sent by the bridge
// itself and events in rooms the bridge does not know. An invite into an
// unknown room goes to the inviter's session.
func (r *Router) DispatchMatrix(ctx context.Context, evt *event.Event) <-chan error {
	if role := r.connector.Roles.Classify(evt.Sender); role != RoleHuman {
		return nil
	}
	owner, err := r.roomOwner(ctx, evt.RoomID)
	if err != nil {
		r.log.Err(err).Stringer("room_id", evt.RoomID).Msg("Failed to resolve room owner")
		return nil
	}
	if owner == "" && evt.Type == event.StateMember {
		owner = evt.Sender
	}
	bu := r.Session(owner)
	if bu == nil {
		r.log.Trace().Stringer("room_id", evt.RoomID).Msg("Ignoring event in room without session")
		return nil
	}
	return bu.HandleMatrixEvent(evt)
}

func (r *Router) roomOwner(ctx context.Context, roomID id.RoomID) (id.UserID, error) {
	rec, err := r.connector.Store.GetRoom(ctx, string(roomID))
	if isNotFound(err) {
		return "", nil
	} else if err != nil {
		return "", err
	}
	return id.UserID(rec.GetString(recordPath(fieldOwnerID))), nil
}
