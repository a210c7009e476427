// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package connector

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/id"
)

// BridgeState is the login state of a BridgeUser.
type BridgeState int

const (
	StateLoggedOut BridgeState = iota
	StateAwaitingScan
	StateLoggedIn
)

func (s BridgeState) String() string {
	switch s {
	case StateAwaitingScan:
		return "awaiting_scan"
	case StateLoggedIn:
		return "logged_in"
	default:
		return "logged_out"
	}
}

// BridgeUser is one Matrix operator bridged to one WeChat account. All
// events for the session, from either network, run one at a time on the
// session's worker in arrival order.
type BridgeUser struct {
	MXID id.UserID

	connector *WechatyConnector
	wechat    WechatClient
	log       zerolog.Logger

	stateMu sync.RWMutex
	state   BridgeState
	self    Contact

	controlMu   sync.Mutex
	controlRoom id.RoomID

	queue   *taskQueue
	ctx     context.Context
	cancel  context.CancelFunc
	stopped chan struct{}
	once    sync.Once
}

func newBridgeUser(wc *WechatyConnector, owner id.UserID, client WechatClient) *BridgeUser {
	return &BridgeUser{
		MXID:      owner,
		connector: wc,
		wechat:    client,
		log:       wc.Log.With().Str("component", "session").Stringer("owner", owner).Logger(),
		queue:     newTaskQueue(),
		stopped:   make(chan struct{}),
	}
}

// start launches the worker. Tasks run with ctx's values but are not
// cancelled when ctx is; only stop ends the session.
func (bu *BridgeUser) start(ctx context.Context) {
	bu.ctx, bu.cancel = context.WithCancel(context.WithoutCancel(ctx))
	bu.ctx = bu.log.WithContext(bu.ctx)
	go bu.run()
}

func (bu *BridgeUser) run() {
	defer close(bu.stopped)
	for {
		t := bu.queue.pop()
		if t == nil {
			return
		}
		err := t.fn(bu.ctx)
		if err != nil {
			bu.log.Err(err).Str("task", t.name).Msg("Session task failed")
			bu.reportError(bu.ctx, t.name, err)
		}
		t.done <- err
		close(t.done)
	}
}

// Enqueue schedules fn on the session worker and returns a channel that
// receives its result. It never blocks the caller.
func (bu *BridgeUser) Enqueue(name string, fn func(ctx context.Context) error) <-chan error {
	t := &task{name: name, fn: fn, done: make(chan error, 1)}
	if !bu.queue.push(t) {
		t.done <- errSessionClosed
		close(t.done)
	}
	return t.done
}

// stop rejects new tasks, waits for queued ones and disconnects WeChat.
func (bu *BridgeUser) stop() {
	bu.once.Do(func() {
		bu.queue.close()
		<-bu.stopped
		bu.cancel()
		bu.wechat.Stop()
	})
}

// State returns the current login state.
func (bu *BridgeUser) State() BridgeState {
	bu.stateMu.RLock()
	defer bu.stateMu.RUnlock()
	return bu.state
}

// Self returns the logged-in WeChat account, if any.
func (bu *BridgeUser) Self() Contact {
	bu.stateMu.RLock()
	defer bu.stateMu.RUnlock()
	return bu.self
}

func (bu *BridgeUser) setState(state BridgeState, self Contact) {
	bu.stateMu.Lock()
	prev := bu.state
	bu.state = state
	bu.self = self
	bu.stateMu.Unlock()
	if prev != state {
		bu.log.Info().Stringer("from", prev).Stringer("to", state).Msg("Session state changed")
	}
}

// ControlRoom returns the operator's direct room with the bridge bot,
// creating it on first use.
func (bu *BridgeUser) ControlRoom(ctx context.Context) (id.RoomID, error) {
	bu.controlMu.Lock()
	defer bu.controlMu.Unlock()
	if bu.controlRoom != "" {
		return bu.controlRoom, nil
	}
	mapping, err := bu.connector.Rooms.FindOrCreateDirectRoom(ctx, bu.connector.Matrix.BotUserID(), bu.MXID)
	if err != nil {
		return "", err
	}
	bu.controlRoom = mapping.RoomID
	return bu.controlRoom, nil
}

// isControlRoom never creates the control room.
func (bu *BridgeUser) isControlRoom(ctx context.Context, roomID id.RoomID) bool {
	bu.controlMu.Lock()
	cached := bu.controlRoom
	bu.controlMu.Unlock()
	if cached != "" {
		return cached == roomID
	}
	rec, err := bu.connector.Store.GetRoom(ctx, string(roomID))
	if err != nil {
		return false
	}
	return rec.GetString(recordPath(fieldDirectPair)) == directPairKey(bu.connector.Matrix.BotUserID(), bu.MXID)
}

// notify posts a bot notice to the control room. Failures are only logged.
func (bu *BridgeUser) notify(ctx context.Context, text string) {
	roomID, err := bu.ControlRoom(ctx)
	if err != nil {
		bu.log.Err(err).Msg("Failed to get control room")
		return
	}
	if _, err := bu.connector.Matrix.SendText(ctx, "", roomID, text); err != nil {
		bu.log.Err(err).Stringer("room_id", roomID).Msg("Failed to send notice to control room")
	}
}

func (bu *BridgeUser) reportError(ctx context.Context, taskName string, err error) {
	bu.notify(ctx, "Failed to handle "+taskName+": "+err.Error())
}
