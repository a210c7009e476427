// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/mautrix-wechaty/pkg/identitystore"
)

// WechatyConnector wires the bridge components together. Set Config and
// Log, then call Init exactly once before Start.
type WechatyConnector struct {
	Config Config
	Log    zerolog.Logger

	Matrix     MatrixAPI
	Store      *identitystore.Store
	Roles      *RoleClassifier
	Rooms      *RoomProvisioner
	Translator *Translator
	Router     *Router

	newClient   WechatClientFactory
	adminServer *http.Server
}

// Init validates and stores the dependencies. A second call fails with
// ErrDuplicateBridgeSetup and leaves the first setup untouched.
func (wc *WechatyConnector) Init(matrix MatrixAPI, store *identitystore.Store) error {
	if wc.Matrix != nil || wc.Store != nil {
		return ErrDuplicateBridgeSetup
	}
	if store == nil {
		return ErrMissingStore
	}
	if matrix == nil {
		return fmt.Errorf("matrix api is required")
	}
	if err := wc.Config.PostProcess(); err != nil {
		return fmt.Errorf("failed to post-process config: %w", err)
	}
	wc.Matrix = matrix
	wc.Store = store
	wc.Roles = NewRoleClassifier(matrix)
	wc.Rooms = NewRoomProvisioner(matrix, store, wc.Roles, wc.Log)
	wc.Translator = NewTranslator(matrix, wc.Log)
	wc.Router = NewRouter(wc)
	return nil
}

// Start opens a session for every configured operator and starts the admin
// API when an address is configured. A failing operator is logged and
// skipped.
func (wc *WechatyConnector) Start(ctx context.Context, newClient WechatClientFactory) error {
	if wc.Router == nil {
		return fmt.Errorf("connector is not initialized")
	}
	wc.newClient = newClient
	for _, operator := range wc.Config.Bridge.Operators {
		if _, err := wc.StartSession(ctx, operator); err != nil {
			wc.Log.Err(err).Stringer("operator", operator).Msg("Failed to start session")
		}
	}
	if addr := wc.Config.Bridge.AdminAPIAddr; addr != "" {
		wc.startAdminAPI(addr)
	}
	return nil
}

// StartSession connects a new WeChat client for owner.
func (wc *WechatyConnector) StartSession(ctx context.Context, owner id.UserID) (*BridgeUser, error) {
	if wc.newClient == nil {
		return nil, fmt.Errorf("no wechat client factory")
	}
	if wc.Router.Session(owner) != nil {
		return nil, fmt.Errorf("%w: %s", ErrSessionExists, owner)
	}
	return wc.Router.AddSession(ctx, owner, wc.newClient(owner))
}

// RunMatrixEvents dispatches appservice events until events is closed or
// ctx is done.
func (wc *WechatyConnector) RunMatrixEvents(ctx context.Context, events <-chan *event.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			wc.Router.DispatchMatrix(ctx, evt)
		}
	}
}

// Stop shuts down the admin API and every session.
func (wc *WechatyConnector) Stop() {
	if wc.adminServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := wc.adminServer.Shutdown(ctx); err != nil {
			wc.Log.Warn().Err(err).Msg("Failed to shut down admin API")
		}
	}
	if wc.Router != nil {
		wc.Router.Stop()
	}
}

func (wc *WechatyConnector) startAdminAPI(addr string) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/sessions", wc.HandleSessions)
	wc.adminServer = &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		wc.Log.Info().Str("addr", addr).Msg("Starting bridge admin API")
		if err := wc.adminServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			wc.Log.Error().Err(err).Msg("Bridge admin API error")
		}
	}()
}
