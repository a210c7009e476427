// Copyright 2024-2026 Aiku AI

package connector

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sort"

	"maunium.net/go/mautrix/id"
)

const maxAdminBodySize = 64 * 1024

// SessionInfo is one entry of the admin session listing.
type SessionInfo struct {
	MXID   id.UserID `json:"mxid"`
	State  string    `json:"state"`
	Wechat string    `json:"wechat,omitempty"`
}

type sessionRequest struct {
	MXID id.UserID `json:"mxid"`
}

// HandleSessions serves the admin session API:
//
//	GET    /api/sessions  lists live sessions
//	POST   /api/sessions  {"mxid": "..."} starts a session
//	DELETE /api/sessions  {"mxid": "..."} stops a session
func (wc *WechatyConnector) HandleSessions(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		wc.writeJSON(w, http.StatusOK, wc.Router.List())
		return
	case http.MethodPost, http.MethodDelete:
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxAdminBodySize)
	defer r.Body.Close()
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
		return
	}
	var req sessionRequest
	if err := json.Unmarshal(body, &req); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}
	if _, _, err := req.MXID.Parse(); err != nil {
		http.Error(w, "invalid mxid", http.StatusBadRequest)
		return
	}

	wc.Log.Info().
		Str("remote_addr", r.RemoteAddr).
		Str("method", r.Method).
		Stringer("mxid", req.MXID).
		Msg("Session admin request")

	if r.Method == http.MethodDelete {
		if wc.Router.Session(req.MXID) == nil {
			http.Error(w, "no such session", http.StatusNotFound)
			return
		}
		wc.Router.RemoveSession(req.MXID)
		w.WriteHeader(http.StatusNoContent)
		return
	}

	bu, err := wc.StartSession(r.Context(), req.MXID)
	if errors.Is(err, ErrSessionExists) {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	} else if err != nil {
		wc.Log.Err(err).Stringer("mxid", req.MXID).Msg("Failed to start session from admin API")
		http.Error(w, "failed to start session", http.StatusBadGateway)
		return
	}
	wc.writeJSON(w, http.StatusCreated, bu.Info())
}

func (wc *WechatyConnector) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		wc.Log.Warn().Err(err).Msg("Failed to write admin response")
	}
}

// Info summarises the session for the admin API.
func (bu *BridgeUser) Info() SessionInfo {
	info := SessionInfo{MXID: bu.MXID, State: bu.State().String()}
	if bu.State() == StateLoggedIn {
		info.Wechat = contactLabel(bu.Self())
	}
	return info
}

// List returns every live session sorted by MXID.
func (r *Router) List() []SessionInfo {
	r.mu.RLock()
	infos := make([]SessionInfo, 0, len(r.sessions))
	for _, bu := range r.sessions {
		infos = append(infos, bu.Info())
	}
	r.mu.RUnlock()
	sort.Slice(infos, func(i, j int) bool { return infos[i].MXID < infos[j].MXID })
	return infos
}
