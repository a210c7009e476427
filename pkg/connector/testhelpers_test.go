// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package connector

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/mautrix-wechaty/pkg/identitystore"
)

const (
	testDomain = "example.com"
	testBot    = id.UserID("@wechatybot:example.com")
	testOwner  = id.UserID("@alice:example.com")
)

// matrixCall records one MatrixAPI call for assertions.
type matrixCall struct {
	Method   string
	Sender   id.UserID
	RoomID   id.RoomID
	UserID   id.UserID
	Text     string
	MimeType string
	URL      id.ContentURIString
	Data     []byte
	Req      *mautrix.ReqCreateRoom
}

// fakeMatrix is an in-memory homeserver. Puppets are users whose localpart
// starts with "wechaty_".
type fakeMatrix struct {
	mu      sync.Mutex
	calls   []matrixCall
	members map[id.RoomID][]id.UserID
	media   map[id.ContentURIString][]byte
	rooms   int
	uploads int

	CreateDelay time.Duration
	CreateErr   error
	SendErr     error
	UploadErr   error
	MembersErr  error
}

var _ MatrixAPI = (*fakeMatrix)(nil)

func newFakeMatrix() *fakeMatrix {
	return &fakeMatrix{
		members: make(map[id.RoomID][]id.UserID),
		media:   make(map[id.ContentURIString][]byte),
	}
}

func (f *fakeMatrix) record(call matrixCall) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if call.Sender == "" {
		call.Sender = testBot
	}
	f.calls = append(f.calls, call)
}

// Calls returns the recorded calls of the given method, or all calls when
// method is empty.
func (f *fakeMatrix) Calls(method string) []matrixCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []matrixCall
	for _, c := range f.calls {
		if method == "" || c.Method == method {
			out = append(out, c)
		}
	}
	return out
}

func (f *fakeMatrix) SetMembers(roomID id.RoomID, members ...id.UserID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.members[roomID] = members
}

func (f *fakeMatrix) PutMedia(uri id.ContentURIString, data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.media[uri] = data
}

func (f *fakeMatrix) BotUserID() id.UserID { return testBot }

func (f *fakeMatrix) IsRemoteUser(userID id.UserID) bool {
	return userID != testBot && strings.HasPrefix(string(userID), "@wechaty_")
}

func (f *fakeMatrix) CreateRoom(ctx context.Context, creator id.UserID, req *mautrix.ReqCreateRoom) (id.RoomID, error) {
	if f.CreateDelay > 0 {
		select {
		case <-time.After(f.CreateDelay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	f.record(matrixCall{Method: "CreateRoom", Sender: creator, Req: req})
	if f.CreateErr != nil {
		return "", f.CreateErr
	}
	if creator == "" {
		creator = testBot
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rooms++
	roomID := id.RoomID(fmt.Sprintf("!room%d:%s", f.rooms, testDomain))
	f.members[roomID] = []id.UserID{creator}
	return roomID, nil
}

func (f *fakeMatrix) SendText(_ context.Context, sender id.UserID, roomID id.RoomID, text string) (id.EventID, error) {
	f.record(matrixCall{Method: "SendText", Sender: sender, RoomID: roomID, Text: text})
	if f.SendErr != nil {
		return "", f.SendErr
	}
	return id.EventID("$text"), nil
}

func (f *fakeMatrix) SendImage(_ context.Context, sender id.UserID, roomID id.RoomID, img ImageInfo) (id.EventID, error) {
	f.record(matrixCall{Method: "SendImage", Sender: sender, RoomID: roomID, URL: img.URL, MimeType: img.MimeType, Text: img.Name})
	if f.SendErr != nil {
		return "", f.SendErr
	}
	return id.EventID("$image"), nil
}

func (f *fakeMatrix) UploadContent(_ context.Context, sender id.UserID, data []byte, name, mimeType string) (id.ContentURIString, error) {
	f.record(matrixCall{Method: "UploadContent", Sender: sender, Text: name, MimeType: mimeType, Data: data})
	if f.UploadErr != nil {
		return "", f.UploadErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uploads++
	uri := id.ContentURIString(fmt.Sprintf("mxc://%s/media%d", testDomain, f.uploads))
	f.media[uri] = data
	return uri, nil
}

func (f *fakeMatrix) JoinedMembers(_ context.Context, roomID id.RoomID) ([]id.UserID, error) {
	f.record(matrixCall{Method: "JoinedMembers", RoomID: roomID})
	if f.MembersErr != nil {
		return nil, f.MembersErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]id.UserID(nil), f.members[roomID]...), nil
}

func (f *fakeMatrix) InviteUser(_ context.Context, inviter id.UserID, roomID id.RoomID, userID id.UserID) error {
	f.record(matrixCall{Method: "InviteUser", Sender: inviter, RoomID: roomID, UserID: userID})
	return nil
}

func (f *fakeMatrix) JoinRoom(_ context.Context, userID id.UserID, roomID id.RoomID) error {
	f.record(matrixCall{Method: "JoinRoom", Sender: userID, RoomID: roomID, UserID: userID})
	f.mu.Lock()
	defer f.mu.Unlock()
	f.members[roomID] = append(f.members[roomID], userID)
	return nil
}

func (f *fakeMatrix) SetDisplayName(_ context.Context, userID id.UserID, name string) error {
	f.record(matrixCall{Method: "SetDisplayName", Sender: userID, UserID: userID, Text: name})
	return nil
}

func (f *fakeMatrix) DownloadMedia(_ context.Context, uri id.ContentURIString) ([]byte, error) {
	f.record(matrixCall{Method: "DownloadMedia", URL: uri})
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.media[uri]
	if !ok {
		return nil, fmt.Errorf("media %s not found", uri)
	}
	return data, nil
}

// sentMessage is one outgoing WeChat message.
type sentMessage struct {
	To   Target
	Text string
	File *FileBox
}

// fakeWechat is a scripted WeChat client.
type fakeWechat struct {
	events chan WechatEvent

	mu        sync.Mutex
	sent      []sentMessage
	started   bool
	loggedOut bool
	stopOnce  sync.Once

	StartErr error
	SayErr   error
}

var _ WechatClient = (*fakeWechat)(nil)

func newFakeWechat() *fakeWechat {
	return &fakeWechat{events: make(chan WechatEvent, 16)}
}

func (f *fakeWechat) Start(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = true
	return f.StartErr
}

func (f *fakeWechat) Stop() {
	f.stopOnce.Do(func() { close(f.events) })
}

func (f *fakeWechat) Events() <-chan WechatEvent { return f.events }

func (f *fakeWechat) Say(_ context.Context, to Target, text string) error {
	if f.SayErr != nil {
		return f.SayErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentMessage{To: to, Text: text})
	return nil
}

func (f *fakeWechat) SendFile(_ context.Context, to Target, file *FileBox) error {
	if f.SayErr != nil {
		return f.SayErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentMessage{To: to, File: file})
	return nil
}

func (f *fakeWechat) Logout(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loggedOut = true
	return nil
}

func (f *fakeWechat) Sent() []sentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentMessage(nil), f.sent...)
}

// fakeMessage is a WeChat message with canned fields.
type fakeMessage struct {
	id      string
	text    string
	kind    MessageKind
	from    Contact
	room    *Room
	self    bool
	file    *FileBox
	fileErr error
}

var _ WechatMessage = (*fakeMessage)(nil)

func (m *fakeMessage) ID() string        { return m.id }
func (m *fakeMessage) Text() string      { return m.text }
func (m *fakeMessage) Type() MessageKind { return m.kind }
func (m *fakeMessage) From() Contact     { return m.from }
func (m *fakeMessage) Room() *Room       { return m.room }
func (m *fakeMessage) Self() bool        { return m.self }

func (m *fakeMessage) FileBox(context.Context) (*FileBox, error) {
	if m.fileErr != nil {
		return nil, m.fileErr
	}
	if m.file == nil {
		return nil, errors.New("no file")
	}
	return m.file, nil
}

func textMessage(from Contact, text string) *fakeMessage {
	return &fakeMessage{id: "msg-" + text, text: text, kind: KindText, from: from}
}

// flakyBackend wraps a memory backend and fails writes on demand.
type flakyBackend struct {
	*identitystore.MemoryBackend
	mu      sync.Mutex
	failPut bool
}

func (b *flakyBackend) SetFailPut(fail bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failPut = fail
}

func (b *flakyBackend) Put(ctx context.Context, scope identitystore.Scope, id string, raw []byte) error {
	b.mu.Lock()
	fail := b.failPut
	b.mu.Unlock()
	if fail {
		return errors.New("disk full")
	}
	return b.MemoryBackend.Put(ctx, scope, id, raw)
}

func testConfig() Config {
	return Config{
		Homeserver: HomeserverConfig{Domain: testDomain},
		Database:   DatabaseConfig{Type: "memory"},
		Bridge: BridgeConfig{
			PuppetPrefix:        "wechaty",
			DisplaynameTemplate: "{{.Name}} (WeChat)",
			CommandPrefix:       "!wc",
		},
	}
}

// newTestConnector returns an initialized connector backed by fakes.
func newTestConnector(t *testing.T) (*WechatyConnector, *fakeMatrix) {
	t.Helper()
	return newTestConnectorWithBackend(t, identitystore.NewMemoryBackend())
}

func newTestConnectorWithBackend(t *testing.T, backend identitystore.Backend) (*WechatyConnector, *fakeMatrix) {
	t.Helper()
	fm := newFakeMatrix()
	wc := &WechatyConnector{Config: testConfig(), Log: zerolog.Nop()}
	if err := wc.Init(fm, identitystore.New(backend, zerolog.Nop())); err != nil {
		t.Fatalf("Init: %v", err)
	}
	t.Cleanup(wc.Stop)
	return wc, fm
}

// newTestSession starts a session for owner with a fake WeChat client.
func newTestSession(t *testing.T, wc *WechatyConnector, owner id.UserID) (*BridgeUser, *fakeWechat) {
	t.Helper()
	fw := newFakeWechat()
	bu, err := wc.Router.AddSession(context.Background(), owner, fw)
	if err != nil {
		t.Fatalf("AddSession: %v", err)
	}
	return bu, fw
}

// loggedInSession is newTestSession plus a processed login event.
func loggedInSession(t *testing.T, wc *WechatyConnector, owner id.UserID) (*BridgeUser, *fakeWechat) {
	t.Helper()
	bu, fw := newTestSession(t, wc, owner)
	mustWait(t, bu.HandleWechatEvent(WechatEvent{Type: WechatEventLogin, Contact: Contact{ID: "wxid_self", Name: "Alice"}}))
	return bu, fw
}

// wait blocks until the task result arrives.
func wait(t *testing.T, ch <-chan error) error {
	t.Helper()
	if ch == nil {
		t.Fatal("expected a task result channel, got nil")
	}
	select {
	case err := <-ch:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for session task")
		return nil
	}
}

func mustWait(t *testing.T, ch <-chan error) {
	t.Helper()
	if err := wait(t, ch); err != nil {
		t.Fatalf("task failed: %v", err)
	}
}

func messageEvent(sender id.UserID, roomID id.RoomID, content *event.MessageEventContent) *event.Event {
	return &event.Event{
		Type:    event.EventMessage,
		ID:      id.EventID("$" + string(sender)),
		Sender:  sender,
		RoomID:  roomID,
		Content: event.Content{Parsed: content},
	}
}

func inviteEvent(sender id.UserID, roomID id.RoomID, invitee id.UserID) *event.Event {
	stateKey := string(invitee)
	return &event.Event{
		Type:     event.StateMember,
		ID:       id.EventID("$invite"),
		Sender:   sender,
		RoomID:   roomID,
		StateKey: &stateKey,
		Content:  event.Content{Parsed: &event.MemberEventContent{Membership: event.MembershipInvite}},
	}
}

func textContent(body string) *event.MessageEventContent {
	return &event.MessageEventContent{MsgType: event.MsgText, Body: body}
}
