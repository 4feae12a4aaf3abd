package service

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/duolink/duolink/internal/config"
	"github.com/duolink/duolink/internal/metrics"
	"github.com/duolink/duolink/internal/model"
	"github.com/duolink/duolink/internal/push"
	"github.com/duolink/duolink/internal/repository"
	"github.com/duolink/duolink/internal/store"
)

// sentFrame is one frame captured by the transport recorder.
type sentFrame struct {
	ConnID string
	Data   []byte
}

// broadcastFrame is one room broadcast captured by the transport recorder.
type broadcastFrame struct {
	RoomID string
	Data   []byte
	Except []string
}

type fakeTransport struct {
	mu         sync.Mutex
	joined     map[string]string
	sent       []sentFrame
	broadcasts []broadcastFrame
	closed     []string
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{joined: make(map[string]string)}
}

func (f *fakeTransport) JoinRoom(roomID, connID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.joined[connID] = roomID
}

func (f *fakeTransport) SendToClient(connID string, data []byte) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentFrame{ConnID: connID, Data: data})
	return true
}

func (f *fakeTransport) BroadcastRoom(roomID string, data []byte, except ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.broadcasts = append(f.broadcasts, broadcastFrame{RoomID: roomID, Data: data, Except: except})
}

func (f *fakeTransport) CloseClient(connID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = append(f.closed, connID)
}

// eventsTo returns the decoded envelopes sent directly to one connection.
func (f *fakeTransport) eventsTo(t *testing.T, connID string) []model.Envelope {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []model.Envelope
	for _, frame := range f.sent {
		if frame.ConnID != connID {
			continue
		}
		var env model.Envelope
		if err := json.Unmarshal(frame.Data, &env); err != nil {
			t.Fatalf("malformed frame to %s: %v", connID, err)
		}
		out = append(out, env)
	}
	return out
}

// broadcastEvents returns the decoded envelopes broadcast to one room.
func (f *fakeTransport) broadcastEvents(t *testing.T, roomID string) []model.Envelope {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []model.Envelope
	for _, frame := range f.broadcasts {
		if frame.RoomID != roomID {
			continue
		}
		var env model.Envelope
		if err := json.Unmarshal(frame.Data, &env); err != nil {
			t.Fatalf("malformed broadcast to %s: %v", roomID, err)
		}
		out = append(out, env)
	}
	return out
}

type fakeDirectory struct {
	mu    sync.Mutex
	users map[string]*repository.User
	pairs map[string]string
}

func newFakeDirectory() *fakeDirectory {
	return &fakeDirectory{
		users: make(map[string]*repository.User),
		pairs: make(map[string]string),
	}
}

func (f *fakeDirectory) addPair(a, b *repository.User) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.users[a.ID] = a
	f.users[b.ID] = b
	f.pairs[a.ID] = b.ID
	f.pairs[b.ID] = a.ID
}

func (f *fakeDirectory) FindUserByID(_ context.Context, id string) (*repository.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	copied := *u
	return &copied, nil
}

func (f *fakeDirectory) FindPairedPartner(ctx context.Context, id string) (*repository.User, error) {
	f.mu.Lock()
	partnerID, ok := f.pairs[id]
	f.mu.Unlock()
	if !ok {
		return nil, nil
	}
	return f.FindUserByID(ctx, partnerID)
}

type fakeMessages struct {
	mu    sync.Mutex
	saved []model.ChatMessage
	warm  []model.ChatMessage
}

func (f *fakeMessages) SaveMessage(_ context.Context, _ string, msg model.ChatMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saved = append(f.saved, msg)
	return nil
}

func (f *fakeMessages) RecentMessages(_ context.Context, _ string, _ int) ([]model.ChatMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]model.ChatMessage(nil), f.warm...), nil
}

type fakeJournal struct {
	mu      sync.Mutex
	fail    error
	entries []model.JournalEntry
}

func (f *fakeJournal) SaveEntry(_ context.Context, roomID, authorID, content string) (model.JournalEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return model.JournalEntry{}, f.fail
	}
	entry := model.JournalEntry{
		ID:       "entry-1",
		RoomID:   roomID,
		AuthorID: authorID,
		Content:  content,
	}
	f.entries = append(f.entries, entry)
	return entry, nil
}

func (f *fakeJournal) ListEntries(_ context.Context, _ string) ([]model.JournalEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]model.JournalEntry(nil), f.entries...), nil
}

type fakeQueue struct {
	mu       sync.Mutex
	enqueued []push.Notification
	notify   chan struct{}
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{notify: make(chan struct{}, 8)}
}

func (f *fakeQueue) EnqueuePushNotify(_ repository.PushSubscription, n push.Notification) error {
	f.mu.Lock()
	f.enqueued = append(f.enqueued, n)
	f.mu.Unlock()
	f.notify <- struct{}{}
	return nil
}

type testEnv struct {
	svc       *Service
	transport *fakeTransport
	store     *store.Store
	directory *fakeDirectory
	messages  *fakeMessages
	journal   *fakeJournal
	queue     *fakeQueue
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	cfg := &config.Config{}
	cfg.Room.EvictAfter = 30 * time.Minute
	cfg.Room.JanitorPeriod = time.Minute

	env := &testEnv{
		transport: newFakeTransport(),
		store:     store.New(),
		directory: newFakeDirectory(),
		messages:  &fakeMessages{},
		journal:   &fakeJournal{},
		queue:     newFakeQueue(),
	}
	env.svc = New(cfg, env.transport, env.store, env.directory, env.messages, env.journal, env.queue, metrics.Noop{})
	return env
}

func pairedUsers() (*repository.User, *repository.User) {
	return &repository.User{ID: "user-a", Name: "Ava", Email: "ava@example.com"},
		&repository.User{ID: "user-b", Name: "Ben", Email: "ben@example.com"}
}

func actionFrame(t *testing.T, kind model.ActionKind, payload any) []byte {
	t.Helper()
	action, err := model.NewAction(kind, payload)
	if err != nil {
		t.Fatalf("build action: %v", err)
	}
	raw, err := json.Marshal(action)
	if err != nil {
		t.Fatalf("encode action: %v", err)
	}
	frame, err := json.Marshal(model.Envelope{Event: model.EventClientAction, Data: raw})
	if err != nil {
		t.Fatalf("encode frame: %v", err)
	}
	return frame
}

func lastEvent(t *testing.T, envs []model.Envelope, event string) (model.Envelope, bool) {
	t.Helper()
	for i := len(envs) - 1; i >= 0; i-- {
		if envs[i].Event == event {
			return envs[i], true
		}
	}
	return model.Envelope{}, false
}

func decodeState(t *testing.T, env model.Envelope) *model.RoomState {
	t.Helper()
	var st model.RoomState
	if err := json.Unmarshal(env.Data, &st); err != nil {
		t.Fatalf("decode state: %v", err)
	}
	return &st
}

func TestConnectJoinsDerivedRoom(t *testing.T) {
	env := newTestEnv(t)
	a, b := pairedUsers()
	env.directory.addPair(a, b)

	env.svc.OnConnect(context.Background(), "conn-a", a.ID)
	env.svc.OnConnect(context.Background(), "conn-b", b.ID)

	roomID := model.DeriveRoomID(a.ID, b.ID)
	if env.transport.joined["conn-a"] != roomID || env.transport.joined["conn-b"] != roomID {
		t.Fatalf("both connections must land in %s, got %v", roomID, env.transport.joined)
	}

	joinedEnv, ok := lastEvent(t, env.transport.eventsTo(t, "conn-b"), model.EventRoomJoined)
	if !ok {
		t.Fatal("second connection never received room-joined")
	}
	var joined model.RoomJoinedPayload
	if err := json.Unmarshal(joinedEnv.Data, &joined); err != nil {
		t.Fatalf("decode room-joined: %v", err)
	}
	if joined.PartnerSocketID != "conn-a" {
		t.Errorf("expected partner socket conn-a, got %q", joined.PartnerSocketID)
	}
	if joined.InitialState == nil {
		t.Fatal("room-joined must carry the full initial state")
	}
	if joined.InitialState.PlaybackState.IsPlaying {
		t.Error("fresh room must start paused")
	}

	if _, ok := lastEvent(t, env.transport.eventsTo(t, "conn-a"), model.EventPartnerOnline); !ok {
		t.Error("first connection never learned the partner came online")
	}
}

func TestConnectUnpairedStaysRoomless(t *testing.T) {
	env := newTestEnv(t)
	env.directory.mu.Lock()
	env.directory.users["loner"] = &repository.User{ID: "loner", Name: "Lo"}
	env.directory.mu.Unlock()

	env.svc.OnConnect(context.Background(), "conn-l", "loner")

	if room, ok := env.transport.joined["conn-l"]; ok && room != "" {
		t.Fatalf("unpaired user must not join a room, got %q", room)
	}
	if len(env.transport.closed) != 0 {
		t.Fatal("unpaired user must stay connected")
	}
	if env.store.Len() != 0 {
		t.Fatal("no room should exist for an unpaired user")
	}
}

func TestConnectUnknownUserIsRejected(t *testing.T) {
	env := newTestEnv(t)

	env.svc.OnConnect(context.Background(), "conn-x", "ghost")

	if len(env.transport.closed) != 1 || env.transport.closed[0] != "conn-x" {
		t.Fatalf("expected conn-x closed, got %v", env.transport.closed)
	}
	if _, ok := lastEvent(t, env.transport.eventsTo(t, "conn-x"), model.EventError); !ok {
		t.Error("expected an error event before the close")
	}
}

func TestLastConnectionWins(t *testing.T) {
	env := newTestEnv(t)
	a, b := pairedUsers()
	env.directory.addPair(a, b)

	env.svc.OnConnect(context.Background(), "conn-b", b.ID)
	env.svc.OnConnect(context.Background(), "conn-a1", a.ID)
	env.svc.OnConnect(context.Background(), "conn-a2", a.ID)

	if len(env.transport.closed) != 1 || env.transport.closed[0] != "conn-a1" {
		t.Fatalf("expected stale conn-a1 closed, got %v", env.transport.closed)
	}

	// The stale slot was removed before the close, so its disconnect
	// callback must not tell the partner they went offline.
	env.svc.OnDisconnect("conn-a1")
	if _, ok := lastEvent(t, env.transport.eventsTo(t, "conn-b"), model.EventPartnerOffline); ok {
		t.Error("stale connection teardown leaked a partner-offline")
	}
}

func TestDisconnectNotifiesPartnerAndKeepsState(t *testing.T) {
	env := newTestEnv(t)
	a, b := pairedUsers()
	env.directory.addPair(a, b)
	roomID := model.DeriveRoomID(a.ID, b.ID)

	env.svc.OnConnect(context.Background(), "conn-a", a.ID)
	env.svc.OnConnect(context.Background(), "conn-b", b.ID)

	seek := 42.5
	playing := true
	env.svc.OnMessage("conn-a", actionFrame(t, model.ActionUpdatePlaybackState,
		model.PlaybackStatePayload{IsPlaying: &playing, CurrentTime: &seek}))

	env.svc.OnDisconnect("conn-b")

	offline := 0
	for _, e := range env.transport.eventsTo(t, "conn-a") {
		if e.Event == model.EventPartnerOffline {
			offline++
		}
	}
	if offline != 1 {
		t.Fatalf("expected exactly one partner-offline, got %d", offline)
	}

	snap, ok := env.store.Snapshot(roomID)
	if !ok {
		t.Fatal("room state must survive a partner disconnect")
	}
	if snap.PlaybackState.CurrentTime != 42.5 || !snap.PlaybackState.IsPlaying {
		t.Errorf("room state lost across disconnect: %+v", snap.PlaybackState)
	}
}

func TestPlaybackUpdatesStampServerTime(t *testing.T) {
	env := newTestEnv(t)
	a, b := pairedUsers()
	env.directory.addPair(a, b)
	roomID := model.DeriveRoomID(a.ID, b.ID)

	base := time.Now()
	current := base
	env.svc.now = func() time.Time { return current }

	env.svc.OnConnect(context.Background(), "conn-a", a.ID)

	seek := 10.0
	env.svc.OnMessage("conn-a", actionFrame(t, model.ActionUpdatePlaybackTime,
		model.PlaybackTimePayload{CurrentTime: seek}))

	current = base.Add(5 * time.Second)
	env.svc.OnMessage("conn-a", actionFrame(t, model.ActionUpdatePlaybackTime,
		model.PlaybackTimePayload{CurrentTime: 20}))

	snap, _ := env.store.Snapshot(roomID)
	if snap.PlaybackState.LastUpdateTimestamp != base.Add(5*time.Second).UnixMilli() {
		t.Errorf("timestamp must come from the server clock, got %d", snap.PlaybackState.LastUpdateTimestamp)
	}

	states := 0
	for _, e := range env.transport.broadcastEvents(t, roomID) {
		if e.Event == model.EventServerUpdateState {
			states++
		}
	}
	if states != 2 {
		t.Errorf("expected 2 state broadcasts, got %d", states)
	}
}

func TestPartialPlaybackStateMerge(t *testing.T) {
	env := newTestEnv(t)
	a, b := pairedUsers()
	env.directory.addPair(a, b)
	roomID := model.DeriveRoomID(a.ID, b.ID)

	env.svc.OnConnect(context.Background(), "conn-a", a.ID)

	seek := 33.0
	playing := true
	env.svc.OnMessage("conn-a", actionFrame(t, model.ActionUpdatePlaybackState,
		model.PlaybackStatePayload{IsPlaying: &playing, CurrentTime: &seek}))

	// A play/pause toggle without a position must leave the position alone.
	paused := false
	env.svc.OnMessage("conn-a", actionFrame(t, model.ActionUpdatePlaybackState,
		model.PlaybackStatePayload{IsPlaying: &paused}))

	snap, _ := env.store.Snapshot(roomID)
	if snap.PlaybackState.IsPlaying {
		t.Error("pause did not apply")
	}
	if snap.PlaybackState.CurrentTime != 33.0 {
		t.Errorf("position must survive a partial update, got %f", snap.PlaybackState.CurrentTime)
	}
}

func TestVideoSourceChangeResetsPlayback(t *testing.T) {
	env := newTestEnv(t)
	a, b := pairedUsers()
	env.directory.addPair(a, b)
	roomID := model.DeriveRoomID(a.ID, b.ID)

	env.svc.OnConnect(context.Background(), "conn-a", a.ID)

	seek := 120.0
	playing := true
	env.svc.OnMessage("conn-a", actionFrame(t, model.ActionUpdatePlaybackState,
		model.PlaybackStatePayload{IsPlaying: &playing, CurrentTime: &seek}))

	env.svc.OnMessage("conn-a", actionFrame(t, model.ActionUpdateVideoSource,
		model.VideoSourcePayload{Type: model.SourceScreen, Src: "screen:main"}))

	// The partner's next state broadcast already carries the reset.
	stateEnv, ok := lastEvent(t, env.transport.broadcastEvents(t, roomID), model.EventServerUpdateState)
	if !ok {
		t.Fatal("source change never broadcast")
	}
	broadcastState := decodeState(t, stateEnv)
	if broadcastState.VideoSource.Src != "screen:main" || broadcastState.PlaybackState.IsPlaying {
		t.Errorf("broadcast state must carry the reset source: %+v", broadcastState)
	}

	snap, _ := env.store.Snapshot(roomID)
	if snap.VideoSource.Type != model.SourceScreen || snap.VideoSource.Src != "screen:main" {
		t.Errorf("source not applied: %+v", snap.VideoSource)
	}
	if snap.PlaybackState.IsPlaying || snap.PlaybackState.CurrentTime != 0 {
		t.Errorf("source change must reset playback to paused at 0: %+v", snap.PlaybackState)
	}
	if !snap.IsScreenSharing {
		t.Error("screen source must set the screen sharing flag")
	}

	env.svc.OnMessage("conn-a", actionFrame(t, model.ActionUpdateVideoSource,
		model.VideoSourcePayload{Type: model.SourceYouTube, Src: "https://youtu.be/x"}))
	snap, _ = env.store.Snapshot(roomID)
	if snap.IsScreenSharing {
		t.Error("leaving the screen source must clear the screen sharing flag")
	}
}

func TestImageOnlyMessageGetsPlaceholder(t *testing.T) {
	env := newTestEnv(t)
	a, b := pairedUsers()
	env.directory.addPair(a, b)
	roomID := model.DeriveRoomID(a.ID, b.ID)

	env.svc.OnConnect(context.Background(), "conn-a", a.ID)

	env.svc.OnMessage("conn-a", actionFrame(t, model.ActionSendMessage,
		model.SendMessagePayload{Image: "data:image/png;base64,xyz"}))

	msgEnv, ok := lastEvent(t, env.transport.broadcastEvents(t, roomID), model.EventNewChatMessage)
	if !ok {
		t.Fatal("message never broadcast")
	}
	var msg model.ChatMessage
	if err := json.Unmarshal(msgEnv.Data, &msg); err != nil {
		t.Fatalf("decode message: %v", err)
	}
	if msg.Content != "Image Attachment" {
		t.Errorf("image-only message must get placeholder content, got %q", msg.Content)
	}
	if msg.SenderID != a.ID || msg.SenderName != a.Name {
		t.Errorf("sender identity not stamped: %+v", msg)
	}
	if msg.ID == "" || msg.Timestamp == "" {
		t.Error("server must assign id and timestamp")
	}
}

func TestEmptyMessageIsRejected(t *testing.T) {
	env := newTestEnv(t)
	a, b := pairedUsers()
	env.directory.addPair(a, b)
	roomID := model.DeriveRoomID(a.ID, b.ID)

	env.svc.OnConnect(context.Background(), "conn-a", a.ID)
	env.svc.OnMessage("conn-a", actionFrame(t, model.ActionSendMessage,
		model.SendMessagePayload{}))

	if _, ok := lastEvent(t, env.transport.broadcastEvents(t, roomID), model.EventNewChatMessage); ok {
		t.Fatal("empty message must not broadcast")
	}
	snap, _ := env.store.Snapshot(roomID)
	if len(snap.Messages) != 0 {
		t.Fatal("empty message must not enter the cache")
	}
}

func TestMessageCacheBounded(t *testing.T) {
	env := newTestEnv(t)
	a, b := pairedUsers()
	env.directory.addPair(a, b)
	roomID := model.DeriveRoomID(a.ID, b.ID)

	env.svc.OnConnect(context.Background(), "conn-a", a.ID)

	for i := 0; i < model.MessageCacheSize+5; i++ {
		env.svc.OnMessage("conn-a", actionFrame(t, model.ActionSendMessage,
			model.SendMessagePayload{Content: "hello"}))
	}

	snap, _ := env.store.Snapshot(roomID)
	if len(snap.Messages) != model.MessageCacheSize {
		t.Fatalf("cache must stay bounded at %d, got %d", model.MessageCacheSize, len(snap.Messages))
	}
}

func TestMessageTriggersPartnerPush(t *testing.T) {
	env := newTestEnv(t)
	a, b := pairedUsers()
	b.PushSubscription = &repository.PushSubscription{Endpoint: "https://push.example/e"}
	env.directory.addPair(a, b)

	env.svc.OnConnect(context.Background(), "conn-a", a.ID)
	env.svc.OnMessage("conn-a", actionFrame(t, model.ActionSendMessage,
		model.SendMessagePayload{Content: "miss you"}))

	select {
	case <-env.queue.notify:
	case <-time.After(2 * time.Second):
		t.Fatal("push never enqueued")
	}

	env.queue.mu.Lock()
	defer env.queue.mu.Unlock()
	n := env.queue.enqueued[0]
	if n.Title != a.Name || n.Body != "miss you" {
		t.Errorf("unexpected notification %+v", n)
	}
}

func TestTypingIndicatorGoesToPartnerOnly(t *testing.T) {
	env := newTestEnv(t)
	a, b := pairedUsers()
	env.directory.addPair(a, b)
	roomID := model.DeriveRoomID(a.ID, b.ID)

	env.svc.OnConnect(context.Background(), "conn-a", a.ID)
	env.svc.OnConnect(context.Background(), "conn-b", b.ID)

	env.svc.OnMessage("conn-a", actionFrame(t, model.ActionSetTyping,
		model.TypingPayload{IsTyping: true}))

	env.transport.mu.Lock()
	defer env.transport.mu.Unlock()
	found := false
	for _, bc := range env.transport.broadcasts {
		var e model.Envelope
		if err := json.Unmarshal(bc.Data, &e); err != nil {
			t.Fatalf("malformed broadcast: %v", err)
		}
		if e.Event != model.EventPartnerTyping {
			continue
		}
		found = true
		if bc.RoomID != roomID {
			t.Errorf("typing went to wrong room %q", bc.RoomID)
		}
		if len(bc.Except) != 1 || bc.Except[0] != "conn-a" {
			t.Errorf("typing must exclude the typist, except=%v", bc.Except)
		}
	}
	if !found {
		t.Fatal("typing indicator never sent")
	}
}

func TestPremiumStatusIsMonotonic(t *testing.T) {
	env := newTestEnv(t)
	a, b := pairedUsers()
	env.directory.addPair(a, b)
	roomID := model.DeriveRoomID(a.ID, b.ID)

	env.svc.OnConnect(context.Background(), "conn-a", a.ID)

	env.svc.OnMessage("conn-a", actionFrame(t, model.ActionCheckPremiumStatus, model.KVPayload{}))
	snap, _ := env.store.Snapshot(roomID)
	if snap.IsPremium {
		t.Fatal("room must not be premium before either partner is")
	}

	env.directory.mu.Lock()
	env.directory.users[b.ID].IsPremium = true
	env.directory.mu.Unlock()

	env.svc.OnMessage("conn-a", actionFrame(t, model.ActionCheckPremiumStatus, model.KVPayload{}))
	snap, _ = env.store.Snapshot(roomID)
	if !snap.IsPremium {
		t.Fatal("partner premium must upgrade the room")
	}

	// The flag never goes back down, even if the subscription lapses.
	env.directory.mu.Lock()
	env.directory.users[b.ID].IsPremium = false
	env.directory.mu.Unlock()

	env.svc.OnMessage("conn-a", actionFrame(t, model.ActionCheckPremiumStatus, model.KVPayload{}))
	snap, _ = env.store.Snapshot(roomID)
	if !snap.IsPremium {
		t.Fatal("premium flag must be monotonic for the room lifetime")
	}
}

func TestJournalPersistFailureSurfacesToActor(t *testing.T) {
	env := newTestEnv(t)
	a, b := pairedUsers()
	env.directory.addPair(a, b)
	roomID := model.DeriveRoomID(a.ID, b.ID)
	env.journal.fail = context.DeadlineExceeded

	env.svc.OnConnect(context.Background(), "conn-a", a.ID)
	env.svc.OnMessage("conn-a", actionFrame(t, model.ActionCreateJournalEntry,
		model.JournalEntryPayload{Content: "day one"}))

	if _, ok := lastEvent(t, env.transport.eventsTo(t, "conn-a"), model.EventError); !ok {
		t.Fatal("persistence failure must surface to the acting client")
	}
	if _, ok := lastEvent(t, env.transport.broadcastEvents(t, roomID), model.EventNewJournalEntry); ok {
		t.Fatal("failed entry must not broadcast")
	}
	snap, _ := env.store.Snapshot(roomID)
	if len(snap.JournalEntries) != 0 {
		t.Fatal("failed entry must not enter the cache")
	}
}

func TestJournalEntryPersistsBeforeBroadcast(t *testing.T) {
	env := newTestEnv(t)
	a, b := pairedUsers()
	env.directory.addPair(a, b)
	roomID := model.DeriveRoomID(a.ID, b.ID)

	env.svc.OnConnect(context.Background(), "conn-a", a.ID)
	env.svc.OnMessage("conn-a", actionFrame(t, model.ActionCreateJournalEntry,
		model.JournalEntryPayload{Content: "day one"}))

	entryEnv, ok := lastEvent(t, env.transport.broadcastEvents(t, roomID), model.EventNewJournalEntry)
	if !ok {
		t.Fatal("entry never broadcast")
	}
	var entry model.JournalEntry
	if err := json.Unmarshal(entryEnv.Data, &entry); err != nil {
		t.Fatalf("decode entry: %v", err)
	}
	if entry.ID == "" || entry.AuthorID != a.ID {
		t.Errorf("broadcast entry must be the persisted one: %+v", entry)
	}
	if len(env.journal.entries) != 1 {
		t.Fatalf("expected 1 persisted entry, got %d", len(env.journal.entries))
	}
}

func TestSignalRelayedToTarget(t *testing.T) {
	env := newTestEnv(t)
	a, b := pairedUsers()
	env.directory.addPair(a, b)

	env.svc.OnConnect(context.Background(), "conn-a", a.ID)
	env.svc.OnConnect(context.Background(), "conn-b", b.ID)

	payload := json.RawMessage(`{"type":"offer","sdp":"v=0"}`)
	req, _ := json.Marshal(model.SignalRequest{Target: "conn-b", Data: payload})
	frame, _ := json.Marshal(model.Envelope{Event: model.EventP2PSignal, Data: req})
	env.svc.OnMessage("conn-a", frame)

	sigEnv, ok := lastEvent(t, env.transport.eventsTo(t, "conn-b"), model.EventP2PSignal)
	if !ok {
		t.Fatal("signal never delivered")
	}
	var delivery model.SignalDelivery
	if err := json.Unmarshal(sigEnv.Data, &delivery); err != nil {
		t.Fatalf("decode delivery: %v", err)
	}
	if delivery.Sender != "conn-a" {
		t.Errorf("delivery must carry the sender connection id, got %q", delivery.Sender)
	}
	if string(delivery.Data) != string(payload) {
		t.Errorf("payload must pass through untouched, got %s", delivery.Data)
	}
}

func TestSignalNotRelayedAcrossRooms(t *testing.T) {
	env := newTestEnv(t)
	a, b := pairedUsers()
	env.directory.addPair(a, b)
	c := &repository.User{ID: "user-c", Name: "Cam", Email: "cam@example.com"}
	d := &repository.User{ID: "user-d", Name: "Dee", Email: "dee@example.com"}
	env.directory.addPair(c, d)

	env.svc.OnConnect(context.Background(), "conn-a", a.ID)
	env.svc.OnConnect(context.Background(), "conn-c", c.ID)

	req, _ := json.Marshal(model.SignalRequest{
		Target: "conn-c",
		Data:   json.RawMessage(`{"type":"offer","sdp":"v=0"}`),
	})
	frame, _ := json.Marshal(model.Envelope{Event: model.EventP2PSignal, Data: req})
	env.svc.OnMessage("conn-a", frame)

	if _, ok := lastEvent(t, env.transport.eventsTo(t, "conn-c"), model.EventP2PSignal); ok {
		t.Fatal("signal must not cross room boundaries")
	}
}

func TestUnknownActionIsIgnored(t *testing.T) {
	env := newTestEnv(t)
	a, b := pairedUsers()
	env.directory.addPair(a, b)
	roomID := model.DeriveRoomID(a.ID, b.ID)

	env.svc.OnConnect(context.Background(), "conn-a", a.ID)
	before, _ := env.store.Snapshot(roomID)

	raw, _ := json.Marshal(model.ClientAction{Type: "DO_SOMETHING_NEW", Payload: json.RawMessage(`{}`)})
	frame, _ := json.Marshal(model.Envelope{Event: model.EventClientAction, Data: raw})
	env.svc.OnMessage("conn-a", frame)

	after, _ := env.store.Snapshot(roomID)
	if after.PlaybackState != before.PlaybackState {
		t.Error("unknown action must not mutate state")
	}
}

func TestWarmRoomSeedsHistory(t *testing.T) {
	env := newTestEnv(t)
	a, b := pairedUsers()
	a.IsPremium = true
	env.directory.addPair(a, b)
	roomID := model.DeriveRoomID(a.ID, b.ID)
	env.messages.warm = []model.ChatMessage{{ID: "old-1", Content: "earlier"}}

	env.svc.OnConnect(context.Background(), "conn-a", a.ID)

	snap, _ := env.store.Snapshot(roomID)
	if len(snap.Messages) != 1 || snap.Messages[0].ID != "old-1" {
		t.Errorf("warm-up must seed the cache from storage, got %+v", snap.Messages)
	}
	if !snap.IsPremium {
		t.Error("warm-up must seed the premium flag from the directory")
	}
}

func TestBufferingRelayAndRecovery(t *testing.T) {
	env := newTestEnv(t)
	a, b := pairedUsers()
	env.directory.addPair(a, b)
	roomID := model.DeriveRoomID(a.ID, b.ID)

	env.svc.OnConnect(context.Background(), "conn-a", a.ID)
	env.svc.OnConnect(context.Background(), "conn-b", b.ID)

	frame, _ := json.Marshal(model.Envelope{Event: model.EventBuffering, Data: json.RawMessage(`true`)})
	env.svc.OnMessage("conn-a", frame)

	// Playback activity from the stalled connection implies recovery.
	env.svc.OnMessage("conn-a", actionFrame(t, model.ActionUpdatePlaybackTime,
		model.PlaybackTimePayload{CurrentTime: 5}))

	var values []bool
	env.transport.mu.Lock()
	for _, bc := range env.transport.broadcasts {
		var e model.Envelope
		if err := json.Unmarshal(bc.Data, &e); err != nil {
			continue
		}
		if e.Event != model.EventPartnerBuffering {
			continue
		}
		var v bool
		if err := json.Unmarshal(e.Data, &v); err != nil {
			t.Fatalf("decode buffering payload: %v", err)
		}
		if bc.RoomID != roomID || len(bc.Except) != 1 || bc.Except[0] != "conn-a" {
			t.Errorf("buffering must go to the partner only: room=%q except=%v", bc.RoomID, bc.Except)
		}
		values = append(values, v)
	}
	env.transport.mu.Unlock()

	if len(values) != 2 || !values[0] || values[1] {
		t.Fatalf("expected buffering true then false, got %v", values)
	}
}
