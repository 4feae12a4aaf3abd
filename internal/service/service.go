// Package service implements the room coordination layer: the connection
// registry, the action reducer, and the signaling relay. All room state
// mutation funnels through here.
package service

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/duolink/duolink/internal/config"
	"github.com/duolink/duolink/internal/metrics"
	"github.com/duolink/duolink/internal/model"
	"github.com/duolink/duolink/internal/push"
	"github.com/duolink/duolink/internal/repository"
	"github.com/duolink/duolink/internal/store"
)

// Transport is the delivery surface the service drives. The hub implements it
// for WebSocket connections; tests substitute a recorder.
type Transport interface {
	JoinRoom(roomID, connID string)
	SendToClient(connID string, data []byte) bool
	BroadcastRoom(roomID string, data []byte, except ...string)
	CloseClient(connID string)
}

// PushQueue enqueues partner notifications for background delivery.
type PushQueue interface {
	EnqueuePushNotify(sub repository.PushSubscription, n push.Notification) error
}

// connState tracks what the service knows about one live connection.
type connState struct {
	connID      string
	user        *repository.User
	partnerID   string
	roomID      string
	isBuffering bool
}

// Service is the authoritative room coordinator.
type Service struct {
	cfg       *config.Config
	transport Transport
	store     *store.Store
	directory repository.UserDirectory
	messages  repository.MessageRepository
	journal   repository.JournalRepository
	queue     PushQueue
	metrics   metrics.Collector
	validate  *validator.Validate
	now       func() time.Time

	mu        sync.RWMutex
	conns     map[string]*connState
	userConns map[string]string

	stopJanitor chan struct{}
	janitorOnce sync.Once
}

// New creates the room service. queue may be nil, which disables push
// notifications.
func New(
	cfg *config.Config,
	transport Transport,
	st *store.Store,
	directory repository.UserDirectory,
	messages repository.MessageRepository,
	journal repository.JournalRepository,
	queue PushQueue,
	m metrics.Collector,
) *Service {
	return &Service{
		cfg:         cfg,
		transport:   transport,
		store:       st,
		directory:   directory,
		messages:    messages,
		journal:     journal,
		queue:       queue,
		metrics:     m,
		validate:    validator.New(),
		now:         time.Now,
		conns:       make(map[string]*connState),
		userConns:   make(map[string]string),
		stopJanitor: make(chan struct{}),
	}
}

// OnConnect resolves the authenticated identity to its pairing and joins the
// connection to the pairing's room. Unpaired users stay connected without a
// room so the client can poll pairing status.
func (s *Service) OnConnect(ctx context.Context, connID, userID string) {
	user, err := s.directory.FindUserByID(ctx, userID)
	if err != nil {
		log.Printf("Connection %s: user lookup failed: %v", connID, err)
		s.sendError(connID, "Account could not be resolved.")
		s.transport.CloseClient(connID)
		return
	}

	state := &connState{connID: connID, user: user}

	partner, err := s.directory.FindPairedPartner(ctx, userID)
	if err != nil {
		log.Printf("Connection %s: partner lookup failed: %v", connID, err)
		s.sendError(connID, "Pairing could not be resolved.")
		s.transport.CloseClient(connID)
		return
	}

	if partner == nil {
		// Accepted without a room; the client polls pairing status over HTTP.
		s.mu.Lock()
		s.conns[connID] = state
		s.mu.Unlock()
		return
	}

	state.partnerID = partner.ID
	state.roomID = model.DeriveRoomID(user.ID, partner.ID)

	// Last-connection-wins: a second tab or a reconnect replaces the stale
	// slot without disturbing the partner.
	s.mu.Lock()
	if stale, ok := s.userConns[userID]; ok && stale != connID {
		delete(s.conns, stale)
		s.transport.CloseClient(stale)
	}
	s.conns[connID] = state
	s.userConns[userID] = connID
	partnerConnID := s.userConns[partner.ID]
	s.mu.Unlock()

	if s.store.Ensure(state.roomID) {
		s.metrics.RoomCreated(state.roomID)
		s.warmRoom(ctx, state.roomID, user, partner)
	}
	s.store.MarkOccupied(state.roomID)

	s.transport.JoinRoom(state.roomID, connID)
	s.metrics.ClientConnected(state.roomID)

	joined := model.RoomJoinedPayload{PartnerSocketID: partnerConnID}
	if snap, ok := s.store.Snapshot(state.roomID); ok {
		joined.InitialState = snap
	}
	s.sendEvent(connID, model.EventRoomJoined, joined)

	if partnerConnID != "" {
		s.sendEvent(partnerConnID, model.EventPartnerOnline, connID)
	}
}

// OnDisconnect notifies the remaining partner and starts the room's idle
// clock if it is now empty. Room state survives the disconnect.
func (s *Service) OnDisconnect(connID string) {
	s.mu.Lock()
	state, ok := s.conns[connID]
	if ok {
		delete(s.conns, connID)
		if state.user != nil && s.userConns[state.user.ID] == connID {
			delete(s.userConns, state.user.ID)
		}
	}
	var partnerConnID string
	if ok && state.partnerID != "" {
		partnerConnID = s.userConns[state.partnerID]
	}
	s.mu.Unlock()

	if !ok || state.roomID == "" {
		return
	}

	s.metrics.ClientDisconnected(state.roomID)

	if partnerConnID != "" {
		s.sendEvent(partnerConnID, model.EventPartnerOffline, nil)
	} else {
		s.store.MarkEmpty(state.roomID)
	}
}

// OnMessage dispatches one inbound wire frame.
func (s *Service) OnMessage(connID string, data []byte) {
	var env model.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		log.Printf("Connection %s: malformed frame: %v", connID, err)
		s.metrics.ClientError("", "malformed_frame")
		return
	}

	switch env.Event {
	case model.EventClientAction:
		var action model.ClientAction
		if err := json.Unmarshal(env.Data, &action); err != nil {
			log.Printf("Connection %s: malformed action: %v", connID, err)
			s.metrics.ClientError("", "malformed_action")
			return
		}
		s.applyAction(connID, action)

	case model.EventP2PSignal:
		var req model.SignalRequest
		if err := json.Unmarshal(env.Data, &req); err != nil {
			log.Printf("Connection %s: malformed signal: %v", connID, err)
			s.metrics.SignalDropped("malformed")
			return
		}
		s.relaySignal(connID, req)

	case model.EventBuffering:
		var buffering bool
		if err := json.Unmarshal(env.Data, &buffering); err != nil {
			return
		}
		s.setBuffering(connID, buffering)

	default:
		// Forward compatibility: a client ahead of the server degrades
		// gracefully.
		log.Printf("Connection %s: unknown event %q", connID, env.Event)
		s.metrics.ClientError("", "unknown_event")
	}
}

// StartJanitor evicts rooms that stayed empty past the configured grace
// period. Blocks until Close is called.
func (s *Service) StartJanitor() {
	ticker := time.NewTicker(s.cfg.Room.JanitorPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			for _, roomID := range s.store.EvictIdle(s.cfg.Room.EvictAfter) {
				log.Printf("Evicted idle room %s", roomID)
				s.metrics.RoomEvicted(roomID)
			}
		case <-s.stopJanitor:
			return
		}
	}
}

// Close stops background work.
func (s *Service) Close() {
	s.janitorOnce.Do(func() { close(s.stopJanitor) })
}

// Stats returns connection and room counts for the status endpoint.
func (s *Service) Stats() (clients, rooms int) {
	s.mu.RLock()
	clients = len(s.conns)
	s.mu.RUnlock()
	return clients, s.store.Len()
}

// warmRoom seeds a fresh room from persistent storage: recent messages, the
// journal, and the pairing's premium flags. Best-effort; a cold cache only
// costs history depth.
func (s *Service) warmRoom(ctx context.Context, roomID string, user, partner *repository.User) {
	warmCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	msgs, err := s.messages.RecentMessages(warmCtx, roomID, model.MessageCacheSize)
	if err != nil {
		log.Printf("Room %s: message warm-up failed: %v", roomID, err)
		s.metrics.PersistenceFailure("message_warmup")
		msgs = nil
	}

	entries, err := s.journal.ListEntries(warmCtx, roomID)
	if err != nil {
		log.Printf("Room %s: journal warm-up failed: %v", roomID, err)
		s.metrics.PersistenceFailure("journal_warmup")
		entries = nil
	}

	premium := user.IsPremium || partner.IsPremium

	s.store.With(roomID, func(st *model.RoomState) {
		if len(msgs) > 0 {
			st.Messages = msgs
		}
		if len(entries) > 0 {
			st.JournalEntries = entries
		}
		if premium {
			st.IsPremium = true
		}
	})
}

func (s *Service) setBuffering(connID string, buffering bool) {
	s.mu.Lock()
	state, ok := s.conns[connID]
	if ok {
		state.isBuffering = buffering
	}
	var roomID string
	if ok {
		roomID = state.roomID
	}
	s.mu.Unlock()

	if !ok || roomID == "" {
		return
	}
	s.notifyPartner(roomID, connID, model.EventPartnerBuffering, buffering)
}

// clearBuffering resets the flag on playback activity and tells the partner
// that buffering ended.
func (s *Service) clearBuffering(state *connState) {
	s.mu.Lock()
	wasBuffering := state.isBuffering
	state.isBuffering = false
	s.mu.Unlock()

	if wasBuffering {
		s.notifyPartner(state.roomID, state.connID, model.EventPartnerBuffering, false)
	}
}

func (s *Service) connFor(connID string) (*connState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	state, ok := s.conns[connID]
	return state, ok
}

func (s *Service) sendEvent(connID, event string, data any) {
	frame, err := model.MarshalEvent(event, data)
	if err != nil {
		log.Printf("Encode %s failed: %v", event, err)
		return
	}
	s.transport.SendToClient(connID, frame)
}

func (s *Service) sendError(connID, message string) {
	s.sendEvent(connID, model.EventError, model.ErrorPayload{Message: message})
}

// notifyPartner sends an event to every room member except the actor. With
// two members per room that is exactly the partner.
func (s *Service) notifyPartner(roomID, exceptConnID, event string, data any) {
	frame, err := model.MarshalEvent(event, data)
	if err != nil {
		log.Printf("Encode %s failed: %v", event, err)
		return
	}
	s.transport.BroadcastRoom(roomID, frame, exceptConnID)
}

func (s *Service) broadcastEvent(roomID, event string, data any) {
	frame, err := model.MarshalEvent(event, data)
	if err != nil {
		log.Printf("Encode %s failed: %v", event, err)
		return
	}
	s.transport.BroadcastRoom(roomID, frame)
}
