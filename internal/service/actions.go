package service

import (
	"context"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/duolink/duolink/internal/model"
	"github.com/duolink/duolink/internal/push"
)

// imagePlaceholder stands in for message content when only an image is
// attached; persisted and broadcast content is never empty.
const imagePlaceholder = "Image Attachment"

// applyAction is the reducer's dispatch point. Every mutation of room state
// happens here, committed and broadcast before any side-effect I/O starts.
func (s *Service) applyAction(connID string, action model.ClientAction) {
	state, ok := s.connFor(connID)
	if !ok || state.roomID == "" || !s.store.Exists(state.roomID) {
		return
	}
	roomID := state.roomID

	s.metrics.ActionReceived(roomID, string(action.Type))

	// Buffering recovery: playback activity from a stalled connection means
	// it caught up.
	switch action.Type {
	case model.ActionUpdatePlaybackState, model.ActionUpdatePlaybackTime:
		s.clearBuffering(state)
	}

	serverTime := s.now().UnixMilli()

	switch action.Type {
	case model.ActionUpdatePlaybackState:
		var p model.PlaybackStatePayload
		if err := action.DecodePayload(&p); err != nil {
			s.rejectAction(roomID, action.Type, "decode", err)
			return
		}
		s.mutateAndBroadcast(roomID, func(st *model.RoomState) {
			if p.IsPlaying != nil {
				st.PlaybackState.IsPlaying = *p.IsPlaying
			}
			if p.CurrentTime != nil {
				st.PlaybackState.CurrentTime = *p.CurrentTime
			}
			st.PlaybackState.LastUpdateTimestamp = serverTime
		})

	case model.ActionUpdatePlaybackTime:
		var p model.PlaybackTimePayload
		if err := action.DecodePayload(&p); err != nil {
			s.rejectAction(roomID, action.Type, "decode", err)
			return
		}
		s.mutateAndBroadcast(roomID, func(st *model.RoomState) {
			st.PlaybackState.CurrentTime = p.CurrentTime
			st.PlaybackState.LastUpdateTimestamp = serverTime
		})

	case model.ActionUpdateVideoSource:
		var p model.VideoSourcePayload
		if err := action.DecodePayload(&p); err != nil {
			s.rejectAction(roomID, action.Type, "decode", err)
			return
		}
		if err := s.validate.Struct(p); err != nil {
			s.rejectAction(roomID, action.Type, "validate", err)
			return
		}
		s.mutateAndBroadcast(roomID, func(st *model.RoomState) {
			st.VideoSource = model.VideoSource{Type: p.Type, Src: p.Src}
			st.PlaybackState = model.PlaybackState{
				IsPlaying:           false,
				CurrentTime:         0,
				LastUpdateTimestamp: serverTime,
			}
			st.IsScreenSharing = p.Type == model.SourceScreen
		})

	case model.ActionSendMessage:
		s.handleSendMessage(state, action)

	case model.ActionSetTyping:
		var p model.TypingPayload
		if err := action.DecodePayload(&p); err != nil {
			s.rejectAction(roomID, action.Type, "decode", err)
			return
		}
		var typing *string
		if p.IsTyping {
			handle := state.user.Email
			typing = &handle
		}
		s.store.With(roomID, func(st *model.RoomState) {
			st.TypingUser = typing
		})
		s.notifyPartner(roomID, connID, model.EventPartnerTyping, typing)

	case model.ActionUpdateUIState:
		var p model.KVPayload
		if err := action.DecodePayload(&p); err != nil {
			s.rejectAction(roomID, action.Type, "decode", err)
			return
		}
		s.mutateAndBroadcast(roomID, func(st *model.RoomState) {
			if st.UIState == nil {
				st.UIState = map[string]any{}
			}
			for k, v := range p {
				st.UIState[k] = v
			}
		})

	case model.ActionSetAmbientSound:
		var p model.KVPayload
		if err := action.DecodePayload(&p); err != nil {
			s.rejectAction(roomID, action.Type, "decode", err)
			return
		}
		s.mutateAndBroadcast(roomID, func(st *model.RoomState) {
			if st.AmbientSound == nil {
				st.AmbientSound = map[string]any{}
			}
			for k, v := range p {
				st.AmbientSound[k] = v
			}
		})

	case model.ActionCreateJournalEntry:
		s.handleCreateJournalEntry(state, action)

	case model.ActionCheckPremiumStatus:
		s.handleCheckPremiumStatus(state)

	default:
		log.Printf("Room %s: unknown action type %q", roomID, action.Type)
		s.metrics.ActionRejected(roomID, string(action.Type), "unknown_kind")
	}
}

// mutateAndBroadcast commits a mutation and broadcasts the resulting full
// snapshot while still holding the room lock, so every member observes
// snapshots in a single per-room order.
func (s *Service) mutateAndBroadcast(roomID string, fn func(*model.RoomState)) {
	s.store.With(roomID, func(st *model.RoomState) {
		fn(st)
		s.broadcastEvent(roomID, model.EventServerUpdateState, st)
	})
}

func (s *Service) handleSendMessage(state *connState, action model.ClientAction) {
	roomID := state.roomID

	var p model.SendMessagePayload
	if err := action.DecodePayload(&p); err != nil {
		s.rejectAction(roomID, action.Type, "decode", err)
		return
	}

	content := p.Content
	if content == "" {
		if p.Image == "" {
			s.rejectAction(roomID, action.Type, "empty", nil)
			return
		}
		content = imagePlaceholder
	}

	msgType := p.Type
	if msgType == "" {
		msgType = model.MessageText
	}

	msg := model.ChatMessage{
		ID:           uuid.NewString(),
		SenderID:     state.user.ID,
		SenderName:   state.user.Name,
		SenderAvatar: state.user.Avatar,
		Content:      content,
		Image:        p.Image,
		Type:         msgType,
		Timestamp:    s.now().UTC().Format(time.RFC3339),
	}

	// Commit to the cache and deliver live, then persist and notify off the
	// critical path. A slow database never delays the partner.
	s.store.With(roomID, func(st *model.RoomState) {
		st.AppendMessage(msg)
		s.broadcastEvent(roomID, model.EventNewChatMessage, msg)
	})

	go s.persistMessage(roomID, msg)
	go s.notifyPartnerPush(state, msg, p.Image != "" && p.Content == "")
}

func (s *Service) persistMessage(roomID string, msg model.ChatMessage) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := s.messages.SaveMessage(ctx, roomID, msg); err != nil {
		// Already delivered live; durable storage lagging is tolerated.
		log.Printf("Room %s: message persistence failed: %v", roomID, err)
		s.metrics.PersistenceFailure("message")
	}
}

func (s *Service) notifyPartnerPush(state *connState, msg model.ChatMessage, imageOnly bool) {
	if s.queue == nil || state.partnerID == "" {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	partner, err := s.directory.FindUserByID(ctx, state.partnerID)
	if err != nil {
		log.Printf("Push trigger: partner lookup failed: %v", err)
		return
	}
	if partner.PushSubscription == nil {
		return
	}

	title := msg.SenderName
	if title == "" {
		title = "Partner"
	}
	body := msg.Content
	if imageOnly {
		body = "Sent an image"
	}

	err = s.queue.EnqueuePushNotify(*partner.PushSubscription, push.Notification{
		Title: title,
		Body:  body,
		URL:   "/",
		Icon:  "/pwa-192x192.png",
	})
	if err != nil {
		log.Printf("Push enqueue failed: %v", err)
		s.metrics.PushFailure()
		return
	}
	s.metrics.PushEnqueued()
}

func (s *Service) handleCreateJournalEntry(state *connState, action model.ClientAction) {
	roomID := state.roomID

	var p model.JournalEntryPayload
	if err := action.DecodePayload(&p); err != nil {
		s.rejectAction(roomID, action.Type, "decode", err)
		return
	}
	if err := s.validate.Struct(p); err != nil {
		s.rejectAction(roomID, action.Type, "validate", err)
		s.sendError(state.connID, "Journal entry is invalid.")
		return
	}

	// A journal entry has no value without durability, so persistence runs
	// before the cache append and its failure surfaces to the acting client.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	entry, err := s.journal.SaveEntry(ctx, roomID, state.user.ID, p.Content)
	if err != nil {
		log.Printf("Room %s: journal persistence failed: %v", roomID, err)
		s.metrics.PersistenceFailure("journal")
		s.sendError(state.connID, "Failed to save journal entry.")
		return
	}

	s.store.With(roomID, func(st *model.RoomState) {
		st.JournalEntries = append(st.JournalEntries, entry)
		s.broadcastEvent(roomID, model.EventNewJournalEntry, entry)
	})
}

func (s *Service) handleCheckPremiumStatus(state *connState) {
	roomID := state.roomID

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	premium := false
	if fresh, err := s.directory.FindUserByID(ctx, state.user.ID); err == nil {
		premium = fresh.IsPremium
	} else {
		log.Printf("Premium check: user lookup failed: %v", err)
	}
	if !premium && state.partnerID != "" {
		if partner, err := s.directory.FindUserByID(ctx, state.partnerID); err == nil {
			premium = partner.IsPremium
		} else {
			log.Printf("Premium check: partner lookup failed: %v", err)
		}
	}

	if !premium {
		return
	}

	// Monotonic: once a room is premium it stays premium for its lifetime.
	s.store.With(roomID, func(st *model.RoomState) {
		if !st.IsPremium {
			st.IsPremium = true
			log.Printf("Room %s upgraded to premium", roomID)
			s.broadcastEvent(roomID, model.EventServerUpdateState, st)
		}
	})
}

func (s *Service) rejectAction(roomID string, kind model.ActionKind, reason string, err error) {
	if err != nil {
		log.Printf("Room %s: action %s rejected (%s): %v", roomID, kind, reason, err)
	} else {
		log.Printf("Room %s: action %s rejected (%s)", roomID, kind, reason)
	}
	s.metrics.ActionRejected(roomID, string(kind), reason)
}
