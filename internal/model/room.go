package model

import (
	"sort"
	"time"
)

// MessageCacheSize bounds the per-room chat message cache. Older entries are
// evicted; full history stays in persistent storage.
const MessageCacheSize = 50

// SourceType identifies what kind of media the room is currently watching.
type SourceType string

const (
	SourceYouTube SourceType = "youtube"
	SourceScreen  SourceType = "screen"
	SourceFile    SourceType = "file"
)

// MessageType identifies the kind of chat message.
type MessageType string

const (
	MessageText   MessageType = "text"
	MessageImage  MessageType = "image"
	MessageSystem MessageType = "system"
	MessageAudio  MessageType = "audio"
)

// PlaybackState is the shared playback position of a room. CurrentTime is only
// exact at LastUpdateTimestamp; while IsPlaying is true the real position must
// be projected forward by elapsed wall-clock time.
type PlaybackState struct {
	IsPlaying           bool    `json:"isPlaying"`
	CurrentTime         float64 `json:"currentTime"`
	LastUpdateTimestamp int64   `json:"lastUpdateTimestamp"`
}

// VideoSource is the media both partners are watching.
type VideoSource struct {
	Type SourceType `json:"type"`
	Src  string     `json:"src"`
}

// ChatMessage is the wire and cache representation of a chat message.
type ChatMessage struct {
	ID           string      `json:"id"`
	SenderID     string      `json:"senderId"`
	SenderName   string      `json:"senderName"`
	SenderAvatar string      `json:"senderAvatar,omitempty"`
	Content      string      `json:"content"`
	Image        string      `json:"image,omitempty"`
	Type         MessageType `json:"type"`
	Timestamp    string      `json:"timestamp"`
}

// JournalEntry is a shared journal entry for a room.
type JournalEntry struct {
	ID        string    `json:"_id"`
	RoomID    string    `json:"roomId"`
	AuthorID  string    `json:"authorId"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// RoomState is the authoritative shared state of a room. It is owned by the
// server process hosting the room and mutated only through the action reducer.
type RoomState struct {
	PlaybackState   PlaybackState  `json:"playbackState"`
	VideoSource     VideoSource    `json:"videoSource"`
	Messages        []ChatMessage  `json:"messages"`
	TypingUser      *string        `json:"typingUser"`
	JournalEntries  []JournalEntry `json:"journalEntries"`
	IsPremium       bool           `json:"isPremium"`
	IsScreenSharing bool           `json:"isScreenSharing"`
	UIState         map[string]any `json:"uiState"`
	AmbientSound    map[string]any `json:"ambientSound"`
}

// DefaultRoomState returns the well-defined initial state of a fresh room.
func DefaultRoomState(now time.Time) *RoomState {
	return &RoomState{
		PlaybackState: PlaybackState{
			IsPlaying:           false,
			CurrentTime:         0,
			LastUpdateTimestamp: now.UnixMilli(),
		},
		VideoSource:    VideoSource{Type: SourceYouTube, Src: ""},
		Messages:       make([]ChatMessage, 0, MessageCacheSize),
		JournalEntries: []JournalEntry{},
		UIState:        map[string]any{},
		AmbientSound:   map[string]any{},
	}
}

// AppendMessage pushes a message into the bounded cache, evicting the oldest
// entry once the cache is full.
func (s *RoomState) AppendMessage(msg ChatMessage) {
	if len(s.Messages) >= MessageCacheSize {
		s.Messages = s.Messages[1:]
	}
	s.Messages = append(s.Messages, msg)
}

// DeriveRoomID computes the deterministic room id for a pairing. Both partners
// resolve to the same room regardless of who connects first.
func DeriveRoomID(userA, userB string) string {
	ids := []string{userA, userB}
	sort.Strings(ids)
	return "room:" + ids[0] + ":" + ids[1]
}
