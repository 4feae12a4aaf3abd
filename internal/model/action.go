package model

import (
	"encoding/json"
	"fmt"
)

// ActionKind discriminates client actions.
type ActionKind string

const (
	ActionUpdatePlaybackState ActionKind = "UPDATE_PLAYBACK_STATE"
	ActionUpdatePlaybackTime  ActionKind = "UPDATE_PLAYBACK_TIME"
	ActionUpdateVideoSource   ActionKind = "UPDATE_VIDEO_SOURCE"
	ActionSendMessage         ActionKind = "SEND_MESSAGE"
	ActionSetTyping           ActionKind = "SET_TYPING"
	ActionUpdateUIState       ActionKind = "UPDATE_UI_STATE"
	ActionSetAmbientSound     ActionKind = "SET_AMBIENT_SOUND"
	ActionCreateJournalEntry  ActionKind = "CREATE_JOURNAL_ENTRY"
	ActionCheckPremiumStatus  ActionKind = "CHECK_PREMIUM_STATUS"
)

// ClientAction is the raw discriminated union received from a client. The
// payload is decoded into its kind-specific shape at the reducer's dispatch
// point.
type ClientAction struct {
	Type    ActionKind      `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// PlaybackStatePayload carries a partial playback state update. Nil fields are
// left untouched by the merge.
type PlaybackStatePayload struct {
	IsPlaying   *bool    `json:"isPlaying,omitempty"`
	CurrentTime *float64 `json:"currentTime,omitempty"`
}

// PlaybackTimePayload carries a seek.
type PlaybackTimePayload struct {
	CurrentTime float64 `json:"currentTime"`
}

// SendMessagePayload carries an outgoing chat message.
type SendMessagePayload struct {
	Content string      `json:"content"`
	Type    MessageType `json:"type,omitempty"`
	Image   string      `json:"image,omitempty"`
}

// TypingPayload toggles the typing indicator.
type TypingPayload struct {
	IsTyping bool `json:"isTyping"`
}

// JournalEntryPayload carries a new journal entry.
type JournalEntryPayload struct {
	Content string `json:"content" validate:"required,max=4000"`
}

// VideoSourcePayload replaces the room's video source.
type VideoSourcePayload struct {
	Type SourceType `json:"type" validate:"required"`
	Src  string     `json:"src" validate:"required,max=2048"`
}

// KVPayload is the free-form blob used by UI state and ambient sound updates.
type KVPayload map[string]any

// DecodePayload unmarshals a kind-specific payload shape.
func (a ClientAction) DecodePayload(dst any) error {
	if len(a.Payload) == 0 {
		return fmt.Errorf("action %s: empty payload", a.Type)
	}
	if err := json.Unmarshal(a.Payload, dst); err != nil {
		return fmt.Errorf("action %s: decode payload: %w", a.Type, err)
	}
	return nil
}

// NewAction builds a ClientAction with a marshalled payload. Intended for the
// client-side helpers and tests.
func NewAction(kind ActionKind, payload any) (ClientAction, error) {
	if payload == nil {
		return ClientAction{Type: kind}, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return ClientAction{}, fmt.Errorf("action %s: encode payload: %w", kind, err)
	}
	return ClientAction{Type: kind, Payload: raw}, nil
}
