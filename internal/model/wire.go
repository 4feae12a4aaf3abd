package model

import "encoding/json"

// Server-to-client event names.
const (
	EventRoomJoined        = "room-joined"
	EventPartnerOnline     = "partner-online"
	EventPartnerOffline    = "partner-offline"
	EventServerUpdateState = "serverUpdateState"
	EventNewChatMessage    = "newChatMessage"
	EventNewJournalEntry   = "newJournalEntry"
	EventPartnerTyping     = "partnerTyping"
	EventPartnerBuffering  = "partnerBuffering"
	EventP2PSignal         = "p2pSignal"
	EventError             = "error"
)

// Client-to-server event names.
const (
	EventClientAction = "clientAction"
	EventBuffering    = "buffering"
)

// Envelope frames every message on the wire.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// MarshalEvent builds a wire frame for an outbound event.
func MarshalEvent(event string, data any) ([]byte, error) {
	var raw json.RawMessage
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			return nil, err
		}
		raw = b
	}
	return json.Marshal(Envelope{Event: event, Data: raw})
}

// RoomJoinedPayload bootstraps a freshly joined connection.
type RoomJoinedPayload struct {
	PartnerSocketID string     `json:"partnerSocketId,omitempty"`
	InitialState    *RoomState `json:"initialState,omitempty"`
}

// SignalRequest is the client-to-server half of the signaling relay.
type SignalRequest struct {
	Target string          `json:"target"`
	Data   json.RawMessage `json:"data"`
}

// SignalDelivery is the server-to-client half of the signaling relay.
type SignalDelivery struct {
	Sender string          `json:"sender"`
	Data   json.RawMessage `json:"data"`
}

// ErrorPayload is surfaced to a single client on a recoverable failure.
type ErrorPayload struct {
	Message string `json:"message"`
}
