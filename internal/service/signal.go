package service

import (
	"encoding/json"
	"log"

	"github.com/duolink/duolink/internal/model"
)

// relaySignal passes a WebRTC payload to the target connection without
// interpreting it. Keyed by connection id rather than room, since one peer may
// be mid-call while the other reconnects under a new connection id. The target
// must still share the sender's room.
func (s *Service) relaySignal(connID string, req model.SignalRequest) {
	if req.Target == "" || len(req.Data) == 0 {
		s.metrics.SignalDropped("incomplete")
		return
	}

	sender, ok := s.connFor(connID)
	if !ok || sender.roomID == "" {
		s.metrics.SignalDropped("no_room")
		return
	}
	target, ok := s.connFor(req.Target)
	if !ok || target.roomID != sender.roomID {
		log.Printf("Signal from %s dropped: target %s not in room", connID, req.Target)
		s.metrics.SignalDropped("unknown_target")
		return
	}

	delivery := model.SignalDelivery{Sender: connID, Data: req.Data}
	frame, err := model.MarshalEvent(model.EventP2PSignal, delivery)
	if err != nil {
		log.Printf("Encode signal failed: %v", err)
		s.metrics.SignalDropped("encode")
		return
	}

	if !s.transport.SendToClient(req.Target, frame) {
		// The target disconnected between signal emission and relay; the
		// sender retries or ends the call.
		log.Printf("Signal from %s dropped: unknown target %s", connID, req.Target)
		s.metrics.SignalDropped("unknown_target")
		return
	}

	s.metrics.SignalRelayed(classifySignal(req.Data), len(req.Data))
}

// classifySignal peeks at the payload's discriminator for metrics only; the
// relay itself never depends on payload shape.
func classifySignal(raw json.RawMessage) string {
	var probe struct {
		Type      string          `json:"type"`
		Candidate json.RawMessage `json:"candidate"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return "opaque"
	}
	switch {
	case probe.Type != "":
		return probe.Type
	case len(probe.Candidate) > 0:
		return "candidate"
	default:
		return "opaque"
	}
}
