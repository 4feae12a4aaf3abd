package client

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"

	"github.com/pion/webrtc/v3"
)

// SignalSender relays an opaque signal payload to the partner's connection.
type SignalSender interface {
	SendSignal(target string, data json.RawMessage) error
}

// CallState describes the peer connection lifecycle for the UI.
type CallState string

const (
	CallIdle       CallState = "idle"
	CallConnecting CallState = "connecting"
	CallConnected  CallState = "connected"
	CallEnded      CallState = "ended"
)

// signalMessage is the payload shape exchanged through the relay. Exactly one
// of the discriminated forms is populated per message.
type signalMessage struct {
	Type      string                   `json:"type,omitempty"`
	SDP       string                   `json:"sdp,omitempty"`
	Candidate *webrtc.ICECandidateInit `json:"candidate,omitempty"`
	Sharing   *bool                    `json:"sharing,omitempty"`
}

// Call drives one peer-to-peer session with the partner. Signals arriving
// before the remote description is known are queued and flushed once it lands.
type Call struct {
	sender  SignalSender
	target  string
	onState func(CallState)

	mu            sync.Mutex
	pc            *webrtc.PeerConnection
	pending       []webrtc.ICECandidateInit
	haveRemote    bool
	remoteSharing bool
	ended         bool
}

// NewCall prepares a call toward the partner connection id. onState may be
// nil.
func NewCall(sender SignalSender, target string, iceServers []string, onState func(CallState)) (*Call, error) {
	cfg := webrtc.Configuration{}
	if len(iceServers) > 0 {
		cfg.ICEServers = []webrtc.ICEServer{{URLs: iceServers}}
	}

	pc, err := webrtc.NewPeerConnection(cfg)
	if err != nil {
		return nil, fmt.Errorf("call: create peer connection: %w", err)
	}

	c := &Call{sender: sender, target: target, onState: onState, pc: pc}

	pc.OnICECandidate(func(candidate *webrtc.ICECandidate) {
		if candidate == nil {
			return
		}
		init := candidate.ToJSON()
		c.send(signalMessage{Candidate: &init})
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		switch state {
		case webrtc.PeerConnectionStateConnected:
			c.notify(CallConnected)
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
			c.End()
		}
	})

	return c, nil
}

// AddTrack attaches a local media track before the offer is created.
func (c *Call) AddTrack(track webrtc.TrackLocal) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ended {
		return fmt.Errorf("call: already ended")
	}
	if _, err := c.pc.AddTrack(track); err != nil {
		return fmt.Errorf("call: add track: %w", err)
	}
	return nil
}

// Start creates and sends the offer. The callee side skips Start and waits
// for HandleSignal to deliver the offer instead.
func (c *Call) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ended {
		return fmt.Errorf("call: already ended")
	}

	offer, err := c.pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("call: create offer: %w", err)
	}
	if err := c.pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("call: set local description: %w", err)
	}

	c.notify(CallConnecting)
	c.send(signalMessage{Type: "offer", SDP: offer.SDP})
	return nil
}

// HandleSignal feeds one relayed payload into the session state machine.
func (c *Call) HandleSignal(data json.RawMessage) error {
	var msg signalMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return fmt.Errorf("call: decode signal: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ended {
		return nil
	}

	switch {
	case msg.Type == "offer":
		if err := c.pc.SetRemoteDescription(webrtc.SessionDescription{
			Type: webrtc.SDPTypeOffer,
			SDP:  msg.SDP,
		}); err != nil {
			return fmt.Errorf("call: set remote offer: %w", err)
		}
		c.haveRemote = true
		c.flushPendingLocked()

		answer, err := c.pc.CreateAnswer(nil)
		if err != nil {
			return fmt.Errorf("call: create answer: %w", err)
		}
		if err := c.pc.SetLocalDescription(answer); err != nil {
			return fmt.Errorf("call: set local description: %w", err)
		}
		c.notify(CallConnecting)
		c.send(signalMessage{Type: "answer", SDP: answer.SDP})

	case msg.Type == "answer":
		if err := c.pc.SetRemoteDescription(webrtc.SessionDescription{
			Type: webrtc.SDPTypeAnswer,
			SDP:  msg.SDP,
		}); err != nil {
			return fmt.Errorf("call: set remote answer: %w", err)
		}
		c.haveRemote = true
		c.flushPendingLocked()

	case msg.Candidate != nil:
		// Candidates can outrun the answer over the relay; hold them until
		// the remote description lands.
		if !c.haveRemote {
			c.pending = append(c.pending, *msg.Candidate)
			return nil
		}
		if err := c.pc.AddICECandidate(*msg.Candidate); err != nil {
			return fmt.Errorf("call: add candidate: %w", err)
		}

	case msg.Type == "screen-share-state":
		// Indicator only; no peer connection work.
		if msg.Sharing != nil {
			c.remoteSharing = *msg.Sharing
		}

	case msg.Type == "end-call":
		c.endLocked()

	default:
		log.Printf("Call: ignoring unknown signal type %q", msg.Type)
	}

	return nil
}

// AnnounceScreenShare tells the partner screen capture toggled.
func (c *Call) AnnounceScreenShare(sharing bool) {
	c.send(signalMessage{Type: "screen-share-state", Sharing: &sharing})
}

// RemoteSharing reports whether the partner announced an active screen share.
func (c *Call) RemoteSharing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remoteSharing
}

// End tears the session down. Safe to call more than once.
func (c *Call) End() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ended {
		return
	}
	c.send(signalMessage{Type: "end-call"})
	c.endLocked()
}

func (c *Call) endLocked() {
	if c.ended {
		return
	}
	c.ended = true
	c.pending = nil
	c.remoteSharing = false
	if err := c.pc.Close(); err != nil {
		log.Printf("Call: close failed: %v", err)
	}
	c.notify(CallEnded)
}

func (c *Call) flushPendingLocked() {
	for _, candidate := range c.pending {
		if err := c.pc.AddICECandidate(candidate); err != nil {
			log.Printf("Call: queued candidate rejected: %v", err)
		}
	}
	c.pending = nil
}

func (c *Call) send(msg signalMessage) {
	payload, err := json.Marshal(msg)
	if err != nil {
		log.Printf("Call: encode signal failed: %v", err)
		return
	}
	if err := c.sender.SendSignal(c.target, payload); err != nil {
		log.Printf("Call: signal send failed: %v", err)
	}
}

func (c *Call) notify(state CallState) {
	if c.onState != nil {
		c.onState(state)
	}
}
