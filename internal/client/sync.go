// Package client implements the player-side halves of the protocol: drift
// correction against authoritative playback state, and the peer call driver.
// Server packages never import it; it ships so Go clients and the test suite
// exercise the same convergence rules.
package client

import (
	"math"
	"sync"
	"time"

	"github.com/duolink/duolink/internal/model"
)

// driftThreshold is the maximum tolerated divergence between the local
// playhead and the authoritative position before a corrective seek.
const driftThreshold = 1.0

// PlayerControl is the surface a media player exposes to the syncer.
type PlayerControl interface {
	CurrentTime() float64
	Seek(seconds float64)
	Play()
	Pause()
	IsPaused() bool
}

// ActionSender emits reducer actions toward the server.
type ActionSender interface {
	SendAction(action model.ClientAction) error
}

// Syncer converges a local player onto authoritative playback state and
// translates local user intent into actions.
type Syncer struct {
	player PlayerControl
	sender ActionSender
	now    func() time.Time

	mu         sync.Mutex
	source     model.VideoSource
	primed     bool
	remoteSeek bool
}

// NewSyncer wires a player to the action stream.
func NewSyncer(player PlayerControl, sender ActionSender) *Syncer {
	return &Syncer{player: player, sender: sender, now: time.Now}
}

// ApplyServerState converges the local player onto an authoritative snapshot.
func (s *Syncer) ApplyServerState(state *model.RoomState) {
	s.mu.Lock()
	// The first snapshot is a baseline, not a swap; a rejoining client
	// still needs its position corrected.
	sourceChanged := s.primed && state.VideoSource != s.source
	s.source = state.VideoSource
	s.primed = true
	s.mu.Unlock()

	if sourceChanged {
		// The player is reloading; position correction against the old
		// media would fight the load.
		s.applyPlayPause(state.PlaybackState.IsPlaying)
		return
	}

	adjusted := adjustedServerTime(state.PlaybackState, s.now())
	drift := math.Abs(s.player.CurrentTime() - adjusted)
	if drift > driftThreshold {
		s.mu.Lock()
		s.remoteSeek = true
		s.mu.Unlock()
		s.player.Seek(adjusted)
	}

	s.applyPlayPause(state.PlaybackState.IsPlaying)
}

// HandleLocalSeek reports a user-initiated seek. Seeks caused by a prior
// ApplyServerState correction are swallowed so the pair does not ping-pong.
func (s *Syncer) HandleLocalSeek(seconds float64) error {
	s.mu.Lock()
	if s.remoteSeek {
		s.remoteSeek = false
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	return s.sendAction(model.ActionUpdatePlaybackTime,
		model.PlaybackTimePayload{CurrentTime: seconds})
}

// HandleLocalPlay reports that the user pressed play.
func (s *Syncer) HandleLocalPlay() error {
	playing := true
	t := s.player.CurrentTime()
	return s.sendAction(model.ActionUpdatePlaybackState,
		model.PlaybackStatePayload{IsPlaying: &playing, CurrentTime: &t})
}

// HandleLocalPause reports that the user pressed pause.
func (s *Syncer) HandleLocalPause() error {
	playing := false
	t := s.player.CurrentTime()
	return s.sendAction(model.ActionUpdatePlaybackState,
		model.PlaybackStatePayload{IsPlaying: &playing, CurrentTime: &t})
}

func (s *Syncer) sendAction(kind model.ActionKind, payload any) error {
	action, err := model.NewAction(kind, payload)
	if err != nil {
		return err
	}
	return s.sender.SendAction(action)
}

func (s *Syncer) applyPlayPause(shouldPlay bool) {
	switch {
	case shouldPlay && s.player.IsPaused():
		s.player.Play()
	case !shouldPlay && !s.player.IsPaused():
		s.player.Pause()
	}
}

// adjustedServerTime projects the authoritative position to the present. A
// playing state ages by the wall-clock elapsed since the server stamped it; a
// paused state does not.
func adjustedServerTime(p model.PlaybackState, now time.Time) float64 {
	t := p.CurrentTime
	if p.IsPlaying {
		elapsed := now.UnixMilli() - p.LastUpdateTimestamp
		if elapsed > 0 {
			t += float64(elapsed) / 1000.0
		}
	}
	return t
}
