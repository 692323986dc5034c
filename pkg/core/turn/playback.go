package turn

import "context"

// Player renders reply audio and blocks until it has finished.
// Implementations wrap a playback subprocess or a remote peer that
// acknowledges completion.
type Player interface {
	Play(ctx context.Context, audio []byte) error
}

// PlaybackController plays decoded reply audio. Playback failure is
// never allowed to interrupt the conversation loop: every outcome,
// success or failure, counts as playback having finished.
type PlaybackController struct {
	player  Player
	onDebug func(category, message string)
}

// NewPlaybackController wraps a player.
func NewPlaybackController(player Player, onDebug func(category, message string)) *PlaybackController {
	return &PlaybackController{player: player, onDebug: onDebug}
}

// Play plays raw reply audio to completion. The returned error is
// informational; callers proceed either way.
func (p *PlaybackController) Play(ctx context.Context, audio []byte) error {
	if len(audio) == 0 || p.player == nil {
		return nil
	}

	if err := p.player.Play(ctx, audio); err != nil {
		p.debug("PLAYBACK", "playback failed: "+err.Error())
		return NewPlaybackError("play reply audio", err)
	}
	return nil
}

func (p *PlaybackController) debug(category, message string) {
	if p.onDebug != nil {
		p.onDebug(category, message)
	}
}
