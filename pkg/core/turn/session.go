package turn

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// SessionState is the conversation loop's current phase.
type SessionState int

const (
	// StateIdle means no session is active.
	StateIdle SessionState = iota
	// StateListening means the session is capturing and waiting for speech.
	StateListening
	// StateSpeaking means sustained speech has been detected.
	StateSpeaking
	// StateProcessing means a committed turn is at the exchange service.
	StateProcessing
	// StatePlaying means the reply is being played back.
	StatePlaying
)

func (s SessionState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateListening:
		return "listening"
	case StateSpeaking:
		return "speaking"
	case StateProcessing:
		return "processing"
	case StatePlaying:
		return "playing"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// Role identifies a conversation participant.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one entry in the conversation log.
type Message struct {
	Role        Role   `json:"role" yaml:"role"`
	Content     string `json:"content" yaml:"content"`
	Translation string `json:"translation,omitempty" yaml:"translation,omitempty"`
}

// ExchangeRequest is one committed turn submitted for a reply. History
// holds the conversation so far, oldest first, not including this turn.
type ExchangeRequest struct {
	Audio   []byte
	History []Message
}

// ExchangeResponse is the exchange service's reply to one turn.
type ExchangeResponse struct {
	Transcript  string `json:"transcript"`
	ReplyText   string `json:"reply_text"`
	Translation string `json:"translation"`
	AudioBase64 string `json:"audio_base64"`
}

// ExchangeClient submits a turn's audio plus history and returns the
// reply. Implementations talk to whatever backend hosts the model.
type ExchangeClient interface {
	Submit(ctx context.Context, req ExchangeRequest) (*ExchangeResponse, error)
}

// Session drives the hands-free conversation loop:
//
//	idle → listening → speaking → processing → playing → listening → ...
//
// End moves any state back to idle. Every asynchronous continuation
// (grace wait, exchange call, playback, post-play pause) is tagged with
// the epoch it was scheduled under and becomes a no-op once the epoch
// moves on, so a torn-down session can never mutate its successor.
type Session struct {
	config   SessionConfig
	mic      Microphone
	exchange ExchangeClient
	playback *PlaybackController

	mu       sync.Mutex
	id       string
	state    SessionState
	epoch    uint64
	ctx      context.Context
	cancel   context.CancelFunc
	capture  *CaptureSession
	vad      *EnergyVAD
	probe    *WaveformProbe
	messages []Message

	starting atomic.Bool

	events chan Event
}

// NewSession creates an idle session. player may be nil when replies
// should not be rendered locally.
func NewSession(config SessionConfig, mic Microphone, player Player, exchange ExchangeClient) *Session {
	s := &Session{
		config:   config,
		mic:      mic,
		exchange: exchange,
		state:    StateIdle,
		messages: append([]Message(nil), config.Messages...),
		events:   make(chan Event, 100),
	}
	s.playback = NewPlaybackController(player, s.debug)
	return s
}

// Events returns the channel session events are delivered on. Events
// are dropped when the channel is full; consumers must keep draining.
func (s *Session) Events() <-chan Event {
	return s.events
}

// State returns the current session state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ID returns the identifier of the current or most recent run, or ""
// before the first Start.
func (s *Session) ID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

// Messages returns a snapshot of the conversation log.
func (s *Session) Messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Message(nil), s.messages...)
}

// Start acquires the capture stream and enters listening. Starting an
// active or mid-start session is a no-op. A capture acquisition
// failure is fatal: the session stays idle and the returned error
// carries the user-facing notice.
func (s *Session) Start(ctx context.Context) error {
	if !s.starting.CompareAndSwap(false, true) {
		return nil
	}
	defer s.starting.Store(false)

	s.mu.Lock()
	if s.state != StateIdle {
		s.mu.Unlock()
		return nil
	}
	s.epoch++
	epoch := s.epoch
	s.mu.Unlock()

	probe := NewWaveformProbe(s.config.Audio, s.config.ProbeWindowMs)
	capture, err := NewCaptureSession(ctx, s.mic, probe, s.debug)
	if err != nil {
		capErr := NewCapabilityError("capture unavailable", err)
		s.emit(ErrorEvent{Err: capErr, Notice: capErr.UserMessage()})
		return capErr
	}

	s.mu.Lock()
	if s.epoch != epoch {
		// End arrived while the capture stream was being acquired;
		// the run is already dead. Release the stream and stay idle.
		s.mu.Unlock()
		capture.EndWindow()
		if err := capture.Close(); err != nil {
			s.debug("SESSION", "capture close: "+err.Error())
		}
		return nil
	}
	s.id = uuid.New().String()
	id := s.id
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.capture = capture
	s.probe = probe
	s.vad = NewEnergyVAD(s.config.VAD, probe, capture)
	s.vad.SetCallbacks(
		func(loudness float64) { s.handleSpeech(epoch, loudness) },
		func() { go s.handleCommit(epoch) },
		func(loudness float64, speech bool) { s.handleLevel(epoch, loudness, speech) },
		s.debug,
	)
	s.mu.Unlock()

	s.emit(SessionStartedEvent{SessionID: id})
	s.beginListening(epoch)
	return nil
}

// End tears the session down and returns to idle. Safe to call from
// any state, any number of times. In-flight continuations from this
// run are invalidated immediately.
func (s *Session) End() {
	s.mu.Lock()
	if s.state == StateIdle {
		// A concurrent Start may be mid-acquisition with the state
		// still idle. Bumping the epoch makes that start abort instead
		// of bringing up a session the user already ended.
		if s.starting.Load() {
			s.epoch++
		}
		s.mu.Unlock()
		return
	}
	s.epoch++
	id := s.id
	prev := s.state
	s.state = StateIdle
	cancel := s.cancel
	capture := s.capture
	vad := s.vad
	s.cancel = nil
	s.capture = nil
	s.vad = nil
	s.probe = nil
	s.mu.Unlock()

	if vad != nil {
		vad.Stop()
	}
	if cancel != nil {
		cancel()
	}
	if capture != nil {
		capture.EndWindow()
		if err := capture.Close(); err != nil {
			s.debug("SESSION", "capture close: "+err.Error())
		}
	}

	s.emit(StateChangedEvent{From: prev, To: StateIdle})
	s.emit(SessionEndedEvent{SessionID: id, Reason: "ended"})
}

// current reports whether epoch is still the live run.
func (s *Session) current(epoch uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.epoch == epoch
}

func (s *Session) beginListening(epoch uint64) {
	s.mu.Lock()
	if s.epoch != epoch {
		s.mu.Unlock()
		return
	}
	prev := s.state
	s.state = StateListening
	vad := s.vad
	capture := s.capture
	ctx := s.ctx
	s.mu.Unlock()

	vad.Reset()
	capture.BeginWindow()
	vad.Start(ctx)

	s.emit(StateChangedEvent{From: prev, To: StateListening})
	s.debug("SESSION", "listening")
}

func (s *Session) handleSpeech(epoch uint64, loudness float64) {
	s.mu.Lock()
	if s.epoch != epoch || s.state != StateListening {
		s.mu.Unlock()
		return
	}
	s.state = StateSpeaking
	s.mu.Unlock()

	s.emit(StateChangedEvent{From: StateListening, To: StateSpeaking})
	s.emit(SpeechStartedEvent{Loudness: loudness})
}

func (s *Session) handleLevel(epoch uint64, loudness float64, speech bool) {
	s.mu.Lock()
	live := s.epoch == epoch && (s.state == StateListening || s.state == StateSpeaking)
	s.mu.Unlock()
	if live {
		s.emit(EnergyLevelEvent{Loudness: loudness, Speech: speech})
	}
}

// handleCommit runs on the silence timer's goroutine. It freezes the
// turn after a short grace so fragments already in flight still land,
// gates out noise, and hands real turns to processTurn.
func (s *Session) handleCommit(epoch uint64) {
	s.mu.Lock()
	if s.epoch != epoch {
		s.mu.Unlock()
		return
	}
	prev := s.state
	s.state = StateProcessing
	vad := s.vad
	capture := s.capture
	ctx := s.ctx
	s.mu.Unlock()

	s.emit(StateChangedEvent{From: prev, To: StateProcessing})

	vad.Stop()
	if !s.wait(ctx, time.Duration(s.config.CommitGraceMs)*time.Millisecond) {
		return
	}
	if !s.current(epoch) {
		return
	}

	capture.EndWindow()
	audio := capture.TakeWindow()
	speechTicks := vad.SpeechRun()

	if len(audio) < s.config.MinTurnBytes || speechTicks < s.config.VAD.MinSpeechTicks {
		s.debug("SESSION", fmt.Sprintf("noise gate: %d bytes, %d ticks", len(audio), speechTicks))
		s.emit(TurnDiscardedEvent{AudioBytes: len(audio), SpeechTicks: speechTicks})
		s.beginListening(epoch)
		return
	}

	s.emit(TurnCommittedEvent{AudioBytes: len(audio), SpeechTicks: speechTicks})
	s.processTurn(ctx, epoch, audio)
}

func (s *Session) processTurn(ctx context.Context, epoch uint64, audio []byte) {
	s.mu.Lock()
	history := append([]Message(nil), s.messages...)
	s.mu.Unlock()

	resp, err := s.exchange.Submit(ctx, ExchangeRequest{Audio: audio, History: history})
	if !s.current(epoch) {
		return
	}
	if err != nil {
		// Keep the typed error when the client produced one so a
		// service-sent detail survives to the user-facing notice.
		var exErr *Error
		if !errors.As(err, &exErr) {
			exErr = NewExchangeError("submit turn", err)
		}
		s.debug("SESSION", "exchange failed: "+err.Error())
		s.emit(ErrorEvent{Err: exErr, Notice: exErr.UserMessage()})
		s.beginListening(epoch)
		return
	}

	// Both sides of the turn land together so no reader ever sees the
	// user message without its reply.
	s.mu.Lock()
	if s.epoch == epoch {
		s.messages = append(s.messages,
			Message{Role: RoleUser, Content: resp.Transcript},
			Message{Role: RoleAssistant, Content: resp.ReplyText, Translation: resp.Translation},
		)
	}
	s.mu.Unlock()

	s.emit(ExchangeCompletedEvent{
		Transcript:  resp.Transcript,
		ReplyText:   resp.ReplyText,
		Translation: resp.Translation,
	})

	s.playReply(ctx, epoch, resp.AudioBase64)
}

func (s *Session) playReply(ctx context.Context, epoch uint64, audioBase64 string) {
	audio, decodeErr := base64.StdEncoding.DecodeString(audioBase64)
	if decodeErr != nil {
		s.debug("SESSION", "reply audio decode failed: "+decodeErr.Error())
		audio = nil
	}

	s.mu.Lock()
	if s.epoch != epoch {
		s.mu.Unlock()
		return
	}
	prev := s.state
	s.state = StatePlaying
	s.mu.Unlock()

	s.emit(StateChangedEvent{From: prev, To: StatePlaying})
	s.emit(PlaybackStartedEvent{AudioBytes: len(audio)})

	// Playback errors are folded into completion; the loop re-arms
	// regardless.
	if decodeErr != nil {
		s.emit(ErrorEvent{Err: NewPlaybackError("decode reply audio", decodeErr)})
	} else if err := s.playback.Play(ctx, audio); err != nil {
		var pbErr *Error
		if !errors.As(err, &pbErr) {
			pbErr = NewPlaybackError("play reply", err)
		}
		s.emit(ErrorEvent{Err: pbErr})
	}

	if !s.current(epoch) {
		return
	}
	s.emit(PlaybackFinishedEvent{})

	// Brief pause so the microphone does not hear the speaker's tail.
	if !s.wait(ctx, time.Duration(s.config.PostPlayPauseMs)*time.Millisecond) {
		return
	}
	s.beginListening(epoch)
}

// wait sleeps for d unless ctx is cancelled first. Returns false on
// cancellation.
func (s *Session) wait(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx == nil || ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// emit delivers an event without blocking; events are dropped when the
// channel is full.
func (s *Session) emit(event Event) {
	select {
	case s.events <- event:
	default:
	}
}

func (s *Session) debug(category, message string) {
	s.emit(DebugEvent{Category: category, Message: message})
}
