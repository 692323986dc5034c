package turn

// Event is the interface all session events implement.
type Event interface {
	EventType() string
}

// SessionStartedEvent is emitted once the capture stream is live and
// the session has entered listening.
type SessionStartedEvent struct {
	SessionID string
}

func (SessionStartedEvent) EventType() string { return "session.started" }

// SessionEndedEvent is emitted when the session returns to idle, by
// request or by fatal error.
type SessionEndedEvent struct {
	SessionID string
	Reason    string
}

func (SessionEndedEvent) EventType() string { return "session.ended" }

// StateChangedEvent is emitted on every state transition.
type StateChangedEvent struct {
	From SessionState
	To   SessionState
}

func (StateChangedEvent) EventType() string { return "state.changed" }

// SpeechStartedEvent is emitted once per turn, when the speech run
// first reaches the sustained-speech floor.
type SpeechStartedEvent struct {
	Loudness float64
}

func (SpeechStartedEvent) EventType() string { return "speech.started" }

// EnergyLevelEvent carries the current loudness sample. Emitted every
// polling tick while listening or speaking; consumers typically drive
// level meters with it.
type EnergyLevelEvent struct {
	Loudness float64
	Speech   bool
}

func (EnergyLevelEvent) EventType() string { return "energy.level" }

// TurnCommittedEvent is emitted when a frozen turn passes the noise
// gate and is submitted to the exchange service.
type TurnCommittedEvent struct {
	AudioBytes  int
	SpeechTicks int
}

func (TurnCommittedEvent) EventType() string { return "turn.committed" }

// TurnDiscardedEvent is emitted when a frozen turn fails the noise
// gate. The session re-arms without contacting the exchange service.
type TurnDiscardedEvent struct {
	AudioBytes  int
	SpeechTicks int
}

func (TurnDiscardedEvent) EventType() string { return "turn.discarded" }

// ExchangeCompletedEvent carries the exchange service's reply for a
// submitted turn.
type ExchangeCompletedEvent struct {
	Transcript  string
	ReplyText   string
	Translation string
}

func (ExchangeCompletedEvent) EventType() string { return "exchange.completed" }

// PlaybackStartedEvent is emitted when reply audio starts playing.
type PlaybackStartedEvent struct {
	AudioBytes int
}

func (PlaybackStartedEvent) EventType() string { return "playback.started" }

// PlaybackFinishedEvent is emitted when playback completes or fails;
// failure is folded into completion so the session always re-arms.
type PlaybackFinishedEvent struct{}

func (PlaybackFinishedEvent) EventType() string { return "playback.finished" }

// ErrorEvent carries a classified session failure. Notice is the
// user-facing phrase, empty for silent failures.
type ErrorEvent struct {
	Err    *Error
	Notice string
}

func (ErrorEvent) EventType() string { return "error" }

// DebugEvent carries diagnostic messages.
type DebugEvent struct {
	Category string
	Message  string
}

func (DebugEvent) EventType() string { return "debug" }
