package turn

// VADConfig configures energy-based voice activity detection.
//
// The detector is edge-triggered with hysteresis: it trades a fixed
// MinSpeechTicks*PollIntervalMs reaction latency for robustness
// against short noise blips.
type VADConfig struct {
	// SpeechThreshold is the loudness above which a polling tick
	// counts as speech. Loudness is RMS over the current waveform
	// window scaled to 0..128. Default: 15.
	SpeechThreshold float64 `json:"speech_threshold" yaml:"speech_threshold"`

	// MinSpeechTicks is how many consecutive speech ticks are required
	// before a turn becomes eligible for commit. Ticks below this
	// never arm the silence timer. Default: 3.
	MinSpeechTicks int `json:"min_speech_ticks" yaml:"min_speech_ticks"`

	// SilenceHoldMs is the sustained sub-threshold duration after
	// eligible speech before the turn auto-commits. Default: 800.
	SilenceHoldMs int `json:"silence_hold_ms" yaml:"silence_hold_ms"`

	// PollIntervalMs is the sampling cadence. Default: 100.
	PollIntervalMs int `json:"poll_interval_ms" yaml:"poll_interval_ms"`
}

// DefaultVADConfig returns a VADConfig with sensible defaults.
func DefaultVADConfig() VADConfig {
	return VADConfig{
		SpeechThreshold: 15,
		MinSpeechTicks:  3,
		SilenceHoldMs:   800,
		PollIntervalMs:  100,
	}
}

// SessionConfig holds all configuration for a turn-taking session.
type SessionConfig struct {
	// VAD configures voice activity detection.
	VAD VADConfig `json:"vad" yaml:"vad"`

	// Audio describes the capture stream format.
	Audio AudioConfig `json:"audio" yaml:"audio"`

	// CommitGraceMs is how long to wait after a commit signal before
	// freezing the turn buffer, so capture fragments already in
	// flight can still land. Empirical, not a correctness guarantee.
	// Default: 150.
	CommitGraceMs int `json:"commit_grace_ms" yaml:"commit_grace_ms"`

	// PostPlayPauseMs is the pause after reply playback before
	// listening re-arms, so the microphone does not pick up the tail
	// of the device's own speaker output. Default: 250.
	PostPlayPauseMs int `json:"post_play_pause_ms" yaml:"post_play_pause_ms"`

	// MinTurnBytes is the smallest frozen buffer that is worth
	// submitting; anything shorter is discarded as noise. Default: 800.
	MinTurnBytes int `json:"min_turn_bytes" yaml:"min_turn_bytes"`

	// ProbeWindowMs is the waveform window the loudness probe samples
	// over. Default: 100.
	ProbeWindowMs int `json:"probe_window_ms" yaml:"probe_window_ms"`

	// Messages seeds the conversation log with prior history.
	Messages []Message `json:"messages,omitempty" yaml:"messages,omitempty"`
}

// DefaultSessionConfig returns a SessionConfig with sensible defaults.
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		VAD:             DefaultVADConfig(),
		Audio:           DefaultAudioConfig(),
		CommitGraceMs:   150,
		PostPlayPauseMs: 250,
		MinTurnBytes:    800,
		ProbeWindowMs:   100,
	}
}

// AudioConfig specifies audio format parameters for the capture stream.
type AudioConfig struct {
	// SampleRate in Hz. Common values: 16000, 24000, 48000.
	SampleRate int `json:"sample_rate" yaml:"sample_rate"`

	// Channels: 1 for mono, 2 for stereo.
	Channels int `json:"channels" yaml:"channels"`

	// BitsPerSample: typically 16 for PCM.
	BitsPerSample int `json:"bits_per_sample" yaml:"bits_per_sample"`
}

// DefaultAudioConfig returns the standard capture format.
func DefaultAudioConfig() AudioConfig {
	return AudioConfig{
		SampleRate:    16000,
		Channels:      1,
		BitsPerSample: 16,
	}
}

// BytesPerSecond returns the audio byte rate.
func (c AudioConfig) BytesPerSecond() int {
	return c.SampleRate * c.Channels * (c.BitsPerSample / 8)
}

// DurationMs returns the duration in milliseconds for the given byte count.
func (c AudioConfig) DurationMs(bytes int) int {
	if c.BytesPerSecond() == 0 {
		return 0
	}
	return (bytes * 1000) / c.BytesPerSecond()
}

// BytesForDurationMs returns the byte count for the given duration.
func (c AudioConfig) BytesForDurationMs(ms int) int {
	return (c.BytesPerSecond() * ms) / 1000
}
