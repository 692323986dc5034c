// Package turn implements the turn-taking controller for hands-free
// voice conversations with a remote exchange service.
//
// The controller continuously listens to a live microphone stream,
// classifies each polling tick as speech or silence by audio energy,
// commits the captured audio when the user pauses, ships it (with the
// prior conversation) to the exchange service, plays the synthesized
// reply, and re-arms listening. There is no per-turn record button.
//
// # Architecture
//
// The package provides these components:
//
//   - Session: the orchestrator that owns the state machine and the
//     conversation log
//   - EnergyVAD: polls audio energy and decides when a turn ends
//   - CaptureSession: one continuously-running recorder per session,
//     gated by a collecting flag
//   - PlaybackController: plays a reply payload to completion and
//     never fails the turn loop
//   - WaveformProbe: RMS loudness over the most recent input window
//
// # Data Flow
//
//	Mic → CaptureSession → WaveformProbe → EnergyVAD
//	                │                          │
//	                └── turn buffer ── commit ─┘
//	                          │
//	               ExchangeClient → PlaybackController → re-arm
//
// # State Machine
//
// A session progresses through these states:
//
//	IDLE → LISTENING → SPEAKING → PROCESSING → PLAYING → LISTENING → …
//	  ↑                                                      │
//	  └────────────────── explicit end ──────────────────────┘
//
// Ending a session is legal from any state and invalidates every
// pending asynchronous continuation: each session run carries an
// epoch, every callback is tagged with the epoch it was issued for,
// and continuations whose epoch no longer matches are dropped.
//
// # Usage
//
//	cfg := turn.DefaultSessionConfig()
//	session := turn.NewSession(cfg, mic, player, exchangeClient)
//
//	if err := session.Start(ctx); err != nil {
//	    log.Fatal(err) // capability error: mic denied, etc.
//	}
//	defer session.End()
//
//	for event := range session.Events() {
//	    switch e := event.(type) {
//	    case turn.ExchangeCompletedEvent:
//	        fmt.Println("You:", e.Transcript)
//	        fmt.Println("Assistant:", e.ReplyText)
//	    }
//	}
package turn
