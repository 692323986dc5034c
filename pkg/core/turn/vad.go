package turn

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Pipeline reports and restores the liveness of the underlying audio
// graph. Capture streams can be suspended out from under a session
// (device sleep, context suspension); the VAD nudges them back before
// trusting any sample.
type Pipeline interface {
	Running() bool
	Resume() error
}

// EnergyVAD classifies audio energy samples as speech or silence and
// raises two signals: sustained speech observed, and end of turn
// (sustained silence after eligible speech).
//
// Per polling tick:
//  1. Pipeline not running → attempt resume, skip classification.
//  2. Sample loudness from the probe; an unavailable probe is silence.
//  3. Loudness above threshold → extend the speech run, cancel any
//     pending silence timer; signal once when the run reaches
//     MinSpeechTicks.
//  4. Loudness at or below threshold with an eligible run → arm the
//     silence timer; its expiry commits the turn.
//
// Ticks before the run reaches MinSpeechTicks never arm the timer, so
// short noise blips are ignored entirely.
type EnergyVAD struct {
	config   VADConfig
	probe    EnergyProbe
	pipeline Pipeline

	mu        sync.Mutex
	ctx       context.Context
	cancel    context.CancelFunc
	speechRun int
	committed bool
	silence   silenceTimer

	// Callbacks for signals
	onSpeech func(loudness float64)
	onCommit func()
	onLevel  func(loudness float64, speech bool)
	onDebug  func(category, message string)
}

// NewEnergyVAD creates a detector over the given probe and pipeline.
// pipeline may be nil when the capture source cannot suspend.
func NewEnergyVAD(config VADConfig, probe EnergyProbe, pipeline Pipeline) *EnergyVAD {
	return &EnergyVAD{
		config:   config,
		probe:    probe,
		pipeline: pipeline,
	}
}

// SetCallbacks sets the signal callbacks for the detector.
func (v *EnergyVAD) SetCallbacks(
	onSpeech func(loudness float64),
	onCommit func(),
	onLevel func(loudness float64, speech bool),
	onDebug func(category, message string),
) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.onSpeech = onSpeech
	v.onCommit = onCommit
	v.onLevel = onLevel
	v.onDebug = onDebug
}

// Start begins polling. A previous polling loop, if any, is stopped
// first; counters carry over until Reset.
func (v *EnergyVAD) Start(ctx context.Context) {
	v.mu.Lock()
	if v.cancel != nil {
		v.cancel()
	}
	v.ctx, v.cancel = context.WithCancel(ctx)
	loopCtx := v.ctx
	v.mu.Unlock()

	go v.pollLoop(loopCtx)
}

// Stop halts polling and disarms any pending silence timer.
func (v *EnergyVAD) Stop() {
	v.mu.Lock()
	if v.cancel != nil {
		v.cancel()
		v.cancel = nil
	}
	v.mu.Unlock()
	v.silence.Cancel()
}

// Reset clears the detector for a fresh listening window.
func (v *EnergyVAD) Reset() {
	v.silence.Cancel()
	v.mu.Lock()
	v.speechRun = 0
	v.committed = false
	v.mu.Unlock()
}

// SpeechRun returns the current count of consecutive speech ticks.
func (v *EnergyVAD) SpeechRun() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.speechRun
}

func (v *EnergyVAD) pollLoop(ctx context.Context) {
	interval := time.Duration(v.config.PollIntervalMs) * time.Millisecond
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			v.tick(ctx)
		}
	}
}

func (v *EnergyVAD) tick(ctx context.Context) {
	if v.pipeline != nil && !v.pipeline.Running() {
		// No usable data this tick; nudge the pipeline and wait for
		// the next poll.
		if err := v.pipeline.Resume(); err != nil {
			v.debug("VAD", "pipeline resume failed: "+err.Error())
		}
		return
	}

	loudness, ok := v.probe.Sample()
	if !ok {
		loudness = 0
	}

	speech := loudness > v.config.SpeechThreshold

	v.mu.Lock()
	if v.committed {
		v.mu.Unlock()
		return
	}

	if speech {
		v.speechRun++
		justSustained := v.speechRun == v.config.MinSpeechTicks
		onSpeech := v.onSpeech
		onLevel := v.onLevel
		v.mu.Unlock()

		v.silence.Cancel()

		if justSustained {
			v.debug("VAD", fmt.Sprintf("sustained speech (loudness %.1f)", loudness))
			if onSpeech != nil {
				onSpeech(loudness)
			}
		}
		if onLevel != nil {
			onLevel(loudness, true)
		}
		return
	}

	eligible := v.speechRun >= v.config.MinSpeechTicks
	onLevel := v.onLevel
	v.mu.Unlock()

	if eligible && !v.silence.Pending() {
		hold := time.Duration(v.config.SilenceHoldMs) * time.Millisecond
		if v.silence.Arm(hold, func() { v.fireCommit(ctx) }) {
			v.debug("VAD", fmt.Sprintf("silence after speech, committing in %dms", v.config.SilenceHoldMs))
		}
	}

	if onLevel != nil {
		onLevel(loudness, false)
	}
}

func (v *EnergyVAD) fireCommit(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}

	v.mu.Lock()
	if v.committed {
		v.mu.Unlock()
		return
	}
	v.committed = true
	onCommit := v.onCommit
	v.mu.Unlock()

	v.debug("VAD", "end of turn")
	if onCommit != nil {
		onCommit()
	}
}

func (v *EnergyVAD) debug(category, message string) {
	v.mu.Lock()
	onDebug := v.onDebug
	v.mu.Unlock()
	if onDebug != nil {
		onDebug(category, message)
	}
}
