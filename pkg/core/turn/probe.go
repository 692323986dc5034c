package turn

import "sync"

// EnergyProbe yields a loudness measurement for the current input
// waveform. Sample must be cheap enough to call at the VAD polling
// rate and must never block. ok is false when no audio is attached;
// callers treat that as silence.
type EnergyProbe interface {
	Sample() (loudness float64, ok bool)
}

// WaveformProbe is an EnergyProbe backed by a fixed-size ring of the
// most recently captured PCM. The capture loop feeds it continuously,
// independent of whether a turn is being collected.
type WaveformProbe struct {
	mu       sync.Mutex
	data     []byte
	size     int
	writePos int
	filled   int
}

// NewWaveformProbe creates a probe whose window holds windowMs of
// audio in the given format.
func NewWaveformProbe(cfg AudioConfig, windowMs int) *WaveformProbe {
	size := cfg.BytesForDurationMs(windowMs)
	if size < 2 {
		size = 2
	}
	// Keep sample alignment so 16-bit frames never straddle the seam.
	size -= size % 2
	return &WaveformProbe{
		data: make([]byte, size),
		size: size,
	}
}

// Feed appends captured PCM to the window, overwriting the oldest data.
func (p *WaveformProbe) Feed(pcm []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, b := range pcm {
		p.data[p.writePos] = b
		p.writePos = (p.writePos + 1) % p.size
		if p.filled < p.size {
			p.filled++
		}
	}
}

// Sample computes the loudness of the current window. ok is false
// until the probe has received any audio.
func (p *WaveformProbe) Sample() (float64, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.filled == 0 {
		return 0, false
	}

	// RMS is order-independent, so the ring can be read in place.
	return Loudness(p.data[:p.filled]), true
}

// Reset discards the window contents.
func (p *WaveformProbe) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.writePos = 0
	p.filled = 0
}
