package turn

import (
	"math"
	"sync"
)

// loudnessScale maps normalized RMS (0..1) onto the 0..128 loudness
// unit the VAD thresholds are expressed in.
const loudnessScale = 128

// Loudness computes the RMS deviation of 16-bit signed little-endian
// PCM from its center level, scaled to 0..128.
func Loudness(pcm []byte) float64 {
	samples := len(pcm) / 2
	if samples == 0 {
		return 0
	}

	var sum float64
	for i := 0; i+1 < len(pcm); i += 2 {
		sample := int16(pcm[i]) | int16(pcm[i+1])<<8
		normalized := float64(sample) / 32768.0
		sum += normalized * normalized
	}

	return math.Sqrt(sum/float64(samples)) * loudnessScale
}

// TurnBuffer accumulates the audio fragments of one listening window.
// It is owned by the CaptureSession and read exactly once per turn via
// Take, which hands the collected bytes off atomically.
type TurnBuffer struct {
	mu   sync.Mutex
	data []byte
}

// NewTurnBuffer returns an empty turn buffer.
func NewTurnBuffer() *TurnBuffer {
	return &TurnBuffer{}
}

// Append adds a captured fragment to the buffer.
func (b *TurnBuffer) Append(fragment []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.data = append(b.data, fragment...)
}

// Len returns the current buffer size in bytes.
func (b *TurnBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.data)
}

// Take returns the buffered audio and leaves the buffer empty.
func (b *TurnBuffer) Take() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	data := b.data
	b.data = nil
	return data
}

// Clear empties the buffer.
func (b *TurnBuffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.data = nil
}
