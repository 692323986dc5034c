package turn

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
)

// Microphone opens a capture stream. Implementations wrap whatever the
// platform offers (a subprocess piping PCM, a websocket feeding binary
// frames); acquisition failure is fatal to session start.
type Microphone interface {
	Acquire(ctx context.Context) (RecordStream, error)
}

// RecordStream is a live capture stream delivering raw PCM fragments.
// Fragments is closed when the stream ends. Running and Resume expose
// the underlying pipeline state for the VAD's liveness check.
type RecordStream interface {
	Fragments() <-chan []byte
	Running() bool
	Resume() error
	Close() error
}

// CaptureSession pumps fragments from a record stream into the loudness
// probe, and into the turn buffer while a collection window is open.
// The probe is fed unconditionally so the VAD can see energy between
// turns; the buffer only fills between BeginWindow and EndWindow.
//
// CaptureSession implements Pipeline by delegating to the stream.
type CaptureSession struct {
	stream RecordStream
	probe  *WaveformProbe
	buffer *TurnBuffer

	collecting atomic.Bool

	closeOnce sync.Once
	closeErr  error
	done      chan struct{}

	onDebug func(category, message string)
}

// NewCaptureSession acquires a stream from mic and starts pumping it.
func NewCaptureSession(ctx context.Context, mic Microphone, probe *WaveformProbe, onDebug func(category, message string)) (*CaptureSession, error) {
	stream, err := mic.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire capture stream: %w", err)
	}

	c := &CaptureSession{
		stream:  stream,
		probe:   probe,
		buffer:  NewTurnBuffer(),
		done:    make(chan struct{}),
		onDebug: onDebug,
	}
	go c.pump()
	return c, nil
}

func (c *CaptureSession) pump() {
	defer close(c.done)
	for fragment := range c.stream.Fragments() {
		if len(fragment) == 0 {
			continue
		}
		c.probe.Feed(fragment)
		if c.collecting.Load() {
			c.buffer.Append(fragment)
		}
	}
	c.debug("CAPTURE", "stream ended")
}

// BeginWindow opens a collection window. The buffer is cleared first so
// stale fragments from a previous window never leak into this turn.
func (c *CaptureSession) BeginWindow() {
	c.buffer.Clear()
	c.collecting.Store(true)
}

// EndWindow freezes collection. Fragments arriving afterwards still
// feed the probe but no longer land in the buffer.
func (c *CaptureSession) EndWindow() {
	c.collecting.Store(false)
}

// Collecting reports whether a window is currently open.
func (c *CaptureSession) Collecting() bool {
	return c.collecting.Load()
}

// TakeWindow returns the frozen window's audio and empties the buffer.
func (c *CaptureSession) TakeWindow() []byte {
	return c.buffer.Take()
}

// BufferedBytes returns the current window size.
func (c *CaptureSession) BufferedBytes() int {
	return c.buffer.Len()
}

// Running reports whether the underlying stream is delivering audio.
func (c *CaptureSession) Running() bool {
	return c.stream.Running()
}

// Resume asks the underlying stream to restart delivery.
func (c *CaptureSession) Resume() error {
	return c.stream.Resume()
}

// Close stops collection and releases the capture stream. Idempotent.
func (c *CaptureSession) Close() error {
	c.closeOnce.Do(func() {
		c.collecting.Store(false)
		c.closeErr = c.stream.Close()
		<-c.done
		c.buffer.Clear()
	})
	return c.closeErr
}

func (c *CaptureSession) debug(category, message string) {
	if c.onDebug != nil {
		c.onDebug(category, message)
	}
}
