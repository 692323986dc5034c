package bridge

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/voxloop/voxloop/pkg/core/turn"
)

// playbackTimeout bounds how long the bridge waits for a client's
// playback.finished mark before treating playback as done anyway.
const playbackTimeout = 60 * time.Second

// wsLink adapts one websocket connection into the capture and playback
// endpoints a turn session needs. All outbound traffic funnels through
// a single writer goroutine; gorilla/websocket allows only one
// concurrent writer per connection.
type wsLink struct {
	conn  *websocket.Conn
	audio turn.AudioConfig

	outbound chan wsFrame
	quit     chan struct{}

	playbackDone chan struct{}

	mu     sync.Mutex
	stream *wsRecordStream

	closeOnce sync.Once
}

type wsFrame struct {
	binary bool
	data   []byte
}

func newWSLink(conn *websocket.Conn, audio turn.AudioConfig) *wsLink {
	l := &wsLink{
		conn:         conn,
		audio:        audio,
		outbound:     make(chan wsFrame, 64),
		quit:         make(chan struct{}),
		playbackDone: make(chan struct{}, 1),
	}
	go l.writeLoop()
	return l
}

func (l *wsLink) writeLoop() {
	for {
		select {
		case <-l.quit:
			return
		case frame := <-l.outbound:
			msgType := websocket.TextMessage
			if frame.binary {
				msgType = websocket.BinaryMessage
			}
			if err := l.conn.WriteMessage(msgType, frame.data); err != nil {
				l.Close()
				return
			}
		}
	}
}

func (l *wsLink) send(frame wsFrame) bool {
	select {
	case <-l.quit:
		return false
	case l.outbound <- frame:
		return true
	}
}

// SendText queues a text frame. Returns false once the link is closed.
func (l *wsLink) SendText(payload []byte) bool {
	return l.send(wsFrame{data: payload})
}

// PushAudio routes an inbound binary frame to the active capture
// stream, if any.
func (l *wsLink) PushAudio(pcm []byte) {
	l.mu.Lock()
	stream := l.stream
	l.mu.Unlock()
	if stream != nil {
		stream.push(pcm)
	}
}

// MarkPlaybackFinished records the client's playback completion mark.
func (l *wsLink) MarkPlaybackFinished() {
	select {
	case l.playbackDone <- struct{}{}:
	default:
	}
}

// Microphone returns the capture endpoint for this link.
func (l *wsLink) Microphone() turn.Microphone {
	return &wsMicrophone{link: l}
}

// Player returns the playback endpoint for this link.
func (l *wsLink) Player() turn.Player {
	return &wsPlayer{link: l}
}

// Close tears the link down. The active capture stream is closed so
// the session's pump goroutine unblocks.
func (l *wsLink) Close() {
	l.closeOnce.Do(func() {
		close(l.quit)
		l.mu.Lock()
		stream := l.stream
		l.stream = nil
		l.mu.Unlock()
		if stream != nil {
			stream.Close()
		}
	})
}

// Done is closed when the link shuts down.
func (l *wsLink) Done() <-chan struct{} {
	return l.quit
}

func (l *wsLink) closed() bool {
	select {
	case <-l.quit:
		return true
	default:
		return false
	}
}

// wsMicrophone hands out one capture stream per acquisition. Each
// session start gets a fresh stream; the previous one, if still open,
// is detached and closed.
type wsMicrophone struct {
	link *wsLink
}

func (m *wsMicrophone) Acquire(ctx context.Context) (turn.RecordStream, error) {
	if m.link.closed() {
		return nil, errors.New("connection closed")
	}

	stream := newWSRecordStream()
	m.link.mu.Lock()
	prev := m.link.stream
	m.link.stream = stream
	m.link.mu.Unlock()
	if prev != nil {
		prev.Close()
	}
	return stream, nil
}

// wsRecordStream buffers inbound PCM frames for the capture pump.
// Frames arriving faster than the pump drains them are dropped.
type wsRecordStream struct {
	mu     sync.Mutex
	frags  chan []byte
	closed bool
}

func newWSRecordStream() *wsRecordStream {
	return &wsRecordStream{
		frags: make(chan []byte, 256),
	}
}

func (s *wsRecordStream) push(pcm []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	frame := make([]byte, len(pcm))
	copy(frame, pcm)
	select {
	case s.frags <- frame:
	default:
	}
}

func (s *wsRecordStream) Fragments() <-chan []byte { return s.frags }

// Running is always true while open; the remote client owns the real
// device state.
func (s *wsRecordStream) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed
}

func (s *wsRecordStream) Resume() error { return nil }

func (s *wsRecordStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.frags)
	return nil
}

// wsPlayer ships reply audio to the client as one binary frame and
// waits for the playback.finished mark.
type wsPlayer struct {
	link *wsLink
}

func (p *wsPlayer) Play(ctx context.Context, audio []byte) error {
	// Drop any stale mark from a previous reply.
	select {
	case <-p.link.playbackDone:
	default:
	}

	if !p.link.send(wsFrame{binary: true, data: audio}) {
		return errors.New("connection closed")
	}

	timer := time.NewTimer(playbackTimeout)
	defer timer.Stop()
	select {
	case <-p.link.playbackDone:
		return nil
	case <-p.link.quit:
		return errors.New("connection closed")
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
