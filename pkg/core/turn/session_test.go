package turn

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type fakeExchange struct {
	mu       sync.Mutex
	requests []ExchangeRequest

	resp  *ExchangeResponse
	err   error
	delay time.Duration
}

func (e *fakeExchange) Submit(ctx context.Context, req ExchangeRequest) (*ExchangeResponse, error) {
	e.mu.Lock()
	e.requests = append(e.requests, req)
	e.mu.Unlock()

	if e.delay > 0 {
		select {
		case <-time.After(e.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if e.err != nil {
		return nil, e.err
	}
	return e.resp, nil
}

func (e *fakeExchange) calls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.requests)
}

type fakePlayer struct {
	plays atomic.Int32
	err   error
}

func (p *fakePlayer) Play(ctx context.Context, audio []byte) error {
	p.plays.Add(1)
	return p.err
}

// eventRecorder drains a session's event channel into a slice.
type eventRecorder struct {
	mu     sync.Mutex
	events []Event
}

func recordEvents(s *Session) *eventRecorder {
	r := &eventRecorder{}
	go func() {
		for ev := range s.Events() {
			r.mu.Lock()
			r.events = append(r.events, ev)
			r.mu.Unlock()
		}
	}()
	return r
}

func (r *eventRecorder) count(eventType string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.EventType() == eventType {
			n++
		}
	}
	return n
}

func (r *eventRecorder) last(eventType string) Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.events) - 1; i >= 0; i-- {
		if r.events[i].EventType() == eventType {
			return r.events[i]
		}
	}
	return nil
}

func fastSessionConfig() SessionConfig {
	cfg := DefaultSessionConfig()
	cfg.VAD = VADConfig{
		SpeechThreshold: 15,
		MinSpeechTicks:  2,
		SilenceHoldMs:   60,
		PollIntervalMs:  10,
	}
	cfg.CommitGraceMs = 10
	cfg.PostPlayPauseMs = 10
	cfg.MinTurnBytes = 100
	cfg.ProbeWindowMs = 20
	return cfg
}

func TestSessionFullTurn(t *testing.T) {
	stream := newFakeStream()
	mic := &fakeMic{stream: stream}
	exchange := &fakeExchange{
		resp: &ExchangeResponse{
			Transcript:  "hola",
			ReplyText:   "¿cómo estás?",
			Translation: "how are you?",
			AudioBase64: "AAAA",
		},
	}
	player := &fakePlayer{}

	s := NewSession(fastSessionConfig(), mic, player, exchange)
	rec := recordEvents(s)
	defer s.End()

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if s.State() != StateListening {
		t.Fatalf("state after Start = %v, want listening", s.State())
	}

	stream.setLevel(16000)
	if !waitFor(t, 2*time.Second, func() bool { return s.State() == StateSpeaking }) {
		t.Fatalf("never entered speaking, state = %v", s.State())
	}

	// Keep speaking long enough to clear the noise gate, then go quiet.
	time.Sleep(100 * time.Millisecond)
	stream.setLevel(0)

	if !waitFor(t, 3*time.Second, func() bool { return s.State() == StateListening }) {
		t.Fatalf("never returned to listening, state = %v", s.State())
	}

	if exchange.calls() != 1 {
		t.Errorf("exchange called %d times, want 1", exchange.calls())
	}
	if player.plays.Load() != 1 {
		t.Errorf("player invoked %d times, want 1", player.plays.Load())
	}

	msgs := s.Messages()
	if len(msgs) != 2 {
		t.Fatalf("conversation log has %d messages, want 2", len(msgs))
	}
	if msgs[0].Role != RoleUser || msgs[0].Content != "hola" {
		t.Errorf("user message = %+v", msgs[0])
	}
	if msgs[1].Role != RoleAssistant || msgs[1].Content != "¿cómo estás?" || msgs[1].Translation != "how are you?" {
		t.Errorf("assistant message = %+v", msgs[1])
	}

	if rec.count("speech.started") != 1 {
		t.Errorf("speech.started emitted %d times, want 1", rec.count("speech.started"))
	}
	if ev, ok := rec.last("speech.started").(SpeechStartedEvent); !ok || ev.Loudness <= 15 {
		t.Errorf("speech.started loudness = %+v, want above the speech threshold", rec.last("speech.started"))
	}
	if ev, ok := rec.last("playback.started").(PlaybackStartedEvent); !ok || ev.AudioBytes != 3 {
		t.Errorf("playback.started = %+v, want 3 decoded audio bytes", rec.last("playback.started"))
	}
	if rec.count("turn.committed") != 1 {
		t.Errorf("turn.committed emitted %d times, want 1", rec.count("turn.committed"))
	}
	if rec.count("exchange.completed") != 1 {
		t.Errorf("exchange.completed emitted %d times, want 1", rec.count("exchange.completed"))
	}
	if rec.count("playback.finished") != 1 {
		t.Errorf("playback.finished emitted %d times, want 1", rec.count("playback.finished"))
	}
}

func TestSessionNoiseDiscard(t *testing.T) {
	stream := newFakeStream()
	mic := &fakeMic{stream: stream}
	exchange := &fakeExchange{resp: &ExchangeResponse{}}

	cfg := fastSessionConfig()
	// Gate everything out: no turn this short can pass.
	cfg.MinTurnBytes = 1 << 24

	s := NewSession(cfg, mic, nil, exchange)
	rec := recordEvents(s)
	defer s.End()

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	stream.setLevel(16000)
	if !waitFor(t, 2*time.Second, func() bool { return s.State() == StateSpeaking }) {
		t.Fatal("never entered speaking")
	}
	stream.setLevel(0)

	if !waitFor(t, 3*time.Second, func() bool { return rec.count("turn.discarded") == 1 }) {
		t.Fatal("turn was not discarded")
	}
	if !waitFor(t, time.Second, func() bool { return s.State() == StateListening }) {
		t.Fatalf("not listening after discard, state = %v", s.State())
	}

	if exchange.calls() != 0 {
		t.Errorf("exchange called %d times for a discarded turn, want 0", exchange.calls())
	}
	if rec.count("error") != 0 {
		t.Errorf("discard surfaced %d error events, want 0", rec.count("error"))
	}
	if len(s.Messages()) != 0 {
		t.Errorf("conversation log grew on a discarded turn")
	}
}

func TestSessionExchangeFailure(t *testing.T) {
	stream := newFakeStream()
	mic := &fakeMic{stream: stream}
	exchange := &fakeExchange{err: errors.New("upstream 500")}

	s := NewSession(fastSessionConfig(), mic, nil, exchange)
	rec := recordEvents(s)
	defer s.End()

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	stream.setLevel(16000)
	waitFor(t, 2*time.Second, func() bool { return s.State() == StateSpeaking })
	time.Sleep(100 * time.Millisecond)
	stream.setLevel(0)

	if !waitFor(t, 3*time.Second, func() bool { return rec.count("error") == 1 }) {
		t.Fatal("exchange failure was not surfaced")
	}

	ev := rec.last("error").(ErrorEvent)
	if ev.Err.Kind != ErrorKindExchange {
		t.Errorf("error kind = %v, want exchange", ev.Err.Kind)
	}
	if ev.Notice != ExchangeFailureNotice {
		t.Errorf("notice = %q, want the generic fallback", ev.Notice)
	}

	if !waitFor(t, time.Second, func() bool { return s.State() == StateListening }) {
		t.Fatalf("not listening after exchange failure, state = %v", s.State())
	}
	if len(s.Messages()) != 0 {
		t.Errorf("conversation log grew on a failed exchange")
	}
}

func TestSessionExchangeFailureSurfacesDetail(t *testing.T) {
	stream := newFakeStream()
	mic := &fakeMic{stream: stream}
	exchange := &fakeExchange{err: &Error{
		Kind:    ErrorKindExchange,
		Message: "exchange service returned status 500",
		Detail:  "Voice chat error: model overloaded",
	}}

	s := NewSession(fastSessionConfig(), mic, nil, exchange)
	rec := recordEvents(s)
	defer s.End()

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	stream.setLevel(16000)
	waitFor(t, 2*time.Second, func() bool { return s.State() == StateSpeaking })
	time.Sleep(100 * time.Millisecond)
	stream.setLevel(0)

	if !waitFor(t, 3*time.Second, func() bool { return rec.count("error") == 1 }) {
		t.Fatal("exchange failure was not surfaced")
	}

	ev := rec.last("error").(ErrorEvent)
	if ev.Err.Detail != "Voice chat error: model overloaded" {
		t.Errorf("error detail = %q, want the service's explanation", ev.Err.Detail)
	}
	if ev.Notice != "Voice chat error: model overloaded" {
		t.Errorf("notice = %q, want the service's explanation, not the generic fallback", ev.Notice)
	}

	if !waitFor(t, time.Second, func() bool { return s.State() == StateListening }) {
		t.Fatalf("not listening after exchange failure, state = %v", s.State())
	}
}

func TestSessionPlaybackFailureIsSilent(t *testing.T) {
	stream := newFakeStream()
	mic := &fakeMic{stream: stream}
	exchange := &fakeExchange{
		resp: &ExchangeResponse{Transcript: "hi", ReplyText: "hello", AudioBase64: "AAAA"},
	}
	player := &fakePlayer{err: errors.New("no output device")}

	s := NewSession(fastSessionConfig(), mic, player, exchange)
	rec := recordEvents(s)
	defer s.End()

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	stream.setLevel(16000)
	waitFor(t, 2*time.Second, func() bool { return s.State() == StateSpeaking })
	time.Sleep(100 * time.Millisecond)
	stream.setLevel(0)

	if !waitFor(t, 3*time.Second, func() bool { return rec.count("playback.finished") == 1 }) {
		t.Fatal("playback failure did not count as completion")
	}
	if !waitFor(t, time.Second, func() bool { return s.State() == StateListening }) {
		t.Fatalf("not listening after playback failure, state = %v", s.State())
	}

	if ev := rec.last("error"); ev != nil {
		if notice := ev.(ErrorEvent).Notice; notice != "" {
			t.Errorf("playback failure surfaced notice %q, want silent", notice)
		}
	}
	if len(s.Messages()) != 2 {
		t.Errorf("conversation log has %d messages, want 2", len(s.Messages()))
	}
}

func TestSessionCaptureDenied(t *testing.T) {
	mic := &fakeMic{err: errors.New("permission denied")}
	s := NewSession(fastSessionConfig(), mic, nil, &fakeExchange{})
	rec := recordEvents(s)

	err := s.Start(context.Background())
	if err == nil {
		t.Fatal("Start succeeded with a denied microphone")
	}

	var sessionErr *Error
	if !errors.As(err, &sessionErr) || sessionErr.Kind != ErrorKindCapability {
		t.Fatalf("Start error = %v, want a capability error", err)
	}
	if got := sessionErr.UserMessage(); got != MicDeniedNotice {
		t.Errorf("UserMessage() = %q, want the mic-denied notice", got)
	}

	if s.State() != StateIdle {
		t.Errorf("state after denied Start = %v, want idle", s.State())
	}
	if !waitFor(t, time.Second, func() bool { return rec.count("error") == 1 }) {
		t.Error("capability error was not emitted")
	}
	if rec.count("session.started") != 0 {
		t.Error("session.started emitted for a failed Start")
	}
}

func TestSessionEndIdempotent(t *testing.T) {
	stream := newFakeStream()
	mic := &fakeMic{stream: stream}

	s := NewSession(fastSessionConfig(), mic, nil, &fakeExchange{})
	rec := recordEvents(s)

	// End before any Start is a no-op.
	s.End()
	if rec.count("session.ended") != 0 {
		t.Error("session.ended emitted for an idle session")
	}

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	s.End()
	s.End()
	s.End()

	if s.State() != StateIdle {
		t.Errorf("state after End = %v, want idle", s.State())
	}
	time.Sleep(50 * time.Millisecond)
	if got := rec.count("session.ended"); got != 1 {
		t.Errorf("session.ended emitted %d times, want 1", got)
	}
}

func TestSessionEndInvalidatesInFlightTurn(t *testing.T) {
	stream := newFakeStream()
	mic := &fakeMic{stream: stream}
	exchange := &fakeExchange{
		resp:  &ExchangeResponse{Transcript: "hi", ReplyText: "hello", AudioBase64: "AAAA"},
		delay: 300 * time.Millisecond,
	}
	player := &fakePlayer{}

	s := NewSession(fastSessionConfig(), mic, player, exchange)
	defer s.End()

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	stream.setLevel(16000)
	waitFor(t, 2*time.Second, func() bool { return s.State() == StateSpeaking })
	time.Sleep(100 * time.Millisecond)
	stream.setLevel(0)

	if !waitFor(t, 3*time.Second, func() bool { return s.State() == StateProcessing }) {
		t.Fatal("never entered processing")
	}

	// Tear down while the exchange call is in flight.
	s.End()
	time.Sleep(500 * time.Millisecond)

	if s.State() != StateIdle {
		t.Errorf("state = %v after End, want idle", s.State())
	}
	if player.plays.Load() != 0 {
		t.Errorf("stale turn reached playback %d times, want 0", player.plays.Load())
	}
	if len(s.Messages()) != 0 {
		t.Errorf("stale turn appended %d messages, want 0", len(s.Messages()))
	}
}

// gatedMic blocks Acquire until the gate opens, so tests can interleave
// other calls with a Start that is mid-acquisition.
type gatedMic struct {
	stream *fakeStream
	gate   chan struct{}
}

func (m *gatedMic) Acquire(ctx context.Context) (RecordStream, error) {
	<-m.gate
	return m.stream, nil
}

func TestSessionEndDuringStartAborts(t *testing.T) {
	stream := newFakeStream()
	mic := &gatedMic{stream: stream, gate: make(chan struct{})}

	s := NewSession(fastSessionConfig(), mic, nil, &fakeExchange{})
	rec := recordEvents(s)

	done := make(chan error, 1)
	go func() { done <- s.Start(context.Background()) }()

	// Let Start reach the blocked acquisition, then end the session
	// before the stream comes back.
	time.Sleep(50 * time.Millisecond)
	s.End()
	close(mic.gate)

	if err := <-done; err != nil {
		t.Fatalf("Start: %v", err)
	}
	if s.State() != StateIdle {
		t.Errorf("state = %v after End during Start, want idle", s.State())
	}
	if !waitFor(t, time.Second, func() bool { return stream.closed() }) {
		t.Error("acquired stream was not released")
	}

	time.Sleep(50 * time.Millisecond)
	if rec.count("session.started") != 0 {
		t.Error("session.started emitted for an aborted start")
	}
	if rec.count("state.changed") != 0 {
		t.Error("state changed for an aborted start")
	}
}

func TestSessionRestartAfterEnd(t *testing.T) {
	stream := newFakeStream()
	mic := &fakeMic{stream: stream}

	s := NewSession(fastSessionConfig(), mic, nil, &fakeExchange{})
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("first Start: %v", err)
	}
	firstID := s.ID()
	s.End()

	mic.stream = newFakeStream()
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("second Start: %v", err)
	}
	defer s.End()

	if s.State() != StateListening {
		t.Errorf("state after restart = %v, want listening", s.State())
	}
	if s.ID() == firstID {
		t.Error("restart reused the previous session ID")
	}
	if mic.acquired.Load() != 2 {
		t.Errorf("microphone acquired %d times, want 2", mic.acquired.Load())
	}
}

func TestSessionStartWhileActiveIsNoOp(t *testing.T) {
	stream := newFakeStream()
	mic := &fakeMic{stream: stream}

	s := NewSession(fastSessionConfig(), mic, nil, &fakeExchange{})
	defer s.End()

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Errorf("second Start returned %v, want nil no-op", err)
	}
	if mic.acquired.Load() != 1 {
		t.Errorf("microphone acquired %d times, want 1", mic.acquired.Load())
	}
}

func TestSessionSeededHistoryIsForwarded(t *testing.T) {
	stream := newFakeStream()
	mic := &fakeMic{stream: stream}
	exchange := &fakeExchange{
		resp: &ExchangeResponse{Transcript: "second", ReplyText: "reply"},
	}

	cfg := fastSessionConfig()
	cfg.Messages = []Message{
		{Role: RoleUser, Content: "first"},
		{Role: RoleAssistant, Content: "welcome"},
	}

	s := NewSession(cfg, mic, nil, exchange)
	defer s.End()

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	stream.setLevel(16000)
	waitFor(t, 2*time.Second, func() bool { return s.State() == StateSpeaking })
	time.Sleep(100 * time.Millisecond)
	stream.setLevel(0)

	if !waitFor(t, 3*time.Second, func() bool { return exchange.calls() == 1 }) {
		t.Fatal("exchange was never called")
	}

	exchange.mu.Lock()
	history := exchange.requests[0].History
	exchange.mu.Unlock()
	if len(history) != 2 || history[0].Content != "first" {
		t.Errorf("forwarded history = %+v, want the seeded two messages", history)
	}

	if !waitFor(t, 2*time.Second, func() bool { return len(s.Messages()) == 4 }) {
		t.Errorf("conversation log has %d messages, want 4", len(s.Messages()))
	}
}
