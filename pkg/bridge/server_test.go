package bridge

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/voxloop/voxloop/pkg/core/turn"
)

type stubExchange struct {
	mu       sync.Mutex
	requests int

	resp    *turn.ExchangeResponse
	healthy bool
}

func (e *stubExchange) Submit(ctx context.Context, req turn.ExchangeRequest) (*turn.ExchangeResponse, error) {
	e.mu.Lock()
	e.requests++
	e.mu.Unlock()
	return e.resp, nil
}

func (e *stubExchange) Health(ctx context.Context) error {
	if !e.healthy {
		return context.DeadlineExceeded
	}
	return nil
}

func (e *stubExchange) calls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.requests
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func fastTurnConfig() turn.SessionConfig {
	cfg := turn.DefaultSessionConfig()
	cfg.VAD = turn.VADConfig{
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

func newTestServer(t *testing.T, ex *stubExchange) *httptest.Server {
	t.Helper()
	s, err := NewServer(
		WithSessionConfig(fastTurnConfig()),
		WithLogger(quietLogger()),
	)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	s.SetExchangeClient(ex)
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return srv
}

func TestHealthEndpoint(t *testing.T) {
	srv := newTestServer(t, &stubExchange{healthy: true})

	resp, err := http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["status"] != "healthy" {
		t.Errorf("status field = %v, want healthy", body["status"])
	}
	ex, ok := body["exchange"].(map[string]any)
	if !ok || ex["status"] != "healthy" {
		t.Errorf("exchange field = %v, want healthy", body["exchange"])
	}
}

// wsClient drives one websocket session and records what comes back.
type wsClient struct {
	t    *testing.T
	conn *websocket.Conn

	// writeMu serializes frame writes; the feed loop and control
	// messages share one connection.
	writeMu sync.Mutex

	mu     sync.Mutex
	events []map[string]any
	audio  [][]byte

	level atomic.Int32
	quit  chan struct{}
	once  sync.Once
}

func dialSession(t *testing.T, srv *httptest.Server) *wsClient {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/session"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}

	c := &wsClient{t: t, conn: conn, quit: make(chan struct{})}
	go c.readLoop()
	go c.feedLoop()
	t.Cleanup(c.close)
	return c
}

func (c *wsClient) readLoop() {
	for {
		msgType, message, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		c.mu.Lock()
		if msgType == websocket.BinaryMessage {
			c.audio = append(c.audio, message)
		} else {
			var ev map[string]any
			if json.Unmarshal(message, &ev) == nil {
				c.events = append(c.events, ev)
			}
		}
		c.mu.Unlock()
	}
}

// feedLoop streams PCM frames at the client's current level, the same
// way a real client ships microphone audio continuously.
func (c *wsClient) feedLoop() {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-c.quit:
			return
		case <-ticker.C:
			frame := pcmFrame(int16(c.level.Load()), 160)
			c.writeMu.Lock()
			err := c.conn.WriteMessage(websocket.BinaryMessage, frame)
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func (c *wsClient) sendJSON(v any) {
	payload, _ := json.Marshal(v)
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		c.t.Logf("write: %v", err)
	}
}

func (c *wsClient) close() {
	c.once.Do(func() {
		close(c.quit)
		c.conn.Close()
	})
}

func (c *wsClient) eventCount(eventType string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, ev := range c.events {
		if ev["type"] == eventType {
			n++
		}
	}
	return n
}

func (c *wsClient) lastEvent(eventType string) map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := len(c.events) - 1; i >= 0; i-- {
		if c.events[i]["type"] == eventType {
			return c.events[i]
		}
	}
	return nil
}

func (c *wsClient) audioFrames() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.audio)
}

func (c *wsClient) waitFor(timeout time.Duration, cond func() bool) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}

func pcmFrame(value int16, samples int) []byte {
	pcm := make([]byte, samples*2)
	for i := 0; i < samples; i++ {
		pcm[i*2] = byte(value)
		pcm[i*2+1] = byte(value >> 8)
	}
	return pcm
}

func TestSessionOverWebsocket(t *testing.T) {
	ex := &stubExchange{
		resp: &turn.ExchangeResponse{
			Transcript:  "hola",
			ReplyText:   "buenos días",
			Translation: "good morning",
			AudioBase64: "UklGRgAAAAA=",
		},
		healthy: true,
	}
	srv := newTestServer(t, ex)
	c := dialSession(t, srv)

	c.sendJSON(map[string]string{"type": "session.start"})
	if !c.waitFor(2*time.Second, func() bool { return c.eventCount("session.started") == 1 }) {
		t.Fatal("session.started never arrived")
	}

	// Speak, then go quiet.
	c.level.Store(16000)
	if !c.waitFor(3*time.Second, func() bool {
		ev := c.lastEvent("state.changed")
		return ev != nil && ev["state"] == "speaking"
	}) {
		t.Fatal("never entered speaking")
	}
	time.Sleep(150 * time.Millisecond)
	c.level.Store(0)

	// Reply audio should arrive as a binary frame.
	if !c.waitFor(5*time.Second, func() bool { return c.audioFrames() == 1 }) {
		t.Fatal("reply audio never arrived")
	}

	c.sendJSON(map[string]string{"type": "playback.finished"})
	if !c.waitFor(3*time.Second, func() bool {
		ev := c.lastEvent("state.changed")
		return ev != nil && ev["state"] == "listening"
	}) {
		t.Fatal("never returned to listening after playback")
	}

	if ex.calls() != 1 {
		t.Errorf("exchange called %d times, want 1", ex.calls())
	}
	ev := c.lastEvent("exchange.completed")
	if ev == nil || ev["transcript"] != "hola" || ev["translation"] != "good morning" {
		t.Errorf("exchange.completed = %v", ev)
	}

	c.sendJSON(map[string]string{"type": "session.end"})
	if !c.waitFor(2*time.Second, func() bool { return c.eventCount("session.ended") == 1 }) {
		t.Fatal("session.ended never arrived")
	}
}

func TestSessionProtocolError(t *testing.T) {
	srv := newTestServer(t, &stubExchange{healthy: true})
	c := dialSession(t, srv)

	c.sendJSON(map[string]string{"type": "bogus"})
	if !c.waitFor(2*time.Second, func() bool { return c.eventCount("protocol.error") == 1 }) {
		t.Fatal("protocol.error never arrived")
	}
}

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()

	t.Run("defaults when no path", func(t *testing.T) {
		cfg, err := LoadConfig("")
		if err != nil {
			t.Fatalf("LoadConfig: %v", err)
		}
		if cfg.Port != 8090 {
			t.Errorf("Port = %d, want 8090", cfg.Port)
		}
	})

	t.Run("yaml overrides", func(t *testing.T) {
		path := filepath.Join(dir, "bridge.yaml")
		content := "port: 9100\nexchange_url: http://backend:8000\nsession:\n  min_turn_bytes: 1600\n"
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}

		cfg, err := LoadConfig(path)
		if err != nil {
			t.Fatalf("LoadConfig: %v", err)
		}
		if cfg.Port != 9100 {
			t.Errorf("Port = %d, want 9100", cfg.Port)
		}
		if cfg.ExchangeURL != "http://backend:8000" {
			t.Errorf("ExchangeURL = %q", cfg.ExchangeURL)
		}
		if cfg.Session.MinTurnBytes != 1600 {
			t.Errorf("MinTurnBytes = %d, want 1600", cfg.Session.MinTurnBytes)
		}
		// Untouched fields keep their defaults.
		if cfg.Session.VAD.SpeechThreshold != 15 {
			t.Errorf("SpeechThreshold = %v, want default 15", cfg.Session.VAD.SpeechThreshold)
		}
	})

	t.Run("json overrides", func(t *testing.T) {
		path := filepath.Join(dir, "bridge.json")
		if err := os.WriteFile(path, []byte(`{"host":"127.0.0.1","max_sessions":4}`), 0o644); err != nil {
			t.Fatal(err)
		}

		cfg, err := LoadConfig(path)
		if err != nil {
			t.Fatalf("LoadConfig: %v", err)
		}
		if cfg.Host != "127.0.0.1" || cfg.MaxSessions != 4 {
			t.Errorf("cfg = %+v", cfg)
		}
	})

	t.Run("missing file", func(t *testing.T) {
		if _, err := LoadConfig(filepath.Join(dir, "nope.yaml")); err == nil {
			t.Error("LoadConfig succeeded on a missing file")
		}
	})
}
