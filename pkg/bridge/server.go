// Package bridge exposes turn-taking sessions over a websocket. A
// client streams raw microphone PCM up as binary frames; the bridge
// runs the voice-activity detection and conversation loop server-side
// and streams JSON events and reply audio back down.
package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/voxloop/voxloop/pkg/core/turn"
	"github.com/voxloop/voxloop/pkg/exchange"
)

// Server is the voxloop bridge server.
type Server struct {
	config *Config
	logger *slog.Logger

	exchange turn.ExchangeClient

	httpServer *http.Server
	mux        *http.ServeMux

	upgrader websocket.Upgrader

	shutdown atomic.Bool

	liveSessions atomic.Int64
}

// NewServer creates a bridge server.
func NewServer(opts ...ConfigOption) (*Server, error) {
	config := DefaultConfig()
	for _, opt := range opts {
		opt(config)
	}

	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		config:   config,
		logger:   logger,
		exchange: exchange.NewClient(config.ExchangeURL, exchange.WithWAV(config.Session.Audio)),
		upgrader: websocket.Upgrader{
			HandshakeTimeout: 10 * time.Second,
			ReadBufferSize:   4096,
			WriteBufferSize:  4096,
			CheckOrigin: func(r *http.Request) bool {
				return true // Allow all origins for now; configure per deployment
			},
		},
	}

	s.setupRoutes()
	return s, nil
}

// SetExchangeClient replaces the exchange client. Must be called
// before Start.
func (s *Server) SetExchangeClient(client turn.ExchangeClient) {
	s.exchange = client
}

// Handler returns the server's HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

func (s *Server) setupRoutes() {
	s.mux = http.NewServeMux()
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /v1/session", s.handleSession)
}

// Start starts the server and blocks until it stops.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.mux,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}

	s.logger.Info("bridge starting",
		"addr", addr,
		"exchange_url", s.config.ExchangeURL,
	)

	return s.httpServer.Serve(listener)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.shutdown.Swap(true) {
		return nil
	}

	s.logger.Info("bridge shutting down")

	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

// handleHealth handles health check requests.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := map[string]any{
		"status":        "healthy",
		"live_sessions": s.liveSessions.Load(),
	}

	if hc, ok := s.exchange.(interface{ Health(context.Context) error }); ok {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		exchangeStatus := "healthy"
		if err := hc.Health(ctx); err != nil {
			exchangeStatus = "unreachable"
		}
		health["exchange"] = map[string]any{"status": exchangeStatus}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(health)
}

// handleSession upgrades to a websocket and runs one turn-taking
// session over it. Binary frames are microphone PCM; text frames are
// JSON control messages. Events and reply audio flow back on a single
// writer goroutine.
func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	if s.config.MaxSessions > 0 && s.liveSessions.Load() >= int64(s.config.MaxSessions) {
		http.Error(w, "too many sessions", http.StatusTooManyRequests)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	s.liveSessions.Add(1)
	defer s.liveSessions.Add(-1)

	idleTimeout := s.config.SessionIdleTimeout
	if idleTimeout > 0 {
		conn.SetReadDeadline(time.Now().Add(idleTimeout))
	}

	link := newWSLink(conn, s.config.Session.Audio)
	defer link.Close()

	session := turn.NewSession(s.config.Session, link.Microphone(), link.Player(), s.exchange)
	defer session.End()

	// Forward session events to the client until the link goes down.
	go func() {
		for {
			select {
			case <-link.Done():
				return
			case event := <-session.Events():
				payload, err := encodeEvent(event)
				if err != nil {
					continue
				}
				if !link.SendText(payload) {
					return
				}
			}
		}
	}()

	s.logger.Info("session connected", "remote", r.RemoteAddr)

	for {
		msgType, message, err := conn.ReadMessage()
		if err != nil {
			break
		}
		if idleTimeout > 0 {
			conn.SetReadDeadline(time.Now().Add(idleTimeout))
		}

		if msgType == websocket.BinaryMessage {
			link.PushAudio(message)
			continue
		}

		var msg clientMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			link.SendText(encodeProtocolError("Invalid JSON: " + err.Error()))
			continue
		}

		switch msg.Type {
		case "session.start":
			if err := session.Start(r.Context()); err != nil {
				s.logger.Warn("session start failed", "error", err)
			}
		case "session.end":
			session.End()
		case "playback.finished":
			link.MarkPlaybackFinished()
		default:
			link.SendText(encodeProtocolError("Unknown message type: " + msg.Type))
		}
	}

	session.End()
	link.Close()
	s.logger.Info("session disconnected", "remote", r.RemoteAddr)
}

type clientMessage struct {
	Type string `json:"type"`
}

type serverEvent struct {
	Type        string  `json:"type"`
	SessionID   string  `json:"session_id,omitempty"`
	State       string  `json:"state,omitempty"`
	From        string  `json:"from,omitempty"`
	Loudness    float64 `json:"loudness,omitempty"`
	Speech      bool    `json:"speech,omitempty"`
	AudioBytes  int     `json:"audio_bytes,omitempty"`
	SpeechTicks int     `json:"speech_ticks,omitempty"`
	Transcript  string  `json:"transcript,omitempty"`
	ReplyText   string  `json:"reply_text,omitempty"`
	Translation string  `json:"translation,omitempty"`
	Notice      string  `json:"notice,omitempty"`
	ErrorKind   string  `json:"error_kind,omitempty"`
	Message     string  `json:"message,omitempty"`
	Category    string  `json:"category,omitempty"`
	Reason      string  `json:"reason,omitempty"`
}

func encodeEvent(event turn.Event) ([]byte, error) {
	out := serverEvent{Type: event.EventType()}

	switch ev := event.(type) {
	case turn.SessionStartedEvent:
		out.SessionID = ev.SessionID
	case turn.SessionEndedEvent:
		out.SessionID = ev.SessionID
		out.Reason = ev.Reason
	case turn.StateChangedEvent:
		out.From = ev.From.String()
		out.State = ev.To.String()
	case turn.SpeechStartedEvent:
		out.Loudness = ev.Loudness
	case turn.EnergyLevelEvent:
		out.Loudness = ev.Loudness
		out.Speech = ev.Speech
	case turn.TurnCommittedEvent:
		out.AudioBytes = ev.AudioBytes
		out.SpeechTicks = ev.SpeechTicks
	case turn.TurnDiscardedEvent:
		out.AudioBytes = ev.AudioBytes
		out.SpeechTicks = ev.SpeechTicks
	case turn.ExchangeCompletedEvent:
		out.Transcript = ev.Transcript
		out.ReplyText = ev.ReplyText
		out.Translation = ev.Translation
	case turn.PlaybackStartedEvent:
		out.AudioBytes = ev.AudioBytes
	case turn.ErrorEvent:
		out.ErrorKind = string(ev.Err.Kind)
		out.Notice = ev.Notice
		out.Message = ev.Err.Message
	case turn.DebugEvent:
		out.Category = ev.Category
		out.Message = ev.Message
	}

	return json.Marshal(out)
}

func encodeProtocolError(message string) []byte {
	payload, _ := json.Marshal(serverEvent{Type: "protocol.error", Message: message})
	return payload
}
