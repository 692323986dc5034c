// Package exchange implements the HTTP client for the voice exchange
// service: one committed turn of audio goes up as multipart form data,
// the transcript, reply text, translation, and synthesized reply audio
// come back as JSON.
package exchange

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/voxloop/voxloop/pkg/core/turn"
)

const (
	defaultTimeout = 60 * time.Second

	voiceChatPath = "/voice-chat"
	healthPath    = "/health"
)

// Client talks to the exchange service. It implements turn.ExchangeClient.
type Client struct {
	baseURL    string
	httpClient *http.Client
	audio      turn.AudioConfig
	wrapWAV    bool
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithTimeout sets the per-request timeout on the default client.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.httpClient.Timeout = d }
}

// WithWAV wraps outgoing raw PCM in a RIFF header describing the given
// format, for backends that refuse headerless audio.
func WithWAV(audio turn.AudioConfig) Option {
	return func(c *Client) {
		c.audio = audio
		c.wrapWAV = true
	}
}

// NewClient creates a client for the service at baseURL.
func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// outbound message shape: the service only understands role and content.
type wireMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type errorBody struct {
	Detail string `json:"detail"`
}

// Submit sends one turn and returns the service's reply.
func (c *Client) Submit(ctx context.Context, req turn.ExchangeRequest) (*turn.ExchangeResponse, error) {
	audio := req.Audio
	filename := "turn.pcm"
	if c.wrapWAV {
		audio = WrapWAV(c.audio, audio)
		filename = "turn.wav"
	}

	history := make([]wireMessage, 0, len(req.History))
	for _, m := range req.History {
		history = append(history, wireMessage{Role: string(m.Role), Content: m.Content})
	}
	messagesJSON, err := json.Marshal(history)
	if err != nil {
		return nil, fmt.Errorf("encode history: %w", err)
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("audio", filename)
	if err != nil {
		return nil, fmt.Errorf("build form: %w", err)
	}
	if _, err := part.Write(audio); err != nil {
		return nil, fmt.Errorf("build form: %w", err)
	}
	if err := mw.WriteField("messages", string(messagesJSON)); err != nil {
		return nil, fmt.Errorf("build form: %w", err)
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("build form: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+voiceChatPath, &body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("submit turn: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, decodeError(resp)
	}

	var out turn.ExchangeResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &out, nil
}

// Health checks the service's health endpoint.
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+healthPath, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check: status %d", resp.StatusCode)
	}
	return nil
}

// decodeError maps a non-2xx response to a turn.Error. The service's
// error body carries a human-readable detail field; when present it is
// preserved so the session can surface it to the user.
func decodeError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var body errorBody
	_ = json.Unmarshal(raw, &body)
	return &turn.Error{
		Kind:    turn.ErrorKindExchange,
		Message: fmt.Sprintf("exchange service returned status %d", resp.StatusCode),
		Detail:  body.Detail,
	}
}

// WrapWAV prefixes raw PCM with a RIFF/WAVE header for the given format.
func WrapWAV(cfg turn.AudioConfig, pcm []byte) []byte {
	const headerSize = 44
	out := make([]byte, headerSize+len(pcm))

	byteRate := cfg.BytesPerSecond()
	blockAlign := cfg.Channels * cfg.BitsPerSample / 8

	copy(out[0:4], "RIFF")
	binary.LittleEndian.PutUint32(out[4:8], uint32(36+len(pcm)))
	copy(out[8:12], "WAVE")
	copy(out[12:16], "fmt ")
	binary.LittleEndian.PutUint32(out[16:20], 16)
	binary.LittleEndian.PutUint16(out[20:22], 1) // PCM
	binary.LittleEndian.PutUint16(out[22:24], uint16(cfg.Channels))
	binary.LittleEndian.PutUint32(out[24:28], uint32(cfg.SampleRate))
	binary.LittleEndian.PutUint32(out[28:32], uint32(byteRate))
	binary.LittleEndian.PutUint16(out[32:34], uint16(blockAlign))
	binary.LittleEndian.PutUint16(out[34:36], uint16(cfg.BitsPerSample))
	copy(out[36:40], "data")
	binary.LittleEndian.PutUint32(out[40:44], uint32(len(pcm)))
	copy(out[44:], pcm)

	return out
}
