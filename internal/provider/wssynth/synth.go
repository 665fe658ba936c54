// Package wssynth implements a Cartesia-class streaming TTS client over a
// raw WebSocket, satisfying provider.StreamingSynthesizer.
//
// Grounded on the Cartesia TTS service in the example pack: the
// wss://.../tts/websocket URL with api_key/cartesia_version query params, the
// context_id-per-utterance JSON message protocol, and the
// chunk/timestamps/done/error response typing.
package wssynth

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/voicegateway/voicegateway/internal/provider"
)

const (
	defaultBufferSize  = 16
	cartesiaAPIVersion = "2024-06-10"
)

// Client is one upstream TTS connection, owned by exactly one session.
type Client struct {
	apiKey string
	host   string // overridable for tests

	mu   sync.Mutex
	conn *websocket.Conn
	opts provider.SynthesizerOptions

	frames chan provider.AudioFrame
	done   chan string
	errs   chan error
}

// New builds an unconnected Client; Connect dials the upstream.
func New(apiKey string) *Client {
	return &Client{
		apiKey: apiKey,
		host:   "wss://api.cartesia.ai/tts/websocket",
		frames: make(chan provider.AudioFrame, defaultBufferSize),
		done:   make(chan string, defaultBufferSize),
		errs:   make(chan error, defaultBufferSize),
	}
}

// Connect satisfies provider.StreamingSynthesizer.
func (c *Client) Connect(ctx context.Context, opts provider.SynthesizerOptions) error {
	params := url.Values{}
	params.Set("api_key", c.apiKey)
	params.Set("cartesia_version", cartesiaAPIVersion)

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.host+"?"+params.Encode(), nil)
	if err != nil {
		kind := provider.Classify(0, false, strings.Contains(err.Error(), "refused"))
		return &provider.ClassifiedError{Kind: kind, Err: fmt.Errorf("wssynth: dial: %w", err)}
	}

	c.mu.Lock()
	c.conn = conn
	c.opts = opts
	c.mu.Unlock()

	go c.receiveLoop(conn)
	return nil
}

type outboundMessage struct {
	Transcript   string      `json:"transcript,omitempty"`
	Continue     bool        `json:"continue,omitempty"`
	ContextID    string      `json:"context_id"`
	ModelID      string      `json:"model_id,omitempty"`
	Voice        *voiceSpec  `json:"voice,omitempty"`
	OutputFormat *outputSpec `json:"output_format,omitempty"`
	Language     string      `json:"language,omitempty"`
	Cancel       bool        `json:"cancel,omitempty"`
}

type voiceSpec struct {
	Mode string `json:"mode"`
	ID   string `json:"id"`
}

type outputSpec struct {
	Container  string `json:"container"`
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sample_rate"`
}

// Synthesize satisfies provider.StreamingSynthesizer.
func (c *Client) Synthesize(ctx context.Context, utteranceID, text string) error {
	c.mu.Lock()
	conn, opts := c.conn, c.opts
	c.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("wssynth: Synthesize before Connect")
	}

	msg := outboundMessage{
		Transcript: text,
		Continue:   false,
		ContextID:  utteranceID,
		ModelID:    "sonic-english",
		Voice:      &voiceSpec{Mode: "id", ID: opts.Voice},
		OutputFormat: &outputSpec{
			Container:  "raw",
			Encoding:   "pcm_s16le",
			SampleRate: opts.SampleRate,
		},
		Language: opts.Language,
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("wssynth: marshal synth message: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.conn.WriteMessage(websocket.TextMessage, body); err != nil {
		return &provider.ClassifiedError{Kind: provider.KindNetwork, Err: fmt.Errorf("wssynth: write: %w", err)}
	}
	return nil
}

// Cancel satisfies provider.StreamingSynthesizer.
func (c *Client) Cancel(ctx context.Context, utteranceID string) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	body, _ := json.Marshal(outboundMessage{ContextID: utteranceID, Cancel: true})
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.conn.WriteMessage(websocket.TextMessage, body); err != nil {
		return &provider.ClassifiedError{Kind: provider.KindNetwork, Err: fmt.Errorf("wssynth: cancel write: %w", err)}
	}
	return nil
}

// Ping sends a lightweight protocol-level keepalive. Reconnect-on-failure is
// the caller's responsibility (the tts engine drives its own reconnect loop).
func (c *Client) Ping(ctx context.Context) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("wssynth: Ping before Connect")
	}
	if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
		return &provider.ClassifiedError{Kind: provider.KindNetwork, Err: fmt.Errorf("wssynth: ping: %w", err)}
	}
	return nil
}

type inboundMessage struct {
	Type      string `json:"type"`
	ContextID string `json:"context_id"`
	Data      string `json:"data"`  // base64 PCM16, type=="chunk"
	Error     string `json:"error"` // type=="error"
}

func (c *Client) receiveLoop(conn *websocket.Conn) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return
			}
			c.errs <- &provider.ClassifiedError{Kind: provider.KindNetwork, Err: fmt.Errorf("wssynth: read: %w", err)}
			return
		}

		var msg inboundMessage
		if json.Unmarshal(raw, &msg) != nil {
			continue
		}

		switch msg.Type {
		case "chunk":
			pcm, err := base64.StdEncoding.DecodeString(msg.Data)
			if err != nil {
				continue
			}
			c.mu.Lock()
			sampleRate := c.opts.SampleRate
			c.mu.Unlock()
			c.frames <- provider.AudioFrame{UtteranceID: msg.ContextID, PCM16: pcm, SampleRate: sampleRate}
		case "done":
			c.done <- msg.ContextID
		case "error":
			c.errs <- fmt.Errorf("wssynth: upstream error on context %s: %s", msg.ContextID, msg.Error)
		case "timestamps":
			// word-timing data; no consumer yet.
		}
	}
}

// Frames satisfies provider.StreamingSynthesizer.
func (c *Client) Frames() <-chan provider.AudioFrame { return c.frames }

// Done satisfies provider.StreamingSynthesizer.
func (c *Client) Done() <-chan string { return c.done }

// Errors satisfies provider.StreamingSynthesizer.
func (c *Client) Errors() <-chan error { return c.errs }

// Close satisfies provider.StreamingSynthesizer.
func (c *Client) Close(ctx context.Context) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.Close()
}
