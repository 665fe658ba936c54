// Package wstranscriber implements a Deepgram-class streaming STT client
// over a raw WebSocket, satisfying provider.StreamingTranscriber.
//
// Grounded on the Deepgram STT service in the example pack: the
// wss://.../v1/listen URL-parameter connect shape, the Authorization header,
// and the receive-loop JSON decode of is_final/channel.alternatives.
package wstranscriber

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/voicegateway/voicegateway/internal/provider"
)

const defaultBufferSize = 16

// Client is one upstream STT connection, owned by exactly one session.
type Client struct {
	apiKey string
	model  string
	host   string // overridable for tests

	mu   sync.Mutex
	conn *websocket.Conn

	transcripts chan provider.TranscriptEvent
	errs        chan error
}

// New builds an unconnected Client; Connect dials the upstream.
func New(apiKey, model string) *Client {
	c := &Client{
		apiKey: apiKey,
		model:  model,
		host:   "wss://api.deepgram.com/v1/listen",
	}
	c.reset()
	return c
}

// reset allocates fresh transcripts/errs channels. receiveLoop closes the
// transcripts channel on every disconnect, so each Connect (including
// reconnects) needs its own pair — reusing a closed channel would panic the
// first send and make every consumer select on a channel that can never
// deliver again.
func (c *Client) reset() {
	c.mu.Lock()
	c.transcripts = make(chan provider.TranscriptEvent, defaultBufferSize)
	c.errs = make(chan error, defaultBufferSize)
	c.mu.Unlock()
}

// Connect satisfies provider.StreamingTranscriber.
func (c *Client) Connect(ctx context.Context, opts provider.TranscriberOptions) error {
	c.reset()

	params := url.Values{}
	params.Set("language", opts.Language)
	params.Set("model", c.model)
	params.Set("encoding", opts.Encoding)
	params.Set("sample_rate", fmt.Sprintf("%d", opts.SampleRate))
	params.Set("channels", fmt.Sprintf("%d", opts.Channels))
	if opts.SmartFormat {
		params.Set("smart_format", "true")
	}
	if opts.InterimResults {
		params.Set("interim_results", "true")
	}

	header := map[string][]string{"Authorization": {"Token " + c.apiKey}}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.host+"?"+params.Encode(), header)
	if err != nil {
		kind := provider.Classify(0, false, strings.Contains(err.Error(), "refused"))
		return &provider.ClassifiedError{Kind: kind, Err: fmt.Errorf("wstranscriber: dial: %w", err)}
	}

	c.mu.Lock()
	c.conn = conn
	transcripts, errs := c.transcripts, c.errs
	c.mu.Unlock()

	go c.receiveLoop(conn, transcripts, errs)
	return nil
}

// receiveLoop reads from conn until it closes, publishing to the
// transcripts/errs pair that was live at Connect time — passed explicitly
// rather than read from c.transcripts/c.errs, since a subsequent reconnect's
// reset() may have already replaced those fields by the time this loop exits.
func (c *Client) receiveLoop(conn *websocket.Conn, transcripts chan provider.TranscriptEvent, errs chan error) {
	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				close(transcripts)
				return
			}
			errs <- &provider.ClassifiedError{Kind: provider.KindNetwork, Err: fmt.Errorf("wstranscriber: read: %w", err)}
			close(transcripts)
			return
		}

		var resp struct {
			IsFinal bool `json:"is_final"`
			Channel struct {
				Alternatives []struct {
					Transcript string  `json:"transcript"`
					Confidence float64 `json:"confidence"`
				} `json:"alternatives"`
			} `json:"channel"`
		}
		if err := json.Unmarshal(message, &resp); err != nil {
			continue
		}
		if len(resp.Channel.Alternatives) == 0 {
			continue
		}
		alt := resp.Channel.Alternatives[0]
		if alt.Transcript == "" {
			continue
		}
		transcripts <- provider.TranscriptEvent{Text: alt.Transcript, Confidence: alt.Confidence, IsFinal: resp.IsFinal}
	}
}

// SendAudio satisfies provider.StreamingTranscriber.
func (c *Client) SendAudio(ctx context.Context, pcm16 []byte) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("wstranscriber: SendAudio before Connect")
	}
	if err := conn.WriteMessage(websocket.BinaryMessage, pcm16); err != nil {
		return &provider.ClassifiedError{Kind: provider.KindNetwork, Err: fmt.Errorf("wstranscriber: write audio: %w", err)}
	}
	return nil
}

// Transcripts satisfies provider.StreamingTranscriber. The returned channel
// reflects whichever Connect call was most recent at read time; a caller
// looping on select should re-fetch it after each reconnect rather than
// caching the channel value across a reconnection.
func (c *Client) Transcripts() <-chan provider.TranscriptEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.transcripts
}

// Errors satisfies provider.StreamingTranscriber.
func (c *Client) Errors() <-chan error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.errs
}

// Close satisfies provider.StreamingTranscriber.
func (c *Client) Close(ctx context.Context) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"CloseStream"}`))
	return conn.Close()
}
