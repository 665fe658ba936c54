package wssynth

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/voicegateway/voicegateway/internal/provider"
)

// cartesiaServer accepts one connection, records the first inbound message,
// and replies with a scripted sequence of chunk/done (or error) messages.
func cartesiaServer(t *testing.T, replies []map[string]any, gotFirst *outboundMessage) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Fatalf("upgrade: %v", err)
		}
		defer conn.Close()

		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if gotFirst != nil {
			json.Unmarshal(raw, gotFirst)
		}

		for _, reply := range replies {
			body, _ := json.Marshal(reply)
			if err := conn.WriteMessage(websocket.TextMessage, body); err != nil {
				return
			}
		}
	}))
}

func TestSynthesizeSendsContextIDAndVoice(t *testing.T) {
	var got outboundMessage
	srv := cartesiaServer(t, nil, &got)
	defer srv.Close()

	c := New("test-key")
	c.host = "ws" + strings.TrimPrefix(srv.URL, "http")
	if err := c.Connect(context.Background(), provider.SynthesizerOptions{Voice: "voice-1", Language: "en", SampleRate: 16000}); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Close(context.Background())

	if err := c.Synthesize(context.Background(), "utt-1", "hello there"); err != nil {
		t.Fatalf("Synthesize: %v", err)
	}

	time.Sleep(100 * time.Millisecond)
	if got.ContextID != "utt-1" {
		t.Errorf("ContextID = %q, want %q", got.ContextID, "utt-1")
	}
	if got.Voice == nil || got.Voice.ID != "voice-1" {
		t.Errorf("Voice = %+v, want id voice-1", got.Voice)
	}
	if got.Transcript != "hello there" {
		t.Errorf("Transcript = %q", got.Transcript)
	}
}

func TestReceiveLoopDecodesChunkThenDone(t *testing.T) {
	pcm := []byte{1, 2, 3, 4}
	chunk := map[string]any{"type": "chunk", "context_id": "utt-1", "data": base64.StdEncoding.EncodeToString(pcm)}
	done := map[string]any{"type": "done", "context_id": "utt-1"}
	srv := cartesiaServer(t, []map[string]any{chunk, done}, nil)
	defer srv.Close()

	c := New("test-key")
	c.host = "ws" + strings.TrimPrefix(srv.URL, "http")
	if err := c.Connect(context.Background(), provider.SynthesizerOptions{Voice: "voice-1", SampleRate: 16000}); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Close(context.Background())
	if err := c.Synthesize(context.Background(), "utt-1", "hi"); err != nil {
		t.Fatalf("Synthesize: %v", err)
	}

	select {
	case frame := <-c.Frames():
		if frame.UtteranceID != "utt-1" || string(frame.PCM16) != string(pcm) {
			t.Errorf("got frame %+v", frame)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for audio frame")
	}

	select {
	case id := <-c.Done():
		if id != "utt-1" {
			t.Errorf("Done id = %q, want utt-1", id)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for done signal")
	}
}

func TestReceiveLoopDeliversUpstreamError(t *testing.T) {
	errMsg := map[string]any{"type": "error", "context_id": "utt-1", "error": "voice not found"}
	srv := cartesiaServer(t, []map[string]any{errMsg}, nil)
	defer srv.Close()

	c := New("test-key")
	c.host = "ws" + strings.TrimPrefix(srv.URL, "http")
	if err := c.Connect(context.Background(), provider.SynthesizerOptions{Voice: "voice-1", SampleRate: 16000}); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Close(context.Background())
	if err := c.Synthesize(context.Background(), "utt-1", "hi"); err != nil {
		t.Fatalf("Synthesize: %v", err)
	}

	select {
	case err := <-c.Errors():
		if !strings.Contains(err.Error(), "voice not found") {
			t.Errorf("got error %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for error")
	}
}

func TestCancelSendsCancelMessage(t *testing.T) {
	var firstMsg, cancelMsg outboundMessage
	recvCount := 0
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Fatalf("upgrade: %v", err)
		}
		defer conn.Close()
		for i := 0; i < 2; i++ {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				return
			}
			recvCount++
			if i == 0 {
				json.Unmarshal(raw, &firstMsg)
			} else {
				json.Unmarshal(raw, &cancelMsg)
			}
		}
	}))
	defer srv.Close()

	c := New("test-key")
	c.host = "ws" + strings.TrimPrefix(srv.URL, "http")
	if err := c.Connect(context.Background(), provider.SynthesizerOptions{Voice: "v", SampleRate: 16000}); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Close(context.Background())

	if err := c.Synthesize(context.Background(), "utt-1", "hi"); err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if err := c.Cancel(context.Background(), "utt-1"); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	time.Sleep(100 * time.Millisecond)
	if !cancelMsg.Cancel || cancelMsg.ContextID != "utt-1" {
		t.Errorf("cancel message = %+v, want cancel=true context_id=utt-1", cancelMsg)
	}
}
