package wstranscriber

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/voicegateway/voicegateway/internal/provider"
)

func deepgramServer(t *testing.T, messages []string, gotAuth, gotQuery *string) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if gotAuth != nil {
			*gotAuth = r.Header.Get("Authorization")
		}
		if gotQuery != nil {
			*gotQuery = r.URL.RawQuery
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Fatalf("upgrade: %v", err)
		}
		defer conn.Close()
		for _, m := range messages {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(m)); err != nil {
				return
			}
		}
		conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	}))
}

func TestConnectSendsAuthHeaderAndOptions(t *testing.T) {
	var gotAuth, gotQuery string
	srv := deepgramServer(t, nil, &gotAuth, &gotQuery)
	defer srv.Close()

	c := New("test-key", "nova-2")
	c.host = "ws" + strings.TrimPrefix(srv.URL, "http")

	err := c.Connect(context.Background(), provider.TranscriberOptions{
		Language: "en", SampleRate: 16000, Encoding: "linear16", Channels: 1, InterimResults: true,
	})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Close(context.Background())

	if gotAuth != "Token test-key" {
		t.Errorf("Authorization = %q, want %q", gotAuth, "Token test-key")
	}
	if !strings.Contains(gotQuery, "model=nova-2") {
		t.Errorf("query %q missing model param", gotQuery)
	}
	if !strings.Contains(gotQuery, "interim_results=true") {
		t.Errorf("query %q missing interim_results param", gotQuery)
	}
}

func TestReceiveLoopDeliversFinalTranscript(t *testing.T) {
	msg := `{"is_final":true,"channel":{"alternatives":[{"transcript":"hello world","confidence":0.97}]}}`
	srv := deepgramServer(t, []string{msg}, nil, nil)
	defer srv.Close()

	c := New("test-key", "nova-2")
	c.host = "ws" + strings.TrimPrefix(srv.URL, "http")

	if err := c.Connect(context.Background(), provider.TranscriberOptions{SampleRate: 16000, Encoding: "linear16", Channels: 1}); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Close(context.Background())

	select {
	case evt := <-c.Transcripts():
		if evt.Text != "hello world" || !evt.IsFinal {
			t.Errorf("got %+v, want final %q", evt, "hello world")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for transcript")
	}
}

func TestReconnectAfterCloseDeliversOnFreshChannels(t *testing.T) {
	firstMsg := `{"is_final":true,"channel":{"alternatives":[{"transcript":"first","confidence":0.9}]}}`
	secondMsg := `{"is_final":true,"channel":{"alternatives":[{"transcript":"second","confidence":0.9}]}}`
	srv1 := deepgramServer(t, []string{firstMsg}, nil, nil)
	defer srv1.Close()

	c := New("test-key", "nova-2")
	c.host = "ws" + strings.TrimPrefix(srv1.URL, "http")
	if err := c.Connect(context.Background(), provider.TranscriberOptions{SampleRate: 16000, Encoding: "linear16", Channels: 1}); err != nil {
		t.Fatalf("first Connect: %v", err)
	}

	select {
	case evt := <-c.Transcripts():
		if evt.Text != "first" {
			t.Fatalf("got %q, want %q", evt.Text, "first")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for first transcript")
	}

	// Let the first connection's server-side close propagate and close the
	// now-stale transcripts channel before reconnecting.
	time.Sleep(50 * time.Millisecond)

	srv2 := deepgramServer(t, []string{secondMsg}, nil, nil)
	defer srv2.Close()
	c.host = "ws" + strings.TrimPrefix(srv2.URL, "http")

	// Reconnecting must not panic even though the prior receiveLoop closed
	// the channels this Client started with.
	if err := c.Connect(context.Background(), provider.TranscriberOptions{SampleRate: 16000, Encoding: "linear16", Channels: 1}); err != nil {
		t.Fatalf("second Connect: %v", err)
	}
	defer c.Close(context.Background())

	select {
	case evt, ok := <-c.Transcripts():
		if !ok {
			t.Fatal("Transcripts() channel closed instead of delivering after reconnect")
		}
		if evt.Text != "second" {
			t.Errorf("got %q, want %q", evt.Text, "second")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for transcript after reconnect")
	}
}

func TestReceiveLoopSkipsEmptyAlternatives(t *testing.T) {
	msgs := []string{
		`{"is_final":false,"channel":{"alternatives":[{"transcript":"","confidence":0}]}}`,
		`{"is_final":true,"channel":{"alternatives":[{"transcript":"ok","confidence":0.9}]}}`,
	}
	srv := deepgramServer(t, msgs, nil, nil)
	defer srv.Close()

	c := New("test-key", "nova-2")
	c.host = "ws" + strings.TrimPrefix(srv.URL, "http")
	if err := c.Connect(context.Background(), provider.TranscriberOptions{SampleRate: 16000, Encoding: "linear16", Channels: 1}); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Close(context.Background())

	select {
	case evt := <-c.Transcripts():
		if evt.Text != "ok" {
			t.Errorf("got %q, want %q (empty transcript should have been skipped)", evt.Text, "ok")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for transcript")
	}
}
