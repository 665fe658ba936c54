package ssellm

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/voicegateway/voicegateway/internal/provider"
)

func sseServer(t *testing.T, chunks []string, status int) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if status != http.StatusOK {
			w.WriteHeader(status)
			fmt.Fprint(w, `{"error":"boom"}`)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		for _, c := range chunks {
			fmt.Fprintf(w, "data: %s\n\n", c)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
}

func TestStreamDeliversTokensInOrder(t *testing.T) {
	srv := sseServer(t, []string{
		`{"choices":[{"delta":{"content":"Hi"}}]}`,
		`{"choices":[{"delta":{"content":"!"}}]}`,
		`{"choices":[{"delta":{"content":" there"}}]}`,
	}, http.StatusOK)
	defer srv.Close()

	c := New("test-key", srv.URL, "test-model")
	var got strings.Builder
	err := c.Stream(context.Background(), []provider.ChatMessage{{Role: "user", Content: "hi"}}, 0.7, 100, func(token string) {
		got.WriteString(token)
	})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	if got.String() != "Hi! there" {
		t.Errorf("got %q, want %q", got.String(), "Hi! there")
	}
}

func TestStreamPropagatesClassifiedErrorOnNon200(t *testing.T) {
	srv := sseServer(t, nil, http.StatusTooManyRequests)
	defer srv.Close()

	c := New("test-key", srv.URL, "test-model")
	err := c.Stream(context.Background(), nil, 0.7, 100, func(string) {})
	if err == nil {
		t.Fatal("expected an error for a 429 response")
	}
	ce, ok := err.(*provider.ClassifiedError)
	if !ok {
		t.Fatalf("error is %T, want *provider.ClassifiedError", err)
	}
	if ce.Kind != provider.KindRateLimit {
		t.Errorf("Kind = %v, want KindRateLimit", ce.Kind)
	}
}

func TestStreamIgnoresUnparsableLines(t *testing.T) {
	srv := sseServer(t, []string{
		`not json at all`,
		`{"choices":[{"delta":{"content":"ok"}}]}`,
	}, http.StatusOK)
	defer srv.Close()

	c := New("test-key", srv.URL, "test-model")
	var got strings.Builder
	err := c.Stream(context.Background(), nil, 0.7, 100, func(token string) { got.WriteString(token) })
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	if got.String() != "ok" {
		t.Errorf("got %q, want %q", got.String(), "ok")
	}
}
