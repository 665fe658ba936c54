// Package httpx holds the pooled HTTP client constructor shared by the
// upstream providers that speak HTTP/SSE rather than WebSocket.
//
// Grounded on the reference gateway's pipeline.NewPooledHTTPClient.
package httpx

import (
	"net/http"
	"time"
)

// NewPooledClient builds an http.Client tuned for many concurrent long-lived
// streaming requests: one per active session, each held open for the
// duration of a generateResponse call.
func NewPooledClient(poolSize int, timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			MaxIdleConns:          poolSize,
			MaxIdleConnsPerHost:   poolSize,
			IdleConnTimeout:       90 * time.Second,
			ResponseHeaderTimeout: 30 * time.Second,
			ForceAttemptHTTP2:     true,
		},
	}
}
