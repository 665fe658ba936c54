package tts

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/voicegateway/voicegateway/internal/provider"
)

type fakeSynth struct {
	mu         sync.Mutex
	connectErr error
	frames     chan provider.AudioFrame
	done       chan string
	errs       chan error
	pings      int
	cancelled  []string
	closed     bool
	synthDelay time.Duration
	lastText   string
}

func newFakeSynth() *fakeSynth {
	return &fakeSynth{
		frames: make(chan provider.AudioFrame, 8),
		done:   make(chan string, 8),
		errs:   make(chan error, 8),
	}
}

func (f *fakeSynth) Connect(ctx context.Context, opts provider.SynthesizerOptions) error {
	if f.connectErr != nil {
		err := f.connectErr
		f.connectErr = nil
		return err
	}
	return nil
}
func (f *fakeSynth) Synthesize(ctx context.Context, utteranceID, text string) error {
	f.mu.Lock()
	f.lastText = text
	f.mu.Unlock()
	go func() {
		if f.synthDelay > 0 {
			time.Sleep(f.synthDelay)
		}
		f.frames <- provider.AudioFrame{UtteranceID: utteranceID, PCM16: make([]byte, 320), SampleRate: 16000}
		f.done <- utteranceID
	}()
	return nil
}
func (f *fakeSynth) Cancel(ctx context.Context, utteranceID string) error {
	f.mu.Lock()
	f.cancelled = append(f.cancelled, utteranceID)
	f.mu.Unlock()
	return nil
}
func (f *fakeSynth) Frames() <-chan provider.AudioFrame { return f.frames }
func (f *fakeSynth) Done() <-chan string                { return f.done }
func (f *fakeSynth) Errors() <-chan error               { return f.errs }
func (f *fakeSynth) Ping(ctx context.Context) error {
	f.mu.Lock()
	f.pings++
	f.mu.Unlock()
	return nil
}
func (f *fakeSynth) Close(ctx context.Context) error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

type recordingSink struct {
	mu        sync.Mutex
	starts    []string
	chunks    []string
	completes []string
}

func (s *recordingSink) Start(sessionID uuid.UUID, utteranceID string) {
	s.mu.Lock()
	s.starts = append(s.starts, utteranceID)
	s.mu.Unlock()
}
func (s *recordingSink) Chunk(sessionID uuid.UUID, utteranceID string, pcm16 []byte) {
	s.mu.Lock()
	s.chunks = append(s.chunks, utteranceID)
	s.mu.Unlock()
}
func (s *recordingSink) Complete(sessionID uuid.UUID, utteranceID string) {
	s.mu.Lock()
	s.completes = append(s.completes, utteranceID)
	s.mu.Unlock()
}

func TestSynthesizeEmptyTextReturnsZeroImmediately(t *testing.T) {
	fake := newFakeSynth()
	sink := &recordingSink{}
	eng := NewEngine(func() provider.StreamingSynthesizer { return fake }, sink, defaultMaxTextChars, defaultReconnectBufCap, defaultKeepAliveInterval)
	sessionID := uuid.New()
	if err := eng.CreateSession(context.Background(), sessionID, 16000, provider.SynthesizerOptions{}); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	ms, err := eng.Synthesize(context.Background(), sessionID, "   ")
	if err != nil || ms != 0 {
		t.Fatalf("Synthesize(whitespace) = (%d, %v), want (0, nil)", ms, err)
	}
}

func TestSynthesizeDeliversFramesAndCompletes(t *testing.T) {
	fake := newFakeSynth()
	sink := &recordingSink{}
	eng := NewEngine(func() provider.StreamingSynthesizer { return fake }, sink, defaultMaxTextChars, defaultReconnectBufCap, defaultKeepAliveInterval)
	sessionID := uuid.New()
	if err := eng.CreateSession(context.Background(), sessionID, 16000, provider.SynthesizerOptions{}); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	ms, err := eng.Synthesize(context.Background(), sessionID, "hello there")
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if ms <= 0 {
		t.Errorf("audioDurationMs = %d, want > 0", ms)
	}

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.starts) != 1 || len(sink.chunks) != 1 || len(sink.completes) != 1 {
		t.Errorf("sink = %+v, want one start/chunk/complete", sink)
	}
}

func TestSynthesizeRejectsConcurrentCallWhileMutexHeld(t *testing.T) {
	fake := newFakeSynth()
	fake.synthDelay = 100 * time.Millisecond
	sink := &recordingSink{}
	eng := NewEngine(func() provider.StreamingSynthesizer { return fake }, sink, defaultMaxTextChars, defaultReconnectBufCap, defaultKeepAliveInterval)
	sessionID := uuid.New()
	if err := eng.CreateSession(context.Background(), sessionID, 16000, provider.SynthesizerOptions{}); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	var wg sync.WaitGroup
	results := make([]int, 2)
	wg.Add(2)
	go func() {
		defer wg.Done()
		ms, _ := eng.Synthesize(context.Background(), sessionID, "first")
		results[0] = ms
	}()
	time.Sleep(10 * time.Millisecond) // ensure the first call has acquired the mutex
	go func() {
		defer wg.Done()
		ms, _ := eng.Synthesize(context.Background(), sessionID, "second")
		results[1] = ms
	}()
	wg.Wait()

	if results[1] != 0 {
		t.Errorf("concurrent synthesize returned %d, want 0 (rejected)", results[1])
	}
}

func TestSynthesizeSequentialCallsEachComplete(t *testing.T) {
	fake := newFakeSynth()
	sink := &recordingSink{}
	eng := NewEngine(func() provider.StreamingSynthesizer { return fake }, sink, defaultMaxTextChars, defaultReconnectBufCap, defaultKeepAliveInterval)
	sessionID := uuid.New()
	if err := eng.CreateSession(context.Background(), sessionID, 16000, provider.SynthesizerOptions{}); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	const n = 10
	for i := 0; i < n; i++ {
		if _, err := eng.Synthesize(context.Background(), sessionID, "x"); err != nil {
			t.Fatalf("Synthesize #%d: %v", i, err)
		}
	}

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.completes) != n {
		t.Errorf("completes = %d, want %d", len(sink.completes), n)
	}
}

func TestSynthesizeTextTruncatedTo10000Chars(t *testing.T) {
	fake := newFakeSynth()
	sink := &recordingSink{}
	eng := NewEngine(func() provider.StreamingSynthesizer { return fake }, sink, defaultMaxTextChars, defaultReconnectBufCap, defaultKeepAliveInterval)
	sessionID := uuid.New()
	if err := eng.CreateSession(context.Background(), sessionID, 16000, provider.SynthesizerOptions{}); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	long := strings.Repeat("a", 20_000)
	if _, err := eng.Synthesize(context.Background(), sessionID, long); err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	fake.mu.Lock()
	got := len(fake.lastText)
	fake.mu.Unlock()
	if got != 10_000 {
		t.Errorf("submitted text length = %d, want 10000", got)
	}
}

func TestSynthesizeBuffersWhileDisconnected(t *testing.T) {
	fake := newFakeSynth()
	sink := &recordingSink{}
	eng := NewEngine(func() provider.StreamingSynthesizer { return fake }, sink, defaultMaxTextChars, defaultReconnectBufCap, defaultKeepAliveInterval)
	sessionID := uuid.New()
	if err := eng.CreateSession(context.Background(), sessionID, 16000, provider.SynthesizerOptions{}); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	eng.mu.Lock()
	sess := eng.sessions[sessionID]
	eng.mu.Unlock()
	sess.mu.Lock()
	sess.connState = connReconnecting
	sess.mu.Unlock()

	ms, err := eng.Synthesize(context.Background(), sessionID, "buffer me")
	if err != nil || ms != 0 {
		t.Fatalf("Synthesize while disconnected = (%d, %v), want (0, nil)", ms, err)
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()
	if len(sess.reconnectBuf) != 1 || sess.reconnectBuf[0] != "buffer me" {
		t.Errorf("reconnectBuf = %v, want [\"buffer me\"]", sess.reconnectBuf)
	}
}
