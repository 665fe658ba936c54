package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDeploymentFailsOnMissingCredentials(t *testing.T) {
	t.Setenv("STT_API_KEY", "")
	t.Setenv("LLM_API_KEY", "")
	t.Setenv("TTS_API_KEY", "")
	if _, err := LoadDeployment(); err == nil {
		t.Fatal("expected error when credentials are missing")
	}
}

func TestLoadDeploymentSucceedsWithCredentials(t *testing.T) {
	t.Setenv("STT_API_KEY", "stt-key")
	t.Setenv("LLM_API_KEY", "llm-key")
	t.Setenv("TTS_API_KEY", "tts-key")
	d, err := LoadDeployment()
	if err != nil {
		t.Fatalf("LoadDeployment: %v", err)
	}
	if d.STTAPIKey != "stt-key" {
		t.Errorf("STTAPIKey = %q", d.STTAPIKey)
	}
}

func TestLoadTuningMissingFileUsesDefaults(t *testing.T) {
	got := LoadTuning(filepath.Join(t.TempDir(), "does-not-exist.json"))
	want := DefaultTuning()
	if got != want {
		t.Errorf("got %+v, want defaults %+v", got, want)
	}
}

func TestLoadTuningMalformedFileUsesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gateway.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}
	got := LoadTuning(path)
	want := DefaultTuning()
	if got != want {
		t.Errorf("got %+v, want defaults %+v", got, want)
	}
}

func TestLoadTuningOverlaysProvidedFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gateway.json")
	body := `{"streaming.maxBufferSize": 200, "llm.maxMessages": 10}`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	got := LoadTuning(path)
	if got.StreamingMaxBufferSize != 200 {
		t.Errorf("StreamingMaxBufferSize = %d, want 200", got.StreamingMaxBufferSize)
	}
	if got.LLMMaxMessages != 10 {
		t.Errorf("LLMMaxMessages = %d, want 10", got.LLMMaxMessages)
	}
	want := DefaultTuning()
	if got.TTSMaxTextChars != want.TTSMaxTextChars {
		t.Errorf("untouched field TTSMaxTextChars = %d, want default %d", got.TTSMaxTextChars, want.TTSMaxTextChars)
	}
}
