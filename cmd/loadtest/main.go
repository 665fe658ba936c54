package main

import (
	"encoding/binary"
	"encoding/json"
	"flag"
	"fmt"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/voicegateway/voicegateway/internal/envelope"
)

func main() {
	gateway := flag.String("gateway", "ws://gateway:8080/ws", "gateway WebSocket URL")
	concurrency := flag.Int("concurrency", 10, "number of concurrent callers")
	duration := flag.Duration("duration", 30*time.Second, "test duration")
	audioDir := flag.String("audio-dir", "/samples", "directory with sample PCM16 audio files")
	language := flag.String("language", "en", "language code sent with audio.input.start")
	flag.Parse()

	files, err := findAudioFiles(*audioDir)
	if err != nil || len(files) == 0 {
		fmt.Fprintf(os.Stderr, "no audio files in %s, generating synthetic audio\n", *audioDir)
		files = nil
	}

	fmt.Printf("Load test: %d concurrent sessions for %s\n", *concurrency, *duration)
	fmt.Printf("Gateway: %s | Language: %s\n\n", *gateway, *language)

	var mu sync.Mutex
	var results []callResult
	var wg sync.WaitGroup

	deadline := time.Now().Add(*duration)

	for range *concurrency {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for time.Now().Before(deadline) {
				r := runSession(*gateway, *language, files)
				mu.Lock()
				results = append(results, r)
				mu.Unlock()
			}
		}()
	}

	wg.Wait()
	printSummary(results)
}

type callResult struct {
	success      bool
	e2eMs        float64
	firstAudioMs float64
	err          string
}

func runSession(gateway, language string, files []string) callResult {
	start := time.Now()
	conn, _, err := websocket.DefaultDialer.Dial(gateway, nil)
	if err != nil {
		return callResult{err: fmt.Sprintf("dial: %v", err)}
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(30 * time.Second))
	sessionID, err := readLifecycleAck(conn)
	if err != nil {
		return callResult{err: fmt.Sprintf("ack: %v", err)}
	}

	if err := sendStart(conn, sessionID, language); err != nil {
		return callResult{err: fmt.Sprintf("start: %v", err)}
	}

	audioData := getAudioData(files)
	const chunkSize = 640 // 320 samples * 2 bytes = 20ms at 16kHz
	for i := 0; i < len(audioData); i += chunkSize {
		end := i + chunkSize
		if end > len(audioData) {
			end = len(audioData)
		}
		if err := sendChunk(conn, sessionID, audioData[i:end]); err != nil {
			return callResult{err: fmt.Sprintf("chunk: %v", err)}
		}
		time.Sleep(20 * time.Millisecond)
	}

	if err := sendEnd(conn, sessionID); err != nil {
		return callResult{err: fmt.Sprintf("end: %v", err)}
	}

	return awaitCompletion(conn, start)
}

func readLifecycleAck(conn *websocket.Conn) (uuid.UUID, error) {
	msgType, data, err := conn.ReadMessage()
	if err != nil {
		return uuid.UUID{}, err
	}
	if msgType != websocket.BinaryMessage {
		return uuid.UUID{}, fmt.Errorf("expected binary ack frame, got type %d", msgType)
	}
	env, err := envelope.Decode(data)
	if err != nil {
		return uuid.UUID{}, err
	}
	if env.EventType != "connection.lifecycle.ack" {
		return uuid.UUID{}, fmt.Errorf("expected connection.lifecycle.ack, got %s", env.EventType)
	}
	return env.SessionID, nil
}

func sendStart(conn *websocket.Conn, sessionID uuid.UUID, language string) error {
	env, err := envelope.New("audio.input.start", sessionID, map[string]any{
		"samplingRate": 16000,
		"language":     language,
	})
	if err != nil {
		return err
	}
	return writeEnvelope(conn, env)
}

func sendChunk(conn *websocket.Conn, sessionID uuid.UUID, audio []byte) error {
	env, err := envelope.New("audio.input.chunk", sessionID, map[string]any{"audio": audio})
	if err != nil {
		return err
	}
	return writeEnvelope(conn, env)
}

func sendEnd(conn *websocket.Conn, sessionID uuid.UUID) error {
	env, err := envelope.New("audio.input.end", sessionID, map[string]any{})
	if err != nil {
		return err
	}
	return writeEnvelope(conn, env)
}

func writeEnvelope(conn *websocket.Conn, env envelope.Envelope) error {
	data, err := envelope.Encode(env)
	if err != nil {
		return err
	}
	return conn.WriteMessage(websocket.BinaryMessage, data)
}

// awaitCompletion reads server frames until audio.output.complete, tracking
// time-to-first-audio-chunk and end-to-end turn latency.
func awaitCompletion(conn *websocket.Conn, start time.Time) callResult {
	conn.SetReadDeadline(time.Now().Add(30 * time.Second))
	var firstAudio time.Time
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return callResult{err: fmt.Sprintf("read: %v", err)}
		}
		if msgType != websocket.BinaryMessage {
			continue
		}
		env, err := envelope.Decode(data)
		if err != nil {
			continue
		}
		switch env.EventType {
		case "audio.output.chunk":
			if firstAudio.IsZero() {
				firstAudio = time.Now()
			}
		case "audio.output.complete":
			result := callResult{success: true, e2eMs: float64(time.Since(start).Milliseconds())}
			if !firstAudio.IsZero() {
				result.firstAudioMs = float64(firstAudio.Sub(start).Milliseconds())
			}
			return result
		case "error.system.internal":
			var payload struct {
				Message string `json:"message"`
			}
			json.Unmarshal(env.Payload, &payload)
			return callResult{err: payload.Message}
		}
	}
}

func getAudioData(files []string) []byte {
	if len(files) > 0 {
		data, err := os.ReadFile(files[rand.Intn(len(files))])
		if err == nil {
			return data
		}
	}
	return generateSyntheticAudio(3 * time.Second)
}

func generateSyntheticAudio(dur time.Duration) []byte {
	sampleRate := 16000
	numSamples := int(dur.Seconds()) * sampleRate
	buf := make([]byte, numSamples*2)

	for i := range numSamples {
		t := float64(i) / float64(sampleRate)
		sample := math.Sin(2*math.Pi*440*t)*0.3 + (rand.Float64()-0.5)*0.05
		val := int16(sample * math.MaxInt16)
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(val))
	}
	return buf
}

var audioExts = map[string]bool{".wav": true, ".raw": true, ".pcm": true}

func findAudioFiles(dir string) ([]string, error) {
	var files []string
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		if audioExts[filepath.Ext(e.Name())] {
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	return files, nil
}

func printSummary(results []callResult) {
	var succeeded, failed int
	var e2eAll, firstAudioAll []float64

	for _, r := range results {
		if !r.success {
			failed++
			continue
		}
		succeeded++
		e2eAll = append(e2eAll, r.e2eMs)
		firstAudioAll = append(firstAudioAll, r.firstAudioMs)
	}

	fmt.Printf("\n=== Load Test Results ===\n")
	fmt.Printf("Sessions completed: %d\n", succeeded)
	fmt.Printf("Sessions failed:    %d\n", failed)

	if len(e2eAll) == 0 {
		fmt.Println("No successful sessions to report metrics")
		return
	}

	fmt.Printf("\n%-12s %8s %8s %8s\n", "Stage", "p50", "p95", "p99")
	fmt.Printf("%-12s %8.0fms %8.0fms %8.0fms\n", "FirstAudio", percentile(firstAudioAll, 50), percentile(firstAudioAll, 95), percentile(firstAudioAll, 99))
	fmt.Printf("%-12s %8.0fms %8.0fms %8.0fms\n", "E2E", percentile(e2eAll, 50), percentile(e2eAll, 95), percentile(e2eAll, 99))
}

func percentile(data []float64, pct float64) float64 {
	sort.Float64s(data)
	idx := int(math.Ceil(pct/100*float64(len(data)))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(data) {
		idx = len(data) - 1
	}
	return data[idx]
}
