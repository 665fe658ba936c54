package audio

import (
	"encoding/binary"
	"testing"
)

func samplesToPCM16(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

func TestResamplePassthroughWhenRatesMatch(t *testing.T) {
	in := samplesToPCM16([]int16{1, 2, 3, 4})
	out := Resample(in, 16000, 16000)
	if len(out) != len(in) {
		t.Fatalf("len(out) = %d, want %d", len(out), len(in))
	}
	for i := range in {
		if in[i] != out[i] {
			t.Fatalf("byte %d differs on identity passthrough", i)
		}
	}
}

func TestResampleIdentityBytes(t *testing.T) {
	in := samplesToPCM16([]int16{100, 200, 300})
	out := Resample(in, 48000, 48000)
	if len(out) != len(in) {
		t.Fatalf("len(out) = %d, want %d", len(out), len(in))
	}
	for i := range in {
		if in[i] != out[i] {
			t.Fatalf("byte %d differs: %d != %d", i, in[i], out[i])
		}
	}
}

func TestResampleDownsampleShrinksLength(t *testing.T) {
	samples := make([]int16, 480) // 10ms @ 48kHz
	for i := range samples {
		samples[i] = int16(i)
	}
	in := samplesToPCM16(samples)
	out := Resample(in, 48000, 16000)
	if len(out)%2 != 0 {
		t.Fatalf("output length %d is not a multiple of 2", len(out))
	}
	wantSamples := 480 * 16000 / 48000
	gotSamples := len(out) / 2
	if gotSamples != wantSamples {
		t.Errorf("gotSamples = %d, want %d", gotSamples, wantSamples)
	}
}

func TestResampleOddLengthBufferPassesThroughUnchanged(t *testing.T) {
	in := []byte{1, 2, 3}
	out := Resample(in, 48000, 16000)
	if len(out) != len(in) {
		t.Fatalf("len(out) = %d, want %d (unchanged)", len(out), len(in))
	}
	for i := range in {
		if in[i] != out[i] {
			t.Fatalf("byte %d differs after malformed-input passthrough", i)
		}
	}
}
