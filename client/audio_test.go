package main

import (
	"bytes"
	"testing"
)

// --- WAV container tests ---

func TestWAVRoundTrip(t *testing.T) {
	pcm := []int16{0, 1, -1, 32767, -32768, 100, -100}
	wav := encodeWAVChunk(pcm)

	pcmBytes, ok := decodeWAVChunk(wav)
	if !ok {
		t.Fatal("expected decodeWAVChunk to recognize its own header")
	}
	got := bytesToInt16(pcmBytes)
	if len(got) != len(pcm) {
		t.Fatalf("expected %d samples, got %d", len(pcm), len(got))
	}
	for i := range pcm {
		if got[i] != pcm[i] {
			t.Errorf("sample %d: got %d, want %d", i, got[i], pcm[i])
		}
	}
}

func TestWAVRoundTripEmpty(t *testing.T) {
	wav := encodeWAVChunk(nil)
	pcmBytes, ok := decodeWAVChunk(wav)
	if !ok {
		t.Fatal("expected decodeWAVChunk to recognize an empty-payload header")
	}
	if len(pcmBytes) != 0 {
		t.Errorf("expected no PCM bytes, got %d", len(pcmBytes))
	}
}

func TestWAVHeaderSize(t *testing.T) {
	wav := encodeWAVChunk([]int16{1, 2, 3})
	if len(wav) != wavHeaderSize+6 {
		t.Errorf("expected %d bytes, got %d", wavHeaderSize+6, len(wav))
	}
	if !bytes.Equal(wav[0:4], []byte("RIFF")) || !bytes.Equal(wav[8:12], []byte("WAVE")) {
		t.Error("expected RIFF/WAVE magic at the start of the container")
	}
}

func TestDecodeWAVChunkRejectsRawContinuation(t *testing.T) {
	// A mid-split continuation piece: raw PCM bytes with no header.
	raw := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	if _, ok := decodeWAVChunk(raw); ok {
		t.Error("expected a headerless chunk to be reported as a continuation, not a WAV container")
	}
}

func TestDecodeWAVChunkRejectsShortInput(t *testing.T) {
	if _, ok := decodeWAVChunk([]byte{1, 2, 3}); ok {
		t.Error("expected a too-short buffer to be rejected")
	}
}

func TestBytesToInt16OddTrailingByteDropped(t *testing.T) {
	got := bytesToInt16([]byte{1, 0, 2, 0, 0xFF})
	if len(got) != 2 {
		t.Fatalf("expected 2 samples, got %d", len(got))
	}
	if got[0] != 1 || got[1] != 2 {
		t.Errorf("got %v", got)
	}
}

// --- Push-to-talk / mute tests ---

func TestPTTModeDefaultOff(t *testing.T) {
	ae := NewAudioEngine()
	if ae.IsPTTMode() {
		t.Error("PTT mode should be off by default")
	}
	if ae.IsPTTActive() {
		t.Error("PTT active should be false by default")
	}
}

func TestPTTDisableClearsActive(t *testing.T) {
	ae := NewAudioEngine()
	ae.SetPTTMode(true)
	ae.SetPTTActive(true)

	ae.SetPTTMode(false)
	if ae.IsPTTActive() {
		t.Error("disabling PTT mode should clear pttActive")
	}
}

func TestCapturingEnabledDefault(t *testing.T) {
	ae := NewAudioEngine()
	if !ae.capturingEnabled() {
		t.Error("expected capture enabled by default (not muted, PTT off)")
	}
}

func TestCapturingEnabledMuted(t *testing.T) {
	ae := NewAudioEngine()
	ae.SetMuted(true)
	if ae.capturingEnabled() {
		t.Error("expected capture disabled while muted")
	}
}

func TestCapturingEnabledPTT(t *testing.T) {
	ae := NewAudioEngine()
	ae.SetPTTMode(true)
	if ae.capturingEnabled() {
		t.Error("expected capture disabled in PTT mode until key held")
	}
	ae.SetPTTActive(true)
	if !ae.capturingEnabled() {
		t.Error("expected capture enabled once PTT key held")
	}
}

func TestCapturingEnabledMutedOverridesPTT(t *testing.T) {
	ae := NewAudioEngine()
	ae.SetPTTMode(true)
	ae.SetPTTActive(true)
	ae.SetMuted(true)
	if ae.capturingEnabled() {
		t.Error("mute should override an active PTT key")
	}
}

// --- volume tests ---

func TestSetVolumeClamps(t *testing.T) {
	ae := NewAudioEngine()
	ae.SetVolume(-1)
	if ae.volume != 0 {
		t.Errorf("expected volume clamped to 0, got %v", ae.volume)
	}
	ae.SetVolume(5)
	if ae.volume != 1 {
		t.Errorf("expected volume clamped to 1, got %v", ae.volume)
	}
}

// --- playback push tests ---

func TestPushPlaybackNonBlocking(t *testing.T) {
	ae := NewAudioEngine()
	for i := 0; i < playbackChannelBuf+10; i++ {
		ae.PushPlayback("alice", []byte{byte(i)})
	}
	if len(ae.PlaybackIn) != playbackChannelBuf {
		t.Errorf("expected channel to stay at capacity %d, got %d", playbackChannelBuf, len(ae.PlaybackIn))
	}
}

func TestDoneClosedAfterStop(t *testing.T) {
	ae := NewAudioEngine()
	ae.running.Store(true)
	done := ae.Done()

	ae.Stop()

	select {
	case <-done:
	default:
		t.Error("expected Done channel to report closed after Stop")
	}
}

func TestStopOnNeverStarted(t *testing.T) {
	ae := NewAudioEngine()
	ae.Stop() // must not panic when no streams were ever opened
}
