package main

import (
	"bytes"
	"encoding/binary"
	"errors"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gordonklaus/portaudio"

	"github.com/marci1175/szechat/client/internal/jitter"
)

const (
	sampleRate = 48000
	channels   = 1

	// captureFrameSize is PortAudio's frames-per-buffer for the capture
	// stream: 20 ms at 48kHz, well under the 35 ms voice chunk cadence so the
	// mic queue always has something to drain (§4.6, §5).
	captureFrameSize = 960
	// playbackFrameSize mirrors captureFrameSize for the output stream.
	playbackFrameSize = 960

	// voiceChunkPeriod is the voice sender task's tick period (§5 Timeouts).
	voiceChunkPeriod = 35 * time.Millisecond
	// maxVoiceChunkBytes bounds a single Voice datagram's WAV-container
	// payload before it must be split into further chunks (§4.6).
	maxVoiceChunkBytes = 30000

	// maxMicQueueSamples bounds the shared mic queue so a stalled voice
	// sender task can't grow memory unbounded.
	maxMicQueueSamples = sampleRate * 2 // 2 seconds

	captureChannelBuf  = 8
	playbackChannelBuf = 64

	jitterDepth = 2 // chunks buffered per sender before playback starts
)

// AudioDevice describes an available audio device.
type AudioDevice struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}

// paStream abstracts a PortAudio stream for testing.
type paStream interface {
	Start() error
	Stop() error
	Close() error
	Read() error
	Write() error
}

// VoiceChunk is one decrypted Voice datagram payload handed to the playback
// loop by the transport's receive task.
type VoiceChunk struct {
	SenderUUID string
	Samples    []byte
}

// AudioEngine captures microphone audio into WAV-chunked datagram payloads
// and mixes received peer chunks to the output device (§4.6).
type AudioEngine struct {
	mu sync.Mutex

	inputDeviceID  int
	outputDeviceID int
	volume         float64

	captureStream  paStream
	playbackStream paStream

	micQueue []int16 // shared mic sample buffer; producer: captureLoop, consumer: voiceSendLoop

	// CaptureOut carries WAV-container chunk bytes ready to send as Voice
	// datagrams. The caller forwards each to Transporter.SendVoiceChunk.
	CaptureOut chan []byte
	// PlaybackIn carries decrypted Voice datagram payloads from peers.
	PlaybackIn chan VoiceChunk

	jb *jitter.Buffer

	running  atomic.Bool
	muted    atomic.Bool
	deafened atomic.Bool

	pttMode   atomic.Bool // true = push-to-talk controls transmit
	pttActive atomic.Bool // true = PTT key is held, mic is hot

	inputLevel atomic.Uint32 // float32 bits: most recent pre-send RMS level

	stopCh     chan struct{}
	wg         sync.WaitGroup
	OnSpeaking func() // called (throttled) when mic audio exceeds speaking threshold
}

// NewAudioEngine returns an AudioEngine with default settings.
func NewAudioEngine() *AudioEngine {
	return &AudioEngine{
		inputDeviceID:  -1,
		outputDeviceID: -1,
		volume:         1.0,
		CaptureOut:     make(chan []byte, captureChannelBuf),
		PlaybackIn:     make(chan VoiceChunk, playbackChannelBuf),
		jb:             jitter.New(jitterDepth),
		stopCh:         make(chan struct{}),
	}
}

// Done returns a channel that is closed when the audio engine stops.
func (ae *AudioEngine) Done() <-chan struct{} {
	return ae.stopCh
}

// ListInputDevices returns available audio input devices.
func (ae *AudioEngine) ListInputDevices() []AudioDevice {
	return listDevices(func(d *portaudio.DeviceInfo) bool { return d.MaxInputChannels > 0 })
}

// ListOutputDevices returns available audio output devices.
func (ae *AudioEngine) ListOutputDevices() []AudioDevice {
	return listDevices(func(d *portaudio.DeviceInfo) bool { return d.MaxOutputChannels > 0 })
}

func listDevices(match func(*portaudio.DeviceInfo) bool) []AudioDevice {
	devices, err := portaudio.Devices()
	if err != nil {
		slog.Warn("list audio devices", "component", "audio", "error", err)
		return nil
	}
	var out []AudioDevice
	for i, d := range devices {
		if match(d) {
			out = append(out, AudioDevice{ID: i, Name: d.Name})
		}
	}
	return out
}

// SetInputDevice sets the input device by index.
func (ae *AudioEngine) SetInputDevice(id int) {
	ae.mu.Lock()
	ae.inputDeviceID = id
	ae.mu.Unlock()
}

// SetOutputDevice sets the output device by index.
func (ae *AudioEngine) SetOutputDevice(id int) {
	ae.mu.Lock()
	ae.outputDeviceID = id
	ae.mu.Unlock()
}

// SetVolume sets the playback volume in [0.0, 1.0].
func (ae *AudioEngine) SetVolume(vol float64) {
	if vol < 0 {
		vol = 0
	}
	if vol > 1 {
		vol = 1
	}
	ae.mu.Lock()
	ae.volume = vol
	ae.mu.Unlock()
}

// InputLevel returns the most recent mic input RMS level (0.0-1.0).
func (ae *AudioEngine) InputLevel() float32 {
	return math.Float32frombits(ae.inputLevel.Load())
}

// SetMuted mutes or unmutes the microphone (stops sending audio).
func (ae *AudioEngine) SetMuted(muted bool) {
	ae.muted.Store(muted)
}

// SetDeafened enables or disables audio playback.
func (ae *AudioEngine) SetDeafened(deafened bool) {
	ae.deafened.Store(deafened)
}

// SetPTTMode enables or disables push-to-talk mode.
func (ae *AudioEngine) SetPTTMode(enabled bool) {
	ae.pttMode.Store(enabled)
	if !enabled {
		ae.pttActive.Store(false)
	}
}

// SetPTTActive sets whether the push-to-talk key is currently held.
func (ae *AudioEngine) SetPTTActive(active bool) {
	ae.pttActive.Store(active)
}

// IsPTTMode reports whether push-to-talk mode is enabled.
func (ae *AudioEngine) IsPTTMode() bool { return ae.pttMode.Load() }

// IsPTTActive reports whether the PTT key is currently held.
func (ae *AudioEngine) IsPTTActive() bool { return ae.pttActive.Load() }

// capturingEnabled reports whether the mic should currently be transmitting:
// not muted, and (PTT off, or PTT key held).
func (ae *AudioEngine) capturingEnabled() bool {
	if ae.muted.Load() {
		return false
	}
	if ae.pttMode.Load() {
		return ae.pttActive.Load()
	}
	return true
}

// Start opens the capture/playback streams and starts the capture,
// voice-send, and playback tasks.
func (ae *AudioEngine) Start() error {
	ae.mu.Lock()
	defer ae.mu.Unlock()

	if ae.running.Load() {
		return nil
	}

	devices, err := portaudio.Devices()
	if err != nil {
		return err
	}

	inputDev, err := resolveDevice(devices, ae.inputDeviceID, portaudio.DefaultInputDevice)
	if err != nil {
		return err
	}
	outputDev, err := resolveDevice(devices, ae.outputDeviceID, portaudio.DefaultOutputDevice)
	if err != nil {
		return err
	}

	captureBuf := make([]float32, captureFrameSize)
	captureParams := portaudio.StreamParameters{
		Input: portaudio.StreamDeviceParameters{
			Device:   inputDev,
			Channels: channels,
			Latency:  inputDev.DefaultLowInputLatency,
		},
		SampleRate:      sampleRate,
		FramesPerBuffer: captureFrameSize,
	}
	captureStream, err := portaudio.OpenStream(captureParams, captureBuf)
	if err != nil {
		return err
	}

	playbackBuf := make([]float32, playbackFrameSize)
	playbackParams := portaudio.StreamParameters{
		Output: portaudio.StreamDeviceParameters{
			Device:   outputDev,
			Channels: channels,
			Latency:  outputDev.DefaultLowOutputLatency,
		},
		SampleRate:      sampleRate,
		FramesPerBuffer: playbackFrameSize,
	}
	playbackStream, err := portaudio.OpenStream(playbackParams, playbackBuf)
	if err != nil {
		captureStream.Close()
		return err
	}

	if err := captureStream.Start(); err != nil {
		captureStream.Close()
		playbackStream.Close()
		return err
	}
	if err := playbackStream.Start(); err != nil {
		captureStream.Stop()
		captureStream.Close()
		playbackStream.Close()
		return err
	}

	ae.captureStream = captureStream
	ae.playbackStream = playbackStream
	ae.stopCh = make(chan struct{})
	ae.running.Store(true)

	ae.wg.Add(3)
	go func() { defer ae.wg.Done(); ae.captureLoop(captureBuf) }()
	go func() { defer ae.wg.Done(); ae.voiceSendLoop() }()
	go func() { defer ae.wg.Done(); ae.playbackLoop(playbackBuf) }()

	slog.Info("audio started", "component", "audio", "capture", inputDev.Name, "playback", outputDev.Name)
	return nil
}

func resolveDevice(devices []*portaudio.DeviceInfo, idx int, fallback func() (*portaudio.DeviceInfo, error)) (*portaudio.DeviceInfo, error) {
	if idx >= 0 && idx < len(devices) {
		return devices[idx], nil
	}
	return fallback()
}

// Stop halts audio capture and playback. Streams are stopped (unblocking any
// in-flight Read/Write) before the tasks' goroutines are awaited, then
// closed — mirrors the ordering PortAudio requires to avoid touching a freed
// native stream from a still-running goroutine.
func (ae *AudioEngine) Stop() {
	if !ae.running.CompareAndSwap(true, false) {
		return
	}
	close(ae.stopCh)

	ae.mu.Lock()
	if ae.captureStream != nil {
		ae.captureStream.Stop()
	}
	if ae.playbackStream != nil {
		ae.playbackStream.Stop()
	}
	ae.mu.Unlock()

	ae.wg.Wait()

	ae.mu.Lock()
	if ae.captureStream != nil {
		ae.captureStream.Close()
		ae.captureStream = nil
	}
	if ae.playbackStream != nil {
		ae.playbackStream.Close()
		ae.playbackStream = nil
	}
	ae.micQueue = nil
	ae.mu.Unlock()

	ae.jb.Reset()
	for {
		select {
		case <-ae.PlaybackIn:
		default:
			slog.Info("audio stopped", "component", "audio")
			return
		}
	}
}

func zeroFloat32(buf []float32) {
	for i := range buf {
		buf[i] = 0
	}
}

func clampFloat32(v float32) float32 {
	if v > 1.0 {
		return 1.0
	}
	if v < -1.0 {
		return -1.0
	}
	return v
}

func rms(buf []float32) float32 {
	var sum float64
	for _, s := range buf {
		sum += float64(s) * float64(s)
	}
	return float32(math.Sqrt(sum / float64(len(buf))))
}

// captureLoop is the mic capture task: it reads continuously from the
// device and pushes raw samples into the shared mic queue while capture is
// enabled (§5 task 6).
func (ae *AudioEngine) captureLoop(buf []float32) {
	pcm := make([]int16, captureFrameSize)
	var lastSpeakEmit time.Time

	for ae.running.Load() {
		if err := ae.captureStream.Read(); err != nil {
			if ae.running.Load() {
				slog.Warn("capture read", "component", "audio", "error", err)
			}
			return
		}

		level := rms(buf)
		ae.inputLevel.Store(math.Float32bits(level))

		if ae.OnSpeaking != nil && ae.capturingEnabled() && level > 0.01 && time.Since(lastSpeakEmit) > 80*time.Millisecond {
			lastSpeakEmit = time.Now()
			ae.OnSpeaking()
		}

		if !ae.capturingEnabled() {
			continue
		}

		for i, s := range buf {
			pcm[i] = int16(clampFloat32(s) * 32767)
		}

		ae.mu.Lock()
		ae.micQueue = append(ae.micQueue, pcm...)
		if len(ae.micQueue) > maxMicQueueSamples {
			ae.micQueue = ae.micQueue[len(ae.micQueue)-maxMicQueueSamples:]
		}
		ae.mu.Unlock()
	}
}

// voiceSendLoop is the voice sender task: every voiceChunkPeriod it drains
// the mic queue, wraps the samples in a WAV container, splits the container
// into ≤maxVoiceChunkBytes pieces, and emits each as a CaptureOut chunk
// (§4.6, §5 task 4).
func (ae *AudioEngine) voiceSendLoop() {
	ticker := time.NewTicker(voiceChunkPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ae.stopCh:
			return
		case <-ticker.C:
		}

		ae.mu.Lock()
		samples := ae.micQueue
		ae.micQueue = nil
		ae.mu.Unlock()

		if len(samples) == 0 {
			continue
		}

		wav := encodeWAVChunk(samples)
		for _, part := range splitBytes(wav, maxVoiceChunkBytes) {
			select {
			case ae.CaptureOut <- part:
			case <-ae.stopCh:
				return
			default:
				slog.Warn("capture queue full, dropping voice chunk", "component", "audio")
			}
		}
	}
}

// PushPlayback feeds a decrypted Voice datagram payload from the transport's
// receive task into the playback pipeline.
func (ae *AudioEngine) PushPlayback(senderUUID string, samples []byte) {
	select {
	case ae.PlaybackIn <- VoiceChunk{SenderUUID: senderUUID, Samples: samples}:
	default:
	}
}

// playbackLoop is the voice receiver's mixing side: every output cycle it
// drains PlaybackIn into the jitter buffer, pops one chunk per active
// sender, decodes each WAV-container chunk, and additively mixes it into the
// output buffer.
func (ae *AudioEngine) playbackLoop(buf []float32) {
	pending := make(map[string][]byte) // headerless continuation bytes per sender, played ahead of that sender's next headered chunk

	for {
		select {
		case <-ae.stopCh:
			return
		default:
		}

	drain:
		for {
			select {
			case chunk := <-ae.PlaybackIn:
				ae.jb.Push(chunk.SenderUUID, chunk.Samples)
			default:
				break drain
			}
		}

		zeroFloat32(buf)

		if !ae.deafened.Load() {
			ae.mu.Lock()
			vol := ae.volume
			ae.mu.Unlock()
			scale := float32(vol) / 32768.0

			for _, c := range ae.jb.Pop() {
				if c.Samples == nil {
					continue // underrun: leave silence for this sender this cycle
				}
				pcmBytes, ok := decodeWAVChunk(c.Samples)
				if !ok {
					// A mid-WAV continuation piece: append to whatever we
					// have buffered for this sender and try again next time.
					pending[c.SenderUUID] = append(pending[c.SenderUUID], c.Samples...)
					continue
				}
				if buffered := pending[c.SenderUUID]; len(buffered) > 0 {
					pcmBytes = append(buffered, pcmBytes...)
					delete(pending, c.SenderUUID)
				}

				samples := bytesToInt16(pcmBytes)
				for i := 0; i < len(samples) && i < len(buf); i++ {
					buf[i] += float32(samples[i]) * scale
				}
			}

			for i := range buf {
				buf[i] = clampFloat32(buf[i])
			}
		}

		if err := ae.playbackStream.Write(); err != nil {
			if ae.running.Load() {
				slog.Warn("playback write", "component", "audio", "error", err)
			}
			return
		}
	}
}

// --- WAV container helpers ---
//
// A minimal mono 16-bit PCM WAV encoding: just enough header for the
// receiving side to recover sample count and byte order (§4.6). No
// compression, no metadata chunks.

const wavHeaderSize = 44

// encodeWAVChunk wraps pcm samples in a canonical 44-byte-header WAV
// container.
func encodeWAVChunk(pcm []int16) []byte {
	dataSize := len(pcm) * 2
	buf := make([]byte, wavHeaderSize+dataSize)

	copy(buf[0:4], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:8], uint32(36+dataSize))
	copy(buf[8:12], "WAVE")

	copy(buf[12:16], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:20], 16) // subchunk1 size (PCM)
	binary.LittleEndian.PutUint16(buf[20:22], 1)  // audio format: PCM
	binary.LittleEndian.PutUint16(buf[22:24], channels)
	binary.LittleEndian.PutUint32(buf[24:28], sampleRate)
	byteRate := sampleRate * channels * 2
	binary.LittleEndian.PutUint32(buf[28:32], uint32(byteRate))
	blockAlign := channels * 2
	binary.LittleEndian.PutUint16(buf[32:34], uint16(blockAlign))
	binary.LittleEndian.PutUint16(buf[34:36], 16) // bits per sample

	copy(buf[36:40], "data")
	binary.LittleEndian.PutUint32(buf[40:44], uint32(dataSize))

	for i, s := range pcm {
		binary.LittleEndian.PutUint16(buf[wavHeaderSize+i*2:], uint16(s))
	}
	return buf
}

// decodeWAVChunk extracts the PCM data bytes from a WAV-headered chunk. ok
// is false when data does not begin with a RIFF/WAVE header — this happens
// when a single WAV container was split across more than one datagram and
// this chunk is a bare continuation of raw PCM bytes (§4.6).
func decodeWAVChunk(data []byte) (pcmBytes []byte, ok bool) {
	if len(data) < wavHeaderSize || !bytes.Equal(data[0:4], []byte("RIFF")) || !bytes.Equal(data[8:12], []byte("WAVE")) {
		return nil, false
	}
	dataSize, err := findDataChunk(data)
	if err != nil {
		return nil, false
	}
	end := wavHeaderSize + dataSize
	if end > len(data) {
		end = len(data)
	}
	return data[wavHeaderSize:end], true
}

// findDataChunk locates the canonical "data" subchunk written by
// encodeWAVChunk and returns its declared size.
func findDataChunk(data []byte) (int, error) {
	if len(data) < wavHeaderSize || !bytes.Equal(data[36:40], []byte("data")) {
		return 0, errors.New("audio: missing data subchunk")
	}
	return int(binary.LittleEndian.Uint32(data[40:44])), nil
}

// bytesToInt16 reinterprets little-endian PCM bytes as int16 samples,
// dropping a trailing odd byte if present.
func bytesToInt16(b []byte) []int16 {
	n := len(b) / 2
	out := make([]int16, n)
	for i := 0; i < n; i++ {
		out[i] = int16(binary.LittleEndian.Uint16(b[i*2:]))
	}
	return out
}
