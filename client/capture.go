package voxcli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/gordonklaus/portaudio"

	"github.com/bosley/voxcall/audio"
)

const (
	DefaultVADThreshold  = 2.22
	backgroundBufferSize = 50
	calibrationFrames    = 15 // roughly one second of frames
	speechHangover       = 300 * time.Millisecond

	channels        = 1
	framesPerBuffer = 1024
)

// PCMMimeType is the PortAudio host's only recording format: raw 16-bit
// little-endian mono PCM at the capture rate.
var PCMMimeType = fmt.Sprintf("audio/pcm;rate=%d", audio.CaptureSampleRate)

var ErrUnsupportedMimeType = errors.New("unsupported recording format")

// InitAudio initializes PortAudio for the process. Call the returned function
// on exit.
func InitAudio() (func(), error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("failed to initialize PortAudio: %w", err)
	}
	return func() {
		if err := portaudio.Terminate(); err != nil {
			slog.Error("Failed to terminate PortAudio", "error", err)
		}
	}, nil
}

// ListAudioDevices returns the input-capable devices.
func ListAudioDevices() ([]portaudio.DeviceInfo, error) {
	err := portaudio.Initialize()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize PortAudio: %w", err)
	}
	defer portaudio.Terminate()

	devices, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("failed to get devices: %w", err)
	}

	// Filter to only input devices
	inputDevices := make([]portaudio.DeviceInfo, 0)
	for _, device := range devices {
		if device.MaxInputChannels > 0 {
			inputDevices = append(inputDevices, *device)
		}
	}

	return inputDevices, nil
}

// PortAudioCapture records from a local input device. Silent frames are gated
// out before they reach the recorder so the session's silence timer can see
// the end of an utterance.
type PortAudioCapture struct {
	DeviceID int
	// VADThreshold is how many times louder than the background noise a
	// frame must be to count as speech. Zero means DefaultVADThreshold.
	VADThreshold float64
	logger       *slog.Logger
}

func NewPortAudioCapture(deviceID int, logger *slog.Logger) *PortAudioCapture {
	if logger == nil {
		logger = slog.Default()
	}
	return &PortAudioCapture{DeviceID: deviceID, logger: logger.With("component", "capture")}
}

func (c *PortAudioCapture) OpenMicrophone(ctx context.Context) (MediaStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	params, err := c.inputParameters()
	if err != nil {
		return nil, err
	}

	ms := &micStream{}
	stream, err := portaudio.OpenStream(params, ms.process)
	if err != nil {
		return nil, fmt.Errorf("failed to open audio stream: %w", err)
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		return nil, fmt.Errorf("failed to start audio stream: %w", err)
	}
	ms.stream = stream
	return ms, nil
}

func (c *PortAudioCapture) inputParameters() (portaudio.StreamParameters, error) {
	var device *portaudio.DeviceInfo
	if c.DeviceID > 0 { // Only use specific device if explicitly requested (non-zero)
		devices, err := portaudio.Devices()
		if err != nil {
			return portaudio.StreamParameters{}, fmt.Errorf("failed to get audio devices: %w", err)
		}
		if c.DeviceID >= len(devices) {
			return portaudio.StreamParameters{}, fmt.Errorf("invalid device ID %d", c.DeviceID)
		}
		device = devices[c.DeviceID]
		if device.MaxInputChannels == 0 {
			return portaudio.StreamParameters{}, fmt.Errorf("device %q is not an input device", device.Name)
		}
		c.logger.Info("Using specified audio device",
			"deviceID", c.DeviceID,
			"deviceName", device.Name,
			"sampleRate", device.DefaultSampleRate,
			"inputChannels", device.MaxInputChannels)
	} else {
		defaultDevice, err := portaudio.DefaultInputDevice()
		if err != nil {
			return portaudio.StreamParameters{}, fmt.Errorf("failed to get default input device: %w", err)
		}
		device = defaultDevice
		c.logger.Info("Using default audio device",
			"deviceName", device.Name,
			"sampleRate", device.DefaultSampleRate,
			"inputChannels", device.MaxInputChannels)
	}

	return portaudio.StreamParameters{
		Input: portaudio.StreamDeviceParameters{
			Device:   device,
			Channels: channels,
			Latency:  device.DefaultLowInputLatency,
		},
		SampleRate:      audio.CaptureSampleRate,
		FramesPerBuffer: framesPerBuffer,
	}, nil
}

func (c *PortAudioCapture) IsTypeSupported(mimeType string) bool {
	return mimeType == PCMMimeType
}

func (c *PortAudioCapture) NewRecorder(stream MediaStream, mimeType string) (Recorder, error) {
	ms, ok := stream.(*micStream)
	if !ok {
		return nil, fmt.Errorf("stream was not opened by PortAudioCapture")
	}
	if mimeType == "" {
		mimeType = PCMMimeType
	}
	if mimeType != PCMMimeType {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedMimeType, mimeType)
	}
	return &paRecorder{
		stream:   ms,
		mimeType: mimeType,
		gate:     newSpeechGate(time.Now, c.VADThreshold),
	}, nil
}

// micStream fans the device callback out to the attached recorder.
type micStream struct {
	stream   *portaudio.Stream
	mu       sync.Mutex
	sink     func([]int16)
	stopOnce sync.Once
}

func (m *micStream) process(in []int16) {
	m.mu.Lock()
	sink := m.sink
	m.mu.Unlock()
	if sink != nil {
		sink(in)
	}
}

func (m *micStream) attach(sink func([]int16)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sink = sink
}

func (m *micStream) Stop() {
	m.stopOnce.Do(func() {
		m.attach(nil)
		if err := m.stream.Stop(); err != nil {
			slog.Error("Failed to stop audio stream", "error", err)
		}
		m.stream.Close()
	})
}

type paRecorder struct {
	stream   *micStream
	mimeType string

	mu      sync.Mutex
	gate    *speechGate
	pending []int16
	paused  bool

	quit chan struct{}
	wg   sync.WaitGroup
}

func (r *paRecorder) MimeType() string { return r.mimeType }

func (r *paRecorder) Start(timeslice time.Duration, onData func([]byte)) error {
	if r.quit != nil {
		return errors.New("recorder already started")
	}
	r.quit = make(chan struct{})
	r.stream.attach(r.capture)

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(timeslice)
		defer ticker.Stop()
		for {
			select {
			case <-r.quit:
				return
			case <-ticker.C:
				if slice := r.take(); len(slice) > 0 {
					onData(slice)
				}
			}
		}
	}()
	return nil
}

func (r *paRecorder) capture(in []int16) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.paused {
		return
	}
	if r.gate.keep(in) {
		r.pending = append(r.pending, in...)
	}
}

func (r *paRecorder) take() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.pending) == 0 {
		return nil
	}
	out := audio.SamplesToPCM(r.pending)
	r.pending = r.pending[:0]
	return out
}

func (r *paRecorder) Pause() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.paused = true
	return nil
}

func (r *paRecorder) Resume() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.paused = false
	return nil
}

func (r *paRecorder) Stop() ([]byte, error) {
	if r.quit == nil {
		return nil, nil
	}
	r.stream.attach(nil)
	close(r.quit)
	r.wg.Wait()
	r.quit = nil
	return r.take(), nil
}

// speechGate keeps frames that are loud relative to a rolling estimate of the
// background noise, plus a short hangover so pauses between words survive.
type speechGate struct {
	now              func() time.Time
	threshold        float64
	backgroundNoise  float64
	backgroundBuffer []float64
	frames           int
	lastSpeech       time.Time
}

func newSpeechGate(now func() time.Time, threshold float64) *speechGate {
	if threshold <= 0 {
		threshold = DefaultVADThreshold
	}
	return &speechGate{
		now:              now,
		threshold:        threshold,
		backgroundBuffer: make([]float64, 0, backgroundBufferSize),
	}
}

func (g *speechGate) keep(chunk []int16) bool {
	amplitude := calculateChunkAmplitude(chunk)
	g.frames++
	if g.frames <= calibrationFrames {
		g.updateBackgroundNoise(amplitude)
		return false
	}

	energyRatio := amplitude / math.Max(g.backgroundNoise, 1)
	if energyRatio > g.threshold {
		g.lastSpeech = g.now()
		return true
	}

	// Only quiet frames feed the estimate, otherwise speech raises the floor.
	g.updateBackgroundNoise(amplitude)
	return !g.lastSpeech.IsZero() && g.now().Sub(g.lastSpeech) < speechHangover
}

func (g *speechGate) updateBackgroundNoise(amplitude float64) {
	if len(g.backgroundBuffer) >= backgroundBufferSize {
		g.backgroundBuffer = g.backgroundBuffer[1:]
	}
	g.backgroundBuffer = append(g.backgroundBuffer, amplitude)

	var sum float64
	for _, a := range g.backgroundBuffer {
		sum += a
	}
	g.backgroundNoise = sum / float64(len(g.backgroundBuffer))
}

func calculateChunkAmplitude(chunk []int16) float64 {
	if len(chunk) == 0 {
		return 0
	}
	var totalAmplitude float64
	for _, sample := range chunk {
		totalAmplitude += math.Abs(float64(sample))
	}
	return totalAmplitude / float64(len(chunk))
}
