package voxcli

import (
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gordonklaus/portaudio"

	"github.com/bosley/voxcall/audio"
)

const progressInterval = 100 * time.Millisecond

// PortAudioPlayback plays decoded WAV clips on the default output device.
type PortAudioPlayback struct {
	logger *slog.Logger
}

func NewPortAudioPlayback(logger *slog.Logger) *PortAudioPlayback {
	if logger == nil {
		logger = slog.Default()
	}
	return &PortAudioPlayback{logger: logger.With("component", "playback")}
}

func (p *PortAudioPlayback) Decode(data []byte) (Player, error) {
	clip, err := audio.DecodeWAV(data)
	if err != nil {
		return nil, err
	}
	return &paPlayer{clip: clip, logger: p.logger}, nil
}

type paPlayer struct {
	clip   *audio.Clip
	logger *slog.Logger
	pos    atomic.Int64

	mu        sync.Mutex
	stream    *portaudio.Stream
	quit      chan struct{}
	endedOnce sync.Once
}

func (p *paPlayer) Duration() time.Duration {
	return p.clip.Duration()
}

func (p *paPlayer) Play(events PlayerEvents) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stream != nil {
		return fmt.Errorf("player already started")
	}

	stream, err := portaudio.OpenDefaultStream(
		0,
		audio.Channels,
		float64(p.clip.SampleRate),
		framesPerBuffer,
		p.fill,
	)
	if err != nil {
		return fmt.Errorf("failed to open audio stream: %w", err)
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		return fmt.Errorf("failed to start audio stream: %w", err)
	}
	p.stream = stream
	p.quit = make(chan struct{})

	go p.watch(p.quit, events)
	return nil
}

func (p *paPlayer) fill(out []int16) {
	samples := p.clip.Samples
	pos := int(p.pos.Load())
	n := 0
	for ; n < len(out) && pos+n < len(samples); n++ {
		out[n] = samples[pos+n]
	}
	// Fill remaining buffer with silence if needed
	for i := n; i < len(out); i++ {
		out[i] = 0
	}
	p.pos.Add(int64(n))
}

func (p *paPlayer) elapsed() time.Duration {
	return time.Duration(p.pos.Load()) * time.Second / time.Duration(p.clip.SampleRate)
}

func (p *paPlayer) finished() bool {
	return int(p.pos.Load()) >= len(p.clip.Samples)
}

// watch reports progress until the clip runs out or the player is paused.
func (p *paPlayer) watch(quit chan struct{}, events PlayerEvents) {
	ticker := time.NewTicker(progressInterval)
	defer ticker.Stop()
	for {
		select {
		case <-quit:
			return
		case <-ticker.C:
			if events.Progress != nil {
				events.Progress(p.elapsed())
			}
			if p.finished() {
				p.endedOnce.Do(func() {
					if events.Ended != nil {
						events.Ended()
					}
				})
				return
			}
		}
	}
}

func (p *paPlayer) Pause() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stream == nil {
		return nil
	}
	close(p.quit)
	err := p.stream.Stop()
	p.stream.Close()
	p.stream = nil
	return err
}

func (p *paPlayer) Release() error {
	return p.Pause()
}

// PlayAudioFile plays a WAV file on the default output and returns when it
// has finished.
func PlayAudioFile(filename string) error {
	terminate, err := InitAudio()
	if err != nil {
		return err
	}
	defer terminate()

	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("failed to open audio file: %w", err)
	}

	player, err := NewPortAudioPlayback(nil).Decode(data)
	if err != nil {
		return err
	}
	defer player.Release()

	done := make(chan struct{})
	err = player.Play(PlayerEvents{Ended: func() { close(done) }})
	if err != nil {
		return err
	}

	slog.Info("Playing audio", "file", filename, "duration", player.Duration())
	<-done
	return nil
}
