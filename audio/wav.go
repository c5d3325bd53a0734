package audio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"time"

	"github.com/youpy/go-wav"
)

const (
	CaptureSampleRate = 16000 // Rate the microphone is recorded at
	PlaybackRate      = 24000 // Rate the loopback agent synthesizes at
	Channels          = 1     // Mono audio
	BitsPerSample     = 16    // Using int16 for samples
)

var ErrEmptyClip = errors.New("audio: clip has no samples")

// Clip is a decoded mono PCM buffer ready for playback.
type Clip struct {
	SampleRate int
	Samples    []int16
}

// Duration is the playback length of the clip.
func (c *Clip) Duration() time.Duration {
	if c.SampleRate <= 0 {
		return 0
	}
	return time.Duration(len(c.Samples)) * time.Second / time.Duration(c.SampleRate)
}

// EncodeWAV wraps little-endian 16-bit mono PCM in a WAV container.
func EncodeWAV(pcm []byte, sampleRate int) ([]byte, error) {
	samples := PCMToSamples(pcm)
	return EncodeSamples(samples, sampleRate)
}

// EncodeSamples writes mono samples as a 16-bit WAV file.
func EncodeSamples(samples []int16, sampleRate int) ([]byte, error) {
	var buf bytes.Buffer
	writer := wav.NewWriter(&buf, uint32(len(samples)), Channels, uint32(sampleRate), BitsPerSample)

	out := make([]wav.Sample, len(samples))
	for i, s := range samples {
		out[i] = wav.Sample{Values: [2]int{int(s), 0}}
	}
	if err := writer.WriteSamples(out); err != nil {
		return nil, fmt.Errorf("failed to write WAV samples: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeWAV reads a WAV file into a mono clip. Only the first channel of a
// multi-channel file is kept.
func DecodeWAV(data []byte) (*Clip, error) {
	reader := wav.NewReader(bytes.NewReader(data))

	format, err := reader.Format()
	if err != nil {
		return nil, fmt.Errorf("failed to read WAV format: %w", err)
	}

	clip := &Clip{SampleRate: int(format.SampleRate)}
	for {
		samples, err := reader.ReadSamples()
		for _, s := range samples {
			clip.Samples = append(clip.Samples, int16(reader.IntValue(s, 0)))
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read WAV samples: %w", err)
		}
	}

	if len(clip.Samples) == 0 {
		return nil, ErrEmptyClip
	}
	return clip, nil
}

// PCMToSamples converts little-endian 16-bit PCM bytes to samples. A trailing
// odd byte is ignored.
func PCMToSamples(pcm []byte) []int16 {
	samples := make([]int16, len(pcm)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(pcm[i*2:]))
	}
	return samples
}

// SamplesToPCM converts samples to little-endian 16-bit PCM bytes.
func SamplesToPCM(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, sample := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(sample))
	}
	return out
}

// Tone synthesizes a sine wave with short fades at both ends so consecutive
// clips don't click.
func Tone(freq float64, d time.Duration, sampleRate int) []int16 {
	n := int(d.Seconds() * float64(sampleRate))
	fade := sampleRate / 100
	samples := make([]int16, n)
	for i := range samples {
		gain := 0.3
		if i < fade {
			gain *= float64(i) / float64(fade)
		} else if n-i < fade {
			gain *= float64(n-i) / float64(fade)
		}
		samples[i] = int16(gain * math.MaxInt16 * math.Sin(2*math.Pi*freq*float64(i)/float64(sampleRate)))
	}
	return samples
}

// Resample converts a mono clip to the target rate with linear interpolation.
func Resample(samples []int16, from, to int) []int16 {
	if from == to || from <= 0 || to <= 0 || len(samples) == 0 {
		return samples
	}
	n := int(int64(len(samples)) * int64(to) / int64(from))
	out := make([]int16, n)
	ratio := float64(from) / float64(to)
	for i := range out {
		pos := float64(i) * ratio
		idx := int(pos)
		if idx >= len(samples)-1 {
			out[i] = samples[len(samples)-1]
			continue
		}
		frac := pos - float64(idx)
		out[i] = int16(float64(samples[idx])*(1-frac) + float64(samples[idx+1])*frac)
	}
	return out
}
