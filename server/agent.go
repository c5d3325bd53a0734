package voxserv

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/bosley/voxcall/audio"
)

const (
	toneFrequency = 440.0
	toneWordTime  = 250 * time.Millisecond
	maxEchoLength = 10 * time.Second
)

// Utterance is one finished caller turn.
type Utterance struct {
	SessionID     string
	AgentID       string
	Language      string
	Audio         []byte
	FileExtension string

	// RecordingPath is where the utterance was saved, when recording is on
	RecordingPath string
}

// Reply is the agent's answer to an utterance. Audio is a WAV clip.
type Reply struct {
	UserText      string
	AssistantText string
	Audio         []byte
}

type Agent interface {
	Respond(ctx context.Context, u Utterance) (Reply, error)
}

// EchoAgent plays the caller's own audio back. PCM and WAV utterances are
// echoed at the playback rate; anything it cannot decode gets a tone instead.
// With a Transcriber the caller's words are transcribed and repeated in the
// reply text.
type EchoAgent struct {
	Transcriber Transcriber
	Logger      *slog.Logger
}

func (a *EchoAgent) logger() *slog.Logger {
	if a.Logger == nil {
		return slog.Default()
	}
	return a.Logger
}

func (a *EchoAgent) Respond(ctx context.Context, u Utterance) (Reply, error) {
	samples, rate := decodeUtterance(u.Audio, u.FileExtension)

	var heard string
	if a.Transcriber != nil {
		text, err := a.transcribe(ctx, u, samples, rate)
		if err != nil {
			a.logger().Warn("Transcription failed", "error", err, "sessionID", u.SessionID)
		}
		heard = text
	}

	reply := Reply{}
	var clip []int16
	if len(samples) > 0 {
		clip = audio.Resample(samples, rate, audio.PlaybackRate)
		if limit := int(maxEchoLength.Seconds() * audio.PlaybackRate); len(clip) > limit {
			clip = clip[:limit]
		}
		seconds := float64(len(samples)) / float64(rate)
		reply.UserText = fmt.Sprintf("(%.1f seconds of audio)", seconds)
		reply.AssistantText = fmt.Sprintf("I heard %.1f seconds of audio, here it is back.", seconds)
	} else {
		reply.UserText = fmt.Sprintf("(%d bytes of %s audio)", len(u.Audio), extensionOrUnknown(u.FileExtension))
		reply.AssistantText = "I received your message but cannot play that format back."
	}
	if heard != "" {
		reply.UserText = heard
		reply.AssistantText = "You said: " + heard
	}
	if clip == nil {
		words := len(strings.Fields(reply.AssistantText))
		clip = audio.Tone(toneFrequency, time.Duration(words)*toneWordTime, audio.PlaybackRate)
	}

	wav, err := audio.EncodeSamples(clip, audio.PlaybackRate)
	if err != nil {
		return Reply{}, err
	}
	reply.Audio = wav
	return reply, nil
}

// transcribe runs the transcriber on the saved recording, writing a
// temporary WAV first when recording is off.
func (a *EchoAgent) transcribe(ctx context.Context, u Utterance, samples []int16, rate int) (string, error) {
	path := u.RecordingPath
	if path == "" {
		if len(samples) == 0 {
			return "", fmt.Errorf("cannot transcribe %s audio", extensionOrUnknown(u.FileExtension))
		}
		wav, err := audio.EncodeSamples(audio.Resample(samples, rate, audio.CaptureSampleRate), audio.CaptureSampleRate)
		if err != nil {
			return "", err
		}
		f, err := os.CreateTemp("", "voxserv-*.wav")
		if err != nil {
			return "", fmt.Errorf("failed to create temporary file: %w", err)
		}
		defer os.Remove(f.Name())
		if _, err := f.Write(wav); err != nil {
			f.Close()
			return "", fmt.Errorf("failed to write temporary file: %w", err)
		}
		if err := f.Close(); err != nil {
			return "", err
		}
		path = f.Name()
	}
	return a.Transcriber.Transcribe(ctx, path)
}

// decodeUtterance returns the utterance's samples and their rate, or nil when
// the format cannot be decoded here.
func decodeUtterance(data []byte, extension string) ([]int16, int) {
	switch extension {
	case "pcm":
		return audio.PCMToSamples(data), audio.CaptureSampleRate
	case "wav":
		clip, err := audio.DecodeWAV(data)
		if err != nil {
			return nil, 0
		}
		return clip.Samples, clip.SampleRate
	default:
		return nil, 0
	}
}

func extensionOrUnknown(ext string) string {
	if ext == "" {
		return "unknown"
	}
	return ext
}
