package voxcli

import (
	"encoding/base64"
	"strings"

	"github.com/bosley/voxcall/protocol"
)

// Preferred recording formats, best first. The host default is used when
// none is supported.
var preferredMimeTypes = []string{
	"audio/ogg;codecs=opus",
	"audio/webm;codecs=opus",
	"audio/webm",
}

// utteranceRecorder buffers recorder slices and ships them as one utterance
// once the microphone has been quiet for the silence timeout. This is a fixed
// threshold on slice arrival, not voice activity detection. Runs on the loop.
type utteranceRecorder struct {
	s             *Session
	rec           Recorder
	extension     string
	buffer        [][]byte
	cancelSilence func()

	// draining is a recorder stopped by a graceful stop whose last slices may
	// still be queued on the loop. final is what its Stop returned; it goes
	// out behind those slices.
	draining Recorder
	final    []byte
}

func (u *utteranceRecorder) start() error {
	s := u.s
	if !s.conn.isOpen() {
		return ErrNotConnected
	}
	stream := s.mic.current()
	if stream == nil {
		return ErrNotConnected
	}

	mimeType := chooseMimeType(s.host.Capture)
	rec, err := s.host.Capture.NewRecorder(stream, mimeType)
	if err != nil {
		return err
	}
	u.rec = rec
	u.extension = fileExtension(rec.MimeType())

	err = rec.Start(s.cfg.Timeslice, func(data []byte) {
		s.post(func() {
			switch {
			case u.rec == rec:
				u.onData(data)
			case u.draining == rec && len(data) > 0:
				u.buffer = append(u.buffer, append([]byte(nil), data...))
			}
		})
	})
	if err != nil {
		u.rec = nil
		return err
	}
	if s.micMuted {
		u.pause()
	}

	s.logger.Info("Recording started", "mimeType", rec.MimeType(), "extension", u.extension)
	return nil
}

func (u *utteranceRecorder) onData(data []byte) {
	if len(data) == 0 {
		return
	}
	u.buffer = append(u.buffer, append([]byte(nil), data...))
	if u.cancelSilence != nil {
		u.cancelSilence()
	}
	u.cancelSilence = u.s.after(u.s.cfg.SilenceTimeout, func() {
		u.cancelSilence = nil
		u.flush()
	})
}

// flush sends the buffered utterance as one audio_chunk followed by
// end_utterance. With the socket gone the utterance is dropped.
func (u *utteranceRecorder) flush() {
	s := u.s
	if u.cancelSilence != nil {
		u.cancelSilence()
		u.cancelSilence = nil
	}
	if len(u.buffer) == 0 {
		return
	}

	size := 0
	for _, b := range u.buffer {
		size += len(b)
	}
	blob := make([]byte, 0, size)
	for _, b := range u.buffer {
		blob = append(blob, b...)
	}
	u.buffer = nil

	if !s.conn.isOpen() {
		s.dropped++
		s.logger.Warn("Dropping utterance, call socket is closed", "bytes", len(blob))
		return
	}

	encoded := base64.StdEncoding.EncodeToString(blob)
	if err := s.conn.send(protocol.AudioChunk(encoded, u.extension, "")); err != nil {
		s.dropped++
		s.logger.Error("Failed to send utterance", "error", err, "bytes", len(blob))
		return
	}
	if err := s.conn.send(protocol.EndUtterance()); err != nil {
		s.logger.Error("Failed to send end of utterance", "error", err)
		return
	}
	s.logger.Debug("Utterance sent", "bytes", len(blob), "extension", u.extension)
}

func (u *utteranceRecorder) pause() {
	if u.rec == nil {
		return
	}
	if err := u.rec.Pause(); err != nil {
		u.s.logger.Warn("Failed to pause recorder", "error", err)
	}
}

func (u *utteranceRecorder) resume() {
	if u.rec == nil {
		return
	}
	if err := u.rec.Resume(); err != nil {
		u.s.logger.Warn("Failed to resume recorder", "error", err)
	}
}

// stop releases the recorder. With flush set, the recorder is left draining:
// slices it queued while stopping are still buffered, and finish sends them
// with the final slice as one utterance.
func (u *utteranceRecorder) stop(flush bool) {
	if u.rec == nil {
		return
	}
	rec := u.rec
	u.rec = nil

	final, err := rec.Stop()
	if err != nil {
		u.s.logger.Warn("Failed to stop recorder", "error", err)
	}
	if flush {
		u.draining = rec
		u.final = final
		if u.cancelSilence != nil {
			u.cancelSilence()
			u.cancelSilence = nil
		}
	}
	u.s.logger.Debug("Recording stopped")
}

// finish sends what a draining recorder left behind. It must run after every
// slice the recorder queued during Stop.
func (u *utteranceRecorder) finish() {
	if u.draining == nil {
		return
	}
	u.draining = nil
	if len(u.final) > 0 {
		u.buffer = append(u.buffer, u.final)
	}
	u.final = nil
	u.flush()
}

// discard drops the pending silence timer and any unsent audio.
func (u *utteranceRecorder) discard() {
	u.draining = nil
	u.final = nil
	if u.cancelSilence != nil {
		u.cancelSilence()
		u.cancelSilence = nil
	}
	u.buffer = nil
}

func chooseMimeType(capture AudioCapture) string {
	for _, t := range preferredMimeTypes {
		if capture.IsTypeSupported(t) {
			return t
		}
	}
	return ""
}

// fileExtension maps a recording MIME type to the hint the server decodes by.
func fileExtension(mimeType string) string {
	base := strings.ToLower(strings.TrimSpace(strings.SplitN(mimeType, ";", 2)[0]))
	switch base {
	case "audio/ogg":
		return "ogg"
	case "audio/webm", "video/webm":
		return "webm"
	case "audio/wav", "audio/wave", "audio/x-wav":
		return "wav"
	case "audio/pcm", "audio/l16":
		return "pcm"
	case "audio/mp4":
		return "mp4"
	case "":
		return "webm"
	}
	if i := strings.LastIndex(base, "/"); i >= 0 {
		return base[i+1:]
	}
	return base
}
