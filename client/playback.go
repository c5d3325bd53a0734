package voxcli

import (
	"encoding/base64"
	"math"
	"time"

	"github.com/bosley/voxcall/transcript"
)

type activePlayer struct {
	player    Player
	messageID string
	wordCount int
}

// playbackQueue plays assistant audio as it arrives. Chunks start immediately
// and may overlap; ordering across turns is whatever order the server sent.
// Runs on the loop.
type playbackQueue struct {
	s       *Session
	players map[*activePlayer]struct{}
}

func (q *playbackQueue) enqueue(data, messageID string) {
	s := q.s
	if s.assistantMuted {
		q.resetHighlight(messageID)
		s.logger.Debug("Discarding assistant audio while muted", "id", messageID)
		return
	}

	raw, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		q.resetHighlight(messageID)
		s.logger.Warn("Discarding undecodable audio chunk", "error", err, "id", messageID)
		return
	}
	player, err := s.host.Playback.Decode(raw)
	if err != nil {
		q.resetHighlight(messageID)
		s.logger.Warn("Failed to decode assistant audio", "error", err, "id", messageID)
		return
	}

	ap := &activePlayer{player: player, messageID: messageID}
	q.players[ap] = struct{}{}

	err = player.Play(PlayerEvents{
		Progress: func(elapsed time.Duration) {
			s.post(func() { q.onProgress(ap, elapsed) })
		},
		Ended: func() {
			s.post(func() { q.onEnded(ap) })
		},
	})
	if err != nil {
		s.logger.Warn("Failed to start assistant audio", "error", err, "id", messageID)
		q.release(ap)
		return
	}
	s.logger.Debug("Playing assistant audio", "id", messageID, "duration", player.Duration(), "active", len(q.players))
}

// onProgress maps the elapsed fraction of the clip onto the entry's words.
// It is a proportional estimate, not word-level alignment.
func (q *playbackQueue) onProgress(ap *activePlayer, elapsed time.Duration) {
	if _, ok := q.players[ap]; !ok || ap.messageID == "" {
		return
	}
	duration := ap.player.Duration()
	if duration <= 0 {
		return
	}
	if ap.wordCount == 0 {
		ap.wordCount = q.s.transcript.WordCount(ap.messageID)
	}
	q.s.transcript.SetHighlight(ap.messageID, highlightIndex(elapsed, duration, ap.wordCount))
}

func (q *playbackQueue) onEnded(ap *activePlayer) {
	if _, ok := q.players[ap]; !ok {
		return
	}
	q.release(ap)
}

func (q *playbackQueue) release(ap *activePlayer) {
	delete(q.players, ap)
	if err := ap.player.Release(); err != nil {
		q.s.logger.Debug("Failed to release player", "error", err)
	}
	q.resetHighlight(ap.messageID)
}

// stopAll pauses and releases every player.
func (q *playbackQueue) stopAll() {
	for ap := range q.players {
		if err := ap.player.Pause(); err != nil {
			q.s.logger.Debug("Failed to pause player", "error", err)
		}
		q.release(ap)
	}
}

func (q *playbackQueue) resetHighlight(messageID string) {
	if messageID == "" {
		return
	}
	q.s.transcript.SetHighlight(messageID, transcript.NoHighlight)
}

func highlightIndex(elapsed, duration time.Duration, wordCount int) int {
	if wordCount <= 0 || duration <= 0 {
		return transcript.NoHighlight
	}
	ratio := float64(elapsed) / float64(duration)
	if ratio < 0 {
		ratio = 0
	}
	idx := int(math.Floor(ratio * float64(wordCount)))
	if idx > wordCount-1 {
		idx = wordCount - 1
	}
	return idx
}
