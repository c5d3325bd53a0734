package voxserv

import (
	"context"
	"encoding/base64"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/bosley/voxcall/audio"
	"github.com/bosley/voxcall/protocol"
)

// replyJob is one finished utterance waiting for the agent.
type replyJob struct {
	call      *wsCall
	audio     []byte
	extension string
	timestamp time.Time
}

func (s *Server) submit(job replyJob) error {
	queue := s.queues[shard(job.call.call.ID, len(s.queues))]
	select {
	case queue <- job:
		job.call.logger.Debug("Queued utterance for processing", "bytes", len(job.audio))
	default:
		return fmt.Errorf("job queue is full")
	}
	return nil
}

func shard(id uuid.UUID, n int) int {
	h := fnv.New32a()
	h.Write(id[:])
	return int(h.Sum32() % uint32(n))
}

func (s *Server) worker(ctx context.Context, queue <-chan replyJob) {
	s.logger.Debug("Worker starting")
	defer func() {
		s.logger.Debug("Worker shutting down")
		s.workers.Done()
	}()

	for {
		select {
		case <-ctx.Done():
			s.logger.Debug("Worker context cancelled")
			return

		case job := <-queue:
			if err := s.processJob(ctx, job); err != nil {
				job.call.logger.Error("Failed to process utterance", "error", err)
			}
		}
	}
}

func (s *Server) processJob(ctx context.Context, job replyJob) error {
	c := job.call
	select {
	case <-c.done:
		c.logger.Debug("Skipping utterance for closed call")
		return nil
	default:
	}

	c.logger.Info("Processing utterance", "bytes", len(job.audio), "extension", job.extension)

	utterance := Utterance{
		SessionID:     c.call.ID.String(),
		AgentID:       c.call.AgentID,
		Language:      c.call.Language,
		Audio:         job.audio,
		FileExtension: job.extension,
	}
	if s.config.RecordingsDir != "" {
		path, err := s.saveUtterance(job)
		if err != nil {
			c.logger.Error("Failed to save utterance", "error", err)
		} else {
			utterance.RecordingPath = path
		}
	}

	reply, err := s.config.Agent.Respond(ctx, utterance)
	if err != nil {
		c.queue(protocol.Error("agent failed to respond"))
		return fmt.Errorf("agent failed: %w", err)
	}

	if reply.UserText != "" {
		c.queue(protocol.Transcript("user", reply.UserText, uuid.NewString()))
	}
	messageID := uuid.NewString()
	c.queue(protocol.Transcript("assistant", reply.AssistantText, messageID))
	if len(reply.Audio) > 0 {
		c.queue(protocol.AudioChunk(base64.StdEncoding.EncodeToString(reply.Audio), "wav", messageID))
	}

	c.logger.Info("Replied to utterance",
		"messageID", messageID,
		"text", reply.AssistantText,
		"audioBytes", len(reply.Audio))
	return nil
}

// saveUtterance writes the utterance under RecordingsDir/YYYYMMDD/<session>/.
// Raw PCM is wrapped in a WAV header; other formats are stored as received.
func (s *Server) saveUtterance(job replyJob) (string, error) {
	dir := filepath.Join(s.config.RecordingsDir, job.timestamp.Format("20060102"), job.call.call.ID.String())
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create call directory: %w", err)
	}

	data, ext := job.audio, job.extension
	if ext == "" {
		ext = "bin"
	}
	if ext == "pcm" {
		wav, err := audio.EncodeWAV(job.audio, audio.CaptureSampleRate)
		if err != nil {
			return "", err
		}
		data, ext = wav, "wav"
	}

	timestamp := job.timestamp.Format("150405") // HHMMSS
	filename := fmt.Sprintf("utterance_%s_%03d.%s", timestamp, job.timestamp.Nanosecond()/int(time.Millisecond), ext)
	path := filepath.Join(dir, filename)
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", fmt.Errorf("failed to write utterance: %w", err)
	}
	job.call.logger.Debug("Saved utterance", "file", path)
	return path, nil
}
