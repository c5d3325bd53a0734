package voxserv

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
)

var ErrNoSpeech = errors.New("no transcribable content")

// Transcriber turns a recorded utterance into text.
type Transcriber interface {
	Transcribe(ctx context.Context, path string) (string, error)
}

// WhisperTranscriber shells out to a whisper.cpp style executable.
type WhisperTranscriber struct {
	// Path to whisper executable
	Path string

	// Path to whisper model
	Model string

	Logger *slog.Logger
}

func (w *WhisperTranscriber) Transcribe(ctx context.Context, path string) (string, error) {
	logger := w.Logger
	if logger == nil {
		logger = slog.Default()
	}

	// Execute whisper command
	cmd := exec.CommandContext(ctx, w.Path, "--model", w.Model, path)

	logger.Debug("Executing whisper command",
		"command", cmd.String(),
		"args", cmd.Args)

	output, err := cmd.Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			logger.Debug("Whisper command failed",
				"stderr", string(exitErr.Stderr),
				"exitCode", exitErr.ExitCode())
		}
		return "", fmt.Errorf("whisper execution failed: %w", err)
	}

	text := extractText(string(output))
	if text == "" {
		return "", ErrNoSpeech
	}
	return text, nil
}

// extractText joins whisper's output lines, skipping blank-audio markers.
func extractText(output string) string {
	var builder strings.Builder
	for _, line := range strings.Split(output, "\n") {
		text := strings.TrimSpace(line)
		if text == "" || strings.Contains(text, "[BLANK_AUDIO]") {
			continue
		}
		if builder.Len() > 0 {
			builder.WriteString(" ")
		}
		builder.WriteString(text)
	}
	return builder.String()
}
