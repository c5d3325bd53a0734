// Package protocol defines the wire format shared by the call client and the
// agent backend: the REST session-negotiation payloads and the JSON text
// frames exchanged over the call WebSocket.
package protocol

import (
	"encoding/json"
	"fmt"
)

type MessageType string

// Server to client.
const (
	TypeConnected  MessageType = "connected"
	TypeTranscript MessageType = "transcript"
	TypeAudioChunk MessageType = "audio_chunk"
	TypeWarning    MessageType = "warning"
	TypeError      MessageType = "error"
	TypeEnded      MessageType = "ended"
)

// Client to server. audio_chunk is shared with the server direction.
const (
	TypeEndUtterance MessageType = "end_utterance"
	TypeHangup       MessageType = "hangup"
)

// Message is the union of every frame on the call socket; Type selects which
// of the remaining fields are meaningful.
type Message struct {
	Type          MessageType `json:"type"`
	Role          string      `json:"role,omitempty"`
	Text          string      `json:"text,omitempty"`
	MessageID     string      `json:"message_id,omitempty"`
	Data          string      `json:"data,omitempty"`
	FileExtension string      `json:"file_extension,omitempty"`
	Message       string      `json:"message,omitempty"`
}

// Decode parses one text frame. Frames without a type are rejected so callers
// can tell garbage from an unknown but well-formed message.
func Decode(data []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return Message{}, fmt.Errorf("failed to decode frame: %w", err)
	}
	if msg.Type == "" {
		return Message{}, fmt.Errorf("frame has no type")
	}
	return msg, nil
}

func Connected() Message { return Message{Type: TypeConnected} }

func Ended() Message { return Message{Type: TypeEnded} }

func Hangup() Message { return Message{Type: TypeHangup} }

func EndUtterance() Message { return Message{Type: TypeEndUtterance} }

func Transcript(role, text, messageID string) Message {
	return Message{Type: TypeTranscript, Role: role, Text: text, MessageID: messageID}
}

// AudioChunk carries base64 audio. Outbound chunks set the file extension so
// the server knows how to decode the utterance; inbound chunks reference the
// transcript entry they voice through messageID.
func AudioChunk(data, fileExtension, messageID string) Message {
	return Message{Type: TypeAudioChunk, Data: data, FileExtension: fileExtension, MessageID: messageID}
}

func Warning(message string) Message { return Message{Type: TypeWarning, Message: message} }

func Error(message string) Message { return Message{Type: TypeError, Message: message} }
