// Package transcript holds the ordered, append-only record of a live call:
// caller utterances and assistant replies as they arrive from the agent.
package transcript

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// NoHighlight means no word of the entry is currently being spoken.
const NoHighlight = -1

// Entry is one transcript line. Only HighlightedWordIndex changes after the
// entry is appended.
type Entry struct {
	ID                   string    `json:"id"`
	Role                 Role      `json:"role"`
	Text                 string    `json:"text"`
	Timestamp            time.Time `json:"timestamp"`
	Tokens               []Token   `json:"tokens,omitempty"`
	HighlightedWordIndex int       `json:"highlightedWordIndex"`
}

// WordCount returns the number of word tokens in the entry.
func (e Entry) WordCount() int {
	return WordCount(e.Tokens)
}

type Store struct {
	mu      sync.RWMutex
	entries []Entry
	now     func() time.Time
}

func NewStore() *Store {
	return &Store{
		entries: make([]Entry, 0),
		now:     time.Now,
	}
}

// Append records a new line. Assistant lines are tokenized so their playback
// can drive word highlighting; an empty id is replaced with a fresh uuid.
func (s *Store) Append(role Role, text, id string) Entry {
	if id == "" {
		id = uuid.NewString()
	}
	entry := Entry{
		ID:                   id,
		Role:                 role,
		Text:                 text,
		HighlightedWordIndex: NoHighlight,
	}
	if role == RoleAssistant {
		entry.Tokens = Tokenize(text)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	entry.Timestamp = s.now()
	s.entries = append(s.entries, entry)
	return entry
}

// SetHighlight moves the highlight of the most recent entry with the given id.
// The index is clamped to [-1, wordCount-1]; entries without words always stay
// at NoHighlight. It reports whether an entry was found.
func (s *Store) SetHighlight(id string, index int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := len(s.entries) - 1; i >= 0; i-- {
		if s.entries[i].ID != id {
			continue
		}
		s.entries[i].HighlightedWordIndex = clamp(index, s.entries[i].WordCount())
		return true
	}
	return false
}

// WordCount returns the word count of the most recent entry with the given id,
// or zero when there is no such entry.
func (s *Store) WordCount(id string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for i := len(s.entries) - 1; i >= 0; i-- {
		if s.entries[i].ID == id {
			return s.entries[i].WordCount()
		}
	}
	return 0
}

func (s *Store) Get(id string) (Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for i := len(s.entries) - 1; i >= 0; i-- {
		if s.entries[i].ID == id {
			return s.entries[i], true
		}
	}
	return Entry{}, false
}

// Entries returns a copy of the transcript in arrival order.
func (s *Store) Entries() []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Entry, len(s.entries))
	copy(out, s.entries)
	return out
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

func clamp(index, wordCount int) int {
	if wordCount == 0 || index < NoHighlight {
		return NoHighlight
	}
	if index > wordCount-1 {
		return wordCount - 1
	}
	return index
}
