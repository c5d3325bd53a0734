package transcript

import (
	"sync"
	"testing"
)

func TestTokenize(t *testing.T) {
	tests := []struct {
		name  string
		text  string
		want  []Token
		words int
	}{
		{
			name: "two words",
			text: "Hello there",
			want: []Token{
				{Text: "Hello", IsWord: true},
				{Text: " ", IsWord: false},
				{Text: "there", IsWord: true},
			},
			words: 2,
		},
		{
			name: "mixed whitespace preserved",
			text: "a \t b\nc",
			want: []Token{
				{Text: "a", IsWord: true},
				{Text: " \t ", IsWord: false},
				{Text: "b", IsWord: true},
				{Text: "\n", IsWord: false},
				{Text: "c", IsWord: true},
			},
			words: 3,
		},
		{
			name: "leading and trailing whitespace",
			text: "  hi ",
			want: []Token{
				{Text: "  ", IsWord: false},
				{Text: "hi", IsWord: true},
				{Text: " ", IsWord: false},
			},
			words: 1,
		},
		{
			name:  "empty",
			text:  "",
			want:  []Token{},
			words: 0,
		},
		{
			name:  "whitespace only",
			text:  "   ",
			want:  []Token{{Text: "   ", IsWord: false}},
			words: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Tokenize(tt.text)
			if len(got) != len(tt.want) {
				t.Fatalf("expected %d tokens, got %d: %#v", len(tt.want), len(got), got)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("token %d: expected %#v, got %#v", i, tt.want[i], got[i])
				}
			}
			if n := WordCount(got); n != tt.words {
				t.Errorf("expected %d words, got %d", tt.words, n)
			}
		})
	}
}

func TestStoreAppend(t *testing.T) {
	t.Run("assistant entry is tokenized", func(t *testing.T) {
		s := NewStore()
		e := s.Append(RoleAssistant, "Hello there", "m1")

		if e.ID != "m1" {
			t.Errorf("expected id m1, got %q", e.ID)
		}
		if e.HighlightedWordIndex != NoHighlight {
			t.Errorf("expected highlight -1, got %d", e.HighlightedWordIndex)
		}
		if e.WordCount() != 2 || len(e.Tokens) != 3 {
			t.Errorf("unexpected tokens %#v", e.Tokens)
		}
		if e.Timestamp.IsZero() {
			t.Error("timestamp not set")
		}
	})

	t.Run("user entry has no tokens", func(t *testing.T) {
		s := NewStore()
		e := s.Append(RoleUser, "hi agent", "")

		if e.Tokens != nil {
			t.Errorf("expected no tokens, got %#v", e.Tokens)
		}
		if e.ID == "" {
			t.Error("expected generated id")
		}
	})

	t.Run("arrival order kept", func(t *testing.T) {
		s := NewStore()
		s.Append(RoleUser, "one", "a")
		s.Append(RoleAssistant, "two", "b")
		s.Append(RoleUser, "three", "c")

		entries := s.Entries()
		if len(entries) != 3 {
			t.Fatalf("expected 3 entries, got %d", len(entries))
		}
		for i, id := range []string{"a", "b", "c"} {
			if entries[i].ID != id {
				t.Errorf("entry %d: expected %s, got %s", i, id, entries[i].ID)
			}
		}
	})
}

func TestStoreSetHighlight(t *testing.T) {
	s := NewStore()
	s.Append(RoleAssistant, "one two three", "m1")
	s.Append(RoleUser, "words here", "u1")

	tests := []struct {
		name  string
		id    string
		index int
		want  int
		found bool
	}{
		{"in range", "m1", 1, 1, true},
		{"clamped high", "m1", 10, 2, true},
		{"clamped low", "m1", -5, -1, true},
		{"reset", "m1", -1, -1, true},
		{"tokenless entry stays at -1", "u1", 1, -1, true},
		{"unknown id", "nope", 0, 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			found := s.SetHighlight(tt.id, tt.index)
			if found != tt.found {
				t.Fatalf("expected found=%v, got %v", tt.found, found)
			}
			if !found {
				return
			}
			e, _ := s.Get(tt.id)
			if e.HighlightedWordIndex != tt.want {
				t.Errorf("expected %d, got %d", tt.want, e.HighlightedWordIndex)
			}
		})
	}
}

func TestStoreSetHighlightTargetsLatest(t *testing.T) {
	s := NewStore()
	s.Append(RoleAssistant, "first reply", "m1")
	s.Append(RoleAssistant, "second longer reply", "m1")

	s.SetHighlight("m1", 2)

	entries := s.Entries()
	if entries[0].HighlightedWordIndex != NoHighlight {
		t.Errorf("older entry should be untouched, got %d", entries[0].HighlightedWordIndex)
	}
	if entries[1].HighlightedWordIndex != 2 {
		t.Errorf("expected 2, got %d", entries[1].HighlightedWordIndex)
	}
	if n := s.WordCount("m1"); n != 3 {
		t.Errorf("expected word count 3, got %d", n)
	}
}

func TestStoreEntriesIsCopy(t *testing.T) {
	s := NewStore()
	s.Append(RoleAssistant, "Hello there", "m1")

	entries := s.Entries()
	entries[0].Text = "mutated"

	e, _ := s.Get("m1")
	if e.Text != "Hello there" {
		t.Errorf("store was mutated through Entries: %q", e.Text)
	}
}

func TestStoreConcurrentAccess(t *testing.T) {
	s := NewStore()
	s.Append(RoleAssistant, "a b c d", "m1")

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			s.SetHighlight("m1", i%4)
		}(i)
		go func() {
			defer wg.Done()
			_ = s.Entries()
		}()
	}
	wg.Wait()

	e, _ := s.Get("m1")
	if e.HighlightedWordIndex < NoHighlight || e.HighlightedWordIndex > 3 {
		t.Errorf("highlight out of range: %d", e.HighlightedWordIndex)
	}
}
