// Package transcript keeps the ordered, speaker-tagged caption history for a
// session. Partial captions are revised in place until their definite form
// arrives; positions never change.
package transcript

import (
	"strings"
	"sync"
	"time"
)

// Message is one transcript entry.
type Message struct {
	Speaker    string
	Text       string
	Paragraph  bool
	Definite   bool
	ReceivedAt time.Time
}

// Store is an append-only caption log with in-place revision of the current
// partial utterance per speaker.
type Store struct {
	mu       sync.Mutex
	messages []Message
	// index of the open partial entry per speaker, -1 when none
	partials map[string]int
}

// NewStore creates an empty transcript store.
func NewStore() *Store {
	return &Store{partials: make(map[string]int)}
}

// Apply records a caption. A caption for a speaker with an open partial entry
// revises that entry's text in place; otherwise it is appended. A definite
// caption closes the speaker's partial entry.
func (s *Store) Apply(speaker, text string, paragraph, definite bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if idx, ok := s.partials[speaker]; ok {
		s.messages[idx].Text = text
		s.messages[idx].Paragraph = paragraph
		s.messages[idx].Definite = definite
		if definite {
			delete(s.partials, speaker)
		}
		return
	}

	s.messages = append(s.messages, Message{
		Speaker:    speaker,
		Text:       text,
		Paragraph:  paragraph,
		Definite:   definite,
		ReceivedAt: time.Now(),
	})
	if !definite {
		s.partials[speaker] = len(s.messages) - 1
	}
}

// ClearPartial drops the speaker's open partial entry, if any. Used when the
// agent is interrupted mid-utterance.
func (s *Store) ClearPartial(speaker string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx, ok := s.partials[speaker]
	if !ok {
		return
	}
	s.messages = append(s.messages[:idx], s.messages[idx+1:]...)
	delete(s.partials, speaker)
	for sp, i := range s.partials {
		if i > idx {
			s.partials[sp] = i - 1
		}
	}
}

// Reset clears the whole history. The controller calls this at each
// thinking-to-speaking boundary so only the current turn's captions show.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = nil
	s.partials = make(map[string]int)
}

// Messages returns a copy of the full history in arrival order.
func (s *Store) Messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Message, len(s.messages))
	copy(out, s.messages)
	return out
}

// SpeakerLines returns entries whose speaker has the given identity prefix
// and whose text is non-empty. The agent view uses the agent identity prefix.
func (s *Store) SpeakerLines(speakerPrefix string) []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Message
	for _, m := range s.messages {
		if m.Text != "" && strings.HasPrefix(m.Speaker, speakerPrefix) {
			out = append(out, m)
		}
	}
	return out
}

// Len returns the number of entries.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages)
}
