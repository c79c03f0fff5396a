package voicetutor

import "sync"

type Sender string

const (
	SenderUser Sender = "user"
	SenderAI   Sender = "ai"
)

// Message is one finalized transcript entry. Append-only.
type Message struct {
	Text   string
	Sender Sender
}

// SessionState is the authoritative record of one session's conversation.
// UI-facing call state is derived from it, never the other way around.
type SessionState struct {
	mu            sync.Mutex
	messages      []Message
	userPartials  map[string]string
	aiPartials    map[string]string
	modelSpeaking bool
}

func NewSessionState() *SessionState {
	return &SessionState{
		userPartials: make(map[string]string),
		aiPartials:   make(map[string]string),
	}
}

// ApplyText records an AI text event. Final events append a transcript entry;
// non-final ones replace the partial for that item.
func (s *SessionState) ApplyText(p *ServerEventParamText) (Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !p.Final {
		s.aiPartials[p.ItemId] = p.Text
		s.modelSpeaking = true
		return Message{}, false
	}
	text := p.Text
	if text == "" {
		text = s.aiPartials[p.ItemId]
	}
	delete(s.aiPartials, p.ItemId)
	s.modelSpeaking = false
	if text == "" {
		return Message{}, false
	}
	msg := Message{Text: text, Sender: SenderAI}
	s.messages = append(s.messages, msg)
	return msg, true
}

// ApplyTranscription records a user speech transcription event.
func (s *SessionState) ApplyTranscription(p *ServerEventParamTranscription) (Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !p.Final {
		s.userPartials[p.ItemId] = p.Transcript
		return Message{}, false
	}
	text := p.Transcript
	if text == "" {
		text = s.userPartials[p.ItemId]
	}
	delete(s.userPartials, p.ItemId)
	if text == "" {
		return Message{}, false
	}
	msg := Message{Text: text, Sender: SenderUser}
	s.messages = append(s.messages, msg)
	return msg, true
}

// Transcript returns a copy of the finalized messages in arrival order.
func (s *SessionState) Transcript() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Message, len(s.messages))
	copy(out, s.messages)
	return out
}

func (s *SessionState) ModelSpeaking() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.modelSpeaking
}
