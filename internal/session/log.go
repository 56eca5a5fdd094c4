package session

import "sync"

// Turn is one transcript entry. Turns are append-only and never edited.
type Turn struct {
	Role    string
	Content string
}

// Log is the conversation transcript plus the two "typing" indicators: one
// while the user's speech is being transcribed, one while the assistant's
// reply is pending. Safe for concurrent use.
type Log struct {
	mu               sync.Mutex
	turns            []Turn
	waitingUser      bool
	waitingAssistant bool
}

// Append adds one turn to the transcript.
func (l *Log) Append(role, content string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.turns = append(l.turns, Turn{Role: role, Content: content})
}

// Turns returns a copy of the transcript in insertion order.
func (l *Log) Turns() []Turn {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Turn(nil), l.turns...)
}

// Reset clears the transcript and both waiting flags.
func (l *Log) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.turns = nil
	l.waitingUser = false
	l.waitingAssistant = false
}

// Waiting reports the user-transcription and assistant-response indicators.
func (l *Log) Waiting() (user, assistant bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.waitingUser, l.waitingAssistant
}

func (l *Log) setWaiting(user, assistant bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.waitingUser = user
	l.waitingAssistant = assistant
}

func (l *Log) setWaitingAssistant(v bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.waitingAssistant = v
}
