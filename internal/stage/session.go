package stage

import (
	"time"

	"github.com/google/uuid"
)

// Turn is one message of a stage conversation.
type Turn struct {
	Role    string
	Content string
}

// Session is the private state of a single stage invocation. Nothing in it
// is shared with other stages or other invocations.
type Session struct {
	ID          string
	Kind        Kind
	SubjectID   string
	Instruction string
	StartedAt   time.Time
	// Input carries structured arguments from the caller, such as the
	// resolved context for the summary stage.
	Input map[string]any
	Tools *Toolbox

	history []Turn
}

func newSession(kind Kind, subjectID, instruction string, tools *Toolbox, input map[string]any) *Session {
	return &Session{
		ID:          uuid.NewString(),
		Kind:        kind,
		SubjectID:   subjectID,
		Instruction: instruction,
		StartedAt:   time.Now().UTC(),
		Input:       input,
		Tools:       tools,
	}
}

// Append adds a turn to the conversation.
func (s *Session) Append(role, content string) {
	s.history = append(s.history, Turn{Role: role, Content: content})
}

// History returns a copy of the conversation so far.
func (s *Session) History() []Turn {
	return append([]Turn(nil), s.history...)
}
