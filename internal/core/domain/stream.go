package domain

// StreamEventType discriminates events on an answer stream.
type StreamEventType string

const (
	StreamEventContent StreamEventType = "content"
	StreamEventFinal   StreamEventType = "final"
	StreamEventError   StreamEventType = "error"
)

// StreamEvent is one event on an AnswerStream: zero or more content events
// followed by exactly one terminal event (final or error).
type StreamEvent struct {
	Type StreamEventType

	// Content is set on content events.
	Content string

	// Terminal success payload.
	Sources        []Source
	Usage          TokenUsage
	ConversationID string

	// Terminal error payload.
	ErrKind string
	Message string
}

func ContentEvent(fragment string) StreamEvent {
	return StreamEvent{Type: StreamEventContent, Content: fragment}
}

func FinalEvent(sources []Source, usage TokenUsage, conversationID string) StreamEvent {
	if sources == nil {
		sources = []Source{}
	}
	return StreamEvent{
		Type:           StreamEventFinal,
		Sources:        sources,
		Usage:          usage,
		ConversationID: conversationID,
	}
}

func ErrorEvent(err error) StreamEvent {
	return StreamEvent{
		Type:    StreamEventError,
		ErrKind: ErrorKind(err),
		Message: err.Error(),
	}
}

func (e StreamEvent) Terminal() bool {
	return e.Type == StreamEventFinal || e.Type == StreamEventError
}
