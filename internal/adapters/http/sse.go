package httpadapter

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/kirillkom/knowledge-qa/internal/core/domain"
)

type sseContentFrame struct {
	Type    string `json:"type"`
	Content string `json:"content"`
}

type sseFinalFrame struct {
	Type           string            `json:"type"`
	Sources        []domain.Source   `json:"sources"`
	Usage          domain.TokenUsage `json:"token_usage"`
	ConversationID string            `json:"conversation_id"`
}

type sseErrorFrame struct {
	Type    string `json:"type"`
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// streamSSE forwards answer events as server-sent events, flushing after
// every frame so fragments reach the client as they are generated.
func streamSSE(w http.ResponseWriter, events <-chan domain.StreamEvent) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "internal_error", "streaming is not supported by response writer")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for event := range events {
		frame := frameFor(event)
		payload, err := json.Marshal(frame)
		if err != nil {
			return
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
			return
		}
		flusher.Flush()
	}

	_, _ = io.WriteString(w, "data: [DONE]\n\n")
	flusher.Flush()
}

func frameFor(event domain.StreamEvent) any {
	switch event.Type {
	case domain.StreamEventContent:
		return sseContentFrame{Type: "content", Content: event.Content}
	case domain.StreamEventFinal:
		return sseFinalFrame{
			Type:           "final",
			Sources:        event.Sources,
			Usage:          event.Usage,
			ConversationID: event.ConversationID,
		}
	default:
		return sseErrorFrame{Type: "error", Kind: event.ErrKind, Message: event.Message}
	}
}
