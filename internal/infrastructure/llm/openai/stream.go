package openai

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/kirillkom/knowledge-qa/internal/core/ports"
)

func (c *Client) openStream(ctx context.Context, path string, payload any, operation string) (*sseStream, error) {
	resp, err := c.post(ctx, path, payload, operation)
	if err != nil {
		return nil, err
	}
	return newSSEStream(resp), nil
}

// sseStream reads OpenAI chat completion fragments off a server-sent-event
// response body.
type sseStream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
	done    bool
}

var _ ports.CompletionStream = (*sseStream)(nil)

func newSSEStream(resp *http.Response) *sseStream {
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	return &sseStream{body: resp.Body, scanner: scanner}
}

type streamPayload struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Usage *apiUsage `json:"usage"`
}

func (s *sseStream) Recv() (ports.CompletionChunk, error) {
	if s.done {
		return ports.CompletionChunk{}, io.EOF
	}

	for s.scanner.Scan() {
		line := strings.TrimSpace(s.scanner.Text())
		if line == "" || strings.HasPrefix(line, ":") {
			continue
		}
		data, ok := strings.CutPrefix(line, "data:")
		if !ok {
			continue
		}
		data = strings.TrimSpace(data)
		if data == "[DONE]" {
			s.done = true
			return ports.CompletionChunk{}, io.EOF
		}

		var payload streamPayload
		if err := json.Unmarshal([]byte(data), &payload); err != nil {
			return ports.CompletionChunk{}, fmt.Errorf("decode stream event: %w", err)
		}

		// With include_usage the usage arrives on a trailing event after
		// finish_reason, so Done is only set once usage is in hand. The
		// [DONE] marker still terminates streams that never report usage.
		chunk := ports.CompletionChunk{}
		if payload.Usage != nil {
			usage := payload.Usage.toDomain()
			chunk.Usage = &usage
			chunk.Done = true
		}
		if len(payload.Choices) > 0 {
			chunk.Content = payload.Choices[0].Delta.Content
		}
		return chunk, nil
	}

	if err := s.scanner.Err(); err != nil {
		if err == context.Canceled || strings.Contains(err.Error(), "context canceled") {
			return ports.CompletionChunk{}, err
		}
		return ports.CompletionChunk{}, fmt.Errorf("read stream: %w", err)
	}
	// The body ended without a [DONE] marker.
	return ports.CompletionChunk{}, io.ErrUnexpectedEOF
}

func (s *sseStream) Close() error {
	return s.body.Close()
}
