package services

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/matixlol/caloric/config"
)

type ChatMessage struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

type ToolCall struct {
	ID       string           `json:"id"`
	Type     string           `json:"type"`
	Function ToolCallFunction `json:"function"`
}

type ToolCallFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type ToolDefinition struct {
	Type     string       `json:"type"`
	Function ToolFunction `json:"function"`
}

type ToolFunction struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// ChatTurn is one completed model turn: whatever visible text the assistant
// produced plus the tool calls it requested. The streaming and non-streaming
// paths both converge on this shape.
type ChatTurn struct {
	Content   string
	ToolCalls []ToolCall
}

// ChatCompleter is the one primitive the agent loop consumes.
type ChatCompleter interface {
	Complete(ctx context.Context, messages []ChatMessage, tools []ToolDefinition) (*ChatTurn, error)
}

// ChatService talks to an OpenAI-compatible chat completions endpoint.
type ChatService struct {
	baseURL string
	apiKey  string
	model   string
	client  *http.Client
}

func NewChatService(cfg config.Settings) *ChatService {
	return &ChatService{
		baseURL: strings.TrimRight(cfg.ChatBaseURL, "/"),
		apiKey:  cfg.ChatAPIKey,
		model:   cfg.ChatModel,
		client:  &http.Client{Timeout: cfg.UpstreamTimeout},
	}
}

type chatCompletionResponse struct {
	Choices []struct {
		Message struct {
			Content   string     `json:"content"`
			ToolCalls []ToolCall `json:"tool_calls"`
		} `json:"message"`
	} `json:"choices"`
}

func (s *ChatService) Complete(ctx context.Context, messages []ChatMessage, tools []ToolDefinition) (*ChatTurn, error) {
	body, err := s.send(ctx, messages, tools, false)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	raw, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("failed to read chat completion response: %w", err)
	}
	var cr chatCompletionResponse
	if err := json.Unmarshal(raw, &cr); err != nil {
		return nil, fmt.Errorf("failed to parse chat completion JSON: %w", err)
	}
	if len(cr.Choices) == 0 {
		return nil, fmt.Errorf("chat completion returned no choices")
	}
	msg := cr.Choices[0].Message
	return &ChatTurn{Content: msg.Content, ToolCalls: msg.ToolCalls}, nil
}

type streamChunk struct {
	Choices []struct {
		Delta struct {
			Content   string `json:"content"`
			ToolCalls []struct {
				Index    int    `json:"index"`
				ID       string `json:"id"`
				Type     string `json:"type"`
				Function struct {
					Name      string `json:"name"`
					Arguments string `json:"arguments"`
				} `json:"function"`
			} `json:"tool_calls"`
		} `json:"delta"`
	} `json:"choices"`
}

// CompleteStream decodes server-sent-event chunks incrementally, invoking
// onDelta for each text fragment, and returns the same final shape as
// Complete.
func (s *ChatService) CompleteStream(ctx context.Context, messages []ChatMessage, tools []ToolDefinition, onDelta func(string)) (*ChatTurn, error) {
	body, err := s.send(ctx, messages, tools, true)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	var (
		content   strings.Builder
		toolCalls []ToolCall
	)
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "" || data == "[DONE]" {
			continue
		}
		var chunk streamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			return nil, fmt.Errorf("failed to parse stream chunk: %w", err)
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		delta := chunk.Choices[0].Delta
		if delta.Content != "" {
			content.WriteString(delta.Content)
			if onDelta != nil {
				onDelta(delta.Content)
			}
		}
		for _, tc := range delta.ToolCalls {
			for len(toolCalls) <= tc.Index {
				toolCalls = append(toolCalls, ToolCall{Type: "function"})
			}
			cur := &toolCalls[tc.Index]
			if tc.ID != "" {
				cur.ID = tc.ID
			}
			if tc.Type != "" {
				cur.Type = tc.Type
			}
			if tc.Function.Name != "" {
				cur.Function.Name += tc.Function.Name
			}
			cur.Function.Arguments += tc.Function.Arguments
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read chat completion stream: %w", err)
	}
	return &ChatTurn{Content: content.String(), ToolCalls: toolCalls}, nil
}

func (s *ChatService) send(ctx context.Context, messages []ChatMessage, tools []ToolDefinition, stream bool) (io.ReadCloser, error) {
	payload := map[string]any{
		"model":    s.model,
		"messages": messages,
	}
	if len(tools) > 0 {
		payload["tools"] = tools
		payload["tool_choice"] = "auto"
	}
	if stream {
		payload["stream"] = true
	}

	b, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal chat payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/chat/completions", bytes.NewReader(b))
	if err != nil {
		return nil, fmt.Errorf("failed to create chat request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to call chat completion API: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, fmt.Errorf("chat completion API error %d: %s", resp.StatusCode, string(body))
	}
	return resp.Body, nil
}
