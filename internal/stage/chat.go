package stage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"strategy-pipeline/internal/apperr"
)

// ChatBackend talks to an OpenAI-compatible chat completions endpoint
// (OpenAI, Perplexity).
type ChatBackend struct {
	baseURL    string
	apiKey     string
	model      string
	httpClient *http.Client
}

// NewChatBackend creates a chat completions back end rooted at baseURL.
func NewChatBackend(baseURL, apiKey, model string, timeout time.Duration) *ChatBackend {
	return &ChatBackend{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		model:      model,
		httpClient: &http.Client{Timeout: timeout},
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
	Citations []string `json:"citations"`
	Error     *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Call implements Backend.
func (b *ChatBackend) Call(ctx context.Context, role string, req Request) (Response, error) {
	body := map[string]any{}
	for k, v := range req.ExtraParams {
		body[k] = v
	}
	body["model"] = b.model
	var messages []chatMessage
	if req.SystemContext != "" {
		messages = append(messages, chatMessage{Role: "system", Content: req.SystemContext})
	}
	messages = append(messages, chatMessage{Role: "user", Content: req.UserContext})
	body["messages"] = messages
	if req.MaxTokens > 0 {
		body["max_tokens"] = req.MaxTokens
	}

	jsonData, err := json.Marshal(body)
	if err != nil {
		return Response{}, fmt.Errorf("marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+"/chat/completions", bytes.NewReader(jsonData))
	if err != nil {
		return Response{}, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if b.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+b.apiKey)
	}

	resp, err := b.httpClient.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return Response{}, err
		}
		return Response{}, &apperr.UpstreamError{Op: role, Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return Response{}, &apperr.UpstreamError{Op: role, Status: resp.StatusCode, Err: err}
	}
	var parsed chatResponse
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := http.StatusText(resp.StatusCode)
		if json.Unmarshal(raw, &parsed) == nil && parsed.Error != nil && parsed.Error.Message != "" {
			msg = parsed.Error.Message
		}
		return Response{}, &apperr.UpstreamError{Op: role, Status: resp.StatusCode, Err: errors.New(msg)}
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return Response{}, &apperr.UpstreamError{Op: role, Status: resp.StatusCode, Err: fmt.Errorf("parse response: %w", err)}
	}
	if len(parsed.Choices) == 0 {
		return Response{OK: false, Error: "no choices in response", Model: parsed.Model}, nil
	}
	model := parsed.Model
	if model == "" {
		model = b.model
	}
	return Response{
		OK:        true,
		Output:    parsed.Choices[0].Message.Content,
		Citations: parsed.Citations,
		TokensIn:  parsed.Usage.PromptTokens,
		TokensOut: parsed.Usage.CompletionTokens,
		Model:     model,
	}, nil
}
