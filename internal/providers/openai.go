package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// OpenAIClient implements Client for OpenAI-compatible chat-completion
// APIs (OpenAI itself, or any endpoint speaking the same dialect).
type OpenAIClient struct {
	name         string
	apiKey       string
	apiBase      string
	defaultModel string
	client       *http.Client
	retryConfig  RetryConfig
}

func NewOpenAIClient(name, apiKey, apiBase, defaultModel string) *OpenAIClient {
	if apiBase == "" {
		apiBase = "https://api.openai.com/v1"
	}
	apiBase = strings.TrimRight(apiBase, "/")
	if defaultModel == "" {
		defaultModel = "gpt-4o-mini"
	}

	return &OpenAIClient{
		name:         name,
		apiKey:       apiKey,
		apiBase:      apiBase,
		defaultModel: defaultModel,
		client:       &http.Client{Timeout: 120 * time.Second},
		retryConfig:  DefaultRetryConfig(),
	}
}

func (c *OpenAIClient) Name() string         { return c.name }
func (c *OpenAIClient) DefaultModel() string { return c.defaultModel }

func (c *OpenAIClient) Complete(ctx context.Context, req CompletionRequest) (string, error) {
	model := req.Model
	if model == "" {
		model = c.defaultModel
	}

	var messages []map[string]string
	if req.System != "" {
		messages = append(messages, map[string]string{"role": "system", "content": req.System})
	}
	messages = append(messages, map[string]string{"role": "user", "content": req.Prompt})

	body := map[string]interface{}{
		"model":    model,
		"messages": messages,
	}
	if req.MaxTokens > 0 {
		body["max_tokens"] = req.MaxTokens
	}

	return RetryDo(ctx, c.retryConfig, func() (string, error) {
		respBody, err := c.doRequest(ctx, body)
		if err != nil {
			return "", err
		}
		defer respBody.Close()

		var resp openAIResponse
		if err := json.NewDecoder(respBody).Decode(&resp); err != nil {
			return "", fmt.Errorf("%s: decode response: %w", c.name, err)
		}
		if len(resp.Choices) == 0 {
			return "", fmt.Errorf("%s: empty choices", c.name)
		}
		return resp.Choices[0].Message.Content, nil
	})
}

func (c *OpenAIClient) doRequest(ctx context.Context, body interface{}) (io.ReadCloser, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("%s: marshal request: %w", c.name, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.apiBase+"/chat/completions", bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%s: create request: %w", c.name, err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%s: request failed: %w", c.name, err)
	}

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		retryAfter := ParseRetryAfter(resp.Header.Get("Retry-After"))
		return nil, &HTTPError{
			Status:     resp.StatusCode,
			Body:       fmt.Sprintf("%s: %s", c.name, string(respBody)),
			RetryAfter: retryAfter,
		}
	}

	return resp.Body, nil
}

type openAIResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}
