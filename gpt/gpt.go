// Package gpt is a minimal client for the YandexGPT completion API used by
// the cascade transport.
package gpt

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
)

const (
	YandexGPTEndpoint = "https://llm.api.cloud.yandex.net/foundationModels/v1/completion"
)

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

type Message struct {
	Role string `json:"role"`
	Text string `json:"text"`
}

// CompletionOptions. The API expects maxTokens as a string.
type CompletionOptions struct {
	Stream      bool    `json:"stream"`
	MaxTokens   int     `json:"maxTokens,string"`
	Temperature float64 `json:"temperature"`
}

type Request struct {
	ModelURI          string            `json:"modelUri"`
	CompletionOptions CompletionOptions `json:"completionOptions"`
	Messages          []Message         `json:"messages"`
}

type Alternative struct {
	Message Message `json:"message"`
	Status  string  `json:"status"`
}

type Response struct {
	Result struct {
		Alternatives []Alternative `json:"alternatives"`
		ModelVersion string        `json:"modelVersion"`
	} `json:"result"`
}

// APIError is returned for non-200 replies.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("completion failed with status %d: %s", e.StatusCode, e.Body)
}

// Text returns the first non-empty alternative.
func (r *Response) Text() (string, error) {
	for _, alt := range r.Result.Alternatives {
		if alt.Message.Text != "" {
			return alt.Message.Text, nil
		}
	}
	return "", errors.New("completion has no alternatives")
}

// Client calls the completion endpoint over HTTP.
type Client struct {
	FolderID      string
	Authorization string
	Endpoint      string
	HTTPClient    *http.Client
}

// NewClient creates a new Yandex GPT client. authorization is the full header
// value, "Bearer <iam>" or "Api-Key <key>".
func NewClient(folderID, authorization string) *Client {
	return &Client{
		FolderID:      folderID,
		Authorization: authorization,
		Endpoint:      YandexGPTEndpoint,
		HTTPClient:    &http.Client{},
	}
}

// ModelURI builds the model reference for a folder, e.g. "yandexgpt-lite".
func (c *Client) ModelURI(model string) string {
	return fmt.Sprintf("gpt://%s/%s/latest", c.FolderID, model)
}

// Complete runs a synchronous completion.
func (c *Client) Complete(ctx context.Context, req Request) (*Response, error) {
	reqBody, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.Endpoint, bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", c.Authorization)
	httpReq.Header.Set("x-folder-id", c.FolderID)

	resp, err := c.HTTPClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &APIError{StatusCode: resp.StatusCode, Body: string(bytes.TrimSpace(body))}
	}

	var response Response
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	return &response, nil
}
