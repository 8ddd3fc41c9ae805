// Package ai talks to an OpenAI-compatible chat completion endpoint.
package ai

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

	"github.com/nhle/llmail/internal/model"
)

const (
	defaultBaseURL = "https://api.openai.com/v1"
	defaultModel   = "mistralai/mistral-7b-instruct:free"
	requestTimeout = 2 * time.Minute
)

// APIError is a non-200 answer from the backend.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error (%d): %s", e.Status, e.Message)
}

// Client generates replies from a transcript.
type Client struct {
	apiKey  string
	baseURL string
	model   string
	client  *http.Client
}

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient replaces the HTTP client, e.g. for tests.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.client = hc
		}
	}
}

// New creates a client for the given key, base URL and model. Empty
// values fall back to the defaults.
func New(apiKey, baseURL, modelName string, opts ...Option) *Client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	if modelName == "" {
		modelName = defaultModel
	}

	c := &Client{
		apiKey:  apiKey,
		baseURL: strings.TrimRight(baseURL, "/"),
		model:   modelName,
		client:  &http.Client{Timeout: requestTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []model.Entry `json:"messages"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

type apiErrorResponse struct {
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Complete sends the transcript and returns the model's reply text.
func (c *Client) Complete(ctx context.Context, transcript []model.Entry) (string, error) {
	if len(transcript) == 0 {
		return "", errors.New("empty transcript")
	}

	bodyBytes, err := json.Marshal(chatRequest{Model: c.model, Messages: transcript})
	if err != nil {
		return "", fmt.Errorf("marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(
		ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(bodyBytes),
	)
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("calling model API: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var apiErr apiErrorResponse
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Error.Message != "" {
			return "", &APIError{Status: resp.StatusCode, Message: apiErr.Error.Message}
		}
		return "", &APIError{Status: resp.StatusCode, Message: strings.TrimSpace(string(respBody))}
	}

	var result chatResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return "", fmt.Errorf("decoding response: %w", err)
	}
	if len(result.Choices) == 0 {
		return "", errors.New("model returned no choices")
	}

	return result.Choices[0].Message.Content, nil
}
