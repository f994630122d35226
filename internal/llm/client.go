package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/MimeLyc/lottr/internal/credential"
)

// Client is an OpenAI-compatible chat completion client.
// Safe for concurrent use; every call carries its own credential.
type Client struct {
	config     *Config
	httpClient *http.Client
}

// NewClient creates a new LLM client with the given configuration
//
// Example:
//
//	client, err := llm.NewClient(&llm.Config{Model: "gpt-3.5-turbo", Timeout: 60})
//	if err != nil {
//		log.Fatal(err)
//	}
//	text, err := client.Complete(ctx, cred, messages)
func NewClient(config *Config) (*Client, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &Client{
		config: config,
		httpClient: &http.Client{
			Timeout: time.Duration(config.Timeout) * time.Second,
		},
	}, nil
}

// ChatCompletion sends messages using cred and returns the decoded response.
func (c *Client) ChatCompletion(ctx context.Context, cred *credential.Credential, messages []Message) (*ChatResponse, error) {
	if cred == nil {
		return nil, fmt.Errorf("credential is required")
	}

	request := ChatRequest{
		Model:       c.getModel(cred),
		Messages:    messages,
		MaxTokens:   c.config.MaxTokens,
		Temperature: c.config.Temperature,
	}

	response, err := c.makeRequest(ctx, cred, http.MethodPost, "/chat/completions", request)
	if err != nil {
		return nil, fmt.Errorf("chat completion failed: %w", err)
	}
	return response, nil
}

// Complete returns the assistant text for messages.
func (c *Client) Complete(ctx context.Context, cred *credential.Credential, messages []Message) (string, error) {
	response, err := c.ChatCompletion(ctx, cred, messages)
	if err != nil {
		return "", err
	}
	return response.Content()
}

// makeRequest makes a raw HTTP request to the credential's endpoint
func (c *Client) makeRequest(ctx context.Context, cred *credential.Credential, method, path string, payload interface{}) (*ChatResponse, error) {
	url := strings.TrimRight(endpoint(cred), "/") + path

	var body io.Reader
	if payload != nil {
		jsonData, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewBuffer(jsonData)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	for key, value := range c.config.GetHeaders(cred) {
		req.Header.Set(key, value)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if os.IsTimeout(err) {
			return nil, fmt.Errorf("request timed out: %w", err)
		}
		return nil, fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	responseBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{
			Status:     resp.StatusCode,
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"), time.Now()),
			Raw:        truncate(string(responseBody), 512),
		}
		var errBody ChatResponse
		if json.Unmarshal(responseBody, &errBody) == nil && errBody.Error != nil {
			apiErr.Body = errBody.Error
		}
		return nil, apiErr
	}

	var chatResponse ChatResponse
	if err := json.Unmarshal(responseBody, &chatResponse); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}

	// some gateways report errors with a 200 status
	if chatResponse.Error != nil && chatResponse.Error.Message != "" {
		return &chatResponse, chatResponse.Error
	}

	return &chatResponse, nil
}

// getModel returns the model to use for the request
func (c *Client) getModel(cred *credential.Credential) string {
	if cred.Model != "" {
		return cred.Model
	}
	return c.config.Model
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
