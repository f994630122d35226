package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/joho/godotenv"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MimeLyc/lottr/internal/credential"
)

const okResponse = `{
	"id": "test-id",
	"object": "chat.completion",
	"created": 1234567890,
	"model": "test-model",
	"choices": [{
		"index": 0,
		"message": {"role": "assistant", "content": "(1) 你好\n(2) 再见"},
		"finish_reason": "stop"
	}],
	"usage": {"prompt_tokens": 10, "completion_tokens": 20, "total_tokens": 30}
}`

func testConfig() *Config {
	return &Config{
		Model:       "test-model",
		MaxTokens:   1000,
		Temperature: 0.7,
		Timeout:     30,
	}
}

func TestNewClient(t *testing.T) {
	client, err := NewClient(testConfig())
	require.NoError(t, err)
	assert.NotNil(t, client.httpClient)

	_, err = NewClient(&Config{})
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "invalid configuration")
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
	}{
		{name: "missing model", modify: func(c *Config) { c.Model = "" }},
		{name: "negative max tokens", modify: func(c *Config) { c.MaxTokens = -1 }},
		{name: "temperature too high", modify: func(c *Config) { c.Temperature = 2.5 }},
		{name: "zero timeout", modify: func(c *Config) { c.Timeout = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := testConfig()
			tt.modify(c)
			assert.Error(t, c.Validate())
		})
	}
	assert.NoError(t, testConfig().Validate())
}

func TestComplete_SendsCredential(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer key-a", r.Header.Get("Authorization"))
		assert.Equal(t, "org-1", r.Header.Get("OpenAI-Organization"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var req ChatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "override-model", req.Model)
		require.Len(t, req.Messages, 2)
		assert.Equal(t, "system", req.Messages[0].Role)

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(okResponse))
	}))
	defer server.Close()

	client, err := NewClient(testConfig())
	require.NoError(t, err)

	cred := &credential.Credential{
		Key:          "key-a",
		Endpoint:     server.URL + "/v1/",
		Organization: "org-1",
		Model:        "override-model",
	}
	text, err := client.Complete(context.Background(), cred, []Message{
		{Role: "system", Content: "translate"},
		{Role: "user", Content: "(1) こんにちは\n(2) さようなら\n"},
	})
	require.NoError(t, err)
	assert.Equal(t, "(1) 你好\n(2) 再见", text)
}

func TestComplete_NoOrganizationHeader(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.Header.Get("OpenAI-Organization"))
		var req ChatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "test-model", req.Model)
		_, _ = w.Write([]byte(okResponse))
	}))
	defer server.Close()

	client, err := NewClient(testConfig())
	require.NoError(t, err)

	_, err = client.Complete(context.Background(), &credential.Credential{Key: "k", Endpoint: server.URL}, nil)
	require.NoError(t, err)
}

func TestComplete_ErrorStatuses(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		body       string
		header     map[string]string
		wantKind   credential.FailureKind
		wantRetry  bool
		wantWindow time.Duration
	}{
		{
			name:     "unauthorized",
			status:   http.StatusUnauthorized,
			body:     `{"error": {"message": "Invalid API key", "type": "authentication_error", "code": "invalid_api_key"}}`,
			wantKind: credential.KindAuth, wantRetry: true,
		},
		{
			name:     "forbidden",
			status:   http.StatusForbidden,
			body:     `{}`,
			wantKind: credential.KindAuth, wantRetry: true,
		},
		{
			name:     "payment required",
			status:   http.StatusPaymentRequired,
			body:     `{}`,
			wantKind: credential.KindQuota, wantRetry: true,
		},
		{
			name:     "quota exhausted on 429",
			status:   http.StatusTooManyRequests,
			body:     `{"error": {"message": "You exceeded your current quota", "type": "insufficient_quota", "code": "insufficient_quota"}}`,
			wantKind: credential.KindQuota, wantRetry: true,
		},
		{
			name:       "rate limited",
			status:     http.StatusTooManyRequests,
			body:       `{"error": {"message": "slow down", "type": "requests"}}`,
			header:     map[string]string{"Retry-After": "7"},
			wantKind:   credential.KindRateLimit,
			wantRetry:  true,
			wantWindow: 7 * time.Second,
		},
		{
			name:     "server error",
			status:   http.StatusBadGateway,
			body:     `<html>bad gateway</html>`,
			wantKind: credential.KindTransient, wantRetry: true,
		},
		{
			name:     "bad request",
			status:   http.StatusBadRequest,
			body:     `{"error": {"message": "context length exceeded"}}`,
			wantKind: credential.KindTransient, wantRetry: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				for k, v := range tt.header {
					w.Header().Set(k, v)
				}
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer server.Close()

			client, err := NewClient(testConfig())
			require.NoError(t, err)

			_, err = client.Complete(context.Background(), &credential.Credential{Key: "k", Endpoint: server.URL}, nil)
			require.Error(t, err)

			var apiErr *APIError
			require.True(t, errors.As(err, &apiErr))
			assert.Equal(t, tt.status, apiErr.Status)

			c := Classify(err)
			assert.Equal(t, tt.wantKind, c.Kind)
			assert.Equal(t, tt.wantRetry, c.Retryable)
			assert.Equal(t, tt.wantWindow, c.RetryAfter)
		})
	}
}

func TestComplete_InvalidJSONResponse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`not json`))
	}))
	defer server.Close()

	client, err := NewClient(testConfig())
	require.NoError(t, err)

	_, err = client.Complete(context.Background(), &credential.Credential{Key: "k", Endpoint: server.URL}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse response")
	assert.Equal(t, credential.KindTransient, Classify(err).Kind)
}

func TestComplete_EmptyChoices(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"id": "x", "choices": []}`))
	}))
	defer server.Close()

	client, err := NewClient(testConfig())
	require.NoError(t, err)

	_, err = client.Complete(context.Background(), &credential.Credential{Key: "k", Endpoint: server.URL}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no choices")
}

func TestComplete_Cancelled(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer server.Close()

	client, err := NewClient(testConfig())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = client.Complete(ctx, &credential.Credential{Key: "k", Endpoint: server.URL}, nil)
	require.Error(t, err)
	assert.False(t, Classify(err).Retryable)
}

func TestClientConcurrentRequests(t *testing.T) {
	var mu sync.Mutex
	keys := map[string]int{}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		keys[strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")]++
		mu.Unlock()
		_, _ = w.Write([]byte(okResponse))
	}))
	defer server.Close()

	client, err := NewClient(testConfig())
	require.NoError(t, err)

	creds := []*credential.Credential{
		{Key: "a", Endpoint: server.URL},
		{Key: "b", Endpoint: server.URL},
	}

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := client.Complete(context.Background(), creds[i%2], []Message{{Role: "user", Content: "hi"}})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, map[string]int{"a": 5, "b": 5}, keys)
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	assert.Equal(t, time.Duration(0), parseRetryAfter("", now))
	assert.Equal(t, 3*time.Second, parseRetryAfter("3", now))
	assert.Equal(t, time.Duration(0), parseRetryAfter("soon", now))
	assert.Equal(t, 30*time.Second, parseRetryAfter(now.Add(30*time.Second).Format(http.TimeFormat), now))
}

// TestIntegrationWithEnv talks to a real endpoint when LLM_API_KEY is set.
func TestIntegrationWithEnv(t *testing.T) {
	_ = godotenv.Load("./.env")
	apiKey := os.Getenv("LLM_API_KEY")
	if apiKey == "" {
		t.Skip("LLM_API_KEY environment variable not set, skipping integration test")
	}

	model := os.Getenv("LLM_MODEL")
	if model == "" {
		model = defaultModel
	}
	client, err := NewClient(&Config{Model: model, MaxTokens: 50, Temperature: 0.3, Timeout: 30})
	require.NoError(t, err)

	cred := &credential.Credential{Key: apiKey, Endpoint: os.Getenv("LLM_API_URL")}
	text, err := client.Complete(context.Background(), cred, []Message{
		{Role: "user", Content: "Say 'test passed' if you can see this message"},
	})
	assert.NoError(t, err)
	assert.NotEmpty(t, text)
}
