package llm

import (
	"fmt"

	"github.com/MimeLyc/lottr/internal/credential"
)

const (
	defaultAPIURL = "https://api.openai.com/v1"
	defaultModel  = "gpt-3.5-turbo"
)

// Config holds the request settings shared by every credential.
//
// Credential-specific values (key, endpoint, organization, model override)
// travel with each request instead.
type Config struct {
	Model       string  `json:"model"`
	MaxTokens   int     `json:"max_tokens"`
	Temperature float64 `json:"temperature"`
	Timeout     int     `json:"timeout"`
	SiteURL     string  `json:"site_url"`
	AppName     string  `json:"app_name"`
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Model == "" {
		return fmt.Errorf("model is required")
	}
	if c.MaxTokens < 0 {
		return fmt.Errorf("max tokens must not be negative")
	}
	if c.Temperature < 0 || c.Temperature > 2 {
		return fmt.Errorf("temperature must be between 0 and 2")
	}
	if c.Timeout < 1 {
		return fmt.Errorf("timeout must be greater than 0")
	}
	return nil
}

// GetHeaders returns the headers for a request made with cred
func (c *Config) GetHeaders(cred *credential.Credential) map[string]string {
	headers := map[string]string{
		"Authorization": "Bearer " + cred.Key,
		"Content-Type":  "application/json",
	}

	if cred.Organization != "" {
		headers["OpenAI-Organization"] = cred.Organization
	}
	if c.SiteURL != "" {
		headers["HTTP-Referer"] = c.SiteURL
	}
	if c.AppName != "" {
		headers["X-Title"] = c.AppName
	}

	return headers
}

// endpoint returns the base URL for cred, falling back to the OpenAI API.
func endpoint(cred *credential.Credential) string {
	if cred.Endpoint == "" {
		return defaultAPIURL
	}
	return cred.Endpoint
}
