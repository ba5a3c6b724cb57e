package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"
)

// ModelProvider defines a minimal interface for text generation.
// Callers construct prompts; providers return the generated response.
type ModelProvider interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// OllamaProvider talks to an Ollama-compatible generate endpoint.
type OllamaProvider struct {
	url    string
	model  string
	client *http.Client
}

type generateRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	Stream bool   `json:"stream"`
}

type generateResponse struct {
	Response string `json:"response"`
}

// NewOllamaFromEnv builds a provider using OLLAMA_URL/OLLAMA_MODEL or defaults.
func NewOllamaFromEnv() *OllamaProvider {
	return &OllamaProvider{
		url:    envOrDefault("OLLAMA_URL", "http://ollama:11434"),
		model:  envOrDefault("OLLAMA_MODEL", "llama3"),
		client: &http.Client{Timeout: 150 * time.Second},
	}
}

func (p *OllamaProvider) Generate(ctx context.Context, prompt string) (string, error) {
	if prompt == "" {
		return "", fmt.Errorf("empty prompt")
	}
	body, _ := json.Marshal(&generateRequest{
		Model:  p.model,
		Prompt: prompt,
		Stream: false,
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return "", fmt.Errorf("model endpoint returned status %d", resp.StatusCode)
	}
	var out generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", err
	}
	return out.Response, nil
}

// GenerateWithRetry retries transient model failures with linear backoff.
func GenerateWithRetry(ctx context.Context, provider ModelProvider, prompt string) (string, error) {
	const maxAttempts = 3

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		resp, err := provider.Generate(ctx, prompt)
		if err == nil {
			resp = strings.TrimSpace(resp)
			if resp == "" {
				return "", fmt.Errorf("model empty response")
			}
			return resp, nil
		}
		lastErr = err
		if !isRetryable(err) || attempt == maxAttempts {
			break
		}
		backoff := time.Duration(attempt*2) * time.Second
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(backoff):
		}
	}
	return "", lastErr
}

func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	msg := strings.ToLower(err.Error())
	retryHints := []string{
		"timeout",
		"deadline exceeded",
		"connection refused",
		"connection reset",
		"temporarily unavailable",
		"503",
	}
	for _, hint := range retryHints {
		if strings.Contains(msg, hint) {
			return true
		}
	}
	return false
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
