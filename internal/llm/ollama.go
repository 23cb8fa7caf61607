package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"
)

const (
	OllamaName         = "ollama"
	ollamaDefaultURL   = "http://localhost:11434"
	ollamaDefaultModel = "llama3.1"
)

// Ollama implements the Backend interface using a local Ollama server
type Ollama struct {
	baseURL string
	client  *http.Client
}

// NewOllama creates a new Ollama Backend
func NewOllama(baseURL string) *Ollama {
	if baseURL == "" {
		baseURL = ollamaDefaultURL
	}

	return &Ollama{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		client: &http.Client{
			Timeout: 300 * time.Second, // local models can take minutes on long prompts
		},
	}
}

// ollamaChatRequest represents the request body for Ollama's chat API
type ollamaChatRequest struct {
	Model    string    `json:"model"`
	Messages []Message `json:"messages"`
	Stream   bool      `json:"stream"`
}

// ollamaChatResponse represents the response from Ollama's chat API
type ollamaChatResponse struct {
	Message Message `json:"message"`
	Done    bool    `json:"done"`
}

// Name returns the backend identifier
func (o *Ollama) Name() string {
	return OllamaName
}

// Complete sends a non-streaming chat request
func (o *Ollama) Complete(ctx context.Context, req *Request) (string, error) {
	model := req.Model
	if model == "" {
		model = ollamaDefaultModel
	}

	jsonData, err := json.Marshal(ollamaChatRequest{
		Model:    model,
		Messages: req.Messages,
		Stream:   false,
	})
	if err != nil {
		return "", fmt.Errorf("marshaling request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/api/chat", bytes.NewBuffer(jsonData))
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := o.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("calling ollama API: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("ollama API error (status %d): %s", resp.StatusCode, string(body))
	}

	var chatResp ollamaChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chatResp); err != nil {
		return "", fmt.Errorf("decoding response: %w", err)
	}

	return cleanCompletion(chatResp.Message.Content)
}

// WaitReady polls the Ollama tags endpoint until the server answers or the
// attempts run out. Used once at startup.
func (o *Ollama) WaitReady(ctx context.Context, attempts uint, delay time.Duration) error {
	probe := &http.Client{Timeout: 2 * time.Second}
	url := o.baseURL + "/api/tags"

	return retry.Do(
		func() error {
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
			if err != nil {
				return retry.Unrecoverable(err)
			}
			resp, err := probe.Do(req)
			if err != nil {
				return err
			}
			_ = resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("unhealthy status: %d", resp.StatusCode)
			}
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(attempts),
		retry.Delay(delay),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
	)
}

// Close is a no-op for the HTTP client
func (o *Ollama) Close() error {
	return nil
}
