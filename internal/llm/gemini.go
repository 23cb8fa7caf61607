package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"
)

const (
	GeminiName         = "gemini"
	geminiDefaultModel = "gemini-2.5-pro"
)

// Gemini implements the Backend interface using Google Gemini
type Gemini struct {
	client *genai.Client
}

// NewGemini creates a new Gemini Backend
func NewGemini(ctx context.Context, apiKey string, opts ...option.ClientOption) (*Gemini, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("gemini api key is required")
	}

	client, err := genai.NewClient(ctx, append([]option.ClientOption{option.WithAPIKey(apiKey)}, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("creating gemini client: %w", err)
	}

	return &Gemini{client: client}, nil
}

// Name returns the backend identifier
func (g *Gemini) Name() string {
	return GeminiName
}

// Complete sends the messages as ordered text parts, system instructions first
func (g *Gemini) Complete(ctx context.Context, req *Request) (string, error) {
	modelName := req.Model
	if modelName == "" {
		modelName = geminiDefaultModel
	}
	model := g.client.GenerativeModel(modelName)

	resp, err := model.GenerateContent(ctx, geminiParts(req.Messages)...)
	if err != nil {
		return "", fmt.Errorf("generating content: %w", err)
	}

	return geminiText(resp)
}

func geminiParts(messages []Message) []genai.Part {
	var system, rest []genai.Part
	for _, m := range messages {
		if m.Role == RoleSystem {
			system = append(system, genai.Text(m.Content))
			continue
		}
		rest = append(rest, genai.Text(m.Content))
	}
	return append(system, rest...)
}

func geminiText(resp *genai.GenerateContentResponse) (string, error) {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return "", ErrEmptyCompletion
	}

	var text strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if t, ok := part.(genai.Text); ok {
			text.WriteString(string(t))
		}
	}

	return cleanCompletion(text.String())
}

// Close closes the Gemini client
func (g *Gemini) Close() error {
	return g.client.Close()
}
