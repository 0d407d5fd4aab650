package chat

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"google.golang.org/genai"
)

const systemPrompt = "You are an orchard advisor for apple growers in Kashmir. " +
	"Answer in the language of the question, keep answers short and practical, " +
	"and name spray products only when you are sure of the dose."

var (
	ErrEmptyPrompt = errors.New("empty prompt")
	ErrUnavailable = errors.New("chat service not configured")
)

// Reply is the assistant answer.
type Reply struct {
	Text string `json:"text"`
}

// Service answers a farmer question, optionally about a photo.
type Service interface {
	Chat(ctx context.Context, prompt string, image []byte) (Reply, error)
}

type generator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

// GenAIService answers through the Gemini API.
type GenAIService struct {
	models generator
	model  string
}

// NewGenAIService creates a Gemini backed chat service.
func NewGenAIService(ctx context.Context, apiKey, model string) (*GenAIService, error) {
	if apiKey == "" {
		return nil, ErrUnavailable
	}
	if model == "" {
		model = "gemini-2.0-flash"
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}
	return &GenAIService{models: client.Models, model: model}, nil
}

func (s *GenAIService) Chat(ctx context.Context, prompt string, image []byte) (Reply, error) {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" && len(image) == 0 {
		return Reply{}, ErrEmptyPrompt
	}

	parts := make([]*genai.Part, 0, 2)
	if prompt != "" {
		parts = append(parts, genai.NewPartFromText(prompt))
	}
	if len(image) > 0 {
		parts = append(parts, genai.NewPartFromBytes(image, http.DetectContentType(image)))
	}
	contents := []*genai.Content{genai.NewContentFromParts(parts, genai.RoleUser)}
	config := &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(systemPrompt, genai.RoleUser),
	}

	resp, err := s.models.GenerateContent(ctx, s.model, contents, config)
	if err != nil {
		return Reply{}, fmt.Errorf("generate content: %w", err)
	}
	text := strings.TrimSpace(resp.Text())
	if text == "" {
		return Reply{}, errors.New("empty model response")
	}
	return Reply{Text: text}, nil
}

// Unavailable is used when no API key is configured.
type Unavailable struct{}

func (Unavailable) Chat(context.Context, string, []byte) (Reply, error) {
	return Reply{}, ErrUnavailable
}
