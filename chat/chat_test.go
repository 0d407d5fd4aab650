package chat

import (
	"context"
	"errors"
	"testing"

	"google.golang.org/genai"
)

type stubGenerator struct {
	model    string
	contents []*genai.Content
	config   *genai.GenerateContentConfig
	resp     *genai.GenerateContentResponse
	err      error
}

func (s *stubGenerator) GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
	s.model, s.contents, s.config = model, contents, config
	return s.resp, s.err
}

func textResponse(text string) *genai.GenerateContentResponse {
	return &genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{{
			Content: &genai.Content{Role: "model", Parts: []*genai.Part{{Text: text}}},
		}},
	}
}

func TestChatTextPrompt(t *testing.T) {
	gen := &stubGenerator{resp: textResponse("  Spray captan at pink bud.  ")}
	svc := &GenAIService{models: gen, model: "gemini-test"}

	reply, err := svc.Chat(context.Background(), "When to spray for scab?", nil)
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	if reply.Text != "Spray captan at pink bud." {
		t.Fatalf("unexpected reply %q", reply.Text)
	}
	if gen.model != "gemini-test" {
		t.Fatalf("model = %q", gen.model)
	}
	if len(gen.contents) != 1 || len(gen.contents[0].Parts) != 1 || gen.contents[0].Parts[0].Text != "When to spray for scab?" {
		t.Fatalf("unexpected request contents: %+v", gen.contents)
	}
	if gen.config == nil || gen.config.SystemInstruction == nil {
		t.Fatalf("system instruction missing")
	}
}

func TestChatWithImage(t *testing.T) {
	gen := &stubGenerator{resp: textResponse("Looks like apple scab.")}
	svc := &GenAIService{models: gen, model: "gemini-test"}
	png := []byte("\x89PNG\r\n\x1a\n0000")

	if _, err := svc.Chat(context.Background(), "What is this?", png); err != nil {
		t.Fatalf("chat: %v", err)
	}
	parts := gen.contents[0].Parts
	if len(parts) != 2 || parts[1].InlineData == nil {
		t.Fatalf("expected inline image part, got %+v", parts)
	}
	if parts[1].InlineData.MIMEType != "image/png" {
		t.Fatalf("mime = %q", parts[1].InlineData.MIMEType)
	}
}

func TestChatErrors(t *testing.T) {
	svc := &GenAIService{models: &stubGenerator{err: errors.New("quota")}, model: "m"}
	if _, err := svc.Chat(context.Background(), "hi", nil); err == nil {
		t.Fatalf("expected upstream error")
	}
	if _, err := svc.Chat(context.Background(), "   ", nil); !errors.Is(err, ErrEmptyPrompt) {
		t.Fatalf("expected ErrEmptyPrompt, got %v", err)
	}
	empty := &GenAIService{models: &stubGenerator{resp: textResponse("")}, model: "m"}
	if _, err := empty.Chat(context.Background(), "hi", nil); err == nil {
		t.Fatalf("expected error for empty response")
	}
	if _, err := (Unavailable{}).Chat(context.Background(), "hi", nil); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}

func TestNewGenAIServiceRequiresKey(t *testing.T) {
	if _, err := NewGenAIService(context.Background(), "", ""); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}
