package summary

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"google.golang.org/genai"
)

// Composer turns activity lines into memo text.
type Composer interface {
	Compose(ctx context.Context, activities []string) (string, error)
}

const memoInstruction = `You are the voice of an autonomous Solana trading agent.
Write one investor memo tweet in plain, confident prose. Mention concrete
amounts from the activities, avoid hashtags and emojis, and stay under 275
characters.`

// MemoPrompt builds the user prompt for a memo over activities.
func MemoPrompt(activities []string) string {
	var b strings.Builder
	b.WriteString("Generate a daily investor memo tweet. Include the following activities:\n")
	for _, line := range activities {
		b.WriteString(line)
		b.WriteByte('\n')
	}
	return b.String()
}

// Gemini composes memos with the Gemini API.
type Gemini struct {
	client *genai.Client
	model  string
}

// NewGemini creates a Gemini API client. An empty apiKey falls back to the
// client library's environment lookup.
func NewGemini(ctx context.Context, apiKey, model string) (*Gemini, error) {
	if strings.TrimSpace(model) == "" {
		return nil, errors.New("summary: gemini model required")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  strings.TrimSpace(apiKey),
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("summary: gemini client: %w", err)
	}
	return &Gemini{client: client, model: model}, nil
}

func (g *Gemini) Compose(ctx context.Context, activities []string) (string, error) {
	resp, err := g.client.Models.GenerateContent(ctx, g.model, genai.Text(MemoPrompt(activities)), &genai.GenerateContentConfig{
		SystemInstruction: &genai.Content{Parts: []*genai.Part{{Text: memoInstruction}}},
	})
	if err != nil {
		return "", fmt.Errorf("summary: generate memo: %w", err)
	}
	text := strings.TrimSpace(resp.Text())
	if text == "" {
		return "", errors.New("summary: empty memo from model")
	}
	return text, nil
}

// Plain joins activity lines without a model and trims the text to
// MaxMemoLength. Used in mock runs.
type Plain struct{}

func (Plain) Compose(_ context.Context, activities []string) (string, error) {
	text := fmt.Sprintf("Investor memo, %d activities: %s", len(activities), strings.Join(activities, "; "))
	return trimRunes(text, MaxMemoLength), nil
}

func (Plain) deterministic() {}

// deterministicComposer marks composers whose output is fixed for a given
// input, so recomposing cannot shorten it.
type deterministicComposer interface {
	deterministic()
}

// trimRunes cuts text to at most limit runes, ending in an ellipsis when cut.
func trimRunes(text string, limit int) string {
	if utf8.RuneCountInString(text) <= limit {
		return text
	}
	runes := []rune(text)
	return string(runes[:limit-1]) + "…"
}
