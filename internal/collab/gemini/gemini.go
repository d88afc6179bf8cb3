// Package gemini generates tutor replies with the Google Gemini API.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/dkeye/TutorRTC/internal/core"
	"google.golang.org/genai"
)

// Interface compliance check.
var _ core.Generator = (*Client)(nil)

const (
	defaultModel     = "gemini-2.5-flash"
	defaultMaxTokens = 1024
)

var ErrEmptyReply = errors.New("gemini: empty reply")

type Client struct {
	client      *genai.Client
	model       string
	temperature *float32
}

// Option configures a [Client].
type Option func(*Client)

// WithModel sets the fallback model used when a tutor config names none.
func WithModel(model string) Option {
	return func(c *Client) { c.model = model }
}

func WithTemperature(t float64) Option {
	return func(c *Client) {
		v := float32(t)
		c.temperature = &v
	}
}

func New(ctx context.Context, apiKey string, opts ...Option) (*Client, error) {
	gc, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("gemini: %w", err)
	}
	c := &Client{client: gc, model: defaultModel}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// Generate sends a single user turn under the tutor system prompt. Model IDs
// that are not Gemini models (e.g. Ollama tags from a shared tutor table)
// fall back to the client's default model.
func (c *Client) Generate(ctx context.Context, modelID, text string) (string, error) {
	model := c.modelFor(modelID)
	resp, err := c.client.Models.GenerateContent(ctx, model, genai.Text(text), c.buildConfig())
	if err != nil {
		return "", fmt.Errorf("gemini: %w", err)
	}
	return replyText(resp)
}

func (c *Client) modelFor(modelID string) string {
	if strings.HasPrefix(modelID, "gemini-") {
		return modelID
	}
	return c.model
}

func (c *Client) buildConfig() *genai.GenerateContentConfig {
	return &genai.GenerateContentConfig{
		MaxOutputTokens: defaultMaxTokens,
		Temperature:     c.temperature,
		SystemInstruction: &genai.Content{
			Parts: []*genai.Part{{Text: core.TutorSystemPrompt}},
		},
	}
}

// replyText joins the non-thought text parts of the first candidate.
func replyText(resp *genai.GenerateContentResponse) (string, error) {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return "", ErrEmptyReply
	}
	var b strings.Builder
	for _, p := range resp.Candidates[0].Content.Parts {
		if p == nil || p.Thought {
			continue
		}
		b.WriteString(p.Text)
	}
	reply := strings.TrimSpace(b.String())
	if reply == "" {
		return "", ErrEmptyReply
	}
	return reply, nil
}
