// Package ollama generates tutor replies through Ollama's OpenAI-compatible
// chat completions endpoint.
package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/dkeye/TutorRTC/internal/core"
)

var _ core.Generator = (*Client)(nil)

const (
	defaultBaseURL      = "http://localhost:11434"
	chatCompletionsPath = "/v1/chat/completions"
)

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string    `json:"model"`
	Messages    []message `json:"messages"`
	Temperature float64   `json:"temperature"`
	Stream      bool      `json:"stream"`
}

type chatResponse struct {
	Choices []struct {
		Message message `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

type Client struct {
	baseURL     string
	temperature float64
	http        *http.Client
}

func New(baseURL string, temperature float64, hc *http.Client) *Client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	if hc == nil {
		hc = http.DefaultClient
	}
	return &Client{
		baseURL:     strings.TrimRight(baseURL, "/"),
		temperature: temperature,
		http:        hc,
	}
}

func (c *Client) Generate(ctx context.Context, modelID, text string) (string, error) {
	body, err := json.Marshal(chatRequest{
		Model: modelID,
		Messages: []message{
			{Role: "system", Content: core.TutorSystemPrompt},
			{Role: "user", Content: text},
		},
		Temperature: c.temperature,
	})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+chatCompletionsPath, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("ollama error (status %d): %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var out chatResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", fmt.Errorf("ollama: decode response: %w", err)
	}
	if out.Error != nil {
		return "", fmt.Errorf("ollama: %s", out.Error.Message)
	}
	if len(out.Choices) == 0 {
		return "", errors.New("ollama: no choices in response")
	}
	reply := strings.TrimSpace(out.Choices[0].Message.Content)
	if reply == "" {
		return "", errors.New("ollama: empty reply")
	}
	return reply, nil
}
