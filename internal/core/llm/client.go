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

	"github.com/littlelanterns/stewardship-manifest/internal/core"
)

// MaxEmbedBatch caps inputs per embeddings request to respect upstream
// request-size limits. Callers split larger sets into sequential batches.
const MaxEmbedBatch = 100

const (
	embedTimeout = 60 * time.Second
	chatTimeout  = 120 * time.Second
)

var (
	_ core.EmbeddingProvider  = (*Client)(nil)
	_ core.CompletionProvider = (*Client)(nil)
)

// Client talks to an OpenAI-compatible HTTP JSON API for embeddings and
// chat completions (including multimodal image parts).
type Client struct {
	baseURL    string
	apiKey     string
	embedModel string
	chatModel  string
	httpClient *http.Client
}

type Config struct {
	BaseURL    string
	APIKey     string
	EmbedModel string
	ChatModel  string
}

func NewClient(cfg Config) *Client {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.openai.com"
	}
	embedModel := cfg.EmbedModel
	if embedModel == "" {
		embedModel = "text-embedding-3-small"
	}
	chatModel := cfg.ChatModel
	if chatModel == "" {
		chatModel = "gpt-4o-mini"
	}
	return &Client{
		baseURL:    baseURL,
		apiKey:     cfg.APIKey,
		embedModel: embedModel,
		chatModel:  chatModel,
		httpClient: &http.Client{},
	}
}

// WithAPIKey returns a copy of the client bound to a different credential,
// typically one resolved per owner from settings.
func (c *Client) WithAPIKey(key string) *Client {
	if key == "" || key == c.apiKey {
		return c
	}
	clone := *c
	clone.apiKey = key
	return &clone
}

// HTTPError carries the provider's status and body for diagnostics. A non-2xx
// response is a hard failure of the call; there is no internal retry.
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("provider http %d: %s", e.StatusCode, e.Body)
}

func (c *Client) post(ctx context.Context, path string, body any, out any, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(body); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	raw, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if readErr != nil {
		return readErr
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &HTTPError{StatusCode: resp.StatusCode, Body: string(raw)}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode provider response: %w", err)
	}
	return nil
}

type embeddingsRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embeddingsResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
}

// Embed returns one fixed-dimension vector per input text, order preserved.
// Any provider error fails the whole batch; batches above MaxEmbedBatch are
// rejected so the size limit stays visible at the call site.
func (c *Client) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}
	if len(texts) > MaxEmbedBatch {
		return nil, fmt.Errorf("embed batch of %d exceeds limit %d", len(texts), MaxEmbedBatch)
	}

	// Empty inputs upset some providers; embed a single space instead.
	clean := make([]string, len(texts))
	for i, t := range texts {
		if strings.TrimSpace(t) == "" {
			t = " "
		}
		clean[i] = t
	}

	var resp embeddingsResponse
	if err := c.post(ctx, "/v1/embeddings", embeddingsRequest{Model: c.embedModel, Input: clean}, &resp, embedTimeout); err != nil {
		return nil, err
	}
	if len(resp.Data) != len(clean) {
		return nil, fmt.Errorf("embed size mismatch: got %d want %d", len(resp.Data), len(clean))
	}

	out := make([][]float32, len(clean))
	for i, d := range resp.Data {
		idx := d.Index
		if idx < 0 || idx >= len(out) {
			idx = i
		}
		out[idx] = d.Embedding
	}
	return out, nil
}

type chatMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// Complete sends a plain text chat completion request.
func (c *Client) Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	msgs := []chatMessage{}
	if systemPrompt != "" {
		msgs = append(msgs, chatMessage{Role: "system", Content: systemPrompt})
	}
	msgs = append(msgs, chatMessage{Role: "user", Content: userPrompt})
	return c.chat(ctx, msgs)
}

// CompleteWithImages sends the user prompt alongside image parts (data URIs
// or https URLs) so the model can visually read scanned documents.
func (c *Client) CompleteWithImages(ctx context.Context, systemPrompt, userPrompt string, imageURIs []string) (string, error) {
	content := make([]map[string]any, 0, 1+len(imageURIs))
	content = append(content, map[string]any{"type": "text", "text": userPrompt})
	for _, uri := range imageURIs {
		if strings.TrimSpace(uri) == "" {
			continue
		}
		content = append(content, map[string]any{
			"type":      "image_url",
			"image_url": map[string]any{"url": uri},
		})
	}
	if len(content) == 1 {
		return c.Complete(ctx, systemPrompt, userPrompt)
	}

	msgs := []chatMessage{}
	if systemPrompt != "" {
		msgs = append(msgs, chatMessage{Role: "system", Content: systemPrompt})
	}
	msgs = append(msgs, chatMessage{Role: "user", Content: content})
	return c.chat(ctx, msgs)
}

func (c *Client) chat(ctx context.Context, msgs []chatMessage) (string, error) {
	var resp chatResponse
	if err := c.post(ctx, "/v1/chat/completions", chatRequest{Model: c.chatModel, Messages: msgs}, &resp, chatTimeout); err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("provider returned no choices")
	}
	return resp.Choices[0].Message.Content, nil
}
