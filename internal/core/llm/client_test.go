package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c := NewClient(Config{BaseURL: srv.URL, APIKey: "test-key", EmbedModel: "embed-1", ChatModel: "chat-1"})
	return c, srv
}

func TestEmbed(t *testing.T) {
	var gotAuth string
	var gotBody embeddingsRequest

	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/embeddings", r.URL.Path)
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))

		resp := map[string]any{"data": []map[string]any{
			// Deliberately out of order; Index must drive placement.
			{"embedding": []float32{0.4, 0.5}, "index": 1},
			{"embedding": []float32{0.1, 0.2}, "index": 0},
		}}
		json.NewEncoder(w).Encode(resp)
	})

	vecs, err := c.Embed(context.Background(), []string{"first", "second"})
	require.NoError(t, err)
	require.Len(t, vecs, 2)
	assert.Equal(t, []float32{0.1, 0.2}, vecs[0])
	assert.Equal(t, []float32{0.4, 0.5}, vecs[1])

	assert.Equal(t, "Bearer test-key", gotAuth)
	assert.Equal(t, "embed-1", gotBody.Model)
	assert.Equal(t, []string{"first", "second"}, gotBody.Input)
}

func TestEmbedEmptyInputBecomesSpace(t *testing.T) {
	var gotBody embeddingsRequest
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&gotBody)
		resp := map[string]any{"data": []map[string]any{
			{"embedding": []float32{0.1}, "index": 0},
		}}
		json.NewEncoder(w).Encode(resp)
	})

	_, err := c.Embed(context.Background(), []string{"   "})
	require.NoError(t, err)
	assert.Equal(t, []string{" "}, gotBody.Input)
}

func TestEmbedBatchTooLarge(t *testing.T) {
	c := NewClient(Config{BaseURL: "http://unused"})
	texts := make([]string, MaxEmbedBatch+1)
	_, err := c.Embed(context.Background(), texts)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exceeds limit")
}

func TestEmbedEmptyBatch(t *testing.T) {
	c := NewClient(Config{BaseURL: "http://unused"})
	vecs, err := c.Embed(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, vecs)
}

func TestEmbedHTTPError(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error": "rate limited"}`))
	})

	_, err := c.Embed(context.Background(), []string{"a"})
	var httpErr *HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, http.StatusTooManyRequests, httpErr.StatusCode)
	assert.Contains(t, httpErr.Body, "rate limited")
}

func TestEmbedSizeMismatch(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"data": []map[string]any{}})
	})

	_, err := c.Embed(context.Background(), []string{"a", "b"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "size mismatch")
}

func TestComplete(t *testing.T) {
	var gotBody map[string]any
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/chat/completions", r.URL.Path)
		json.NewDecoder(r.Body).Decode(&gotBody)
		json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]any{"content": "the reply"}},
			},
		})
	})

	got, err := c.Complete(context.Background(), "you are helpful", "do the thing")
	require.NoError(t, err)
	assert.Equal(t, "the reply", got)

	assert.Equal(t, "chat-1", gotBody["model"])
	msgs := gotBody["messages"].([]any)
	require.Len(t, msgs, 2)
	assert.Equal(t, "system", msgs[0].(map[string]any)["role"])
	assert.Equal(t, "user", msgs[1].(map[string]any)["role"])
}

func TestCompleteNoChoices(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"choices": []any{}})
	})

	_, err := c.Complete(context.Background(), "", "hi")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no choices")
}

func TestCompleteWithImages(t *testing.T) {
	var gotBody map[string]any
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&gotBody)
		json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]any{"content": "transcribed"}},
			},
		})
	})

	got, err := c.CompleteWithImages(context.Background(), "sys", "read this",
		[]string{"data:application/pdf;base64,QUJD"})
	require.NoError(t, err)
	assert.Equal(t, "transcribed", got)

	msgs := gotBody["messages"].([]any)
	user := msgs[1].(map[string]any)
	parts := user["content"].([]any)
	require.Len(t, parts, 2)
	assert.Equal(t, "text", parts[0].(map[string]any)["type"])

	img := parts[1].(map[string]any)
	assert.Equal(t, "image_url", img["type"])
	url := img["image_url"].(map[string]any)["url"].(string)
	assert.Equal(t, "data:application/pdf;base64,QUJD", url)
}

func TestCompleteWithImagesEmptyURIsFallsBack(t *testing.T) {
	var gotBody map[string]any
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&gotBody)
		json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]any{"content": "plain"}},
			},
		})
	})

	_, err := c.CompleteWithImages(context.Background(), "sys", "no images really", []string{" "})
	require.NoError(t, err)

	msgs := gotBody["messages"].([]any)
	user := msgs[1].(map[string]any)
	// Plain-text fallback keeps content a string, not a parts array.
	assert.Equal(t, "no images really", user["content"])
}

func TestWithAPIKey(t *testing.T) {
	c := NewClient(Config{BaseURL: "http://x", APIKey: "base"})

	assert.Same(t, c, c.WithAPIKey(""), "empty key keeps the shared client")
	assert.Same(t, c, c.WithAPIKey("base"), "same key keeps the shared client")

	other := c.WithAPIKey("other")
	require.NotSame(t, c, other)
	assert.Equal(t, "other", other.apiKey)
	assert.Equal(t, "base", c.apiKey)
}

func TestClientDefaults(t *testing.T) {
	c := NewClient(Config{})
	assert.Equal(t, "https://api.openai.com", c.baseURL)
	assert.NotEmpty(t, c.embedModel)
	assert.NotEmpty(t, c.chatModel)
}
