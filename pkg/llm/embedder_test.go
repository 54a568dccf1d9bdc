package llm_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xhad/dealctx/pkg/llm"
)

func TestNewSelectsProvider(t *testing.T) {
	emb, err := llm.New(llm.EmbedderConfig{Provider: "ollama", BaseURL: "http://localhost:11434"})
	require.NoError(t, err)
	assert.IsType(t, &llm.OllamaEmbedder{}, emb)

	emb, err = llm.New(llm.EmbedderConfig{Provider: "openai", APIKey: "sk-test"})
	require.NoError(t, err)
	assert.IsType(t, &llm.OpenAIEmbedder{}, emb)

	emb, err = llm.New(llm.EmbedderConfig{Provider: "hash", Dimension: 32})
	require.NoError(t, err)
	assert.IsType(t, &llm.HashEmbedder{}, emb)

	_, err = llm.New(llm.EmbedderConfig{Provider: "openai"})
	assert.Error(t, err)

	_, err = llm.New(llm.EmbedderConfig{Provider: "bogus"})
	assert.Error(t, err)
}

func TestOpenAIEmbedder(t *testing.T) {
	var gotInput []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/embeddings", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))

		var req struct {
			Input []string `json:"input"`
			Model string   `json:"model"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		gotInput = req.Input
		assert.Equal(t, "text-embedding-3-small", req.Model)

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"object":"list","model":"text-embedding-3-small",
			"data":[{"object":"embedding","index":0,"embedding":[0.25,0.5,0.75]}]}`))
	}))
	defer srv.Close()

	emb, err := llm.NewOpenAIEmbedder(llm.EmbedderConfig{
		APIKey:  "sk-test",
		BaseURL: srv.URL,
		Model:   "text-embedding-3-small",
	})
	require.NoError(t, err)

	vec, err := emb.Embed(context.Background(), "acme renewal")
	require.NoError(t, err)
	assert.Equal(t, []float32{0.25, 0.5, 0.75}, vec)
	assert.Equal(t, []string{"acme renewal"}, gotInput)
}

func TestOpenAIEmbedderEmptyResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"object":"list","data":[]}`))
	}))
	defer srv.Close()

	emb, err := llm.NewOpenAIEmbedder(llm.EmbedderConfig{APIKey: "sk-test", BaseURL: srv.URL})
	require.NoError(t, err)

	_, err = emb.Embed(context.Background(), "x")
	assert.ErrorIs(t, err, llm.ErrEmptyEmbedding)
}

func TestHashEmbedder(t *testing.T) {
	emb := llm.NewHashEmbedder(64)
	ctx := context.Background()

	a, err := emb.Embed(ctx, "Acme Corp renewal")
	require.NoError(t, err)
	b, err := emb.Embed(ctx, "acme corp, renewal!")
	require.NoError(t, err)
	assert.Equal(t, a, b, "case and punctuation do not matter")
	assert.Len(t, a, 64)

	c, err := emb.Embed(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, float32(1), c[0])
}
