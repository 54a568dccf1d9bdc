// Package llm provides the embedding providers used by the document index.
package llm

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"math"
	"strings"
	"unicode"

	"github.com/sashabaranov/go-openai"
	"github.com/tmc/langchaingo/llms/ollama"

	"github.com/xhad/dealctx/internal/types"
)

// ErrEmptyEmbedding is returned when a provider answers without a vector.
var ErrEmptyEmbedding = errors.New("provider returned no embedding")

// EmbedderConfig selects and configures an embedding provider.
type EmbedderConfig struct {
	Provider  string // ollama, openai or hash
	Model     string
	BaseURL   string
	APIKey    string
	Dimension int // hash provider only
}

// New builds the configured provider.
func New(config EmbedderConfig) (types.Embedder, error) {
	switch config.Provider {
	case "", "ollama":
		return NewOllamaEmbedder(config)
	case "openai":
		return NewOpenAIEmbedder(config)
	case "hash":
		return NewHashEmbedder(config.Dimension), nil
	default:
		return nil, fmt.Errorf("unknown embedding provider %q", config.Provider)
	}
}

// OllamaEmbedder embeds through a local Ollama server.
type OllamaEmbedder struct {
	Config EmbedderConfig
	llm    *ollama.LLM
}

func NewOllamaEmbedder(config EmbedderConfig) (*OllamaEmbedder, error) {
	if config.Model == "" {
		config.Model = "nomic-embed-text:latest" // Default Ollama model
	}
	if config.BaseURL == "" {
		config.BaseURL = "http://localhost:11434" // Default Ollama URL
	}

	modelOptions := ollama.WithModel(config.Model)
	serverOptions := ollama.WithServerURL(config.BaseURL)

	emb, err := ollama.New(modelOptions, serverOptions)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize ollama embedder: %w", err)
	}

	return &OllamaEmbedder{
		Config: config,
		llm:    emb,
	}, nil
}

func (e *OllamaEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	embeddings, err := e.llm.CreateEmbedding(ctx, []string{text})
	if err != nil {
		return nil, fmt.Errorf("ollama embedding: %w", err)
	}
	if len(embeddings) == 0 || len(embeddings[0]) == 0 {
		return nil, ErrEmptyEmbedding
	}
	return embeddings[0], nil
}

// OpenAIEmbedder embeds through the OpenAI embeddings endpoint.
type OpenAIEmbedder struct {
	Config EmbedderConfig
	client *openai.Client
}

func NewOpenAIEmbedder(config EmbedderConfig) (*OpenAIEmbedder, error) {
	if config.APIKey == "" {
		return nil, errors.New("openai embedder requires an API key")
	}
	if config.Model == "" {
		config.Model = string(openai.AdaEmbeddingV2)
	}

	clientConfig := openai.DefaultConfig(config.APIKey)
	if config.BaseURL != "" {
		clientConfig.BaseURL = config.BaseURL
	}

	return &OpenAIEmbedder{
		Config: config,
		client: openai.NewClientWithConfig(clientConfig),
	}, nil
}

func (e *OpenAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	resp, err := e.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input: []string{text},
		Model: openai.EmbeddingModel(e.Config.Model),
	})
	if err != nil {
		return nil, fmt.Errorf("openai embedding: %w", err)
	}
	if len(resp.Data) == 0 || len(resp.Data[0].Embedding) == 0 {
		return nil, ErrEmptyEmbedding
	}
	return resp.Data[0].Embedding, nil
}

// HashEmbedder is a deterministic bag-of-words embedder. It needs no
// network and is meant for offline runs and tests: texts sharing words
// land close together.
type HashEmbedder struct {
	dim int
}

func NewHashEmbedder(dim int) *HashEmbedder {
	if dim <= 0 {
		dim = 256
	}
	return &HashEmbedder{dim: dim}
}

func (e *HashEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, e.dim)
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	for _, w := range words {
		h := fnv.New32a()
		_, _ = h.Write([]byte(w))
		vec[h.Sum32()%uint32(e.dim)]++
	}

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm == 0 {
		// A constant vector keeps cosine similarity defined.
		vec[0] = 1
		return vec, nil
	}
	norm = math.Sqrt(norm)
	for i := range vec {
		vec[i] = float32(float64(vec[i]) / norm)
	}
	return vec, nil
}
