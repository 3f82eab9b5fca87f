// Package embed turns synonym and query text into vectors for the semantic
// index. The resolver treats embedding as a supplied capability: any
// Embedder works as long as it is deterministic per model.
//
// Providers:
// - hash: offline feature-hashing embedder, no model files (default)
// - onnx: local sentence-transformer via onnxruntime (build tag "onnx")
// - ollama: http://localhost:11434/v1/embeddings
// - openai: https://api.openai.com/v1/embeddings
// - custom: any OpenAI-compatible endpoint (CHEMRESOLVE_EMBED_ENDPOINT)
package embed

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"
)

// Embedder generates embedding vectors from text.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dimensions() int
}

// ModelNamer is implemented by embedders that can name their model. The name
// tags stored vectors so a model change is detected instead of mixing spaces.
type ModelNamer interface {
	Model() string
}

// ModelOf returns the model tag of e, or "unknown".
func ModelOf(e Embedder) string {
	if n, ok := e.(ModelNamer); ok && n.Model() != "" {
		return n.Model()
	}
	return "unknown"
}

// EmbedConfig holds embedding provider configuration.
type EmbedConfig struct {
	Provider string // "hash", "onnx", "ollama", "openai", "custom"
	Model    string // model name, or model directory for onnx
	Endpoint string // full API URL
	APIKey   string

	// HTTP providers only. A caller's context deadline always wins over
	// Timeout and cuts the retry schedule short.
	MaxRetries   int
	Timeout      time.Duration
	RetryBackoff time.Duration

	// Hash: output size. HTTP: expected vector size, or 0 to pin whatever
	// the first response carries.
	Dimensions int
}

// ParseEmbedFlag parses "provider/model". Everything after the first slash
// is the model, so "onnx//opt/models/minilm" names a model directory.
func ParseEmbedFlag(flag string) (*EmbedConfig, error) {
	provider, model, ok := strings.Cut(flag, "/")
	switch {
	case flag == "":
		return nil, fmt.Errorf("empty embedding flag")
	case !ok:
		return nil, fmt.Errorf("invalid --embed format: expected 'provider/model', got %q", flag)
	case provider == "":
		return nil, fmt.Errorf("empty provider in --embed flag: %q", flag)
	case model == "":
		return nil, fmt.Errorf("empty model in --embed flag: %q", flag)
	}

	cfg := &EmbedConfig{
		Provider:     provider,
		Model:        model,
		MaxRetries:   DefaultMaxRetries,
		Timeout:      DefaultTimeout,
		RetryBackoff: DefaultRetryBackoff,
	}
	switch provider {
	case "hash":
		cfg.Dimensions = DefaultHashDimensions
	case "onnx":
	case "ollama":
		cfg.Endpoint = "http://localhost:11434/v1/embeddings"
	case "openai":
		cfg.Endpoint = "https://api.openai.com/v1/embeddings"
		cfg.APIKey = os.Getenv("OPENAI_API_KEY")
	case "custom":
		// Endpoint and key come from CHEMRESOLVE_EMBED_ENDPOINT and
		// CHEMRESOLVE_EMBED_API_KEY through the config resolver.
	default:
		return nil, fmt.Errorf("unknown provider %q. Supported: hash, onnx, ollama, openai, custom", provider)
	}
	return cfg, nil
}

// New builds the Embedder a config describes.
func New(config *EmbedConfig) (Embedder, error) {
	if config == nil {
		return nil, fmt.Errorf("config is required")
	}
	switch config.Provider {
	case "hash":
		return NewHashEmbedder(config.Dimensions), nil
	case "onnx":
		e, err := NewONNXEmbedder(config.Model)
		if err != nil {
			return nil, err
		}
		return e, nil
	default:
		c, err := NewClient(config)
		if err != nil {
			return nil, err
		}
		return c, nil
	}
}

// Validate checks an HTTP provider config.
func (c *EmbedConfig) Validate() error {
	switch {
	case c.Provider == "":
		return fmt.Errorf("provider is required")
	case c.Model == "":
		return fmt.Errorf("model is required")
	case c.Endpoint == "":
		return fmt.Errorf("endpoint is required for provider %q", c.Provider)
	case c.Provider == "openai" && c.APIKey == "":
		return fmt.Errorf("API key is required for provider openai (OPENAI_API_KEY or CHEMRESOLVE_EMBED_API_KEY)")
	case c.MaxRetries < 0:
		return fmt.Errorf("max retries cannot be negative")
	case c.Timeout <= 0:
		return fmt.Errorf("timeout must be positive")
	case c.RetryBackoff < 0:
		return fmt.Errorf("retry backoff cannot be negative")
	case c.Dimensions < 0:
		return fmt.Errorf("dimensions cannot be negative")
	}
	return nil
}
