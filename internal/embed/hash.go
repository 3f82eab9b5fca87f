package embed

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"strings"
)

// HashModel is the model tag of HashEmbedder vectors.
const HashModel = "chargram-v1"

// DefaultHashDimensions is the HashEmbedder output size.
const DefaultHashDimensions = 256

// HashEmbedder maps text to a signed feature-hashing vector of character
// trigrams and whole tokens. It needs no model files and is deterministic
// across processes, so it serves offline installs and tests. Similar
// spellings land close together; true synonyms with no shared characters do
// not, which is what a learned model is for.
type HashEmbedder struct {
	dims int
}

// NewHashEmbedder returns an embedder producing dims-sized vectors.
func NewHashEmbedder(dims int) *HashEmbedder {
	if dims <= 0 {
		dims = DefaultHashDimensions
	}
	return &HashEmbedder{dims: dims}
}

// Embed returns the unit-length vector of text.
func (h *HashEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("empty text")
	}

	vec := make([]float64, h.dims)
	for _, tok := range strings.Fields(strings.ToLower(text)) {
		h.add(vec, "w:"+tok, 1.0)
		runes := []rune("#" + tok + "#")
		for i := 0; i+3 <= len(runes); i++ {
			h.add(vec, "g:"+string(runes[i:i+3]), 1.0)
		}
	}

	var norm float64
	for _, v := range vec {
		norm += v * v
	}
	out := make([]float32, h.dims)
	if norm == 0 {
		return out, nil
	}
	inv := 1 / math.Sqrt(norm)
	for i, v := range vec {
		out[i] = float32(v * inv)
	}
	return out, nil
}

func (h *HashEmbedder) add(vec []float64, feature string, weight float64) {
	f := fnv.New64a()
	f.Write([]byte(feature))
	sum := f.Sum64()
	bucket := int(sum % uint64(h.dims))
	if sum>>63 == 1 {
		weight = -weight
	}
	vec[bucket] += weight
}

// EmbedBatch embeds each text; empty texts get nil vectors.
func (h *HashEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		if strings.TrimSpace(t) == "" {
			continue
		}
		v, err := h.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// Dimensions returns the vector size.
func (h *HashEmbedder) Dimensions() int { return h.dims }

// Model returns the provider-qualified model tag.
func (h *HashEmbedder) Model() string {
	return fmt.Sprintf("hash/%s-%d", HashModel, h.dims)
}
