//go:build onnx

package embed

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/sugarme/tokenizer"
	"github.com/sugarme/tokenizer/pretrained"
	ort "github.com/yalue/onnxruntime_go"
)

// ONNXAvailable reports whether the binary was built with local model support.
const ONNXAvailable = true

var (
	ortInitOnce sync.Once
	ortInitErr  error
)

// ONNXEmbedder runs a sentence-transformer exported to ONNX (e.g.
// all-MiniLM-L6-v2) locally. modelDir must hold model.onnx and
// tokenizer.json. Output vectors are mean-pooled over the attention mask.
type ONNXEmbedder struct {
	mu        sync.Mutex // the session is not safe for concurrent Run
	dir       string
	tk        *tokenizer.Tokenizer
	session   *ort.DynamicAdvancedSession
	hidden    int
	maxTokens int
}

// NewONNXEmbedder loads the tokenizer and model from modelDir. The
// onnxruntime shared library path is taken from CHEMRESOLVE_ORT_LIB when set.
func NewONNXEmbedder(modelDir string) (*ONNXEmbedder, error) {
	modelDir = strings.TrimSpace(modelDir)
	if modelDir == "" {
		return nil, fmt.Errorf("onnx model directory is required")
	}

	ortInitOnce.Do(func() {
		if lib := os.Getenv("CHEMRESOLVE_ORT_LIB"); lib != "" {
			ort.SetSharedLibraryPath(lib)
		}
		ortInitErr = ort.InitializeEnvironment()
	})
	if ortInitErr != nil {
		return nil, fmt.Errorf("initializing onnxruntime: %w", ortInitErr)
	}

	tk, err := pretrained.FromFile(filepath.Join(modelDir, "tokenizer.json"))
	if err != nil {
		return nil, fmt.Errorf("loading tokenizer: %w", err)
	}

	session, err := ort.NewDynamicAdvancedSession(
		filepath.Join(modelDir, "model.onnx"),
		[]string{"input_ids", "attention_mask", "token_type_ids"},
		[]string{"last_hidden_state"},
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("loading onnx model: %w", err)
	}

	e := &ONNXEmbedder{dir: modelDir, tk: tk, session: session, hidden: 384, maxTokens: 128}
	// Probe once so Dimensions is known before the first real query.
	probe, err := e.Embed(context.Background(), "benzene")
	if err != nil {
		session.Destroy()
		return nil, fmt.Errorf("probing onnx model: %w", err)
	}
	e.hidden = len(probe)
	return e, nil
}

// Embed tokenizes text, runs the model and mean-pools the last hidden state.
func (e *ONNXEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("empty text")
	}

	enc, err := e.tk.EncodeSingle(text, true)
	if err != nil {
		return nil, fmt.Errorf("tokenizing: %w", err)
	}
	ids, mask, types := enc.GetIds(), enc.GetAttentionMask(), enc.GetTypeIds()
	if len(ids) > e.maxTokens {
		ids, mask, types = ids[:e.maxTokens], mask[:e.maxTokens], types[:e.maxTokens]
	}
	seq := int64(len(ids))
	shape := ort.NewShape(1, seq)

	idsT, err := ort.NewTensor(shape, toInt64(ids))
	if err != nil {
		return nil, err
	}
	defer idsT.Destroy()
	maskT, err := ort.NewTensor(shape, toInt64(mask))
	if err != nil {
		return nil, err
	}
	defer maskT.Destroy()
	typesT, err := ort.NewTensor(shape, toInt64(types))
	if err != nil {
		return nil, err
	}
	defer typesT.Destroy()

	out, err := ort.NewEmptyTensor[float32](ort.NewShape(1, seq, int64(e.hidden)))
	if err != nil {
		return nil, err
	}
	defer out.Destroy()

	e.mu.Lock()
	err = e.session.Run([]ort.Value{idsT, maskT, typesT}, []ort.Value{out})
	e.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("running onnx model: %w", err)
	}

	return meanPool(out.GetData(), mask, e.hidden), nil
}

// EmbedBatch embeds texts one at a time; empty texts get nil vectors.
func (e *ONNXEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		if strings.TrimSpace(t) == "" {
			continue
		}
		v, err := e.Embed(ctx, t)
		if err != nil {
			return nil, fmt.Errorf("embedding text %d: %w", i, err)
		}
		out[i] = v
	}
	return out, nil
}

// Dimensions returns the hidden size of the model.
func (e *ONNXEmbedder) Dimensions() int { return e.hidden }

// Model names the model by its directory.
func (e *ONNXEmbedder) Model() string { return "onnx/" + filepath.Base(e.dir) }

// Close releases the session.
func (e *ONNXEmbedder) Close() error {
	return e.session.Destroy()
}

func meanPool(hidden []float32, mask []int, dims int) []float32 {
	out := make([]float32, dims)
	var count float32
	for t, m := range mask {
		if m == 0 {
			continue
		}
		count++
		row := hidden[t*dims : (t+1)*dims]
		for i, v := range row {
			out[i] += v
		}
	}
	if count == 0 {
		return out
	}
	var norm float64
	for i := range out {
		out[i] /= count
		norm += float64(out[i]) * float64(out[i])
	}
	if norm > 0 {
		inv := float32(1 / math.Sqrt(norm))
		for i := range out {
			out[i] *= inv
		}
	}
	return out
}

func toInt64(xs []int) []int64 {
	out := make([]int64, len(xs))
	for i, x := range xs {
		out[i] = int64(x)
	}
	return out
}
