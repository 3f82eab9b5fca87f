//go:build !onnx

package embed

import (
	"context"
	"errors"
)

// ONNXAvailable reports whether the binary was built with local model support.
const ONNXAvailable = false

// ErrONNXUnavailable is returned when the onnx provider is requested from a
// binary built without the onnx tag.
var ErrONNXUnavailable = errors.New("onnx embedder not compiled in (rebuild with -tags onnx)")

// ONNXEmbedder is unavailable in this build.
type ONNXEmbedder struct{}

// NewONNXEmbedder always fails in builds without the onnx tag.
func NewONNXEmbedder(modelDir string) (*ONNXEmbedder, error) {
	return nil, ErrONNXUnavailable
}

func (e *ONNXEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return nil, ErrONNXUnavailable
}

func (e *ONNXEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	return nil, ErrONNXUnavailable
}

func (e *ONNXEmbedder) Dimensions() int { return 0 }

func (e *ONNXEmbedder) Model() string { return "onnx/unavailable" }

func (e *ONNXEmbedder) Close() error { return nil }
