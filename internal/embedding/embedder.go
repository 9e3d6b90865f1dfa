// Package embedding turns composed guide text into fixed-size vectors.
package embedding

import (
	"context"
	"fmt"
)

// Embedder produces vector embeddings for text.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dimensions() int
	// Name identifies the model or scheme; vectors from embedders with different names are not comparable.
	Name() string
	Close() error
}

const (
	// ProviderHashing is the pure-Go feature-hashing embedder.
	ProviderHashing = "hashing"
	// ProviderONNX runs a sentence-transformer model through ONNX Runtime (cgo builds only).
	ProviderONNX = "onnx"
)

// Options selects and configures an embedder.
type Options struct {
	Provider   string
	ModelPath  string
	Dimensions int
	MaxTokens  int
	CacheSize  int
}

// New builds the embedder named by opts.Provider and wraps it in an LRU cache when CacheSize > 0.
func New(opts Options) (Embedder, error) {
	var e Embedder
	switch opts.Provider {
	case ProviderHashing, "":
		e = NewHashingEmbedder(opts.Dimensions)
	case ProviderONNX:
		onnx, err := NewONNXEmbedder(opts.ModelPath, opts.Dimensions, opts.MaxTokens)
		if err != nil {
			return nil, err
		}
		e = onnx
	default:
		return nil, fmt.Errorf("unknown embedding provider: %s (supported: hashing, onnx)", opts.Provider)
	}
	if opts.CacheSize > 0 {
		e = NewCachedEmbedder(e, opts.CacheSize)
	}
	return e, nil
}

func embedEach(ctx context.Context, e Embedder, texts []string) ([][]float32, error) {
	embeddings := make([][]float32, len(texts))
	for i, text := range texts {
		emb, err := e.Embed(ctx, text)
		if err != nil {
			return nil, err
		}
		embeddings[i] = emb
	}
	return embeddings, nil
}
