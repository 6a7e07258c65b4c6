// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package embedder generates vector embeddings for text.
//
// It provides the Embedder collaborator interface with OpenAI and Ollama
// HTTP adapters, and a Manager that adds request-level caching, adaptive
// batching and bounded concurrency on top of any Embedder.
package embedder

import (
	"context"
	"errors"
)

// ErrUnknownProvider is returned for an unrecognized embedding provider
// name at construction time.
var ErrUnknownProvider = errors.New("unknown embedding provider")

// Embedder converts text into fixed-dimensional vectors.
//
// Implementations are synchronous request/response clients; batching,
// timeouts and retries are the caller's responsibility.
type Embedder interface {
	// Embed converts a single text to a vector embedding.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch converts multiple texts in one collaborator call,
	// preserving input order.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimension returns the embedding vector dimension.
	Dimension() int

	// Model returns the model name being used.
	Model() string

	// Close releases any resources.
	Close() error
}
