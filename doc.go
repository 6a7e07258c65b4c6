// Package raglite provides the retrieval core of a RAG system: text
// chunking, cached embedding, vector and hybrid search, and background
// jobs for bulk ingestion and re-embedding.
//
// # Quick Start
//
// Install the CLI:
//
//	go install github.com/kadirpekel/raglite/cmd/raglite@latest
//
// Ingest a document and search it:
//
//	raglite ingest --scope docs --text "Go is a statically typed language"
//	raglite search --scope docs --query "what kind of typing does Go have"
//
// # Using as Go Library
//
// Import the packages you need:
//
//	import (
//	    "github.com/kadirpekel/raglite/pkg/search"
//	    "github.com/kadirpekel/raglite/pkg/embedder"
//	    "github.com/kadirpekel/raglite/pkg/store"
//	)
//
// The search.Engine is the main entry point; it composes a chunking
// splitter, an embedding manager, a chunk store and an optional
// cross-encoder reranker.
//
// # Key Features
//
//   - Recursive text chunking with sliding-window overlap
//   - Embedding via OpenAI or Ollama, with TTL caching and retries
//   - Embedded (chromem) or external (Qdrant) vector storage
//   - Two-stage retrieval: vector candidates + cross-encoder rerank
//   - Async jobs with a global concurrency cap and cancellation
//   - Prometheus metrics via OpenTelemetry
//
// # Architecture
//
//	CLI → search.Engine → embedder.Manager → store.Store
//	                    ↘ reranker.Service
//	jobs.Service → jobs.Registry (async bulk work)
package raglite
