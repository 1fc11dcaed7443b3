// Package embedder generates vector embeddings for notes and queries.
//
// Providers:
//   - jina: Jina AI embeddings API over HTTP
//   - openai: any OpenAI-compatible endpoint through langchaingo
//   - local: offline feature-hashing embedder, deterministic and dependency free
//   - none: disables semantic search
//
// Remote providers retry with jittered exponential backoff behind an optional
// token-bucket rate limiter. A 4xx response other than 429 fails at once.
// Any provider given a Cache serves repeated texts from it; cached vectors
// are keyed by model and text hash.
//
// # Basic Usage
//
//	emb, err := embedder.New(embedder.Config{Provider: "local", CacheSize: 1000})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer emb.Close()
//
//	result, err := emb.GenerateEmbedding(ctx, embedder.EmbeddingRequest{
//	    Text: "notes about data preprocessing",
//	})
//	fmt.Printf("Vector dimension: %d\n", len(result.Vector))
//
// Vectors are stored per model name, so changing Model() invalidates every
// stored vector for search purposes until the job queue re-embeds them.
package embedder
