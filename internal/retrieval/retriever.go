// Package retrieval ranks document passages against a query, degrading from
// vector similarity to a local lexical heuristic when providers misbehave.
package retrieval

import (
	"context"
	"fmt"
	"log"
	"math"
	"sort"
	"strings"
	"unicode"

	"github.com/mohammad-safakhou/docchat/internal/chunker"
	"github.com/mohammad-safakhou/docchat/internal/telemetry"
	"github.com/mohammad-safakhou/docchat/provider"
)

// Result pairs a chunk with its similarity to the query, in [0,1].
type Result struct {
	Chunk      chunker.Chunk
	Similarity float64
}

// ChunkIndex is the read side of the document store: nearest-neighbour query
// over stored chunk vectors plus a plain listing for the fallback path.
type ChunkIndex interface {
	QueryChunks(ctx context.Context, documentID string, vector []float64, k int, floor float64) ([]Result, error)
	ListChunks(ctx context.Context, documentID string) ([]chunker.Chunk, error)
}

// Retriever resolves the k most relevant chunks of a document for a query.
type Retriever struct {
	embedder provider.EmbeddingProvider
	index    ChunkIndex
	floor    float64
	logger   *log.Logger
	tele     *telemetry.Telemetry
}

func NewRetriever(embedder provider.EmbeddingProvider, index ChunkIndex, floor float64, logger *log.Logger, tele *telemetry.Telemetry) *Retriever {
	if logger == nil {
		logger = log.New(log.Writer(), "[RETRIEVAL] ", log.LstdFlags)
	}
	return &Retriever{embedder: embedder, index: index, floor: floor, logger: logger, tele: tele}
}

// Retrieve returns at most k results ordered by descending similarity, ties
// broken by ascending chunk index. Provider errors degrade to the lexical
// fallback; an error is returned only when the fallback itself cannot run.
func (r *Retriever) Retrieve(ctx context.Context, documentID, query string, k int) ([]Result, error) {
	if k < 1 {
		k = 1
	}

	results, err := r.vectorSearch(ctx, documentID, query, k)
	if err != nil {
		r.logger.Printf("vector search unavailable for document %s, using lexical fallback: %v", documentID, err)
		if r.tele != nil {
			r.tele.RetrievalFallbacks.Inc()
		}
		results, err = r.lexicalSearch(ctx, documentID, query, k)
		if err != nil {
			return nil, fmt.Errorf("retrieval failed on both paths: %w", err)
		}
	}

	orderResults(results)
	if len(results) > k {
		results = results[:k]
	}
	return results, nil
}

func (r *Retriever) vectorSearch(ctx context.Context, documentID, query string, k int) ([]Result, error) {
	vecs, err := r.embedder.CreateEmbedding(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("embedding query: %w", err)
	}
	if len(vecs) == 0 || len(vecs[0]) == 0 {
		return nil, fmt.Errorf("embedding provider returned no vector")
	}
	results, err := r.index.QueryChunks(ctx, documentID, vecs[0], k, r.floor)
	if err != nil {
		return nil, fmt.Errorf("querying chunk index: %w", err)
	}
	return results, nil
}

// lexicalSearch scores locally available chunk text with a deterministic
// hash-derived pseudo-embedding blended with Jaccard word overlap. No semantic
// accuracy guarantee; it guarantees a response.
func (r *Retriever) lexicalSearch(ctx context.Context, documentID, query string, k int) ([]Result, error) {
	chunks, err := r.index.ListChunks(ctx, documentID)
	if err != nil {
		return nil, fmt.Errorf("listing chunks: %w", err)
	}

	qVec := pseudoEmbed(query)
	qSet := tokenSet(query)
	results := make([]Result, 0, len(chunks))
	for _, ch := range chunks {
		sim := 0.5*cosine(qVec, pseudoEmbed(ch.Text)) + 0.5*jaccard(qSet, tokenSet(ch.Text))
		if sim < 0 {
			sim = 0
		}
		if sim > 1 {
			sim = 1
		}
		results = append(results, Result{Chunk: ch, Similarity: sim})
	}
	return results, nil
}

func orderResults(results []Result) {
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Similarity != results[j].Similarity {
			return results[i].Similarity > results[j].Similarity
		}
		return results[i].Chunk.Index < results[j].Chunk.Index
	})
}

// TruncateContext greedily keeps ranked results while they fit the character
// budget. It never includes a partial chunk.
func TruncateContext(results []Result, maxChars int) []Result {
	const perItemOverhead = 64 // passage header and framing
	if maxChars <= 0 {
		return results
	}
	used := 0
	out := make([]Result, 0, len(results))
	for _, res := range results {
		cost := len(res.Chunk.Text) + perItemOverhead
		if used+cost > maxChars {
			break
		}
		used += cost
		out = append(out, res)
	}
	return out
}

const pseudoDim = 64

// pseudoEmbed maps text into a fixed-size vector by hashing tokens into
// buckets; identical text always yields the identical vector.
func pseudoEmbed(text string) []float64 {
	vec := make([]float64, pseudoDim)
	for tok := range tokenSet(text) {
		vec[fnv32(tok)%pseudoDim]++
	}
	var norm float64
	for _, v := range vec {
		norm += v * v
	}
	if norm > 0 {
		norm = math.Sqrt(norm)
		for i := range vec {
			vec[i] /= norm
		}
	}
	return vec
}

func fnv32(s string) uint32 {
	h := uint32(2166136261)
	for i := 0; i < len(s); i++ {
		h ^= uint32(s[i])
		h *= 16777619
	}
	return h
}

func tokenSet(s string) map[string]struct{} {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	out := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		out[f] = struct{}{}
	}
	return out
}

func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	inter := 0
	for t := range a {
		if _, ok := b[t]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

func cosine(a, b []float64) float64 {
	var dot, na, nb float64
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
