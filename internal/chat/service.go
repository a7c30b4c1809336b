// Package chat orchestrates one grounded conversation turn: sanitize, retrieve,
// assemble, complete, parse, remember. Infrastructure failures degrade the
// answer instead of failing the turn wherever a useful response remains
// possible; only invalid input and total provider exhaustion surface as errors.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/mohammad-safakhou/docchat/internal/chunker"
	"github.com/mohammad-safakhou/docchat/internal/convcache"
	"github.com/mohammad-safakhou/docchat/internal/prompt"
	"github.com/mohammad-safakhou/docchat/internal/respparse"
	"github.com/mohammad-safakhou/docchat/internal/retrieval"
	"github.com/mohammad-safakhou/docchat/internal/store"
	"github.com/mohammad-safakhou/docchat/internal/telemetry"
	"github.com/mohammad-safakhou/docchat/provider"
)

// Retriever finds the passages most relevant to a question.
type Retriever interface {
	Retrieve(ctx context.Context, documentID, query string, k int) ([]retrieval.Result, error)
}

// DocumentStore is the durable document/chunk storage used by ingestion.
type DocumentStore interface {
	UpsertDocument(ctx context.Context, rec store.DocumentRecord) error
	GetDocument(ctx context.Context, id string) (store.DocumentRecord, bool, error)
	ReplaceChunks(ctx context.Context, documentID string, chunks []chunker.Chunk) error
}

// Options tunes one Service instance.
type Options struct {
	TopK            int
	MaxContextChars int
	MaxMessageChars int
	Temperature     float64
	MaxTokens       int
	ChunkOpts       chunker.Options
}

func (o Options) normalize() Options {
	if o.TopK <= 0 {
		o.TopK = 10
	}
	if o.MaxContextChars <= 0 {
		o.MaxContextChars = 12000
	}
	if o.MaxMessageChars <= 0 {
		o.MaxMessageChars = 4000
	}
	if o.MaxTokens <= 0 {
		o.MaxTokens = 1024
	}
	o.ChunkOpts = o.ChunkOpts.Normalize()
	return o
}

// TurnResult is what one processed turn hands back to the transport layer.
type TurnResult struct {
	Answer          string               `json:"answer"`
	Citations       []respparse.Citation `json:"citations"`
	Degraded        bool                 `json:"degraded"`
	ChunksUsed      int                  `json:"chunks_used"`
	ContextMessages int                  `json:"context_messages"`
}

type Service struct {
	completer provider.CompletionProvider
	embedder  provider.EmbeddingProvider
	retriever Retriever
	cache     convcache.Cache
	docs      DocumentStore
	assembler *prompt.Assembler
	opts      Options
	logger    *log.Logger
	tele      *telemetry.Telemetry
}

func NewService(
	completer provider.CompletionProvider,
	embedder provider.EmbeddingProvider,
	retriever Retriever,
	cache convcache.Cache,
	docs DocumentStore,
	assembler *prompt.Assembler,
	opts Options,
	logger *log.Logger,
	tele *telemetry.Telemetry,
) *Service {
	if logger == nil {
		logger = log.New(log.Writer(), "[CHAT] ", log.LstdFlags)
	}
	if assembler == nil {
		assembler = prompt.NewAssembler(0, 0, 0)
	}
	return &Service{
		completer: completer,
		embedder:  embedder,
		retriever: retriever,
		cache:     cache,
		docs:      docs,
		assembler: assembler,
		opts:      opts.normalize(),
		logger:    logger,
		tele:      tele,
	}
}

// ProcessTurn runs one question through the full pipeline and returns a
// grounded answer. documentID may be empty for follow-up turns, in which case
// the session's bound document is used.
func (s *Service) ProcessTurn(ctx context.Context, chatID, userID, documentID, message string) (*TurnResult, error) {
	started := time.Now()
	if s.tele != nil {
		s.tele.TurnsTotal.Inc()
		defer func() { s.tele.TurnDuration.Observe(time.Since(started).Seconds()) }()
	}

	sanitized, err := prompt.SanitizeMessage(message, s.opts.MaxMessageChars)
	if err != nil {
		s.countFailure("input")
		return nil, fmt.Errorf("%w: %v", ErrEmptyMessage, err)
	}

	// Conversation context is best-effort: a cache or store problem costs
	// continuity, never the turn.
	var turns []convcache.Turn
	cc, err := s.cache.Get(ctx, chatID, userID)
	if err != nil {
		s.logger.Printf("loading context for session %s failed, continuing without history: %v", chatID, err)
	} else if cc != nil {
		turns = cc.Turns
		if documentID == "" {
			documentID = cc.DocumentID
		}
	}
	if documentID == "" {
		s.countFailure("input")
		return nil, fmt.Errorf("%w: no document bound to this conversation", ErrDocumentNotFound)
	}
	if _, ok, err := s.docs.GetDocument(ctx, documentID); err != nil {
		s.logger.Printf("looking up document %s failed, proceeding: %v", documentID, err)
	} else if !ok {
		s.countFailure("input")
		return nil, fmt.Errorf("%w: %s", ErrDocumentNotFound, documentID)
	}

	// Retrieval is best-effort too: the retriever already falls back to
	// lexical scoring, and an empty passage set still produces a prompt that
	// says so.
	results, err := s.retriever.Retrieve(ctx, documentID, sanitized, s.opts.TopK)
	if err != nil {
		s.logger.Printf("retrieval for session %s failed, answering without passages: %v", chatID, err)
		results = nil
	}
	results = retrieval.TruncateContext(results, s.opts.MaxContextChars)

	systemPrompt, userPrompt := s.assembler.Build(sanitized, results, turns)

	var parsed respparse.Result
	degraded := false
	raw, err := s.completer.Complete(ctx, systemPrompt,
		[]provider.Message{{Role: provider.RoleUser, Content: userPrompt}},
		provider.SamplingParams{Temperature: s.opts.Temperature, MaxTokens: s.opts.MaxTokens})
	if err != nil {
		if s.tele != nil {
			s.tele.ProviderErrors.WithLabelValues("completion").Inc()
		}
		if len(results) == 0 {
			s.countFailure("provider")
			return nil, fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
		}
		s.logger.Printf("completion for session %s failed, degrading to excerpts: %v", chatID, err)
		parsed = excerptAnswer(results)
		degraded = true
	} else {
		parsed = respparse.Parse(raw)
	}

	now := time.Now()
	userTurn := convcache.Turn{Role: convcache.RoleUser, Content: sanitized, Timestamp: now}
	assistantTurn := convcache.Turn{Role: convcache.RoleAssistant, Content: parsed.Answer, Timestamp: now}
	updated, err := s.cache.Append(ctx, chatID, userID, userTurn, assistantTurn, documentID)
	if err != nil {
		if errors.Is(err, convcache.ErrWrongUser) {
			s.countFailure("input")
			return nil, fmt.Errorf("%w: %s", ErrChatAccessDenied, chatID)
		}
		s.logger.Printf("recording turn for session %s failed: %v", chatID, err)
	}

	res := &TurnResult{
		Answer:     parsed.Answer,
		Citations:  parsed.Citations,
		Degraded:   degraded,
		ChunksUsed: len(results),
	}
	if updated != nil {
		res.ContextMessages = len(updated.Turns)
	}
	return res, nil
}

// excerptAnswer builds a degraded response straight from the retrieved
// passages when no completion could be obtained.
func excerptAnswer(results []retrieval.Result) respparse.Result {
	const maxExcerpts = 3
	var b strings.Builder
	b.WriteString("The answer could not be generated right now. The most relevant passages found in the document are:\n")
	citations := make([]respparse.Citation, 0, maxExcerpts)
	for i, r := range results {
		if i >= maxExcerpts {
			break
		}
		snippet := r.Chunk.Text
		if rs := []rune(snippet); len(rs) > 200 {
			snippet = string(rs[:200])
		}
		fmt.Fprintf(&b, "\n(Page %s) %s\n", r.Chunk.Page, snippet)
		citations = append(citations, respparse.Citation{Page: r.Chunk.Page, Snippet: snippet})
	}
	return respparse.Result{Answer: b.String(), Citations: citations, Strategy: respparse.StrategyRaw}
}

// IngestDocument chunks, embeds and durably stores a document, replacing any
// previous version. Embedding failures are absorbed: chunks are stored without
// vectors and retrieval falls back to lexical scoring.
func (s *Service) IngestDocument(ctx context.Context, documentID, title, text string, pageCount int) (int, error) {
	chunks := chunker.Split(documentID, text, pageCount, s.opts.ChunkOpts)
	if len(chunks) == 0 {
		return 0, fmt.Errorf("%w: %s", ErrEmptyDocument, documentID)
	}

	texts := make([]string, len(chunks))
	for i, ch := range chunks {
		texts[i] = ch.Text
	}
	vectors, err := s.embedder.CreateEmbedding(ctx, texts)
	if err != nil {
		if s.tele != nil {
			s.tele.ProviderErrors.WithLabelValues("embedding").Inc()
		}
		s.logger.Printf("embedding document %s failed, storing chunks without vectors: %v", documentID, err)
	} else if len(vectors) == len(chunks) {
		for i := range chunks {
			chunks[i].Embedding = vectors[i]
		}
	}

	if err := s.docs.UpsertDocument(ctx, store.DocumentRecord{ID: documentID, Title: title, PageCount: pageCount}); err != nil {
		return 0, fmt.Errorf("failed to store document: %w", err)
	}
	if err := s.docs.ReplaceChunks(ctx, documentID, chunks); err != nil {
		return 0, fmt.Errorf("failed to store chunks: %w", err)
	}
	return len(chunks), nil
}

func (s *Service) countFailure(reason string) {
	if s.tele != nil {
		s.tele.TurnFailures.WithLabelValues(reason).Inc()
	}
}
