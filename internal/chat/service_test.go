package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/mohammad-safakhou/docchat/internal/chunker"
	"github.com/mohammad-safakhou/docchat/internal/convcache"
	"github.com/mohammad-safakhou/docchat/internal/retrieval"
	"github.com/mohammad-safakhou/docchat/internal/store"
	"github.com/mohammad-safakhou/docchat/provider"
)

type fakeCompleter struct {
	response string
	err      error
	lastUser string
}

func (f *fakeCompleter) Complete(_ context.Context, _ string, messages []provider.Message, _ provider.SamplingParams) (string, error) {
	if len(messages) > 0 {
		f.lastUser = messages[len(messages)-1].Content
	}
	return f.response, f.err
}

type fakeEmbedder struct {
	err error
}

func (f *fakeEmbedder) CreateEmbedding(_ context.Context, texts []string) ([][]float64, error) {
	if f.err != nil {
		return nil, f.err
	}
	out := make([][]float64, len(texts))
	for i := range texts {
		out[i] = []float64{1, 0, 0}
	}
	return out, nil
}

type fakeRetriever struct {
	results []retrieval.Result
	err     error
}

func (f *fakeRetriever) Retrieve(_ context.Context, _, _ string, _ int) ([]retrieval.Result, error) {
	return f.results, f.err
}

type fakeCache struct {
	contexts  map[string]*convcache.Context
	appends   int
	getErr    error
	appendErr error
}

func newFakeCache() *fakeCache {
	return &fakeCache{contexts: make(map[string]*convcache.Context)}
}

func (f *fakeCache) Get(_ context.Context, chatID, userID string) (*convcache.Context, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	cc, ok := f.contexts[chatID]
	if !ok || cc.UserID != userID {
		return nil, nil
	}
	return cc, nil
}

func (f *fakeCache) Append(_ context.Context, chatID, userID string, userTurn, assistantTurn convcache.Turn, documentID string) (*convcache.Context, error) {
	if f.appendErr != nil {
		return nil, f.appendErr
	}
	f.appends++
	cc, ok := f.contexts[chatID]
	if !ok {
		cc = &convcache.Context{ChatID: chatID, UserID: userID, DocumentID: documentID}
		f.contexts[chatID] = cc
	}
	cc.Turns = append(cc.Turns, userTurn, assistantTurn)
	if documentID != "" {
		cc.DocumentID = documentID
	}
	return cc, nil
}

func (f *fakeCache) Start() {}
func (f *fakeCache) Stop()  {}

type fakeDocs struct {
	docs    map[string]store.DocumentRecord
	chunks  map[string][]chunker.Chunk
	loseDoc bool
}

func newFakeDocs(ids ...string) *fakeDocs {
	d := &fakeDocs{docs: make(map[string]store.DocumentRecord), chunks: make(map[string][]chunker.Chunk)}
	for _, id := range ids {
		d.docs[id] = store.DocumentRecord{ID: id}
	}
	return d
}

func (f *fakeDocs) UpsertDocument(_ context.Context, rec store.DocumentRecord) error {
	f.docs[rec.ID] = rec
	return nil
}

func (f *fakeDocs) GetDocument(_ context.Context, id string) (store.DocumentRecord, bool, error) {
	if f.loseDoc {
		return store.DocumentRecord{}, false, nil
	}
	rec, ok := f.docs[id]
	return rec, ok, nil
}

func (f *fakeDocs) ReplaceChunks(_ context.Context, documentID string, chunks []chunker.Chunk) error {
	f.chunks[documentID] = chunks
	return nil
}

// corpus builds n sentences with distinct vocabulary so chunks pass the
// low-information filter.
func corpus(n int) string {
	var b strings.Builder
	for i := 0; i < n; i++ {
		fmt.Fprintf(&b, "Organelle%d drives process%d within compartment%d of the cell%d. ", i, i, i, i)
	}
	return b.String()
}

func passages() []retrieval.Result {
	return []retrieval.Result{
		{Chunk: chunker.Chunk{Index: 0, Page: "2", Text: "Photosynthesis converts light into chemical energy."}, Similarity: 0.9},
		{Chunk: chunker.Chunk{Index: 1, Page: "3", Text: "Chlorophyll absorbs red and blue light."}, Similarity: 0.8},
	}
}

func newTestService(completer *fakeCompleter, retr *fakeRetriever, cache *fakeCache, docs *fakeDocs) *Service {
	return NewService(completer, &fakeEmbedder{}, retr, cache, docs, nil, Options{}, nil, nil)
}

func TestProcessTurnHappyPath(t *testing.T) {
	completer := &fakeCompleter{response: `{"answer":"It converts light.","citations":[{"page":"2","snippet":"converts light"}]}`}
	cache := newFakeCache()
	svc := newTestService(completer, &fakeRetriever{results: passages()}, cache, newFakeDocs("doc1"))

	res, err := svc.ProcessTurn(context.Background(), "chat1", "u1", "doc1", "What does photosynthesis do?")
	if err != nil {
		t.Fatalf("ProcessTurn: %v", err)
	}
	if res.Answer != "It converts light." {
		t.Fatalf("answer = %q", res.Answer)
	}
	if len(res.Citations) != 1 || res.Citations[0].Page != "2" {
		t.Fatalf("citations = %+v", res.Citations)
	}
	if res.Degraded {
		t.Fatal("turn must not be degraded")
	}
	if res.ChunksUsed != 2 {
		t.Fatalf("chunks used = %d", res.ChunksUsed)
	}
	if res.ContextMessages != 2 {
		t.Fatalf("context messages = %d", res.ContextMessages)
	}
	if cache.appends != 1 {
		t.Fatalf("appends = %d", cache.appends)
	}
	if !strings.Contains(completer.lastUser, "(Page 2)") {
		t.Fatalf("prompt missing passages:\n%s", completer.lastUser)
	}
}

func TestProcessTurnEmptyMessage(t *testing.T) {
	svc := newTestService(&fakeCompleter{}, &fakeRetriever{}, newFakeCache(), newFakeDocs("doc1"))
	_, err := svc.ProcessTurn(context.Background(), "chat1", "u1", "doc1", "   <> ")
	if !errors.Is(err, ErrEmptyMessage) {
		t.Fatalf("expected ErrEmptyMessage, got %v", err)
	}
}

func TestProcessTurnUnknownDocument(t *testing.T) {
	svc := newTestService(&fakeCompleter{}, &fakeRetriever{}, newFakeCache(), newFakeDocs())
	_, err := svc.ProcessTurn(context.Background(), "chat1", "u1", "nope", "question")
	if !errors.Is(err, ErrDocumentNotFound) {
		t.Fatalf("expected ErrDocumentNotFound, got %v", err)
	}
}

func TestProcessTurnNoDocumentAnywhere(t *testing.T) {
	svc := newTestService(&fakeCompleter{}, &fakeRetriever{}, newFakeCache(), newFakeDocs())
	_, err := svc.ProcessTurn(context.Background(), "chat1", "u1", "", "question")
	if !errors.Is(err, ErrDocumentNotFound) {
		t.Fatalf("expected ErrDocumentNotFound, got %v", err)
	}
}

func TestProcessTurnUsesSessionDocument(t *testing.T) {
	completer := &fakeCompleter{response: `{"answer":"ok","citations":[]}`}
	cache := newFakeCache()
	cache.contexts["chat1"] = &convcache.Context{ChatID: "chat1", UserID: "u1", DocumentID: "doc1"}
	svc := newTestService(completer, &fakeRetriever{results: passages()}, cache, newFakeDocs("doc1"))

	res, err := svc.ProcessTurn(context.Background(), "chat1", "u1", "", "follow-up question")
	if err != nil {
		t.Fatalf("ProcessTurn: %v", err)
	}
	if res.Answer != "ok" {
		t.Fatalf("answer = %q", res.Answer)
	}
}

func TestProcessTurnRetrievalFailureStillAnswers(t *testing.T) {
	completer := &fakeCompleter{response: `{"answer":"cannot tell from the document","citations":[]}`}
	svc := newTestService(completer, &fakeRetriever{err: errors.New("index offline")}, newFakeCache(), newFakeDocs("doc1"))

	res, err := svc.ProcessTurn(context.Background(), "chat1", "u1", "doc1", "question")
	if err != nil {
		t.Fatalf("ProcessTurn: %v", err)
	}
	if res.ChunksUsed != 0 {
		t.Fatalf("chunks used = %d", res.ChunksUsed)
	}
	if !strings.Contains(completer.lastUser, "none were retrieved") {
		t.Fatalf("prompt must state that no passages were found:\n%s", completer.lastUser)
	}
}

func TestProcessTurnCompletionFailureDegradesToExcerpts(t *testing.T) {
	completer := &fakeCompleter{err: errors.New("rate limited")}
	svc := newTestService(completer, &fakeRetriever{results: passages()}, newFakeCache(), newFakeDocs("doc1"))

	res, err := svc.ProcessTurn(context.Background(), "chat1", "u1", "doc1", "question")
	if err != nil {
		t.Fatalf("expected degraded answer, got error: %v", err)
	}
	if !res.Degraded {
		t.Fatal("result must be marked degraded")
	}
	if !strings.Contains(res.Answer, "Photosynthesis") {
		t.Fatalf("degraded answer missing excerpts:\n%s", res.Answer)
	}
	if len(res.Citations) != 2 {
		t.Fatalf("citations = %+v", res.Citations)
	}
}

func TestProcessTurnTotalExhaustion(t *testing.T) {
	completer := &fakeCompleter{err: errors.New("rate limited")}
	svc := newTestService(completer, &fakeRetriever{err: errors.New("index offline")}, newFakeCache(), newFakeDocs("doc1"))

	_, err := svc.ProcessTurn(context.Background(), "chat1", "u1", "doc1", "question")
	if !errors.Is(err, ErrProviderUnavailable) {
		t.Fatalf("expected ErrProviderUnavailable, got %v", err)
	}
}

func TestProcessTurnMalformedResponseStillAnswers(t *testing.T) {
	completer := &fakeCompleter{response: "The document says photosynthesis happens in leaves, see page 2."}
	svc := newTestService(completer, &fakeRetriever{results: passages()}, newFakeCache(), newFakeDocs("doc1"))

	res, err := svc.ProcessTurn(context.Background(), "chat1", "u1", "doc1", "question")
	if err != nil {
		t.Fatalf("ProcessTurn: %v", err)
	}
	if res.Answer == "" {
		t.Fatal("answer must never be empty on a successful turn")
	}
}

func TestProcessTurnForeignChatRejected(t *testing.T) {
	completer := &fakeCompleter{response: `{"answer":"ok","citations":[]}`}
	cache := newFakeCache()
	cache.appendErr = convcache.ErrWrongUser
	svc := newTestService(completer, &fakeRetriever{results: passages()}, cache, newFakeDocs("doc1"))

	_, err := svc.ProcessTurn(context.Background(), "chat1", "mallory", "doc1", "question")
	if !errors.Is(err, ErrChatAccessDenied) {
		t.Fatalf("expected ErrChatAccessDenied, got %v", err)
	}
}

func TestProcessTurnCacheFailureCostsOnlyHistory(t *testing.T) {
	completer := &fakeCompleter{response: `{"answer":"ok","citations":[]}`}
	cache := newFakeCache()
	cache.getErr = errors.New("cache offline")
	svc := newTestService(completer, &fakeRetriever{results: passages()}, cache, newFakeDocs("doc1"))

	res, err := svc.ProcessTurn(context.Background(), "chat1", "u1", "doc1", "question")
	if err != nil {
		t.Fatalf("ProcessTurn: %v", err)
	}
	if res.Answer != "ok" {
		t.Fatalf("answer = %q", res.Answer)
	}
}

func TestIngestDocument(t *testing.T) {
	docs := newFakeDocs()
	svc := newTestService(&fakeCompleter{}, &fakeRetriever{}, newFakeCache(), docs)

	n, err := svc.IngestDocument(context.Background(), "doc1", "Biology", corpus(40), 1)
	if err != nil {
		t.Fatalf("IngestDocument: %v", err)
	}
	if n == 0 || len(docs.chunks["doc1"]) != n {
		t.Fatalf("stored %d chunks, reported %d", len(docs.chunks["doc1"]), n)
	}
	for _, ch := range docs.chunks["doc1"] {
		if len(ch.Embedding) == 0 {
			t.Fatalf("chunk %d missing embedding", ch.Index)
		}
	}
	if _, ok := docs.docs["doc1"]; !ok {
		t.Fatal("document record not stored")
	}
}

func TestIngestDocumentEmbeddingFailureStoresChunks(t *testing.T) {
	docs := newFakeDocs()
	svc := NewService(&fakeCompleter{}, &fakeEmbedder{err: errors.New("embeddings offline")},
		&fakeRetriever{}, newFakeCache(), docs, nil, Options{}, nil, nil)

	n, err := svc.IngestDocument(context.Background(), "doc1", "Biology", corpus(30), 1)
	if err != nil {
		t.Fatalf("IngestDocument: %v", err)
	}
	if n == 0 {
		t.Fatal("expected chunks stored despite embedding failure")
	}
	for _, ch := range docs.chunks["doc1"] {
		if len(ch.Embedding) != 0 {
			t.Fatal("chunks must be stored without vectors when embedding fails")
		}
	}
}

func TestIngestDocumentEmptyText(t *testing.T) {
	svc := newTestService(&fakeCompleter{}, &fakeRetriever{}, newFakeCache(), newFakeDocs())
	if _, err := svc.IngestDocument(context.Background(), "doc1", "t", "   ", 1); !errors.Is(err, ErrEmptyDocument) {
		t.Fatalf("expected ErrEmptyDocument, got %v", err)
	}
}
