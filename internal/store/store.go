// Package store is the durable Postgres layer: documents and their chunks on
// the retrieval side, sessions and messages on the conversation side.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/lib/pq"

	"github.com/mohammad-safakhou/docchat/internal/chunker"
	"github.com/mohammad-safakhou/docchat/internal/convcache"
	"github.com/mohammad-safakhou/docchat/internal/retrieval"
)

type Store struct {
	DB *sql.DB
}

// NewWithDSN constructs the Store using an explicit Postgres DSN.
func NewWithDSN(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, err
	}
	return &Store{DB: db}, nil
}

func (s *Store) Close() error { return s.DB.Close() }

// DocumentRecord is the durable metadata of an ingested document.
type DocumentRecord struct {
	ID        string
	Title     string
	PageCount int
	CreatedAt time.Time
}

// Document operations

func (s *Store) UpsertDocument(ctx context.Context, rec DocumentRecord) error {
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO documents (id, title, page_count, created_at)
		VALUES ($1,$2,$3,NOW())
		ON CONFLICT (id) DO UPDATE SET title = EXCLUDED.title, page_count = EXCLUDED.page_count`,
		rec.ID, rec.Title, rec.PageCount)
	if err != nil {
		return fmt.Errorf("failed to upsert document: %w", err)
	}
	return nil
}

func (s *Store) GetDocument(ctx context.Context, id string) (DocumentRecord, bool, error) {
	var rec DocumentRecord
	err := s.DB.QueryRowContext(ctx, `
		SELECT id, title, page_count, created_at FROM documents WHERE id = $1`, id).
		Scan(&rec.ID, &rec.Title, &rec.PageCount, &rec.CreatedAt)
	if err == sql.ErrNoRows {
		return DocumentRecord{}, false, nil
	}
	if err != nil {
		return DocumentRecord{}, false, err
	}
	return rec, true, nil
}

// ReplaceChunks swaps a document's chunk set atomically, so re-ingestion never
// leaves a mix of old and new chunks behind.
func (s *Store) ReplaceChunks(ctx context.Context, documentID string, chunks []chunker.Chunk) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM chunks WHERE document_id = $1`, documentID); err != nil {
		return fmt.Errorf("failed to clear chunks: %w", err)
	}
	for _, ch := range chunks {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO chunks (document_id, idx, text, page, start_char, end_char, embedding, estimation_method, confidence)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
			documentID, ch.Index, ch.Text, ch.Page, ch.StartChar, ch.EndChar,
			pq.Array(ch.Embedding), string(ch.EstimationMethod), string(ch.Confidence))
		if err != nil {
			return fmt.Errorf("failed to insert chunk %d: %w", ch.Index, err)
		}
	}
	return tx.Commit()
}

// ListChunks returns all chunks of a document in index order.
func (s *Store) ListChunks(ctx context.Context, documentID string) ([]chunker.Chunk, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT idx, text, page, start_char, end_char, embedding, estimation_method, confidence
		FROM chunks WHERE document_id = $1 ORDER BY idx`, documentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []chunker.Chunk
	for rows.Next() {
		ch := chunker.Chunk{DocumentID: documentID}
		var emb pq.Float64Array
		var method, conf string
		if err := rows.Scan(&ch.Index, &ch.Text, &ch.Page, &ch.StartChar, &ch.EndChar, &emb, &method, &conf); err != nil {
			return nil, err
		}
		ch.Embedding = []float64(emb)
		ch.EstimationMethod = chunker.EstimationMethod(method)
		ch.Confidence = chunker.Confidence(conf)
		out = append(out, ch)
	}
	return out, rows.Err()
}

// QueryChunks scores a document's chunks against the query vector by cosine
// similarity and returns the top k at or above the floor. Embeddings live in
// plain double precision arrays, so scoring happens here rather than in SQL.
func (s *Store) QueryChunks(ctx context.Context, documentID string, vector []float64, k int, floor float64) ([]retrieval.Result, error) {
	chunks, err := s.ListChunks(ctx, documentID)
	if err != nil {
		return nil, err
	}
	var results []retrieval.Result
	for _, ch := range chunks {
		if len(ch.Embedding) == 0 {
			continue
		}
		sim := cosine(vector, ch.Embedding)
		if sim < floor {
			continue
		}
		results = append(results, retrieval.Result{Chunk: ch, Similarity: sim})
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].Similarity != results[j].Similarity {
			return results[i].Similarity > results[j].Similarity
		}
		return results[i].Chunk.Index < results[j].Chunk.Index
	})
	if len(results) > k {
		results = results[:k]
	}
	return results, nil
}

func cosine(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// Session operations, implementing the conversation cache's durable store.

func (s *Store) FetchSession(ctx context.Context, chatID, userID string) (convcache.Session, bool, error) {
	var sess convcache.Session
	err := s.DB.QueryRowContext(ctx, `
		SELECT chat_id, user_id, title, COALESCE(document_id, ''), created_at, last_active
		FROM sessions WHERE chat_id = $1 AND user_id = $2`, chatID, userID).
		Scan(&sess.ChatID, &sess.UserID, &sess.Title, &sess.DocumentID, &sess.CreatedAt, &sess.LastActive)
	if err == sql.ErrNoRows {
		return convcache.Session{}, false, nil
	}
	if err != nil {
		return convcache.Session{}, false, err
	}
	return sess, true, nil
}

// FetchRecentTurns returns the most recent turns in chronological order.
func (s *Store) FetchRecentTurns(ctx context.Context, chatID string, limit int) ([]convcache.Turn, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT role, content, created_at FROM messages
		WHERE chat_id = $1 ORDER BY id DESC LIMIT $2`, chatID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var turns []convcache.Turn
	for rows.Next() {
		var t convcache.Turn
		if err := rows.Scan(&t.Role, &t.Content, &t.Timestamp); err != nil {
			return nil, err
		}
		turns = append(turns, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i, j := 0, len(turns)-1; i < j; i, j = i+1, j-1 {
		turns[i], turns[j] = turns[j], turns[i]
	}
	return turns, nil
}

func (s *Store) CreateSession(ctx context.Context, sess convcache.Session) error {
	var docID any
	if sess.DocumentID != "" {
		docID = sess.DocumentID
	}
	res, err := s.DB.ExecContext(ctx, `
		INSERT INTO sessions (chat_id, user_id, title, document_id, created_at, last_active)
		VALUES ($1,$2,$3,$4,NOW(),NOW())
		ON CONFLICT (chat_id) DO NOTHING`,
		sess.ChatID, sess.UserID, sess.Title, docID)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	// A conflicted insert is only idempotent when the existing session belongs
	// to the same user; a foreign owner must be reported, never silently kept.
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		var owner string
		if err := s.DB.QueryRowContext(ctx,
			`SELECT user_id FROM sessions WHERE chat_id = $1`, sess.ChatID).Scan(&owner); err != nil {
			return fmt.Errorf("failed to check session owner: %w", err)
		}
		if owner != sess.UserID {
			return fmt.Errorf("%w: %s", convcache.ErrWrongUser, sess.ChatID)
		}
	}
	return nil
}

func (s *Store) AppendTurns(ctx context.Context, chatID string, turns []convcache.Turn) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for _, t := range turns {
		ts := t.Timestamp
		if ts.IsZero() {
			ts = time.Now()
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO messages (chat_id, role, content, created_at)
			VALUES ($1,$2,$3,$4)`, chatID, t.Role, t.Content, ts); err != nil {
			return fmt.Errorf("failed to append turn: %w", err)
		}
	}
	return tx.Commit()
}

func (s *Store) TouchSession(ctx context.Context, chatID string) error {
	_, err := s.DB.ExecContext(ctx, `UPDATE sessions SET last_active = NOW() WHERE chat_id = $1`, chatID)
	return err
}
