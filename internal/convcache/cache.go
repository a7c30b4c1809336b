// Package convcache keeps recent per-session conversation turns in memory,
// hydrated from and mirrored to durable storage. Durable storage stays
// authoritative; everything resident here is a speculative copy that can be
// evicted and re-hydrated at any time.
package convcache

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/mohammad-safakhou/docchat/internal/telemetry"
)

// ErrWrongUser reports a write against a chat owned by a different user.
// Reads hide foreign sessions; writes must refuse them outright so one user's
// turns can never land in another user's chat.
var ErrWrongUser = errors.New("chat belongs to a different user")

// Turn roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Turn is one message of a conversation, immutable once written.
type Turn struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Session is the durable metadata of a conversation.
type Session struct {
	ChatID     string
	UserID     string
	Title      string
	DocumentID string
	CreatedAt  time.Time
	LastActive time.Time
}

// Context is the resident conversation state handed to the orchestrator.
type Context struct {
	ChatID       string
	UserID       string
	DocumentID   string
	Turns        []Turn
	LastAccessed time.Time
}

// SessionStore is the durable conversation store. All cache writes through it
// are fire-and-forget: errors are logged by the cache, never surfaced.
type SessionStore interface {
	FetchSession(ctx context.Context, chatID, userID string) (Session, bool, error)
	FetchRecentTurns(ctx context.Context, chatID string, limit int) ([]Turn, error)
	CreateSession(ctx context.Context, sess Session) error
	AppendTurns(ctx context.Context, chatID string, turns []Turn) error
	TouchSession(ctx context.Context, chatID string) error
}

// Cache is the conversation-context cache consumed by the orchestrator.
type Cache interface {
	// Get returns the context for (chatID, userID), hydrating from durable
	// storage on a miss. A nil context with nil error means no such session.
	Get(ctx context.Context, chatID, userID string) (*Context, error)
	// Append records one user/assistant pair, creating the session durably
	// when it does not exist yet, and returns the updated context.
	Append(ctx context.Context, chatID, userID string, userTurn, assistantTurn Turn, documentID string) (*Context, error)
	// Start launches background maintenance; Stop halts it.
	Start()
	Stop()
}

// Options bounds the in-memory cache.
type Options struct {
	MaxMessagesPerChat int
	MaxSessions        int
	IdleTTL            time.Duration
	SweepInterval      time.Duration
}

// Normalize applies defaults for unset options.
func (o Options) Normalize() Options {
	if o.MaxMessagesPerChat <= 0 {
		o.MaxMessagesPerChat = 20
	}
	if o.MaxSessions <= 0 {
		o.MaxSessions = 1000
	}
	if o.IdleTTL <= 0 {
		o.IdleTTL = 30 * time.Minute
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = 5 * time.Minute
	}
	return o
}

type entry struct {
	userID       string
	documentID   string
	turns        []Turn
	lastAccessed time.Time
}

// MemoryCache is the in-process Cache implementation. One mutex guards the
// session map and every resident entry, so a reader can never observe a
// half-appended pair or more than MaxMessagesPerChat turns.
type MemoryCache struct {
	mu       sync.Mutex
	sessions map[string]*entry

	store  SessionStore
	opts   Options
	logger *log.Logger
	tele   *telemetry.Telemetry

	done chan struct{}
	wg   sync.WaitGroup
}

func NewMemoryCache(store SessionStore, opts Options, logger *log.Logger, tele *telemetry.Telemetry) *MemoryCache {
	if logger == nil {
		logger = log.New(log.Writer(), "[CACHE] ", log.LstdFlags)
	}
	return &MemoryCache{
		sessions: make(map[string]*entry),
		store:    store,
		opts:     opts.Normalize(),
		logger:   logger,
		tele:     tele,
		done:     make(chan struct{}),
	}
}

// Start launches the idle-eviction sweep.
func (c *MemoryCache) Start() {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.opts.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				c.sweep()
			case <-c.done:
				return
			}
		}
	}()
}

// Stop halts the sweep goroutine.
func (c *MemoryCache) Stop() {
	close(c.done)
	c.wg.Wait()
}

func (c *MemoryCache) Get(ctx context.Context, chatID, userID string) (*Context, error) {
	c.mu.Lock()
	if e, ok := c.sessions[chatID]; ok && e.userID == userID {
		e.lastAccessed = time.Now()
		snap := c.snapshot(chatID, e)
		c.mu.Unlock()
		if c.tele != nil {
			c.tele.CacheHits.Inc()
		}
		return snap, nil
	}
	c.mu.Unlock()
	if c.tele != nil {
		c.tele.CacheMisses.Inc()
	}

	e, ok, err := c.hydrate(ctx, chatID, userID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	c.mu.Lock()
	c.admit(chatID, e)
	snap := c.snapshot(chatID, c.sessions[chatID])
	c.mu.Unlock()
	return snap, nil
}

// hydrate fetches session metadata and the most recent turns from durable
// storage. The store is queried outside the cache lock.
func (c *MemoryCache) hydrate(ctx context.Context, chatID, userID string) (*entry, bool, error) {
	sess, ok, err := c.store.FetchSession(ctx, chatID, userID)
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}
	turns, err := c.store.FetchRecentTurns(ctx, chatID, c.opts.MaxMessagesPerChat)
	if err != nil {
		return nil, false, err
	}
	return &entry{
		userID:       userID,
		documentID:   sess.DocumentID,
		turns:        turns,
		lastAccessed: time.Now(),
	}, true, nil
}

func (c *MemoryCache) Append(ctx context.Context, chatID, userID string, userTurn, assistantTurn Turn, documentID string) (*Context, error) {
	created := false
	c.mu.Lock()
	e, resident := c.sessions[chatID]
	c.mu.Unlock()

	if resident && e.userID != userID {
		return nil, fmt.Errorf("%w: %s", ErrWrongUser, chatID)
	}

	if !resident {
		var ok bool
		var err error
		e, ok, err = c.hydrate(ctx, chatID, userID)
		if err != nil {
			c.logger.Printf("hydrating session %s failed, starting empty context: %v", chatID, err)
			e = &entry{userID: userID, documentID: documentID, lastAccessed: time.Now()}
		} else if !ok {
			title := deriveTitle(userTurn.Content)
			if err := c.store.CreateSession(ctx, Session{
				ChatID:     chatID,
				UserID:     userID,
				Title:      title,
				DocumentID: documentID,
				CreatedAt:  time.Now(),
				LastActive: time.Now(),
			}); err != nil {
				if errors.Is(err, ErrWrongUser) {
					return nil, err
				}
				c.logger.Printf("creating session %s failed: %v", chatID, err)
			}
			e = &entry{userID: userID, documentID: documentID, lastAccessed: time.Now()}
			created = true
		}
	}

	c.mu.Lock()
	if cur, ok := c.sessions[chatID]; ok {
		if cur.userID != userID {
			c.mu.Unlock()
			return nil, fmt.Errorf("%w: %s", ErrWrongUser, chatID)
		}
		e = cur
	} else {
		c.admit(chatID, e)
		e = c.sessions[chatID]
	}
	// Both turns land under one critical section so no reader sees a
	// half-appended pair.
	e.turns = append(e.turns, userTurn, assistantTurn)
	if over := len(e.turns) - c.opts.MaxMessagesPerChat; over > 0 {
		e.turns = append(e.turns[:0:0], e.turns[over:]...)
	}
	if documentID != "" {
		e.documentID = documentID
	}
	e.lastAccessed = time.Now()
	snap := c.snapshot(chatID, e)
	c.mu.Unlock()

	// Durable mirror is fire-and-forget: the in-memory context is already
	// authoritative for the response being produced.
	if err := c.store.AppendTurns(ctx, chatID, []Turn{userTurn, assistantTurn}); err != nil {
		c.logger.Printf("persisting turns for session %s failed: %v", chatID, err)
	}
	if !created {
		if err := c.store.TouchSession(ctx, chatID); err != nil {
			c.logger.Printf("touching session %s failed: %v", chatID, err)
		}
	}
	return snap, nil
}

// admit inserts an entry, evicting the oldest tenth by lastAccessed when the
// resident ceiling is reached. Eviction only discards speculative copies.
func (c *MemoryCache) admit(chatID string, e *entry) {
	if _, ok := c.sessions[chatID]; !ok && len(c.sessions) >= c.opts.MaxSessions {
		type aged struct {
			id string
			at time.Time
		}
		all := make([]aged, 0, len(c.sessions))
		for id, se := range c.sessions {
			all = append(all, aged{id, se.lastAccessed})
		}
		sort.Slice(all, func(i, j int) bool { return all[i].at.Before(all[j].at) })
		n := c.opts.MaxSessions / 10
		if n < 1 {
			n = 1
		}
		for i := 0; i < n && i < len(all); i++ {
			delete(c.sessions, all[i].id)
			if c.tele != nil {
				c.tele.CacheEvictions.WithLabelValues("capacity").Inc()
			}
		}
		c.logger.Printf("capacity eviction removed %d sessions", n)
	}
	c.sessions[chatID] = e
}

// sweep removes sessions idle past the TTL. It snapshots access times first
// so in-flight requests are not blocked for the scan's duration.
func (c *MemoryCache) sweep() {
	type aged struct {
		id string
		at time.Time
	}
	c.mu.Lock()
	snapshot := make([]aged, 0, len(c.sessions))
	for id, e := range c.sessions {
		snapshot = append(snapshot, aged{id, e.lastAccessed})
	}
	c.mu.Unlock()

	cutoff := time.Now().Add(-c.opts.IdleTTL)
	var stale []string
	for _, a := range snapshot {
		if a.at.Before(cutoff) {
			stale = append(stale, a.id)
		}
	}
	if len(stale) == 0 {
		return
	}

	c.mu.Lock()
	removed := 0
	for _, id := range stale {
		if e, ok := c.sessions[id]; ok && e.lastAccessed.Before(cutoff) {
			delete(c.sessions, id)
			removed++
			if c.tele != nil {
				c.tele.CacheEvictions.WithLabelValues("idle").Inc()
			}
		}
	}
	c.mu.Unlock()
	if removed > 0 {
		c.logger.Printf("idle eviction removed %d sessions", removed)
	}
}

// snapshot copies an entry so callers never alias the resident turn slice.
// Callers must hold the mutex.
func (c *MemoryCache) snapshot(chatID string, e *entry) *Context {
	turns := make([]Turn, len(e.turns))
	copy(turns, e.turns)
	return &Context{
		ChatID:       chatID,
		UserID:       e.userID,
		DocumentID:   e.documentID,
		Turns:        turns,
		LastAccessed: e.lastAccessed,
	}
}

// deriveTitle builds a session title from the first user message, cut at a
// word boundary. Truncation counts runes so multibyte text is never split
// mid-character.
func deriveTitle(message string) string {
	const maxTitle = 60
	title := message
	if r := []rune(title); len(r) > maxTitle {
		title = string(r[:maxTitle])
		if i := lastSpace(title); i > len(title)/2 {
			title = title[:i]
		}
	}
	if title == "" {
		title = "New conversation"
	}
	return title
}

func lastSpace(s string) int {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == ' ' {
			return i
		}
	}
	return -1
}
