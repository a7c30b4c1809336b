package convcache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mohammad-safakhou/docchat/internal/telemetry"
)

// RedisCache is a Cache backed by Redis, for deployments where several
// replicas must share resident contexts. Idle eviction is delegated to key
// TTLs, so Start/Stop are no-ops; durable storage stays authoritative exactly
// as with MemoryCache.
type RedisCache struct {
	client *redis.Client
	store  SessionStore
	opts   Options
	logger *log.Logger
	tele   *telemetry.Telemetry
}

func NewRedisCache(client *redis.Client, store SessionStore, opts Options, logger *log.Logger, tele *telemetry.Telemetry) *RedisCache {
	if logger == nil {
		logger = log.New(log.Writer(), "[CACHE] ", log.LstdFlags)
	}
	return &RedisCache{client: client, store: store, opts: opts.Normalize(), logger: logger, tele: tele}
}

func (c *RedisCache) Start() {}
func (c *RedisCache) Stop()  {}

func key(chatID string) string { return fmt.Sprintf("docchat:context:%s", chatID) }

func (c *RedisCache) Get(ctx context.Context, chatID, userID string) (*Context, error) {
	if cc, ok := c.load(ctx, chatID); ok {
		if cc.UserID != userID {
			return nil, nil
		}
		if c.tele != nil {
			c.tele.CacheHits.Inc()
		}
		cc.LastAccessed = time.Now()
		c.save(ctx, cc)
		return cc, nil
	}
	if c.tele != nil {
		c.tele.CacheMisses.Inc()
	}

	sess, ok, err := c.store.FetchSession(ctx, chatID, userID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	turns, err := c.store.FetchRecentTurns(ctx, chatID, c.opts.MaxMessagesPerChat)
	if err != nil {
		return nil, err
	}
	cc := &Context{
		ChatID:       chatID,
		UserID:       userID,
		DocumentID:   sess.DocumentID,
		Turns:        turns,
		LastAccessed: time.Now(),
	}
	c.save(ctx, cc)
	return cc, nil
}

func (c *RedisCache) Append(ctx context.Context, chatID, userID string, userTurn, assistantTurn Turn, documentID string) (*Context, error) {
	cc, cached := c.load(ctx, chatID)
	if cached && cc.UserID != userID {
		return nil, fmt.Errorf("%w: %s", ErrWrongUser, chatID)
	}
	if !cached {
		var err error
		cc, err = c.Get(ctx, chatID, userID)
		if err != nil {
			c.logger.Printf("hydrating session %s failed, starting empty context: %v", chatID, err)
			cc = nil
		}
		if cc == nil {
			if err := c.store.CreateSession(ctx, Session{
				ChatID:     chatID,
				UserID:     userID,
				Title:      deriveTitle(userTurn.Content),
				DocumentID: documentID,
				CreatedAt:  time.Now(),
				LastActive: time.Now(),
			}); err != nil {
				if errors.Is(err, ErrWrongUser) {
					return nil, err
				}
				c.logger.Printf("creating session %s failed: %v", chatID, err)
			}
			cc = &Context{ChatID: chatID, UserID: userID, DocumentID: documentID}
		}
	}

	cc.Turns = append(cc.Turns, userTurn, assistantTurn)
	if over := len(cc.Turns) - c.opts.MaxMessagesPerChat; over > 0 {
		cc.Turns = cc.Turns[over:]
	}
	if documentID != "" {
		cc.DocumentID = documentID
	}
	cc.LastAccessed = time.Now()
	c.save(ctx, cc)

	if err := c.store.AppendTurns(ctx, chatID, []Turn{userTurn, assistantTurn}); err != nil {
		c.logger.Printf("persisting turns for session %s failed: %v", chatID, err)
	}
	if err := c.store.TouchSession(ctx, chatID); err != nil {
		c.logger.Printf("touching session %s failed: %v", chatID, err)
	}
	return cc, nil
}

// load returns whatever context is cached for chatID; callers compare the
// owner themselves, since reads and writes treat a mismatch differently.
func (c *RedisCache) load(ctx context.Context, chatID string) (*Context, bool) {
	val, err := c.client.Get(ctx, key(chatID)).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.logger.Printf("redis get for session %s failed: %v", chatID, err)
		}
		return nil, false
	}
	var cc Context
	if err := json.Unmarshal([]byte(val), &cc); err != nil {
		c.logger.Printf("corrupt cached context for session %s: %v", chatID, err)
		return nil, false
	}
	return &cc, true
}

// save mirrors the context into Redis; failures degrade to re-hydration on
// the next turn, so they are only logged.
func (c *RedisCache) save(ctx context.Context, cc *Context) {
	data, err := json.Marshal(cc)
	if err != nil {
		c.logger.Printf("marshaling context for session %s failed: %v", cc.ChatID, err)
		return
	}
	if err := c.client.Set(ctx, key(cc.ChatID), data, c.opts.IdleTTL).Err(); err != nil {
		c.logger.Printf("redis set for session %s failed: %v", cc.ChatID, err)
	}
}
