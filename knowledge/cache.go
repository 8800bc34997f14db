package knowledge

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"kbase_back/cache"
)

const retrievalCacheTTL = 2 * time.Minute

// retrievalCache is a read-through Redis cache for retrieval contexts. It
// is strictly optional: a nil cache (Redis absent or disabled) makes every
// lookup a miss and every store a no-op, and ingestion never touches it.
type retrievalCache struct {
	ttl time.Duration
}

func newRetrievalCacheFromEnv() *retrievalCache {
	if strings.EqualFold(strings.TrimSpace(os.Getenv("KNOWLEDGE_CACHE_DISABLED")), "true") {
		return nil
	}
	if !cache.Enabled() {
		return nil
	}
	return &retrievalCache{ttl: retrievalCacheTTL}
}

func retrievalCacheKey(baseID uint64, query string, opts RetrieveOptions) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%d|%s|%d|%g|%d|%g", baseID, query, opts.TopK, opts.MinScore, opts.MaxTokens, opts.DiversityThreshold)))
	return "knowledge:retrieval:" + hex.EncodeToString(sum[:])
}

func (c *retrievalCache) get(ctx context.Context, baseID uint64, query string, opts RetrieveOptions) (*Context, bool) {
	if c == nil {
		return nil, false
	}
	var cached Context
	found, err := cache.GetJSON(ctx, retrievalCacheKey(baseID, query, opts), &cached)
	if err != nil {
		log.Printf("knowledge: retrieval cache read: %v", err)
		return nil, false
	}
	if !found {
		return nil, false
	}
	return &cached, true
}

func (c *retrievalCache) set(ctx context.Context, baseID uint64, query string, opts RetrieveOptions, value *Context) {
	if c == nil || value == nil {
		return
	}
	if err := cache.SetJSON(ctx, retrievalCacheKey(baseID, query, opts), value, c.ttl); err != nil {
		log.Printf("knowledge: retrieval cache write: %v", err)
	}
}
