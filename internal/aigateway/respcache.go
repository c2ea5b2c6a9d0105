package aigateway

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

const (
	// maxQueryBytes caps the serialized query a cache key may be built from
	maxQueryBytes = 1 << 20

	promptCacheTTL = time.Hour
)

var typePattern = regexp.MustCompile(`^[a-z_]+$`)

// promptTypes is the whitelist for the prompt cache
var promptTypes = map[string]bool{
	"system_prompt":    true,
	"agent_prompt":     true,
	"market_data":      true,
	"strategy_context": true,
}

// cachedEntry is the stored blob; a valid entry carries the response text
type cachedEntry struct {
	Response string    `json:"response"`
	Result   string    `json:"result,omitempty"`
	CachedAt time.Time `json:"cached_at"`
}

// text returns whichever of response/result is set
func (e *cachedEntry) text() (string, bool) {
	if e.Response != "" {
		return e.Response, true
	}
	if e.Result != "" {
		return e.Result, true
	}
	return "", false
}

// cacheKey builds ai:response:{type}:{sha256(type + canonical(query))}.
// canonical(query) is JSON with sorted object keys, which encoding/json
// produces for maps.
func cacheKey(typ string, query any) (string, error) {
	if !typePattern.MatchString(typ) {
		return "", fmt.Errorf("invalid cache type %q", typ)
	}

	serialized, err := json.Marshal(query)
	if err != nil {
		return "", fmt.Errorf("serialize cache query: %w", err)
	}
	if len(serialized) > maxQueryBytes {
		return "", fmt.Errorf("cache query too large: %d bytes", len(serialized))
	}

	sum := sha256.Sum256(append([]byte(typ), serialized...))
	return fmt.Sprintf("ai:response:%s:%s", typ, hex.EncodeToString(sum[:])), nil
}

// ResponseCache stores whole LLM responses keyed by response type and query
type ResponseCache struct {
	client *redis.Client
}

// NewResponseCache creates the response cache
func NewResponseCache(client *redis.Client) *ResponseCache {
	return &ResponseCache{client: client}
}

// Get returns a cached response for (responseType, query), if valid.
// Corrupt entries are deleted on read.
func (c *ResponseCache) Get(ctx context.Context, responseType ResponseType, query any) (string, bool) {
	if _, ok := responseTTLs[responseType]; !ok {
		return "", false
	}

	key, err := cacheKey(string(responseType), query)
	if err != nil {
		log.Debug().Err(err).Msg("Response cache key rejected")
		return "", false
	}

	raw, err := c.client.Get(ctx, key).Result()
	if err != nil {
		if err != redis.Nil {
			log.Debug().Err(err).Str("key", key).Msg("Response cache read error")
		}
		return "", false
	}

	var entry cachedEntry
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		log.Warn().Str("key", key).Msg("Corrupt response cache entry deleted")
		c.client.Del(ctx, key)
		return "", false
	}
	text, ok := entry.text()
	if !ok {
		log.Warn().Str("key", key).Msg("Response cache entry missing response, deleted")
		c.client.Del(ctx, key)
		return "", false
	}
	return text, true
}

// Set stores a response under the type's TTL
func (c *ResponseCache) Set(ctx context.Context, responseType ResponseType, query any, response string) error {
	ttl, ok := responseTTLs[responseType]
	if !ok {
		return fmt.Errorf("unknown response type %q", responseType)
	}

	key, err := cacheKey(string(responseType), query)
	if err != nil {
		return err
	}

	payload, err := json.Marshal(cachedEntry{Response: response, CachedAt: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("marshal cache entry: %w", err)
	}

	if err := c.client.Set(ctx, key, payload, ttl).Err(); err != nil {
		return fmt.Errorf("write response cache %s: %w", key, err)
	}
	return nil
}

// PromptCache stores rendered prompt fragments so long system prompts are
// not rebuilt per call. It never short-circuits inference.
type PromptCache struct {
	client *redis.Client
}

// NewPromptCache creates the prompt cache
func NewPromptCache(client *redis.Client) *PromptCache {
	return &PromptCache{client: client}
}

// Get returns a cached prompt fragment
func (c *PromptCache) Get(ctx context.Context, promptType string, query any) (string, bool) {
	if !promptTypes[promptType] {
		return "", false
	}

	key, err := cacheKey(promptType, query)
	if err != nil {
		return "", false
	}

	raw, err := c.client.Get(ctx, key).Result()
	if err != nil {
		return "", false
	}
	return raw, true
}

// Set stores a prompt fragment for an hour
func (c *PromptCache) Set(ctx context.Context, promptType string, query any, prompt string) error {
	if !promptTypes[promptType] {
		return fmt.Errorf("unknown prompt type %q", promptType)
	}

	key, err := cacheKey(promptType, query)
	if err != nil {
		return err
	}
	if err := c.client.Set(ctx, key, prompt, promptCacheTTL).Err(); err != nil {
		return fmt.Errorf("write prompt cache %s: %w", key, err)
	}
	return nil
}
