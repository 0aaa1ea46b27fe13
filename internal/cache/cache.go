// Package cache provides the shared read-through cache used for verified
// identities and query embeddings. Backends: Redis (production) and an
// in-memory map (local dev, tests).
//
// Cache failures never fail a request: the JSON helpers log and degrade to
// a miss, so callers fall back to the authoritative source.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"time"

	"github.com/rs/zerolog/log"
)

// DefaultTTL is the expiry applied to identity and embedding entries.
const DefaultTTL = 30 * time.Minute

// ErrMiss is returned by Get when the key is absent or expired.
var ErrMiss = errors.New("cache: miss")

// Cache is a byte-oriented key/value store with per-entry TTL.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Close() error
}

// TokenKey returns the cache key holding the verified identity for a raw
// bearer token.
func TokenKey(raw string) string {
	return "token:" + raw
}

// EmbeddingKey returns the cache key holding the query embedding of prompt
// under model. The prompt is hashed so arbitrary text maps to a bounded key.
func EmbeddingKey(model, prompt string) string {
	sum := sha256.Sum256([]byte(prompt))
	return "emb:" + model + ":" + hex.EncodeToString(sum[:])
}

// GetJSON fetches key and unmarshals it into v. It reports false on a miss
// and on any cache failure; failures are logged so a degraded cache reads
// as a miss rather than an error.
func GetJSON(ctx context.Context, c Cache, key string, v any) bool {
	data, err := c.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, ErrMiss) {
			log.Warn().Err(err).Str("key", key).Msg("Cache get failed, treating as miss")
		}
		return false
	}
	if err := json.Unmarshal(data, v); err != nil {
		log.Warn().Err(err).Str("key", key).Msg("Cache entry corrupt, treating as miss")
		return false
	}
	return true
}

// PutJSON stores v under key with the given TTL. Failures are logged and
// dropped.
func PutJSON(ctx context.Context, c Cache, key string, v any, ttl time.Duration) {
	data, err := json.Marshal(v)
	if err != nil {
		log.Warn().Err(err).Str("key", key).Msg("Cache marshal failed, skipping put")
		return
	}
	if err := c.Set(ctx, key, data, ttl); err != nil {
		log.Warn().Err(err).Str("key", key).Msg("Cache set failed, skipping put")
	}
}
