package cache

import (
	"context"
	"time"
)

// Cache is a small JSON value cache for read-mostly lookups (summary listings), separate
// from the write-behind document cache.
type Cache interface {
	GetJSON(ctx context.Context, key string, dst any) (hit bool, err error)
	SetJSON(ctx context.Context, key string, val any, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error
}

// SummaryListKey namespaces one user's summary listing.
func SummaryListKey(email string) string {
	return "summaries:" + email
}
