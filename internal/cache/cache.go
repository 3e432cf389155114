package cache

import (
	"context"
	"time"
)

// BytesCache — минимальный байтовый кэш (best-effort, может отсутствовать).
type BytesCache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}
