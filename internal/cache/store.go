package cache

import (
	"context"
	"time"
)

// Store is the key/value contract every soft-state component depends on.
// Values are JSON encoded by the backend. A miss is (false, nil); a non-nil
// error always means the backend could not be reached or the value could not
// be decoded.
type Store interface {
	Get(ctx context.Context, key string, dst any) (bool, error)
	Put(ctx context.Context, key string, value any, ttl time.Duration) error
	// Forget deletes key and reports whether it existed.
	Forget(ctx context.Context, key string) (bool, error)
	// Scan lists live keys starting with prefix. Backends that cannot list
	// keys return ErrScanUnsupported.
	Scan(ctx context.Context, prefix string) ([]string, error)
}

// Tagger is implemented by backends that can evict a group of keys at once.
type Tagger interface {
	PutTagged(ctx context.Context, tags []string, key string, value any, ttl time.Duration) error
	FlushTag(ctx context.Context, tag string) error
}

// Has reports whether key holds a live value.
func Has(ctx context.Context, s Store, key string) (bool, error) {
	var raw any
	return s.Get(ctx, key, &raw)
}
