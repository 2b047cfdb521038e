package ephemeral

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound   = errors.New("ephemeral: entry not found")
	ErrContention = errors.New("ephemeral: concurrent update retries exhausted")
)

// UpdateFunc transforms a stored payload. Returning del=true removes the
// entry; a non-nil err is still returned to the caller after the removal.
type UpdateFunc func(payload []byte) (next []byte, expiresAt time.Time, del bool, err error)

// Store keeps short-lived conversational state. Missing and expired keys
// both report ErrNotFound.
type Store interface {
	Save(ctx context.Context, key string, payload []byte, expiresAt time.Time) error
	Load(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, keys ...string) error
	Update(ctx context.Context, key string, fn UpdateFunc) error
	Sweep(ctx context.Context) (int64, error)
	Ping(ctx context.Context) error
}
