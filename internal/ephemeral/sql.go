package ephemeral

import (
	"context"
	"errors"
	"time"

	"enxero/internal/store"
)

// SQLStore keeps entries in the credential database's ephemeral_entries
// table. Expired rows are hidden on read and removed by Sweep.
type SQLStore struct {
	st  *store.Store
	now func() time.Time
}

func NewSQLStore(st *store.Store, now func() time.Time) *SQLStore {
	if now == nil {
		now = time.Now
	}
	return &SQLStore{st: st, now: now}
}

func (s *SQLStore) Save(ctx context.Context, key string, payload []byte, expiresAt time.Time) error {
	return s.st.PutEphemeral(ctx, key, string(payload), expiresAt)
}

func (s *SQLStore) Load(ctx context.Context, key string) ([]byte, error) {
	payload, _, err := s.st.GetEphemeral(ctx, key, s.now())
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return []byte(payload), nil
}

func (s *SQLStore) Delete(ctx context.Context, keys ...string) error {
	for _, k := range keys {
		if err := s.st.DeleteEphemeral(ctx, k); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLStore) Update(ctx context.Context, key string, fn UpdateFunc) error {
	err := s.st.UpdateEphemeral(ctx, key, s.now(), func(payload string) (string, time.Time, bool, error) {
		next, expiresAt, del, err := fn([]byte(payload))
		return string(next), expiresAt, del, err
	})
	if errors.Is(err, store.ErrNotFound) {
		return ErrNotFound
	}
	return err
}

func (s *SQLStore) Sweep(ctx context.Context) (int64, error) {
	return s.st.DeleteExpiredEphemeral(ctx, s.now())
}

func (s *SQLStore) Ping(ctx context.Context) error {
	return s.st.Ping(ctx)
}
