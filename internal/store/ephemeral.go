package store

import (
	"context"
	"database/sql"
	"time"
)

// Ephemeral entries back the SQL session store when Redis is not in use.

func (s *Store) PutEphemeral(ctx context.Context, key, payload string, expiresAt time.Time) error {
	return s.WithTx(ctx, func(tx *Store) error {
		if _, err := tx.exec(ctx, `DELETE FROM ephemeral_entries WHERE entry_key=?`, key); err != nil {
			return err
		}
		_, err := tx.exec(ctx,
			`INSERT INTO ephemeral_entries(entry_key,payload,expires_at) VALUES(?,?,?)`,
			key, payload, ts(expiresAt),
		)
		return err
	})
}

// GetEphemeral returns ErrNotFound for missing or expired entries; expired
// rows are deleted on the way out.
func (s *Store) GetEphemeral(ctx context.Context, key string, now time.Time) (string, time.Time, error) {
	var payload string
	var expiresAt time.Time
	err := s.queryRow(ctx, `SELECT payload,expires_at FROM ephemeral_entries WHERE entry_key=?`, key).Scan(&payload, &expiresAt)
	if err == sql.ErrNoRows {
		return "", time.Time{}, ErrNotFound
	}
	if err != nil {
		return "", time.Time{}, err
	}
	if !now.Before(expiresAt) {
		_, _ = s.exec(ctx, `DELETE FROM ephemeral_entries WHERE entry_key=? AND expires_at <= ?`, key, ts(now))
		return "", time.Time{}, ErrNotFound
	}
	return payload, expiresAt.UTC(), nil
}

func (s *Store) DeleteEphemeral(ctx context.Context, key string) error {
	_, err := s.exec(ctx, `DELETE FROM ephemeral_entries WHERE entry_key=?`, key)
	return err
}

// UpdateEphemeral reads, transforms and writes an entry in one transaction.
// When fn asks for deletion the entry is removed and fn's error, if any, is
// returned after the delete commits.
func (s *Store) UpdateEphemeral(ctx context.Context, key string, now time.Time, fn func(payload string) (next string, expiresAt time.Time, del bool, err error)) error {
	var deferred error
	err := s.WithTx(ctx, func(tx *Store) error {
		var payload string
		var expiresAt time.Time
		err := tx.queryRow(ctx, `SELECT payload,expires_at FROM ephemeral_entries WHERE entry_key=?`+tx.forUpdate(), key).Scan(&payload, &expiresAt)
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		if !now.Before(expiresAt) {
			deferred = ErrNotFound
			_, err := tx.exec(ctx, `DELETE FROM ephemeral_entries WHERE entry_key=?`, key)
			return err
		}
		next, nextExpiry, del, fnErr := fn(payload)
		if del {
			deferred = fnErr
			_, err := tx.exec(ctx, `DELETE FROM ephemeral_entries WHERE entry_key=?`, key)
			return err
		}
		if fnErr != nil {
			return fnErr
		}
		_, err = tx.exec(ctx, `UPDATE ephemeral_entries SET payload=?, expires_at=? WHERE entry_key=?`, next, ts(nextExpiry), key)
		return err
	})
	if err != nil {
		return err
	}
	return deferred
}

func (s *Store) DeleteExpiredEphemeral(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.exec(ctx, `DELETE FROM ephemeral_entries WHERE expires_at <= ?`, ts(before))
	if err != nil {
		return 0, err
	}
	return rowsAffected(res)
}
