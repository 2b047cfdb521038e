package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"enxero/internal/models"
)

func (s *Store) CreateUserSession(ctx context.Context, sess models.UserSession) (models.UserSession, error) {
	if sess.ID == "" {
		sess.ID = uuid.NewString()
	}
	sess.CreatedAt = ts(sess.CreatedAt)
	sess.ExpiresAt = ts(sess.ExpiresAt)
	_, err := s.exec(ctx,
		`INSERT INTO user_sessions(id,user_id,company_id,refresh_token_hash,ip,user_agent,expires_at,created_at) VALUES(?,?,?,?,?,?,?,?)`,
		sess.ID, sess.UserID, sess.CompanyID, sess.RefreshTokenHash, emptyAsNull(sess.IP), emptyAsNull(sess.UserAgent), sess.ExpiresAt, sess.CreatedAt,
	)
	if err != nil {
		return models.UserSession{}, err
	}
	return sess, nil
}

func (s *Store) GetUserSessionByHash(ctx context.Context, hash string) (models.UserSession, error) {
	var sess models.UserSession
	var ip, ua sql.NullString
	err := s.queryRow(ctx,
		`SELECT id,user_id,company_id,refresh_token_hash,ip,user_agent,expires_at,created_at FROM user_sessions WHERE refresh_token_hash=?`,
		hash,
	).Scan(&sess.ID, &sess.UserID, &sess.CompanyID, &sess.RefreshTokenHash, &ip, &ua, &sess.ExpiresAt, &sess.CreatedAt)
	if err == sql.ErrNoRows {
		return models.UserSession{}, ErrNotFound
	}
	if err != nil {
		return models.UserSession{}, err
	}
	sess.IP = ip.String
	sess.UserAgent = ua.String
	sess.ExpiresAt = sess.ExpiresAt.UTC()
	sess.CreatedAt = sess.CreatedAt.UTC()
	return sess, nil
}

// DeleteUserSessionByHash reports how many rows it removed so a caller can
// use the delete as a claim on the session.
func (s *Store) DeleteUserSessionByHash(ctx context.Context, hash string) (int64, error) {
	res, err := s.exec(ctx, `DELETE FROM user_sessions WHERE refresh_token_hash=?`, hash)
	if err != nil {
		return 0, err
	}
	return rowsAffected(res)
}

func (s *Store) DeleteUserSessions(ctx context.Context, userID string) (int64, error) {
	res, err := s.exec(ctx, `DELETE FROM user_sessions WHERE user_id=?`, userID)
	if err != nil {
		return 0, err
	}
	return rowsAffected(res)
}

func (s *Store) DeleteExpiredUserSessions(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.exec(ctx, `DELETE FROM user_sessions WHERE expires_at < ?`, ts(before))
	if err != nil {
		return 0, err
	}
	return rowsAffected(res)
}
