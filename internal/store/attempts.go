package store

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"

	"enxero/internal/models"
)

func (s *Store) InsertFailedAttempt(ctx context.Context, a models.FailedLoginAttempt) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	_, err := s.exec(ctx,
		`INSERT INTO failed_login_attempts(id,email,ip,user_agent,company_id,attempted_at) VALUES(?,?,?,?,?,?)`,
		a.ID, strings.ToLower(strings.TrimSpace(a.Email)), emptyAsNull(a.IP), emptyAsNull(a.UserAgent), nullableString(a.CompanyID), ts(a.AttemptedAt),
	)
	return err
}

func (s *Store) CountFailedAttemptsSince(ctx context.Context, email string, since time.Time) (int, error) {
	var n int
	err := s.queryRow(ctx,
		`SELECT COUNT(1) FROM failed_login_attempts WHERE email=? AND attempted_at >= ?`,
		strings.ToLower(strings.TrimSpace(email)), ts(since),
	).Scan(&n)
	return n, err
}

func (s *Store) DeleteFailedAttempts(ctx context.Context, email string) error {
	_, err := s.exec(ctx, `DELETE FROM failed_login_attempts WHERE email=?`, strings.ToLower(strings.TrimSpace(email)))
	return err
}

func (s *Store) PruneFailedAttemptsBefore(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.exec(ctx, `DELETE FROM failed_login_attempts WHERE attempted_at < ?`, ts(before))
	if err != nil {
		return 0, err
	}
	return rowsAffected(res)
}

func (s *Store) InsertActivity(ctx context.Context, userID, companyID, action, ip, userAgent string, metadata map[string]any, at time.Time) error {
	meta := "{}"
	if len(metadata) > 0 {
		b, err := json.Marshal(metadata)
		if err != nil {
			return err
		}
		meta = string(b)
	}
	_, err := s.exec(ctx,
		`INSERT INTO activity_log(id,user_id,company_id,action,ip,user_agent,metadata,created_at) VALUES(?,?,?,?,?,?,?,?)`,
		uuid.NewString(), emptyAsNull(userID), emptyAsNull(companyID), action, emptyAsNull(ip), emptyAsNull(userAgent), meta, ts(at),
	)
	return err
}

func (s *Store) ListActivity(ctx context.Context, userID string, limit int) ([]models.ActivityEntry, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := s.query(ctx,
		`SELECT id,COALESCE(user_id,''),COALESCE(company_id,''),action,COALESCE(ip,''),COALESCE(user_agent,''),metadata,created_at FROM activity_log WHERE user_id=? ORDER BY created_at DESC LIMIT ?`,
		userID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]models.ActivityEntry, 0, limit)
	for rows.Next() {
		var e models.ActivityEntry
		if err := rows.Scan(&e.ID, &e.UserID, &e.CompanyID, &e.Action, &e.IP, &e.UserAgent, &e.MetadataJSON, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.CreatedAt = e.CreatedAt.UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}
