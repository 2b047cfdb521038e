package store

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/google/uuid"

	"enxero/internal/models"
)

const userColumns = `id,company_id,role_id,email,username,first_name,last_name,password_hash,totp_secret,two_factor_enabled,two_factor_setup_required,active,locked_until,last_login_at,created_at`

func scanUser(row interface{ Scan(...any) error }) (models.User, error) {
	var u models.User
	var secret sql.NullString
	var lockedUntil, lastLogin sql.NullTime
	err := row.Scan(&u.ID, &u.CompanyID, &u.RoleID, &u.Email, &u.Username, &u.FirstName, &u.LastName, &u.PasswordHash,
		&secret, &u.TwoFactorEnabled, &u.TwoFactorSetupRequired, &u.Active, &lockedUntil, &lastLogin, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return models.User{}, ErrNotFound
	}
	if err != nil {
		return models.User{}, err
	}
	u.TOTPSecret = stringPtr(secret)
	u.LockedUntil = timePtr(lockedUntil)
	u.LastLoginAt = timePtr(lastLogin)
	u.CreatedAt = u.CreatedAt.UTC()
	return u, nil
}

func (s *Store) GetUserByID(ctx context.Context, id string) (models.User, error) {
	return scanUser(s.queryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id=?`, id))
}

// GetUserByEmail looks an email up across every company.
func (s *Store) GetUserByEmail(ctx context.Context, email string) (models.User, error) {
	return scanUser(s.queryRow(ctx, `SELECT `+userColumns+` FROM users WHERE email=?`, strings.ToLower(strings.TrimSpace(email))))
}

// GetCompanyUser resolves a username or email, scoped to one company.
func (s *Store) GetCompanyUser(ctx context.Context, companyID, login string) (models.User, error) {
	login = strings.TrimSpace(login)
	return scanUser(s.queryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE company_id=? AND (username=? OR email=?)`,
		companyID, login, strings.ToLower(login),
	))
}

func (s *Store) EmailExists(ctx context.Context, email string) (bool, error) {
	return s.exists(ctx, `SELECT COUNT(1) FROM users WHERE email=?`, strings.ToLower(strings.TrimSpace(email)))
}

// UsernameExists checks one company, or the whole instance when companyID
// is empty.
func (s *Store) UsernameExists(ctx context.Context, companyID, username string) (bool, error) {
	if companyID == "" {
		return s.exists(ctx, `SELECT COUNT(1) FROM users WHERE username=?`, username)
	}
	return s.exists(ctx, `SELECT COUNT(1) FROM users WHERE company_id=? AND username=?`, companyID, username)
}

func (s *Store) LockUser(ctx context.Context, userID string, until time.Time) error {
	_, err := s.exec(ctx, `UPDATE users SET locked_until=?, active=? WHERE id=?`, ts(until), false, userID)
	return err
}

func (s *Store) UnlockUser(ctx context.Context, userID string) error {
	_, err := s.exec(ctx, `UPDATE users SET locked_until=NULL, active=? WHERE id=?`, true, userID)
	return err
}

func (s *Store) TouchUserLastLogin(ctx context.Context, userID string, at time.Time) error {
	_, err := s.exec(ctx, `UPDATE users SET last_login_at=? WHERE id=?`, ts(at), userID)
	return err
}

// UpdateUserTwoFactor replaces the 2FA state. A nil secret clears it.
func (s *Store) UpdateUserTwoFactor(ctx context.Context, userID string, secret *string, enabled, setupRequired bool) error {
	res, err := s.exec(ctx,
		`UPDATE users SET totp_secret=?, two_factor_enabled=?, two_factor_setup_required=?, totp_last_step=NULL WHERE id=?`,
		nullableString(secret), enabled, setupRequired, userID,
	)
	if err != nil {
		return err
	}
	n, err := rowsAffected(res)
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ClaimTOTPStep records step as the last accepted TOTP time step. It reports
// false when the user already spent step or a later one.
func (s *Store) ClaimTOTPStep(ctx context.Context, userID string, step int64) (bool, error) {
	res, err := s.exec(ctx,
		`UPDATE users SET totp_last_step=? WHERE id=? AND (totp_last_step IS NULL OR totp_last_step < ?)`,
		step, userID, step,
	)
	if err != nil {
		return false, err
	}
	n, err := rowsAffected(res)
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *Store) ReplaceBackupCodes(ctx context.Context, userID string, hashes []string, now time.Time) error {
	if _, err := s.exec(ctx, `DELETE FROM backup_codes WHERE user_id=?`, userID); err != nil {
		return err
	}
	for _, h := range hashes {
		if _, err := s.exec(ctx,
			`INSERT INTO backup_codes(id,user_id,code_hash,created_at) VALUES(?,?,?,?)`,
			uuid.NewString(), userID, h, ts(now),
		); err != nil {
			return err
		}
	}
	return nil
}

// ConsumeBackupCode marks a matching unused code as used. ErrNotFound when
// no unused code matches.
func (s *Store) ConsumeBackupCode(ctx context.Context, userID, hash string, now time.Time) error {
	res, err := s.exec(ctx,
		`UPDATE backup_codes SET used_at=? WHERE user_id=? AND code_hash=? AND used_at IS NULL`,
		ts(now), userID, hash,
	)
	if err != nil {
		return err
	}
	n, err := rowsAffected(res)
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) CountUnusedBackupCodes(ctx context.Context, userID string) (int, error) {
	var n int
	err := s.queryRow(ctx, `SELECT COUNT(1) FROM backup_codes WHERE user_id=? AND used_at IS NULL`, userID).Scan(&n)
	return n, err
}
