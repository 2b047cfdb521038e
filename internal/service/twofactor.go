package service

import (
	"context"
	"errors"
	"log"
	"time"

	"enxero/internal/auth"
	"enxero/internal/ephemeral"
	"enxero/internal/models"
	"enxero/internal/store"
	"enxero/internal/token"
)

const setupSessionTTL = 15 * time.Minute

type EnableResult struct {
	BackupCodes []BackupCodeView `json:"backupCodes"`
	Login       *LoginResult     `json:"login,omitempty"`
}

type TwoFactorStatus struct {
	Enabled              bool `json:"enabled"`
	SetupRequired        bool `json:"setupRequired"`
	BackupCodesRemaining int  `json:"backupCodesRemaining"`
}

// SetupTwoFactor starts TOTP enrolment for a signed-in user (userID) or for
// the holder of a setup token handed out by the login flow. The secret is
// kept in the setup session until EnableTwoFactor confirms it.
func (s *Service) SetupTwoFactor(ctx context.Context, userID, setupToken string) (TOTPSetup, error) {
	sctx, cancel := s.bounded(ctx)
	defer cancel()

	var (
		sess *ephemeral.LoginSession
		u    models.User
	)
	if setupToken != "" {
		var serr *Error
		sess, u, serr = s.setupSession(sctx, userID, setupToken)
		if serr != nil {
			return TOTPSetup{}, serr
		}
	} else {
		if userID == "" {
			return TOTPSetup{}, unauthorizedErr("authentication_required", "sign in or provide a setup token")
		}
		var err error
		u, err = s.st.GetUserByID(sctx, userID)
		if errors.Is(err, store.ErrNotFound) {
			return TOTPSetup{}, unauthorizedErr("invalid_token", "user no longer exists")
		}
		if err != nil {
			return TOTPSetup{}, internalErr(err)
		}
	}
	if hasTOTP(u) {
		return TOTPSetup{}, validationErr("two_factor_already_enabled", "", "two-factor authentication is already enabled")
	}
	if sess == nil {
		var oerr *Error
		sess, oerr = s.openSetupSession(sctx, u)
		if oerr != nil {
			return TOTPSetup{}, oerr
		}
	}

	var secret string
	updated, err := s.logins.Update(sctx, sess.Token, func(cur *ephemeral.LoginSession) (bool, error) {
		if cur.TOTPSecret != "" {
			plain, err := s.openSecret(cur.TOTPSecret)
			if err != nil {
				return false, err
			}
			secret = plain
			return false, nil
		}
		plain, err := s.totp.GenerateSecret()
		if err != nil {
			return false, err
		}
		sealed, err := s.sealSecret(plain)
		if err != nil {
			return false, err
		}
		cur.TOTPSecret = sealed
		secret = plain
		return false, nil
	})
	if err != nil {
		return TOTPSetup{}, s.sessionErr(err, 0)
	}
	return TOTPSetup{
		Secret:     secret,
		URI:        s.totp.ProvisionURI(secret, u.Email),
		SetupToken: updated.Token,
		ExpiresAt:  updated.ExpiresAt,
	}, nil
}

// ForceSetup is SetupTwoFactor for a user the login flow turned away for
// lacking two-factor authentication.
func (s *Service) ForceSetup(ctx context.Context, setupToken string) (TOTPSetup, error) {
	if setupToken == "" {
		return TOTPSetup{}, validationErr("missing_setup_token", "setupToken", "setup token is required")
	}
	return s.SetupTwoFactor(ctx, "", setupToken)
}

// EnableTwoFactor confirms enrolment with a code from the new secret, stores
// the secret and a fresh set of backup codes. Enrolment through a login
// setup token also signs the user in.
func (s *Service) EnableTwoFactor(ctx context.Context, userID, setupToken, code string, c Client) (EnableResult, error) {
	if setupToken == "" {
		return EnableResult{}, validationErr("missing_setup_token", "setupToken", "setup token is required")
	}
	sctx, cancel := s.bounded(ctx)
	defer cancel()

	sess, u, serr := s.setupSession(sctx, userID, setupToken)
	if serr != nil {
		return EnableResult{}, serr
	}
	if sess.TOTPSecret == "" {
		return EnableResult{}, validationErr("totp_setup_required", "setupToken", "call two-factor setup first")
	}
	if uerr := s.checkUsable(sctx, &u); uerr != nil {
		return EnableResult{}, uerr
	}
	secret, err := s.openSecret(sess.TOTPSecret)
	if err != nil {
		return EnableResult{}, internalErr(err)
	}
	step, ok, err := s.totp.Match(secret, code, s.now())
	if err != nil {
		return EnableResult{}, internalErr(err)
	}
	if !ok {
		updated, err := s.logins.Update(sctx, sess.Token, func(cur *ephemeral.LoginSession) (bool, error) {
			cur.Attempts++
			return false, nil
		})
		if err != nil {
			return EnableResult{}, s.sessionErr(err, 0)
		}
		return EnableResult{}, unauthorizedErr("invalid_code", "verification code is not valid").
			with("attemptsRemaining", max(updated.MaxAttempts-updated.Attempts, 0))
	}

	if _, err := s.logins.Update(sctx, sess.Token, func(cur *ephemeral.LoginSession) (bool, error) {
		if cur.Exhausted() {
			return true, errMaxAttempts
		}
		return true, nil
	}); err != nil {
		if errors.Is(err, errMaxAttempts) {
			return EnableResult{}, maxAttemptsExceeded()
		}
		return EnableResult{}, s.sessionErr(err, 0)
	}

	codes, err := auth.NewBackupCodes(auth.BackupCodeCount)
	if err != nil {
		return EnableResult{}, internalErr(err)
	}
	hashes := make([]string, len(codes))
	for i, code := range codes {
		hashes[i] = auth.HashBackupCode(code)
	}
	sealed := sess.TOTPSecret
	now := s.now()
	if err := s.st.WithTx(sctx, func(tx *store.Store) error {
		if err := tx.UpdateUserTwoFactor(sctx, u.ID, &sealed, true, false); err != nil {
			return err
		}
		if _, err := tx.ClaimTOTPStep(sctx, u.ID, step); err != nil {
			return err
		}
		return tx.ReplaceBackupCodes(sctx, u.ID, hashes, now)
	}); err != nil {
		return EnableResult{}, internalErr(err)
	}
	u.TOTPSecret = &sealed
	u.TwoFactorEnabled = true
	u.TwoFactorSetupRequired = false
	s.audit(sctx, u.ID, u.CompanyID, activity2FAEnable, c, nil)
	log.Printf("two_factor_enabled user_id=%s", u.ID)

	out := EnableResult{BackupCodes: make([]BackupCodeView, len(codes))}
	for i, code := range codes {
		out.BackupCodes[i] = BackupCodeView{Code: code}
	}
	if userID == "" {
		company, err := s.st.GetCompanyByID(sctx, u.CompanyID)
		if err != nil {
			return EnableResult{}, internalErr(err)
		}
		res, ferr := s.finishLogin(sctx, u, company, MethodTOTP, c)
		if ferr != nil {
			return EnableResult{}, ferr
		}
		out.Login = &res
	}
	return out, nil
}

// DisableTwoFactor turns TOTP off after a valid TOTP or backup code. The
// user is flagged to enrol again.
func (s *Service) DisableTwoFactor(ctx context.Context, userID, code string, c Client) error {
	sctx, cancel := s.bounded(ctx)
	defer cancel()

	u, err := s.st.GetUserByID(sctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return unauthorizedErr("invalid_token", "user no longer exists")
	}
	if err != nil {
		return internalErr(err)
	}
	if !hasTOTP(u) {
		return validationErr("two_factor_not_enabled", "", "two-factor authentication is not enabled")
	}
	if uerr := s.checkUsable(sctx, &u); uerr != nil {
		return uerr
	}
	_, ok, verr := s.checkSecondFactor(sctx, &ephemeral.LoginSession{Purpose: ephemeral.PurposeTOTP}, u, code)
	if verr != nil {
		return verr
	}
	if !ok {
		// Wrong codes count toward the same lockout as wrong passwords.
		locked, err := s.guard.RecordFailure(sctx, u.Email, c.IP, c.UserAgent, &u.CompanyID)
		if err != nil {
			log.Printf("record_failure_failed user_id=%s err=%v", u.ID, err)
		}
		log.Printf("two_factor_disable_failed user_id=%s ip=%s locked=%t", u.ID, c.IP, locked)
		if locked {
			return accountLocked()
		}
		return unauthorizedErr("invalid_code", "verification code is not valid")
	}
	if err := s.st.WithTx(sctx, func(tx *store.Store) error {
		if err := tx.UpdateUserTwoFactor(sctx, u.ID, nil, false, true); err != nil {
			return err
		}
		return tx.ReplaceBackupCodes(sctx, u.ID, nil, s.now())
	}); err != nil {
		return internalErr(err)
	}
	s.audit(sctx, u.ID, u.CompanyID, activity2FADisable, c, nil)
	log.Printf("two_factor_disabled user_id=%s", u.ID)
	return nil
}

func (s *Service) TwoFactorStatus(ctx context.Context, userID string) (TwoFactorStatus, error) {
	sctx, cancel := s.bounded(ctx)
	defer cancel()

	u, err := s.st.GetUserByID(sctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return TwoFactorStatus{}, unauthorizedErr("invalid_token", "user no longer exists")
	}
	if err != nil {
		return TwoFactorStatus{}, internalErr(err)
	}
	n, err := s.st.CountUnusedBackupCodes(sctx, u.ID)
	if err != nil {
		return TwoFactorStatus{}, internalErr(err)
	}
	return TwoFactorStatus{Enabled: hasTOTP(u), SetupRequired: u.TwoFactorSetupRequired, BackupCodesRemaining: n}, nil
}

// setupSession loads a totp_setup session and its user. A signed-in caller
// may only use a setup session of their own.
func (s *Service) setupSession(ctx context.Context, userID, setupToken string) (*ephemeral.LoginSession, models.User, *Error) {
	sess, err := s.logins.Get(ctx, setupToken)
	if err != nil {
		return nil, models.User{}, s.sessionErr(err, 0)
	}
	if sess.Purpose != ephemeral.PurposeTOTPSetup || (userID != "" && sess.UserID != userID) {
		return nil, models.User{}, invalidSession(0)
	}
	if sess.Exhausted() {
		_ = s.logins.Delete(ctx, sess.Token)
		return nil, models.User{}, maxAttemptsExceeded()
	}
	u, err := s.st.GetUserByID(ctx, sess.UserID)
	if errors.Is(err, store.ErrNotFound) || (err == nil && u.CompanyID != sess.CompanyID) {
		_ = s.logins.Delete(ctx, sess.Token)
		return nil, models.User{}, invalidSession(0)
	}
	if err != nil {
		return nil, models.User{}, internalErr(err)
	}
	return sess, u, nil
}

type Profile struct {
	User        UserSummary    `json:"user"`
	Company     CompanySummary `json:"company"`
	RoleName    string         `json:"role"`
	Permissions []string       `json:"permissions"`
}

// Refresh rotates a refresh token.
func (s *Service) Refresh(ctx context.Context, refresh string, c Client) (LoginResult, error) {
	if refresh == "" {
		return LoginResult{}, validationErr("missing_refresh_token", "refreshToken", "refresh token is required")
	}
	sctx, cancel := s.bounded(ctx)
	defer cancel()

	pair, u, err := s.tokens.Refresh(sctx, refresh, c.IP, c.UserAgent)
	if errors.Is(err, token.ErrInvalidToken) || errors.Is(err, token.ErrRevoked) {
		return LoginResult{}, unauthorizedErr("invalid_refresh_token", "refresh token is invalid or expired")
	}
	if err != nil {
		return LoginResult{}, internalErr(err)
	}
	company, err := s.st.GetCompanyByID(sctx, u.CompanyID)
	if err != nil {
		return LoginResult{}, internalErr(err)
	}
	return LoginResult{Tokens: pair, User: userSummary(u), Company: companySummary(company), Method: "refresh"}, nil
}

// Logout invalidates refresh, or every session of its owner when all is
// set. Unknown tokens are not an error.
func (s *Service) Logout(ctx context.Context, refresh string, all bool, c Client) error {
	sctx, cancel := s.bounded(ctx)
	defer cancel()

	claims, perr := s.tokens.ParseRefresh(refresh)
	if all {
		if perr != nil {
			return unauthorizedErr("invalid_refresh_token", "refresh token is invalid or expired")
		}
		n, err := s.tokens.InvalidateAll(sctx, claims.UID)
		if err != nil {
			return internalErr(err)
		}
		log.Printf("logout user_id=%s sessions=%d all=true", claims.UID, n)
	} else if err := s.tokens.Invalidate(sctx, refresh); err != nil {
		return internalErr(err)
	}
	if perr == nil {
		if u, err := s.st.GetUserByID(sctx, claims.UID); err == nil {
			s.audit(sctx, u.ID, u.CompanyID, activityLogout, c, map[string]any{"all": all})
		}
	}
	return nil
}

func (s *Service) Me(ctx context.Context, userID string) (Profile, error) {
	sctx, cancel := s.bounded(ctx)
	defer cancel()

	u, err := s.st.GetUserByID(sctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return Profile{}, unauthorizedErr("invalid_token", "user no longer exists")
	}
	if err != nil {
		return Profile{}, internalErr(err)
	}
	company, err := s.st.GetCompanyByID(sctx, u.CompanyID)
	if err != nil {
		return Profile{}, internalErr(err)
	}
	role, err := s.st.GetRoleByID(sctx, u.RoleID)
	if err != nil {
		return Profile{}, internalErr(err)
	}
	return Profile{User: userSummary(u), Company: companySummary(company), RoleName: role.Name, Permissions: role.Permissions}, nil
}
