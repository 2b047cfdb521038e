package service

import (
	"context"
	"errors"
	"log"
	"strings"
	"time"

	"enxero/internal/auth"
	"enxero/internal/ephemeral"
	"enxero/internal/identifier"
	"enxero/internal/models"
	"enxero/internal/store"
	"enxero/internal/token"
)

const (
	MethodTOTP     = "totp"
	MethodEmailOTP = "email_otp"
	MethodDirect   = "direct"
	MethodBackup   = "backup_code"
)

// CompanyRef names a tenant by internal id or by public identifier.
type CompanyRef struct {
	CompanyID  string
	Identifier string
}

type CompanyLookup struct {
	CompanyID  string `json:"companyId"`
	Identifier string `json:"companyIdentifier"`
	Name       string `json:"companyName"`
}

type UserLookup struct {
	UserID    string `json:"userId"`
	Username  string `json:"username"`
	FirstName string `json:"firstName"`
}

type PasswordInput struct {
	Company  CompanyRef
	Login    string
	Password string
}

type PasswordResult struct {
	RequiresTOTP      bool      `json:"requiresTotp"`
	VerificationToken string    `json:"verificationToken"`
	NextStep          int       `json:"nextStep"`
	ExpiresAt         time.Time `json:"expiresAt"`
}

type LoginResult struct {
	Tokens               token.Pair     `json:"tokens"`
	User                 UserSummary    `json:"user"`
	Company              CompanySummary `json:"company"`
	Method               string         `json:"method"`
	BackupCodesRemaining *int           `json:"backupCodesRemaining,omitempty"`
}

type InitiateResult struct {
	Method            string       `json:"method"`
	VerificationToken string       `json:"verificationToken,omitempty"`
	ExpiresAt         *time.Time   `json:"expiresAt,omitempty"`
	MaskedEmail       string       `json:"maskedEmail,omitempty"`
	Login             *LoginResult `json:"login,omitempty"`
}

type OTPResent struct {
	VerificationToken string    `json:"verificationToken"`
	ExpiresAt         time.Time `json:"expiresAt"`
	MaskedEmail       string    `json:"maskedEmail"`
}

// LookupCompany is UI step 1: the identifier must be well formed and name
// an active company.
func (s *Service) LookupCompany(ctx context.Context, id string) (CompanyLookup, error) {
	id = strings.ToUpper(strings.TrimSpace(id))
	if !identifier.Valid(id) {
		return CompanyLookup{}, validationErr("invalid_identifier", "companyIdentifier", "company identifier must look like US-A12B34C").atStep(1)
	}
	sctx, cancel := s.bounded(ctx)
	defer cancel()
	c, err := s.resolveCompany(sctx, CompanyRef{Identifier: id})
	if errors.Is(err, store.ErrNotFound) {
		return CompanyLookup{}, notFoundErr("company_not_found", "company not found").atStep(1)
	}
	if err != nil {
		return CompanyLookup{}, internalErr(err)
	}
	return CompanyLookup{CompanyID: c.ID, Identifier: c.Identifier, Name: c.Name}, nil
}

// LookupUser is UI step 2: login is a username or email inside the
// resolved company only.
func (s *Service) LookupUser(ctx context.Context, ref CompanyRef, login string) (UserLookup, error) {
	login = strings.TrimSpace(login)
	if login == "" {
		return UserLookup{}, validationErr("missing_login", "username", "username or email is required").atStep(2)
	}
	sctx, cancel := s.bounded(ctx)
	defer cancel()
	c, err := s.resolveCompany(sctx, ref)
	if errors.Is(err, store.ErrNotFound) {
		return UserLookup{}, notFoundErr("company_not_found", "company not found").atStep(1)
	}
	if err != nil {
		return UserLookup{}, internalErr(err)
	}
	u, err := s.st.GetCompanyUser(sctx, c.ID, login)
	if errors.Is(err, store.ErrNotFound) {
		return UserLookup{}, notFoundErr("user_not_found", "user not found").atStep(2)
	}
	if err != nil {
		return UserLookup{}, internalErr(err)
	}
	return UserLookup{UserID: u.ID, Username: u.Username, FirstName: u.FirstName}, nil
}

// CheckPassword is UI step 3. A user without TOTP gets a
// two_factor_not_configured failure carrying a setup token instead of a
// session.
func (s *Service) CheckPassword(ctx context.Context, in PasswordInput, c Client) (PasswordResult, error) {
	sctx, cancel := s.bounded(ctx)
	defer cancel()

	u, _, aerr := s.authenticatePassword(sctx, in, c)
	if aerr != nil {
		return PasswordResult{}, aerr.atStep(3)
	}
	if !hasTOTP(u) {
		setup, err := s.openSetupSession(sctx, u)
		if err != nil {
			return PasswordResult{}, err
		}
		return PasswordResult{}, unauthorizedErr("two_factor_not_configured", "two-factor authentication must be set up before signing in").
			atStep(3).
			with("setupToken", setup.Token).
			with("setupExpiresAt", setup.ExpiresAt)
	}
	sess, err := s.openTOTPSession(sctx, u)
	if err != nil {
		return PasswordResult{}, err
	}
	return PasswordResult{RequiresTOTP: true, VerificationToken: sess.Token, NextStep: 4, ExpiresAt: sess.ExpiresAt}, nil
}

// VerifyTOTPStep is UI step 4.
func (s *Service) VerifyTOTPStep(ctx context.Context, verificationToken, code string, c Client) (LoginResult, error) {
	res, err := s.completeSecondFactor(ctx, verificationToken, code, c, 3, ephemeral.PurposeTOTP)
	if err != nil {
		if err.Step == 0 {
			err.atStep(4)
		}
		return LoginResult{}, err
	}
	return res, nil
}

// Initiate checks the password and picks the second factor: TOTP when
// enrolled, an emailed code when mail is configured, and a direct login only
// outside production.
func (s *Service) Initiate(ctx context.Context, in PasswordInput, c Client) (InitiateResult, error) {
	sctx, cancel := s.bounded(ctx)
	defer cancel()

	u, company, aerr := s.authenticatePassword(sctx, in, c)
	if aerr != nil {
		return InitiateResult{}, aerr
	}

	switch {
	case hasTOTP(u):
		sess, err := s.openTOTPSession(sctx, u)
		if err != nil {
			return InitiateResult{}, err
		}
		exp := sess.ExpiresAt
		return InitiateResult{Method: MethodTOTP, VerificationToken: sess.Token, ExpiresAt: &exp}, nil

	case s.notify.Configured():
		sess, err := s.sendLoginOTP(ctx, sctx, u)
		if err != nil {
			return InitiateResult{}, err
		}
		exp := sess.ExpiresAt
		return InitiateResult{Method: MethodEmailOTP, VerificationToken: sess.Token, ExpiresAt: &exp, MaskedEmail: maskEmail(u.Email)}, nil

	case !s.cfg.IsProduction():
		log.Printf("direct_login user_id=%s env=%s", u.ID, s.cfg.AppEnv)
		res, err := s.finishLogin(sctx, u, company, MethodDirect, c)
		if err != nil {
			return InitiateResult{}, err
		}
		return InitiateResult{Method: MethodDirect, Login: &res}, nil
	}
	log.Printf("login_refused reason=no_second_factor user_id=%s", u.ID)
	return InitiateResult{}, unavailableErr("no_second_factor_available", "no second factor is available for this account", nil)
}

// VerifyLogin completes an initiated login with a TOTP code, a backup code
// or an emailed code, depending on the session.
func (s *Service) VerifyLogin(ctx context.Context, verificationToken, code string, c Client) (LoginResult, error) {
	res, err := s.completeSecondFactor(ctx, verificationToken, code, c, 0, ephemeral.PurposeTOTP, ephemeral.PurposeEmailOTP)
	if err != nil {
		return LoginResult{}, err
	}
	return res, nil
}

// ResendOTP replaces the emailed code of a pending login, resets its attempt
// counter and extends its expiry.
func (s *Service) ResendOTP(ctx context.Context, verificationToken string) (OTPResent, error) {
	sctx, cancel := s.bounded(ctx)
	defer cancel()

	sess, err := s.logins.Get(sctx, verificationToken)
	if err != nil {
		return OTPResent{}, s.sessionErr(err, 0)
	}
	if sess.Purpose != ephemeral.PurposeEmailOTP {
		return OTPResent{}, validationErr("invalid_purpose", "verificationToken", "this login does not use an emailed code")
	}
	if sess.Exhausted() {
		_ = s.logins.Delete(sctx, sess.Token)
		return OTPResent{}, maxAttemptsExceeded()
	}
	if sess.Resends >= otpMaxResends {
		return OTPResent{}, unauthorizedErr("max_resends_exceeded", "too many codes requested, sign in again")
	}
	u, err := s.st.GetUserByID(sctx, sess.UserID)
	if errors.Is(err, store.ErrNotFound) {
		_ = s.logins.Delete(sctx, sess.Token)
		return OTPResent{}, invalidSession(0)
	}
	if err != nil {
		return OTPResent{}, internalErr(err)
	}

	code, err := auth.NewOTP(auth.OTPDigits)
	if err != nil {
		return OTPResent{}, internalErr(err)
	}
	if err := s.notify.SendLoginOTPEmail(ctx, u.Email, u.FirstName, code, s.cfg.LoginSessionTTL); err != nil {
		log.Printf("otp_dispatch_failed user_id=%s resend=true err=%v", u.ID, err)
		return OTPResent{}, unavailableErr("otp_dispatch_failed", "could not send the sign-in code, try again", err)
	}
	expires := s.now().UTC().Add(s.cfg.LoginSessionTTL)
	updated, err := s.logins.Update(sctx, sess.Token, func(cur *ephemeral.LoginSession) (bool, error) {
		if cur.UserID != sess.UserID || cur.Purpose != ephemeral.PurposeEmailOTP {
			return false, ephemeral.ErrNotFound
		}
		cur.CodeHash = auth.HashOTP(code)
		cur.Attempts = 0
		cur.Resends++
		cur.ExpiresAt = expires
		return false, nil
	})
	if err != nil {
		return OTPResent{}, s.sessionErr(err, 0)
	}
	return OTPResent{VerificationToken: updated.Token, ExpiresAt: updated.ExpiresAt, MaskedEmail: maskEmail(u.Email)}, nil
}

// authenticatePassword resolves the tenant and the user inside it, checks
// the lockout before the password and records failures. Unknown companies,
// unknown users and wrong passwords share one failure shape.
func (s *Service) authenticatePassword(ctx context.Context, in PasswordInput, c Client) (models.User, models.Company, *Error) {
	login := strings.TrimSpace(in.Login)
	switch {
	case login == "":
		return models.User{}, models.Company{}, validationErr("missing_login", "username", "username or email is required")
	case in.Password == "":
		return models.User{}, models.Company{}, validationErr("missing_password", "password", "password is required")
	}

	company, err := s.resolveCompany(ctx, in.Company)
	if errors.Is(err, store.ErrNotFound) {
		return models.User{}, models.Company{}, invalidCredentials()
	}
	if err != nil {
		return models.User{}, models.Company{}, internalErr(err)
	}
	u, err := s.st.GetCompanyUser(ctx, company.ID, login)
	if errors.Is(err, store.ErrNotFound) {
		log.Printf("login_failed reason=unknown_user company_id=%s ip=%s", company.ID, c.IP)
		return models.User{}, models.Company{}, invalidCredentials()
	}
	if err != nil {
		return models.User{}, models.Company{}, internalErr(err)
	}

	if err := s.checkUsable(ctx, &u); err != nil {
		return models.User{}, models.Company{}, err
	}
	if !auth.VerifyPassword(u.PasswordHash, in.Password) {
		locked, err := s.guard.RecordFailure(ctx, u.Email, c.IP, c.UserAgent, &company.ID)
		if err != nil {
			log.Printf("record_failure_failed user_id=%s err=%v", u.ID, err)
		}
		log.Printf("login_failed reason=bad_password user_id=%s ip=%s locked=%t", u.ID, c.IP, locked)
		if locked {
			return models.User{}, models.Company{}, accountLocked()
		}
		return models.User{}, models.Company{}, invalidCredentials()
	}
	return u, company, nil
}

// checkUsable rejects locked and disabled accounts. An expired lock is
// lifted here.
func (s *Service) checkUsable(ctx context.Context, u *models.User) *Error {
	locked, err := s.guard.IsLocked(ctx, u)
	if err != nil {
		return internalErr(err)
	}
	if locked {
		return accountLocked().with("lockedUntil", u.LockedUntil.UTC())
	}
	if !u.Active {
		return unauthorizedErr("account_disabled", "account is disabled")
	}
	return nil
}

func (s *Service) resolveCompany(ctx context.Context, ref CompanyRef) (models.Company, error) {
	var (
		c   models.Company
		err error
	)
	switch {
	case strings.TrimSpace(ref.CompanyID) != "":
		c, err = s.st.GetCompanyByID(ctx, strings.TrimSpace(ref.CompanyID))
	case strings.TrimSpace(ref.Identifier) != "":
		c, err = s.st.GetCompanyByIdentifier(ctx, strings.ToUpper(strings.TrimSpace(ref.Identifier)))
	default:
		return models.Company{}, store.ErrNotFound
	}
	if err != nil {
		return models.Company{}, err
	}
	if !c.Active {
		return models.Company{}, store.ErrNotFound
	}
	return c, nil
}

func (s *Service) openTOTPSession(ctx context.Context, u models.User) (*ephemeral.LoginSession, *Error) {
	return s.openLoginSession(ctx, u, ephemeral.PurposeTOTP, totpMaxAttempts, s.cfg.LoginSessionTTL, "")
}

func (s *Service) openSetupSession(ctx context.Context, u models.User) (*ephemeral.LoginSession, *Error) {
	return s.openLoginSession(ctx, u, ephemeral.PurposeTOTPSetup, setupMaxAttempts, setupSessionTTL, "")
}

func (s *Service) openLoginSession(ctx context.Context, u models.User, purpose ephemeral.LoginPurpose, maxAttempts int, ttl time.Duration, codeHash string) (*ephemeral.LoginSession, *Error) {
	raw, _, err := auth.NewOpaqueToken()
	if err != nil {
		return nil, internalErr(err)
	}
	now := s.now().UTC()
	sess := &ephemeral.LoginSession{
		Token:       raw,
		Purpose:     purpose,
		UserID:      u.ID,
		CompanyID:   u.CompanyID,
		Email:       u.Email,
		CodeHash:    codeHash,
		MaxAttempts: maxAttempts,
		CreatedAt:   now,
		ExpiresAt:   now.Add(ttl),
	}
	if err := s.logins.Put(ctx, sess); err != nil {
		return nil, s.sessionErr(err, 0)
	}
	return sess, nil
}

// sendLoginOTP mails a fresh code and only then opens the session, so a
// failed dispatch leaves nothing behind.
func (s *Service) sendLoginOTP(ctx, sctx context.Context, u models.User) (*ephemeral.LoginSession, *Error) {
	code, err := auth.NewOTP(auth.OTPDigits)
	if err != nil {
		return nil, internalErr(err)
	}
	if err := s.notify.SendLoginOTPEmail(ctx, u.Email, u.FirstName, code, s.cfg.LoginSessionTTL); err != nil {
		log.Printf("otp_dispatch_failed user_id=%s err=%v", u.ID, err)
		return nil, unavailableErr("otp_dispatch_failed", "could not send the sign-in code, try again", err)
	}
	return s.openLoginSession(sctx, u, ephemeral.PurposeEmailOTP, s.cfg.OTPMaxAttempts, s.cfg.LoginSessionTTL, auth.HashOTP(code))
}

// completeSecondFactor verifies code against a pending login session. The
// call after the last allowed attempt fails with max_attempts_exceeded and
// removes the session whatever the code.
func (s *Service) completeSecondFactor(ctx context.Context, verificationToken, code string, c Client, restartStep int, purposes ...ephemeral.LoginPurpose) (LoginResult, *Error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return LoginResult{}, validationErr("missing_code", "code", "verification code is required")
	}
	sctx, cancel := s.bounded(ctx)
	defer cancel()

	sess, err := s.logins.Get(sctx, verificationToken)
	if err != nil {
		return LoginResult{}, s.sessionErr(err, restartStep)
	}
	if !purposeIn(sess.Purpose, purposes) {
		return LoginResult{}, invalidSession(restartStep)
	}
	if sess.Exhausted() {
		_ = s.logins.Delete(sctx, sess.Token)
		log.Printf("login_verify_exhausted user_id=%s purpose=%s", sess.UserID, sess.Purpose)
		return LoginResult{}, maxAttemptsExceeded()
	}

	u, err := s.st.GetUserByID(sctx, sess.UserID)
	if errors.Is(err, store.ErrNotFound) || (err == nil && u.CompanyID != sess.CompanyID) {
		_ = s.logins.Delete(sctx, sess.Token)
		return LoginResult{}, invalidSession(restartStep)
	}
	if err != nil {
		return LoginResult{}, internalErr(err)
	}
	if uerr := s.checkUsable(sctx, &u); uerr != nil {
		_ = s.logins.Delete(sctx, sess.Token)
		return LoginResult{}, uerr
	}

	method, ok, verr := s.checkSecondFactor(sctx, sess, u, code)
	if verr != nil {
		return LoginResult{}, verr
	}
	if !ok {
		updated, err := s.logins.Update(sctx, sess.Token, func(cur *ephemeral.LoginSession) (bool, error) {
			cur.Attempts++
			return false, nil
		})
		if err != nil {
			return LoginResult{}, s.sessionErr(err, restartStep)
		}
		remaining := updated.MaxAttempts - updated.Attempts
		if remaining < 0 {
			remaining = 0
		}
		log.Printf("login_verify_failed user_id=%s purpose=%s attempts=%d", u.ID, sess.Purpose, updated.Attempts)
		return LoginResult{}, unauthorizedErr("invalid_code", "verification code is not valid").with("attemptsRemaining", remaining)
	}

	// Claim the session so a replayed code cannot log in twice.
	if _, err := s.logins.Update(sctx, sess.Token, func(cur *ephemeral.LoginSession) (bool, error) {
		if cur.Exhausted() {
			return true, errMaxAttempts
		}
		return true, nil
	}); err != nil {
		if errors.Is(err, errMaxAttempts) {
			return LoginResult{}, maxAttemptsExceeded()
		}
		return LoginResult{}, s.sessionErr(err, restartStep)
	}

	company, err := s.st.GetCompanyByID(sctx, u.CompanyID)
	if err != nil {
		return LoginResult{}, internalErr(err)
	}
	res, ferr := s.finishLogin(sctx, u, company, method, c)
	if ferr != nil {
		return LoginResult{}, ferr
	}
	if method == MethodBackup {
		if n, err := s.st.CountUnusedBackupCodes(sctx, u.ID); err == nil {
			res.BackupCodesRemaining = &n
		}
	}
	return res, nil
}

// checkSecondFactor reports whether code satisfies the session. TOTP
// sessions also take a backup code, which is consumed on success.
func (s *Service) checkSecondFactor(ctx context.Context, sess *ephemeral.LoginSession, u models.User, code string) (string, bool, *Error) {
	switch sess.Purpose {
	case ephemeral.PurposeEmailOTP:
		return MethodEmailOTP, auth.OTPMatches(sess.CodeHash, code), nil
	case ephemeral.PurposeTOTP:
		if !hasTOTP(u) {
			return "", false, unauthorizedErr("two_factor_not_configured", "two-factor authentication is not enabled")
		}
		secret, err := s.openSecret(*u.TOTPSecret)
		if err != nil {
			return "", false, internalErr(err)
		}
		if auth.LooksLikeTOTP(code) {
			ok, err := s.spendTOTP(ctx, u.ID, secret, code)
			if err != nil {
				return "", false, internalErr(err)
			}
			return MethodTOTP, ok, nil
		}
		err = s.st.ConsumeBackupCode(ctx, u.ID, auth.HashBackupCode(code), s.now())
		if errors.Is(err, store.ErrNotFound) {
			return MethodBackup, false, nil
		}
		if err != nil {
			return "", false, internalErr(err)
		}
		log.Printf("backup_code_used user_id=%s", u.ID)
		return MethodBackup, true, nil
	}
	return "", false, invalidSession(0)
}

// spendTOTP accepts code only if its time step is later than the last one
// the user signed in with.
func (s *Service) spendTOTP(ctx context.Context, userID, secret, code string) (bool, error) {
	step, ok, err := s.totp.Match(secret, code, s.now())
	if err != nil || !ok {
		return false, err
	}
	claimed, err := s.st.ClaimTOTPStep(ctx, userID, step)
	if err != nil {
		return false, err
	}
	if !claimed {
		log.Printf("totp_step_reused user_id=%s step=%d", userID, step)
	}
	return claimed, nil
}

// finishLogin issues and persists a token pair and records the login.
func (s *Service) finishLogin(ctx context.Context, u models.User, company models.Company, method string, c Client) (LoginResult, *Error) {
	pair, err := s.tokens.Login(ctx, u, c.IP, c.UserAgent)
	if err != nil {
		return LoginResult{}, internalErr(err)
	}
	now := s.now().UTC()
	if err := s.st.TouchUserLastLogin(ctx, u.ID, now); err != nil {
		log.Printf("touch_last_login_failed user_id=%s err=%v", u.ID, err)
	} else {
		u.LastLoginAt = &now
	}
	s.audit(ctx, u.ID, u.CompanyID, activityLogin, c, map[string]any{"method": method})
	log.Printf("login_succeeded user_id=%s company_id=%s method=%s", u.ID, u.CompanyID, method)
	return LoginResult{Tokens: pair, User: userSummary(u), Company: companySummary(company), Method: method}, nil
}

func hasTOTP(u models.User) bool {
	return u.TwoFactorEnabled && u.TOTPSecret != nil && *u.TOTPSecret != ""
}

func purposeIn(p ephemeral.LoginPurpose, set []ephemeral.LoginPurpose) bool {
	for _, want := range set {
		if p == want {
			return true
		}
	}
	return false
}

var errMaxAttempts = errors.New("maximum attempts exceeded")

func maxAttemptsExceeded() *Error {
	return unauthorizedErr("max_attempts_exceeded", "maximum verification attempts exceeded, sign in again")
}

func accountLocked() *Error {
	return unauthorizedErr("account_locked", "account is temporarily locked after repeated failed sign-ins")
}
