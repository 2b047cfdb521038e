package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"enxero/internal/auth"
	"enxero/internal/config"
	"enxero/internal/ephemeral"
	"enxero/internal/identifier"
	"enxero/internal/models"
	"enxero/internal/store"
)

const maxSuppliedBackupCodes = 20

type CompanyInput struct {
	Name        string `json:"companyName"`
	FullName    string `json:"companyFullName"`
	ShortName   string `json:"companyShortName"`
	CountryCode string `json:"countryCode"`
	Phone       string `json:"phoneNumber"`
	Address     string `json:"address"`
	City        string `json:"city"`
}

type OwnerInput struct {
	Email     string `json:"ownerEmail"`
	FirstName string `json:"ownerFirstName"`
	LastName  string `json:"ownerLastName"`
}

type RegistrationStarted struct {
	SessionToken string    `json:"sessionToken"`
	Identifier   string    `json:"companyIdentifier"`
	Step         int       `json:"step"`
	ExpiresAt    time.Time `json:"expiresAt"`
}

type CredentialsInput struct {
	SessionToken    string
	Username        string
	Password        string
	ConfirmPassword string
}

type CredentialsAccepted struct {
	SessionToken string    `json:"sessionToken"`
	Username     string    `json:"username"`
	Step         int       `json:"step"`
	ExpiresAt    time.Time `json:"expiresAt"`
}

type TOTPSetup struct {
	Secret     string    `json:"secret"`
	URI        string    `json:"otpauthUri"`
	SetupToken string    `json:"setupToken,omitempty"`
	ExpiresAt  time.Time `json:"expiresAt"`
}

type FinalizeInput struct {
	SessionToken string
	Code         string
	BackupCodes  []string
}

type BackupCodeView struct {
	Code string `json:"code"`
	Used bool   `json:"used"`
}

type RegistrationResult struct {
	Company     CompanySummary   `json:"company"`
	User        UserSummary      `json:"user"`
	BackupCodes []BackupCodeView `json:"backupCodes,omitempty"`
}

type SinglePageInput struct {
	Company         CompanyInput
	Owner           OwnerInput
	Username        string
	Password        string
	ConfirmPassword string
}

type RegistrationStatus struct {
	Email      string     `json:"email"`
	Status     string     `json:"status"`
	Step       int        `json:"step,omitempty"`
	Identifier string     `json:"companyIdentifier,omitempty"`
	ExpiresAt  *time.Time `json:"expiresAt,omitempty"`
}

const (
	StatusRegistered = "registered"
	StatusInProgress = "in_progress"
	StatusNotFound   = "not_found"
)

// BeginRegistration validates the company and owner, reserves nothing in
// the credential store and opens a registration session at step 1.
func (s *Service) BeginRegistration(ctx context.Context, company CompanyInput, owner OwnerInput, c Client) (RegistrationStarted, error) {
	if err := validateCompany(&company); err != nil {
		return RegistrationStarted{}, err.atStep(1)
	}
	if err := validateOwner(&owner); err != nil {
		return RegistrationStarted{}, err.atStep(1)
	}

	sctx, cancel := s.bounded(ctx)
	defer cancel()
	if err := s.ensureAvailable(sctx, owner.Email, company.Name, company.Phone); err != nil {
		return RegistrationStarted{}, err.atStep(1)
	}
	id, err := s.ids.Unique(sctx, company.CountryCode, company.ShortName, s.st.CompanyIdentifierExists)
	if err != nil {
		return RegistrationStarted{}, internalErr(fmt.Errorf("generate identifier: %w", err))
	}
	raw, _, err := auth.NewOpaqueToken()
	if err != nil {
		return RegistrationStarted{}, internalErr(err)
	}

	now := s.now().UTC()
	sess := &ephemeral.RegistrationSession{
		Token:      raw,
		Step:       1,
		Identifier: id,
		Company: ephemeral.CompanyDraft{
			Name:        company.Name,
			FullName:    company.FullName,
			ShortName:   company.ShortName,
			CountryCode: company.CountryCode,
			Phone:       company.Phone,
			Address:     company.Address,
			City:        company.City,
		},
		Owner: ephemeral.OwnerDraft{
			Email:     owner.Email,
			FirstName: owner.FirstName,
			LastName:  owner.LastName,
		},
		CreatedAt: now,
		ExpiresAt: now.Add(s.cfg.RegistrationTTL),
	}

	if err := s.notify.SendCompanyIdentifierEmail(ctx, owner.Email, company.Name, id, sess.ExpiresAt); err != nil {
		log.Printf("registration_email_failed step=1 email=%s err=%v", maskEmail(owner.Email), err)
		return RegistrationStarted{}, unavailableErr("email_dispatch_failed", "could not send the company identifier email, try again", err).atStep(1)
	}

	// A restarted sign-up replaces the earlier in-progress one for the same owner.
	if prev, err := s.regs.FindByEmail(sctx, owner.Email); err == nil {
		if err := s.regs.Delete(sctx, prev); err != nil {
			return RegistrationStarted{}, s.sessionErr(err, 1)
		}
	} else if !errors.Is(err, ephemeral.ErrNotFound) {
		return RegistrationStarted{}, s.sessionErr(err, 1)
	}
	if err := s.regs.Put(sctx, sess); err != nil {
		return RegistrationStarted{}, s.sessionErr(err, 1)
	}
	log.Printf("registration_started identifier=%s email=%s ip=%s", id, maskEmail(owner.Email), c.IP)
	return RegistrationStarted{SessionToken: raw, Identifier: id, Step: 1, ExpiresAt: sess.ExpiresAt}, nil
}

// SubmitCredentials moves a step-1 session to step 2 with the owner's
// username and password hash. Nothing is persisted yet.
func (s *Service) SubmitCredentials(ctx context.Context, in CredentialsInput) (CredentialsAccepted, error) {
	if err := validateUsername(in.Username); err != nil {
		return CredentialsAccepted{}, err.atStep(2)
	}
	if in.Password != in.ConfirmPassword {
		return CredentialsAccepted{}, validationErr("password_mismatch", "confirmPassword", "passwords do not match").atStep(2)
	}
	if msg := auth.SteppedPolicy.Check(in.Password); msg != "" {
		return CredentialsAccepted{}, validationErr("weak_password", "password", msg).atStep(2)
	}

	sctx, cancel := s.bounded(ctx)
	defer cancel()
	sess, err := s.regs.Get(sctx, in.SessionToken)
	if err != nil {
		return CredentialsAccepted{}, s.sessionErr(err, 1)
	}
	if sess.Step != 1 {
		return CredentialsAccepted{}, wrongStep(sess.Step)
	}
	if s.cfg.UsernameScope == config.UsernameScopeInstance {
		taken, err := s.st.UsernameExists(sctx, "", in.Username)
		if err != nil {
			return CredentialsAccepted{}, internalErr(err)
		}
		if taken {
			return CredentialsAccepted{}, conflictErr("username", "username is already taken").atStep(2)
		}
	}
	hash, err := auth.HashPassword(in.Password)
	if err != nil {
		return CredentialsAccepted{}, internalErr(err)
	}

	if err := s.notify.SendCredentialsConfirmationEmail(ctx, sess.Owner.Email, sess.Owner.FirstName, in.Username); err != nil {
		log.Printf("registration_email_failed step=2 email=%s err=%v", maskEmail(sess.Owner.Email), err)
		return CredentialsAccepted{}, unavailableErr("email_dispatch_failed", "could not send the confirmation email, try again", err).atStep(2)
	}

	updated, err := s.regs.Update(sctx, in.SessionToken, func(cur *ephemeral.RegistrationSession) error {
		if cur.Step != 1 {
			return wrongStep(cur.Step)
		}
		cur.Username = in.Username
		cur.PasswordHash = hash
		cur.Step = 2
		return nil
	})
	if err != nil {
		return CredentialsAccepted{}, s.sessionErr(err, 1)
	}
	return CredentialsAccepted{SessionToken: updated.Token, Username: updated.Username, Step: 2, ExpiresAt: updated.ExpiresAt}, nil
}

// SetupRegistrationTOTP stores a TOTP secret in a step-2 session and returns
// it for enrolment. Calling it again returns the same secret.
func (s *Service) SetupRegistrationTOTP(ctx context.Context, token string) (TOTPSetup, error) {
	sctx, cancel := s.bounded(ctx)
	defer cancel()

	var secret string
	sess, err := s.regs.Update(sctx, token, func(cur *ephemeral.RegistrationSession) error {
		if cur.Step != 2 {
			return wrongStep(cur.Step)
		}
		if cur.TOTPSecret != "" {
			plain, err := s.openSecret(cur.TOTPSecret)
			if err != nil {
				return err
			}
			secret = plain
			return nil
		}
		plain, err := s.totp.GenerateSecret()
		if err != nil {
			return err
		}
		sealed, err := s.sealSecret(plain)
		if err != nil {
			return err
		}
		cur.TOTPSecret = sealed
		secret = plain
		return nil
	})
	if err != nil {
		return TOTPSetup{}, s.sessionErr(err, 1)
	}
	return TOTPSetup{
		Secret:    secret,
		URI:       s.totp.ProvisionURI(secret, sess.Owner.Email),
		ExpiresAt: sess.ExpiresAt,
	}, nil
}

// FinalizeRegistration verifies the TOTP code against the secret handed out
// by SetupRegistrationTOTP and creates the company, its admin role and the
// owner in one transaction.
func (s *Service) FinalizeRegistration(ctx context.Context, in FinalizeInput, c Client) (RegistrationResult, error) {
	sctx, cancel := s.bounded(ctx)
	defer cancel()

	sess, err := s.regs.Get(sctx, in.SessionToken)
	if err != nil {
		return RegistrationResult{}, s.sessionErr(err, 1)
	}
	if sess.Step != 2 {
		return RegistrationResult{}, wrongStep(sess.Step)
	}
	if sess.TOTPSecret == "" {
		return RegistrationResult{}, validationErr("totp_setup_required", "code", "two-factor setup has not been started for this registration").atStep(3)
	}
	secret, err := s.openSecret(sess.TOTPSecret)
	if err != nil {
		return RegistrationResult{}, internalErr(fmt.Errorf("open registration secret: %w", err))
	}
	step, ok, err := s.totp.Match(secret, in.Code, s.now())
	if err != nil {
		return RegistrationResult{}, internalErr(err)
	}
	if !ok {
		return RegistrationResult{}, validationErr("invalid_totp_code", "code", "verification code is not valid").atStep(3)
	}
	codes, cerr := backupCodesFrom(in.BackupCodes)
	if cerr != nil {
		return RegistrationResult{}, cerr.atStep(3)
	}

	claimed, err := s.regs.Take(sctx, in.SessionToken)
	if err != nil {
		return RegistrationResult{}, s.sessionErr(err, 1)
	}
	if claimed.Step != 2 || claimed.TOTPSecret != sess.TOTPSecret {
		s.restoreRegistration(sctx, claimed)
		return RegistrationResult{}, wrongStep(claimed.Step)
	}

	hashes := make([]string, len(codes))
	for i, code := range codes {
		hashes[i] = auth.HashBackupCode(code)
	}
	sealed := claimed.TOTPSecret
	acct := &models.NewAccount{
		Company: companyFromDraft(claimed.Identifier, claimed.Company),
		Role:    models.Role{Name: adminRoleName, Permissions: AdminPermissions},
		User: models.User{
			Email:            claimed.Owner.Email,
			Username:         claimed.Username,
			FirstName:        claimed.Owner.FirstName,
			LastName:         claimed.Owner.LastName,
			PasswordHash:     claimed.PasswordHash,
			TOTPSecret:       &sealed,
			TwoFactorEnabled: true,
			Active:           true,
		},
		BackupCodes: hashes,
		TOTPStep:    &step,
	}
	if err := s.createAccount(sctx, acct); err != nil {
		s.restoreRegistration(sctx, claimed)
		return RegistrationResult{}, err.atStep(3)
	}
	if err := s.regs.Delete(sctx, claimed); err != nil {
		log.Printf("registration_cleanup_failed identifier=%s err=%v", acct.Company.Identifier, err)
	}

	if err := s.notify.SendWelcomeEmail(ctx, acct.User.Email, acct.User.FirstName, acct.Company.Name, acct.Company.Identifier, acct.User.Username); err != nil {
		log.Printf("welcome_email_failed identifier=%s err=%v", acct.Company.Identifier, err)
	}
	s.audit(sctx, acct.User.ID, acct.Company.ID, activityRegister, c, map[string]any{"flow": "stepped", "identifier": acct.Company.Identifier})
	log.Printf("registration_completed identifier=%s user_id=%s", acct.Company.Identifier, acct.User.ID)

	views := make([]BackupCodeView, len(codes))
	for i, code := range codes {
		views[i] = BackupCodeView{Code: code}
	}
	return RegistrationResult{
		Company:     companySummary(acct.Company),
		User:        userSummary(acct.User),
		BackupCodes: views,
	}, nil
}

// RegisterSinglePage creates the company, role and owner in one call. The
// owner must enrol in two-factor authentication before the first login.
func (s *Service) RegisterSinglePage(ctx context.Context, in SinglePageInput, c Client) (RegistrationResult, error) {
	if err := validateCompany(&in.Company); err != nil {
		return RegistrationResult{}, err
	}
	if err := validateOwner(&in.Owner); err != nil {
		return RegistrationResult{}, err
	}
	if err := validateUsername(in.Username); err != nil {
		return RegistrationResult{}, err
	}
	if in.Password != in.ConfirmPassword {
		return RegistrationResult{}, validationErr("password_mismatch", "confirmPassword", "passwords do not match")
	}
	if msg := auth.SinglePagePolicy.Check(in.Password); msg != "" {
		return RegistrationResult{}, validationErr("weak_password", "password", msg)
	}

	sctx, cancel := s.bounded(ctx)
	defer cancel()
	if err := s.ensureAvailable(sctx, in.Owner.Email, in.Company.Name, in.Company.Phone); err != nil {
		return RegistrationResult{}, err
	}
	if s.cfg.UsernameScope == config.UsernameScopeInstance {
		taken, err := s.st.UsernameExists(sctx, "", in.Username)
		if err != nil {
			return RegistrationResult{}, internalErr(err)
		}
		if taken {
			return RegistrationResult{}, conflictErr("username", "username is already taken")
		}
	}
	id, err := s.ids.Unique(sctx, in.Company.CountryCode, in.Company.ShortName, s.st.CompanyIdentifierExists)
	if err != nil {
		return RegistrationResult{}, internalErr(fmt.Errorf("generate identifier: %w", err))
	}
	hash, err := auth.HashPassword(in.Password)
	if err != nil {
		return RegistrationResult{}, internalErr(err)
	}

	acct := &models.NewAccount{
		Company: companyFromDraft(id, ephemeral.CompanyDraft{
			Name:        in.Company.Name,
			FullName:    in.Company.FullName,
			ShortName:   in.Company.ShortName,
			CountryCode: in.Company.CountryCode,
			Phone:       in.Company.Phone,
			Address:     in.Company.Address,
			City:        in.Company.City,
		}),
		Role: models.Role{Name: adminRoleName, Permissions: AdminPermissions},
		User: models.User{
			Email:                  in.Owner.Email,
			Username:               in.Username,
			FirstName:              in.Owner.FirstName,
			LastName:               in.Owner.LastName,
			PasswordHash:           hash,
			TwoFactorSetupRequired: true,
			Active:                 true,
		},
	}
	if err := s.createAccount(sctx, acct); err != nil {
		return RegistrationResult{}, err
	}

	if err := s.notify.SendCompanyIdentifierEmail(ctx, acct.User.Email, acct.Company.Name, acct.Company.Identifier, time.Time{}); err != nil {
		log.Printf("registration_email_failed flow=single_page identifier=%s err=%v", acct.Company.Identifier, err)
	}
	if err := s.notify.SendWelcomeEmail(ctx, acct.User.Email, acct.User.FirstName, acct.Company.Name, acct.Company.Identifier, acct.User.Username); err != nil {
		log.Printf("welcome_email_failed identifier=%s err=%v", acct.Company.Identifier, err)
	}
	s.audit(sctx, acct.User.ID, acct.Company.ID, activityRegister, c, map[string]any{"flow": "single_page", "identifier": acct.Company.Identifier})
	log.Printf("registration_completed flow=single_page identifier=%s user_id=%s", acct.Company.Identifier, acct.User.ID)

	return RegistrationResult{Company: companySummary(acct.Company), User: userSummary(acct.User)}, nil
}

// PreviewIdentifier returns an identifier in the shape a company would
// receive. It is not reserved.
func (s *Service) PreviewIdentifier(countryCode, shortName string) (string, error) {
	if !countryCodeRe.MatchString(countryCode) {
		return "", validationErr("invalid_country_code", "countryCode", "country code must be exactly 2 letters")
	}
	return s.ids.Generate(countryCode, shortName), nil
}

func (s *Service) RegistrationStatus(ctx context.Context, email string) (RegistrationStatus, error) {
	email = normalizeEmail(email)
	if !validEmail(email) {
		return RegistrationStatus{}, validationErr("invalid_email", "email", "email address is not valid")
	}
	sctx, cancel := s.bounded(ctx)
	defer cancel()

	exists, err := s.st.EmailExists(sctx, email)
	if err != nil {
		return RegistrationStatus{}, internalErr(err)
	}
	if exists {
		return RegistrationStatus{Email: email, Status: StatusRegistered}, nil
	}
	sess, err := s.regs.FindByEmail(sctx, email)
	if errors.Is(err, ephemeral.ErrNotFound) {
		return RegistrationStatus{Email: email, Status: StatusNotFound}, nil
	}
	if err != nil {
		return RegistrationStatus{}, s.sessionErr(err, 1)
	}
	exp := sess.ExpiresAt
	return RegistrationStatus{
		Email:      email,
		Status:     StatusInProgress,
		Step:       sess.Step,
		Identifier: sess.Identifier,
		ExpiresAt:  &exp,
	}, nil
}

// ResendRegistrationEmail sends the company identifier email again for an
// in-progress registration found by token or, failing that, by email.
func (s *Service) ResendRegistrationEmail(ctx context.Context, token, email string) (RegistrationStatus, error) {
	sctx, cancel := s.bounded(ctx)
	defer cancel()

	var (
		sess *ephemeral.RegistrationSession
		err  error
	)
	switch {
	case token != "":
		sess, err = s.regs.Get(sctx, token)
	case email != "":
		sess, err = s.regs.FindByEmail(sctx, normalizeEmail(email))
	default:
		return RegistrationStatus{}, validationErr("missing_lookup", "sessionToken", "session token or email is required")
	}
	if errors.Is(err, ephemeral.ErrNotFound) {
		return RegistrationStatus{}, notFoundErr("registration_not_found", "no registration in progress").atStep(1)
	}
	if err != nil {
		return RegistrationStatus{}, s.sessionErr(err, 1)
	}
	if err := s.notify.SendCompanyIdentifierEmail(ctx, sess.Owner.Email, sess.Company.Name, sess.Identifier, sess.ExpiresAt); err != nil {
		log.Printf("registration_email_failed resend=true email=%s err=%v", maskEmail(sess.Owner.Email), err)
		return RegistrationStatus{}, unavailableErr("email_dispatch_failed", "could not send the email, try again", err)
	}
	exp := sess.ExpiresAt
	return RegistrationStatus{
		Email:      maskEmail(sess.Owner.Email),
		Status:     StatusInProgress,
		Step:       sess.Step,
		Identifier: sess.Identifier,
		ExpiresAt:  &exp,
	}, nil
}

func (s *Service) ensureAvailable(ctx context.Context, email, companyName, phone string) *Error {
	checks := []struct {
		field string
		msg   string
		fn    func(context.Context, string) (bool, error)
		value string
	}{
		{"ownerEmail", "an account with this email already exists", s.st.EmailExists, email},
		{"companyName", "a company with this name is already registered", s.st.CompanyNameExists, companyName},
		{"phoneNumber", "a company with this phone number is already registered", s.st.CompanyPhoneExists, phone},
	}
	for _, c := range checks {
		taken, err := c.fn(ctx, c.value)
		if err != nil {
			return internalErr(err)
		}
		if taken {
			return conflictErr(c.field, c.msg)
		}
	}
	return nil
}

// createAccount runs CreateAccount in a transaction, drawing a new
// identifier whenever the current one collides.
func (s *Service) createAccount(ctx context.Context, acct *models.NewAccount) *Error {
	acct.ReserveUsername = s.cfg.UsernameScope == config.UsernameScopeInstance
	for attempt := 0; attempt < identifier.MaxAttempts; attempt++ {
		err := s.st.WithTx(ctx, func(tx *store.Store) error {
			return tx.CreateAccount(ctx, acct, s.now())
		})
		if err == nil {
			return nil
		}
		field := store.ConflictField(err)
		if !errors.Is(err, store.ErrConflict) {
			return internalErr(err)
		}
		if field != "identifier" {
			return conflictForField(field)
		}
		log.Printf("identifier_collision identifier=%s attempt=%d", acct.Company.Identifier, attempt+1)
		next, err := s.ids.Unique(ctx, acct.Company.CountryCode, acct.Company.ShortName, s.st.CompanyIdentifierExists)
		if err != nil {
			return internalErr(fmt.Errorf("generate identifier: %w", err))
		}
		acct.Company.Identifier = next
	}
	return internalErr(identifier.ErrExhausted)
}

func conflictForField(field string) *Error {
	switch field {
	case "email":
		return conflictErr("ownerEmail", "an account with this email already exists")
	case "company_name":
		return conflictErr("companyName", "a company with this name is already registered")
	case "company_phone":
		return conflictErr("phoneNumber", "a company with this phone number is already registered")
	case "username":
		return conflictErr("username", "username is already taken")
	}
	return conflictErr(field, "record already exists")
}

// restoreRegistration puts a claimed session back so the client can retry
// the step that failed.
func (s *Service) restoreRegistration(ctx context.Context, sess *ephemeral.RegistrationSession) {
	if err := s.regs.Put(ctx, sess); err != nil {
		log.Printf("registration_restore_failed identifier=%s err=%v", sess.Identifier, err)
	}
}

// sessionErr maps a session store failure. A missing session sends the
// client back to resumeStep.
func (s *Service) sessionErr(err error, resumeStep int) *Error {
	var se *Error
	switch {
	case errors.As(err, &se):
		return se
	case errors.Is(err, ephemeral.ErrNotFound):
		return invalidSession(resumeStep)
	case errors.Is(err, ephemeral.ErrContention), errors.Is(err, context.DeadlineExceeded):
		return unavailableErr("session_store_busy", "session store is busy, try again", err)
	}
	return internalErr(err)
}

func wrongStep(current int) *Error {
	return validationErr("invalid_step", "sessionToken", fmt.Sprintf("registration is at step %d", current)).
		atStep(current).
		with("currentStep", current)
}

func companyFromDraft(id string, d ephemeral.CompanyDraft) models.Company {
	return models.Company{
		Identifier:  id,
		Name:        d.Name,
		FullName:    d.FullName,
		ShortName:   d.ShortName,
		CountryCode: d.CountryCode,
		Phone:       d.Phone,
		Address:     d.Address,
		City:        d.City,
		Active:      true,
	}
}

// backupCodesFrom validates caller-supplied codes or generates a fresh set.
func backupCodesFrom(supplied []string) ([]string, *Error) {
	if len(supplied) == 0 {
		codes, err := auth.NewBackupCodes(auth.BackupCodeCount)
		if err != nil {
			return nil, internalErr(err)
		}
		return codes, nil
	}
	if len(supplied) > maxSuppliedBackupCodes {
		return nil, validationErr("invalid_backup_codes", "backupCodes", fmt.Sprintf("at most %d backup codes are allowed", maxSuppliedBackupCodes))
	}
	seen := make(map[string]bool, len(supplied))
	out := make([]string, 0, len(supplied))
	for _, code := range supplied {
		norm := auth.NormalizeBackupCode(code)
		if len(norm) < 6 || len(norm) > 32 {
			return nil, validationErr("invalid_backup_codes", "backupCodes", "backup codes must be 6-32 characters")
		}
		if seen[norm] {
			return nil, validationErr("invalid_backup_codes", "backupCodes", "backup codes must be unique")
		}
		seen[norm] = true
		out = append(out, code)
	}
	return out, nil
}
