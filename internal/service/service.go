package service

import (
	"context"
	"log"
	"strings"
	"time"

	"enxero/internal/auth"
	"enxero/internal/config"
	"enxero/internal/ephemeral"
	"enxero/internal/guard"
	"enxero/internal/identifier"
	"enxero/internal/models"
	"enxero/internal/notify"
	"enxero/internal/store"
	"enxero/internal/token"
	"enxero/internal/util"
)

const (
	totpSealLabel      = "totp"
	adminRoleName      = "Administrator"
	totpMaxAttempts    = 5
	setupMaxAttempts   = 5
	otpMaxResends      = 5
	activityLogin      = "login"
	activityRegister   = "register"
	activity2FAEnable  = "two_factor_enabled"
	activity2FADisable = "two_factor_disabled"
	activityLogout     = "logout"
)

// AdminPermissions is granted to the company-scoped role created with every
// new company.
var AdminPermissions = []string{
	"company:manage",
	"users:manage",
	"roles:manage",
	"employees:manage",
	"payroll:manage",
	"leave:manage",
	"forms:manage",
	"files:manage",
	"notifications:manage",
	"integrations:manage",
	"settings:manage",
}

// Client describes the caller of an operation for audit and lockout.
type Client struct {
	IP        string
	UserAgent string
}

type Deps struct {
	Store     *store.Store
	Ephemeral ephemeral.Store
	Guard     *guard.Guard
	Tokens    *token.Issuer
	Notify    *notify.Dispatcher
	IDs       *identifier.Generator
	Box       *util.SecretBox
	Now       func() time.Time
}

type Service struct {
	cfg    config.Config
	st     *store.Store
	eph    ephemeral.Store
	regs   *ephemeral.RegistrationSessions
	logins *ephemeral.LoginSessions
	guard  *guard.Guard
	tokens *token.Issuer
	notify *notify.Dispatcher
	ids    *identifier.Generator
	box    *util.SecretBox
	totp   auth.TOTP
	now    func() time.Time
}

func New(cfg config.Config, d Deps) *Service {
	now := d.Now
	if now == nil {
		now = time.Now
	}
	ids := d.IDs
	if ids == nil {
		ids = identifier.New(nil)
	}
	return &Service{
		cfg:    cfg,
		st:     d.Store,
		eph:    d.Ephemeral,
		regs:   ephemeral.NewRegistrationSessions(d.Ephemeral, now),
		logins: ephemeral.NewLoginSessions(d.Ephemeral, now),
		guard:  d.Guard,
		tokens: d.Tokens,
		notify: d.Notify,
		ids:    ids,
		box:    d.Box,
		totp:   auth.TOTP{Issuer: cfg.TOTPIssuer, Skew: cfg.TOTPSkew},
		now:    now,
	}
}

// bounded derives the context used for store and session calls of one
// operation.
func (s *Service) bounded(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.cfg.StoreTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.cfg.StoreTimeout)
}

func (s *Service) audit(ctx context.Context, userID, companyID, action string, c Client, meta map[string]any) {
	if err := s.st.InsertActivity(ctx, userID, companyID, action, c.IP, c.UserAgent, meta, s.now()); err != nil {
		log.Printf("activity_log_failed action=%s user_id=%s err=%v", action, userID, err)
	}
}

func (s *Service) sealSecret(secret string) (string, error) {
	return s.box.Seal(totpSealLabel, secret)
}

func (s *Service) openSecret(sealed string) (string, error) {
	return s.box.Open(totpSealLabel, sealed)
}

// Ready checks the credential store and the session store.
func (s *Service) Ready(ctx context.Context) error {
	ctx, cancel := s.bounded(ctx)
	defer cancel()
	if err := s.st.Ping(ctx); err != nil {
		return err
	}
	return s.eph.Ping(ctx)
}

func (s *Service) EmailConfigured() bool { return s.notify.Configured() }

type CompanySummary struct {
	ID          string `json:"id"`
	Identifier  string `json:"identifier"`
	Name        string `json:"name"`
	CountryCode string `json:"countryCode"`
}

type UserSummary struct {
	ID                     string     `json:"id"`
	CompanyID              string     `json:"companyId"`
	RoleID                 string     `json:"roleId"`
	Email                  string     `json:"email"`
	Username               string     `json:"username"`
	FirstName              string     `json:"firstName"`
	LastName               string     `json:"lastName"`
	TwoFactorEnabled       bool       `json:"twoFactorEnabled"`
	TwoFactorSetupRequired bool       `json:"twoFactorSetupRequired"`
	LastLoginAt            *time.Time `json:"lastLoginAt,omitempty"`
}

func companySummary(c models.Company) CompanySummary {
	return CompanySummary{ID: c.ID, Identifier: c.Identifier, Name: c.Name, CountryCode: c.CountryCode}
}

func userSummary(u models.User) UserSummary {
	return UserSummary{
		ID:                     u.ID,
		CompanyID:              u.CompanyID,
		RoleID:                 u.RoleID,
		Email:                  u.Email,
		Username:               u.Username,
		FirstName:              u.FirstName,
		LastName:               u.LastName,
		TwoFactorEnabled:       u.TwoFactorEnabled,
		TwoFactorSetupRequired: u.TwoFactorSetupRequired,
		LastLoginAt:            u.LastLoginAt,
	}
}

// maskEmail keeps the first character of the local part and the domain.
func maskEmail(email string) string {
	at := strings.LastIndex(email, "@")
	if at <= 0 {
		return "***"
	}
	return email[:1] + "***" + email[at:]
}
