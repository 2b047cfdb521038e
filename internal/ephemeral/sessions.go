package ephemeral

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	registrationPrefix = "reg:"
	registrationEmail  = "reg-email:"
	loginPrefix        = "login:"
)

type CompanyDraft struct {
	Name        string `json:"name"`
	FullName    string `json:"full_name,omitempty"`
	ShortName   string `json:"short_name,omitempty"`
	CountryCode string `json:"country_code"`
	Phone       string `json:"phone"`
	Address     string `json:"address,omitempty"`
	City        string `json:"city,omitempty"`
}

type OwnerDraft struct {
	Email     string `json:"email"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
}

// RegistrationSession carries a company sign-up between steps. Step only
// moves forward.
type RegistrationSession struct {
	Token        string       `json:"token"`
	Step         int          `json:"step"`
	Identifier   string       `json:"identifier"`
	Company      CompanyDraft `json:"company"`
	Owner        OwnerDraft   `json:"owner"`
	Username     string       `json:"username,omitempty"`
	PasswordHash string       `json:"password_hash,omitempty"`
	TOTPSecret   string       `json:"totp_secret,omitempty"`
	CreatedAt    time.Time    `json:"created_at"`
	ExpiresAt    time.Time    `json:"expires_at"`
}

type LoginPurpose string

const (
	PurposeTOTP      LoginPurpose = "totp"
	PurposeEmailOTP  LoginPurpose = "email_otp"
	PurposeTOTPSetup LoginPurpose = "totp_setup"
)

// LoginSession is a pending second factor bound to one user.
type LoginSession struct {
	Token       string       `json:"token"`
	Purpose     LoginPurpose `json:"purpose"`
	UserID      string       `json:"user_id"`
	CompanyID   string       `json:"company_id"`
	Email       string       `json:"email"`
	CodeHash    string       `json:"code_hash,omitempty"`
	TOTPSecret  string       `json:"totp_secret,omitempty"`
	Attempts    int          `json:"attempts"`
	MaxAttempts int          `json:"max_attempts"`
	Resends     int          `json:"resends,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
	ExpiresAt   time.Time    `json:"expires_at"`
}

func (s *LoginSession) Exhausted() bool {
	return s.MaxAttempts > 0 && s.Attempts >= s.MaxAttempts
}

type RegistrationSessions struct {
	store Store
	now   func() time.Time
}

func NewRegistrationSessions(st Store, now func() time.Time) *RegistrationSessions {
	if now == nil {
		now = time.Now
	}
	return &RegistrationSessions{store: st, now: now}
}

func emailKey(email string) string {
	return registrationEmail + strings.ToLower(strings.TrimSpace(email))
}

// Put writes the session and its owner-email index with the session's
// expiry.
func (r *RegistrationSessions) Put(ctx context.Context, sess *RegistrationSession) error {
	b, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("encode registration session: %w", err)
	}
	if err := r.store.Save(ctx, registrationPrefix+sess.Token, b, sess.ExpiresAt); err != nil {
		return err
	}
	return r.store.Save(ctx, emailKey(sess.Owner.Email), []byte(sess.Token), sess.ExpiresAt)
}

func (r *RegistrationSessions) Get(ctx context.Context, token string) (*RegistrationSession, error) {
	if strings.TrimSpace(token) == "" {
		return nil, ErrNotFound
	}
	b, err := r.store.Load(ctx, registrationPrefix+token)
	if err != nil {
		return nil, err
	}
	var sess RegistrationSession
	if err := json.Unmarshal(b, &sess); err != nil {
		return nil, fmt.Errorf("decode registration session: %w", err)
	}
	if !r.now().Before(sess.ExpiresAt) {
		_ = r.Delete(ctx, &sess)
		return nil, ErrNotFound
	}
	return &sess, nil
}

// FindByEmail returns the in-progress registration owned by email.
func (r *RegistrationSessions) FindByEmail(ctx context.Context, email string) (*RegistrationSession, error) {
	token, err := r.store.Load(ctx, emailKey(email))
	if err != nil {
		return nil, err
	}
	sess, err := r.Get(ctx, string(token))
	if err != nil {
		return nil, err
	}
	if !strings.EqualFold(sess.Owner.Email, strings.TrimSpace(email)) {
		return nil, ErrNotFound
	}
	return sess, nil
}

// Update rewrites the session atomically. The expiry is preserved unless
// fn changes it.
func (r *RegistrationSessions) Update(ctx context.Context, token string, fn func(*RegistrationSession) error) (*RegistrationSession, error) {
	var out RegistrationSession
	err := r.store.Update(ctx, registrationPrefix+token, func(b []byte) ([]byte, time.Time, bool, error) {
		var sess RegistrationSession
		if err := json.Unmarshal(b, &sess); err != nil {
			return nil, time.Time{}, false, fmt.Errorf("decode registration session: %w", err)
		}
		if !r.now().Before(sess.ExpiresAt) {
			return nil, time.Time{}, true, ErrNotFound
		}
		if err := fn(&sess); err != nil {
			return nil, time.Time{}, false, err
		}
		next, err := json.Marshal(&sess)
		if err != nil {
			return nil, time.Time{}, false, err
		}
		out = sess
		return next, sess.ExpiresAt, false, nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Take atomically loads and removes the session so only one caller can
// finish it. The email index is left for Delete.
func (r *RegistrationSessions) Take(ctx context.Context, token string) (*RegistrationSession, error) {
	if strings.TrimSpace(token) == "" {
		return nil, ErrNotFound
	}
	var out RegistrationSession
	err := r.store.Update(ctx, registrationPrefix+token, func(b []byte) ([]byte, time.Time, bool, error) {
		if err := json.Unmarshal(b, &out); err != nil {
			return nil, time.Time{}, false, fmt.Errorf("decode registration session: %w", err)
		}
		if !r.now().Before(out.ExpiresAt) {
			return nil, time.Time{}, true, ErrNotFound
		}
		return nil, time.Time{}, true, nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (r *RegistrationSessions) Delete(ctx context.Context, sess *RegistrationSession) error {
	keys := []string{registrationPrefix + sess.Token}
	if idx, err := r.store.Load(ctx, emailKey(sess.Owner.Email)); err == nil && string(idx) == sess.Token {
		keys = append(keys, emailKey(sess.Owner.Email))
	} else if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	return r.store.Delete(ctx, keys...)
}

type LoginSessions struct {
	store Store
	now   func() time.Time
}

func NewLoginSessions(st Store, now func() time.Time) *LoginSessions {
	if now == nil {
		now = time.Now
	}
	return &LoginSessions{store: st, now: now}
}

func (l *LoginSessions) Put(ctx context.Context, sess *LoginSession) error {
	b, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("encode login session: %w", err)
	}
	return l.store.Save(ctx, loginPrefix+sess.Token, b, sess.ExpiresAt)
}

func (l *LoginSessions) Get(ctx context.Context, token string) (*LoginSession, error) {
	if strings.TrimSpace(token) == "" {
		return nil, ErrNotFound
	}
	b, err := l.store.Load(ctx, loginPrefix+token)
	if err != nil {
		return nil, err
	}
	var sess LoginSession
	if err := json.Unmarshal(b, &sess); err != nil {
		return nil, fmt.Errorf("decode login session: %w", err)
	}
	if !l.now().Before(sess.ExpiresAt) {
		_ = l.store.Delete(ctx, loginPrefix+token)
		return nil, ErrNotFound
	}
	return &sess, nil
}

// Update applies fn atomically. fn returning del=true removes the session;
// its error, if any, is returned after the removal.
func (l *LoginSessions) Update(ctx context.Context, token string, fn func(*LoginSession) (del bool, err error)) (*LoginSession, error) {
	if strings.TrimSpace(token) == "" {
		return nil, ErrNotFound
	}
	var out LoginSession
	err := l.store.Update(ctx, loginPrefix+token, func(b []byte) ([]byte, time.Time, bool, error) {
		var sess LoginSession
		if err := json.Unmarshal(b, &sess); err != nil {
			return nil, time.Time{}, false, fmt.Errorf("decode login session: %w", err)
		}
		if !l.now().Before(sess.ExpiresAt) {
			return nil, time.Time{}, true, ErrNotFound
		}
		del, err := fn(&sess)
		out = sess
		if del || err != nil {
			return nil, time.Time{}, del, err
		}
		next, err := json.Marshal(&sess)
		if err != nil {
			return nil, time.Time{}, false, err
		}
		return next, sess.ExpiresAt, false, nil
	})
	if err != nil {
		return &out, err
	}
	return &out, nil
}

func (l *LoginSessions) Delete(ctx context.Context, token string) error {
	return l.store.Delete(ctx, loginPrefix+token)
}
