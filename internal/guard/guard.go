package guard

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"enxero/internal/models"
	"enxero/internal/store"
)

// Store is the slice of the credential store the guard needs.
type Store interface {
	InsertFailedAttempt(ctx context.Context, a models.FailedLoginAttempt) error
	CountFailedAttemptsSince(ctx context.Context, email string, since time.Time) (int, error)
	DeleteFailedAttempts(ctx context.Context, email string) error
	PruneFailedAttemptsBefore(ctx context.Context, before time.Time) (int64, error)
	GetUserByEmail(ctx context.Context, email string) (models.User, error)
	LockUser(ctx context.Context, userID string, until time.Time) error
	UnlockUser(ctx context.Context, userID string) error
}

type Config struct {
	Threshold int
	Window    time.Duration
	Duration  time.Duration
	Retention time.Duration
	Now       func() time.Time
}

// Guard locks accounts after repeated password failures.
type Guard struct {
	st  Store
	cfg Config
}

func New(st Store, cfg Config) *Guard {
	if cfg.Threshold <= 0 {
		cfg.Threshold = 5
	}
	if cfg.Window <= 0 {
		cfg.Window = 15 * time.Minute
	}
	if cfg.Duration <= 0 {
		cfg.Duration = 15 * time.Minute
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 24 * time.Hour
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Guard{st: st, cfg: cfg}
}

// RecordFailure appends an attempt and locks the owning account once the
// trailing window holds Threshold failures. It reports whether a lock was
// applied.
func (g *Guard) RecordFailure(ctx context.Context, email, ip, userAgent string, companyID *string) (bool, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return false, nil
	}
	now := g.cfg.Now()
	if err := g.st.InsertFailedAttempt(ctx, models.FailedLoginAttempt{
		Email: email, IP: ip, UserAgent: userAgent, CompanyID: companyID, AttemptedAt: now,
	}); err != nil {
		return false, fmt.Errorf("record failed attempt: %w", err)
	}
	n, err := g.st.CountFailedAttemptsSince(ctx, email, now.Add(-g.cfg.Window))
	if err != nil {
		return false, fmt.Errorf("count failed attempts: %w", err)
	}
	if n < g.cfg.Threshold {
		return false, nil
	}
	u, err := g.st.GetUserByEmail(ctx, email)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	until := now.Add(g.cfg.Duration)
	if err := g.st.LockUser(ctx, u.ID, until); err != nil {
		return false, fmt.Errorf("lock user: %w", err)
	}
	log.Printf("account_locked user_id=%s attempts=%d until=%s", u.ID, n, until.UTC().Format(time.RFC3339))
	return true, nil
}

// IsLocked reports whether u is inside a lock window. An expired lock is
// lifted on the spot: the account is reactivated, locked_until cleared and
// the failure history purged. u is updated in place.
func (g *Guard) IsLocked(ctx context.Context, u *models.User) (bool, error) {
	if u.LockedUntil == nil {
		return false, nil
	}
	if g.cfg.Now().Before(*u.LockedUntil) {
		return true, nil
	}
	if err := g.st.UnlockUser(ctx, u.ID); err != nil {
		return false, fmt.Errorf("unlock user: %w", err)
	}
	if err := g.st.DeleteFailedAttempts(ctx, u.Email); err != nil {
		return false, fmt.Errorf("purge failed attempts: %w", err)
	}
	u.LockedUntil = nil
	u.Active = true
	return false, nil
}

// Prune drops attempts older than the retention period.
func (g *Guard) Prune(ctx context.Context) (int64, error) {
	return g.st.PruneFailedAttemptsBefore(ctx, g.cfg.Now().Add(-g.cfg.Retention))
}
