package token

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"enxero/internal/auth"
	"enxero/internal/models"
	"enxero/internal/store"
)

const (
	TypeAccess  = "access"
	TypeRefresh = "refresh"
)

var (
	ErrInvalidToken = errors.New("token: invalid or expired")
	ErrRevoked      = errors.New("token: session revoked")
)

// SessionStore persists refresh sessions; *store.Store implements it.
type SessionStore interface {
	CreateUserSession(ctx context.Context, sess models.UserSession) (models.UserSession, error)
	GetUserSessionByHash(ctx context.Context, hash string) (models.UserSession, error)
	DeleteUserSessionByHash(ctx context.Context, hash string) (int64, error)
	DeleteUserSessions(ctx context.Context, userID string) (int64, error)
	GetUserByID(ctx context.Context, id string) (models.User, error)
}

type Config struct {
	Secret     []byte
	Issuer     string
	AccessTTL  time.Duration
	RefreshTTL time.Duration
	SessionTTL time.Duration
	Now        func() time.Time
}

type AccessClaims struct {
	UID       string `json:"uid"`
	RoleID    string `json:"role_id"`
	CompanyID string `json:"company_id"`
	Type      string `json:"typ"`
	jwt.RegisteredClaims
}

type RefreshClaims struct {
	UID   string `json:"uid"`
	Type  string `json:"typ"`
	Nonce string `json:"nonce"`
	jwt.RegisteredClaims
}

type Pair struct {
	AccessToken     string    `json:"accessToken"`
	RefreshToken    string    `json:"refreshToken"`
	TokenType       string    `json:"tokenType"`
	ExpiresIn       int64     `json:"expiresIn"`
	AccessExpiresAt time.Time `json:"accessExpiresAt"`
}

type Issuer struct {
	cfg      Config
	sessions SessionStore
}

func NewIssuer(cfg Config, sessions SessionStore) (*Issuer, error) {
	if len(cfg.Secret) < 32 {
		return nil, errors.New("token: signing secret must be at least 32 bytes")
	}
	if cfg.AccessTTL <= 0 || cfg.RefreshTTL <= 0 || cfg.SessionTTL <= 0 {
		return nil, errors.New("token: invalid ttl configuration")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Issuer{cfg: cfg, sessions: sessions}, nil
}

// Issue signs a fresh access/refresh pair for u without persisting it.
func (i *Issuer) Issue(u models.User) (Pair, error) {
	now := i.cfg.Now()
	accessExp := now.Add(i.cfg.AccessTTL)
	access := AccessClaims{
		UID:       u.ID,
		RoleID:    u.RoleID,
		CompanyID: u.CompanyID,
		Type:      TypeAccess,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    i.cfg.Issuer,
			Subject:   u.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(accessExp),
			ID:        uuid.NewString(),
		},
	}
	refresh := RefreshClaims{
		UID:   u.ID,
		Type:  TypeRefresh,
		Nonce: uuid.NewString(),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    i.cfg.Issuer,
			Subject:   u.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.cfg.RefreshTTL)),
			ID:        uuid.NewString(),
		},
	}
	at, err := jwt.NewWithClaims(jwt.SigningMethodHS256, access).SignedString(i.cfg.Secret)
	if err != nil {
		return Pair{}, fmt.Errorf("sign access token: %w", err)
	}
	rt, err := jwt.NewWithClaims(jwt.SigningMethodHS256, refresh).SignedString(i.cfg.Secret)
	if err != nil {
		return Pair{}, fmt.Errorf("sign refresh token: %w", err)
	}
	return Pair{
		AccessToken:     at,
		RefreshToken:    rt,
		TokenType:       "Bearer",
		ExpiresIn:       int64(i.cfg.AccessTTL / time.Second),
		AccessExpiresAt: accessExp.UTC(),
	}, nil
}

// CreateSession records refresh against the user, replacing any row that
// already holds the same token.
func (i *Issuer) CreateSession(ctx context.Context, userID, companyID, refresh, ip, userAgent string) (models.UserSession, error) {
	hash := auth.HashToken(refresh)
	if _, err := i.sessions.DeleteUserSessionByHash(ctx, hash); err != nil {
		return models.UserSession{}, err
	}
	now := i.cfg.Now()
	return i.sessions.CreateUserSession(ctx, models.UserSession{
		UserID:           userID,
		CompanyID:        companyID,
		RefreshTokenHash: hash,
		IP:               ip,
		UserAgent:        userAgent,
		ExpiresAt:        now.Add(i.cfg.SessionTTL),
		CreatedAt:        now,
	})
}

// Login issues a pair and persists its refresh session.
func (i *Issuer) Login(ctx context.Context, u models.User, ip, userAgent string) (Pair, error) {
	pair, err := i.Issue(u)
	if err != nil {
		return Pair{}, err
	}
	if _, err := i.CreateSession(ctx, u.ID, u.CompanyID, pair.RefreshToken, ip, userAgent); err != nil {
		return Pair{}, err
	}
	return pair, nil
}

// Invalidate removes the session for refresh. Unknown tokens are a no-op.
func (i *Issuer) Invalidate(ctx context.Context, refresh string) error {
	if refresh == "" {
		return nil
	}
	_, err := i.sessions.DeleteUserSessionByHash(ctx, auth.HashToken(refresh))
	return err
}

func (i *Issuer) InvalidateAll(ctx context.Context, userID string) (int64, error) {
	return i.sessions.DeleteUserSessions(ctx, userID)
}

// Refresh validates refresh against its signature, type and stored session
// and rotates it for a new pair.
func (i *Issuer) Refresh(ctx context.Context, refresh, ip, userAgent string) (Pair, models.User, error) {
	claims, err := i.ParseRefresh(refresh)
	if err != nil {
		return Pair{}, models.User{}, err
	}
	hash := auth.HashToken(refresh)
	sess, err := i.sessions.GetUserSessionByHash(ctx, hash)
	if errors.Is(err, store.ErrNotFound) {
		return Pair{}, models.User{}, ErrRevoked
	}
	if err != nil {
		return Pair{}, models.User{}, err
	}
	if sess.UserID != claims.UID || !i.cfg.Now().Before(sess.ExpiresAt) {
		_, _ = i.sessions.DeleteUserSessionByHash(ctx, hash)
		return Pair{}, models.User{}, ErrRevoked
	}
	u, err := i.sessions.GetUserByID(ctx, claims.UID)
	if errors.Is(err, store.ErrNotFound) {
		return Pair{}, models.User{}, ErrRevoked
	}
	if err != nil {
		return Pair{}, models.User{}, err
	}
	if !u.Active {
		return Pair{}, models.User{}, ErrRevoked
	}
	// The delete is the claim: of two concurrent rotations only one removes
	// the row.
	n, err := i.sessions.DeleteUserSessionByHash(ctx, hash)
	if err != nil {
		return Pair{}, models.User{}, err
	}
	if n == 0 {
		return Pair{}, models.User{}, ErrRevoked
	}
	pair, err := i.Login(ctx, u, ip, userAgent)
	if err != nil {
		return Pair{}, models.User{}, err
	}
	return pair, u, nil
}

func (i *Issuer) ParseAccess(raw string) (*AccessClaims, error) {
	var claims AccessClaims
	if err := i.parse(raw, &claims); err != nil {
		return nil, err
	}
	if claims.Type != TypeAccess || claims.UID == "" {
		return nil, ErrInvalidToken
	}
	return &claims, nil
}

func (i *Issuer) ParseRefresh(raw string) (*RefreshClaims, error) {
	var claims RefreshClaims
	if err := i.parse(raw, &claims); err != nil {
		return nil, err
	}
	if claims.Type != TypeRefresh || claims.UID == "" {
		return nil, ErrInvalidToken
	}
	return &claims, nil
}

func (i *Issuer) parse(raw string, claims jwt.Claims) error {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(i.cfg.Now),
		jwt.WithExpirationRequired(),
	}
	if i.cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(i.cfg.Issuer))
	}
	tok, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return i.cfg.Secret, nil
	}, opts...)
	if err != nil || !tok.Valid {
		return ErrInvalidToken
	}
	return nil
}
