package agentchat

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

// ============================================================================
// Profile
// ============================================================================

// Profile is the identity carried by the bearer token's claims.
type Profile struct {
	UserID     int64     `json:"user_id"`
	TenantID   int64     `json:"tenant_id"`
	Email      string    `json:"email"`
	Name       string    `json:"name"`
	Role       string    `json:"role"`
	TenantName string    `json:"tenant_name"`
	TenantType string    `json:"tenant_type"`
	ExpiresAt  time.Time `json:"expires_at,omitempty"`
}

// TenantLine renders the tenant as "Name (type)".
func (p Profile) TenantLine() string {
	if p.TenantType == "" {
		return p.TenantName
	}
	return fmt.Sprintf("%s (%s)", p.TenantName, p.TenantType)
}

// UserLine renders the user as "Name - role".
func (p Profile) UserLine() string {
	if p.Role == "" {
		return p.Name
	}
	return fmt.Sprintf("%s - %s", p.Name, p.Role)
}

// Expired reports whether the token's exp claim is before now. Tokens without
// an exp claim never expire locally.
func (p Profile) Expired(now time.Time) bool {
	return !p.ExpiresAt.IsZero() && now.After(p.ExpiresAt)
}

type tokenClaims struct {
	UserID     *int64 `json:"user_id"`
	TenantID   *int64 `json:"tenant_id"`
	Email      string `json:"email"`
	Name       string `json:"name"`
	Role       string `json:"role"`
	TenantName string `json:"tenant_name"`
	TenantType string `json:"tenant_type"`
	jwt.RegisteredClaims
}

// ParseProfile decodes the claims of token without verifying its signature;
// the backend does that on every request. user_id and tenant_id are required.
func ParseProfile(token string) (*Profile, error) {
	var claims tokenClaims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedCredential, err)
	}
	if claims.UserID == nil || claims.TenantID == nil {
		return nil, fmt.Errorf("%w: missing user_id or tenant_id claim", ErrMalformedCredential)
	}
	p := &Profile{
		UserID:     *claims.UserID,
		TenantID:   *claims.TenantID,
		Email:      claims.Email,
		Name:       claims.Name,
		Role:       claims.Role,
		TenantName: claims.TenantName,
		TenantType: claims.TenantType,
	}
	if claims.ExpiresAt != nil {
		p.ExpiresAt = claims.ExpiresAt.Time
	}
	return p, nil
}

// ============================================================================
// Identity
// ============================================================================

// AuthAPI is the part of the REST API identity needs. *Client implements it.
type AuthAPI interface {
	Login(ctx context.Context, email, password string) (*LoginResult, error)
}

var _ AuthAPI = (*Client)(nil)

// Identity owns the bearer token and the profile decoded from it, and keeps
// the token in the store across restarts.
type Identity struct {
	api    AuthAPI
	store  Store
	logger *zap.Logger

	mu      sync.RWMutex
	token   string
	profile *Profile
}

func NewIdentity(api AuthAPI, store Store, logger *zap.Logger) *Identity {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Identity{api: api, store: store, logger: logger.Named("identity")}
}

// Authenticate adopts token. A token whose claims cannot be decoded logs the
// identity out and returns an error wrapping ErrMalformedCredential.
func (i *Identity) Authenticate(ctx context.Context, token string) (*Profile, error) {
	profile, err := ParseProfile(token)
	if err != nil {
		i.logger.Warn("credential_rejected", zap.Error(err))
		i.Logout(ctx)
		return nil, err
	}

	i.mu.Lock()
	i.token = token
	i.profile = profile
	i.mu.Unlock()

	if err := i.store.Put(ctx, KeyToken, token); err != nil {
		i.logger.Error("credential_persist_failed", zap.Error(err))
	}
	i.logger.Info("authenticated",
		zap.Int64("user_id", profile.UserID),
		zap.Int64("tenant_id", profile.TenantID),
	)
	p := *profile
	return &p, nil
}

// Login exchanges email and password for a token and adopts it.
func (i *Identity) Login(ctx context.Context, email, password string) (*Profile, error) {
	res, err := i.api.Login(ctx, email, password)
	if err != nil {
		i.logger.Info("login_failed", zap.String("email", email), zap.Error(err))
		return nil, err
	}
	return i.Authenticate(ctx, res.AccessToken)
}

// Restore adopts the token kept in the store. It returns ErrNotAuthenticated
// when none is stored.
func (i *Identity) Restore(ctx context.Context) (*Profile, error) {
	token, err := i.store.Get(ctx, KeyToken)
	if errors.Is(err, ErrNotFound) || (err == nil && token == "") {
		return nil, ErrNotAuthenticated
	}
	if err != nil {
		return nil, fmt.Errorf("restore credential: %w", err)
	}
	return i.Authenticate(ctx, token)
}

// Logout forgets the token and profile and removes the stored token. It is
// idempotent; store failures are logged.
func (i *Identity) Logout(ctx context.Context) {
	i.mu.Lock()
	had := i.token != ""
	i.token = ""
	i.profile = nil
	i.mu.Unlock()

	if err := i.store.Delete(ctx, KeyToken); err != nil {
		i.logger.Error("credential_delete_failed", zap.Error(err))
	}
	if had {
		i.logger.Info("logged_out")
	}
}

// Profile returns a copy of the current profile, or nil when logged out.
func (i *Identity) Profile() *Profile {
	i.mu.RLock()
	defer i.mu.RUnlock()
	if i.profile == nil {
		return nil
	}
	p := *i.profile
	return &p
}

func (i *Identity) Token() string {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.token
}

func (i *Identity) Authenticated() bool {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.profile != nil
}
