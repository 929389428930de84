// Package auth issues and validates access tokens for guardian and admin
// accounts. Refresh tokens are opaque, hashed at rest and kept in Redis with
// their own TTL so revocation is a key delete.
package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jws"
	"github.com/lestrrat-go/jwx/v2/jwt"
	"github.com/redis/go-redis/v9"

	"github.com/noah-isme/backend-dojo/internal/common"
	"github.com/noah-isme/backend-dojo/internal/store"
)

const (
	claimFamilyID = "family_id"
	claimRole     = "role"

	sessionKeyPrefix = "session:"

	defaultAccessTTL  = 15 * time.Minute
	defaultRefreshTTL = 30 * 24 * time.Hour
)

// Querier captures the database methods required by the auth service.
type Querier interface {
	InsertAccount(ctx context.Context, arg store.InsertAccountParams) (store.Account, error)
	GetAccountByEmail(ctx context.Context, email string) (store.Account, error)
	GetAccount(ctx context.Context, id uuid.UUID) (store.Account, error)
	InsertFamily(ctx context.Context, arg store.InsertFamilyParams) (store.Family, error)
}

// PasswordHasher abstracts argon2id so tests can swap in a cheap hash.
type PasswordHasher interface {
	Hash(password string) (string, error)
	Compare(password, hash string) (bool, error)
}

// Service coordinates credentials, token issuance and session persistence.
type Service struct {
	Q          Querier
	Sessions   *redis.Client
	Hasher     PasswordHasher
	Secret     []byte
	Issuer     string
	Audience   string
	AccessTTL  time.Duration
	RefreshTTL time.Duration
	Now        func() time.Time
}

// AccountView is the safe subset of an account returned to clients.
type AccountView struct {
	ID        string     `json:"id"`
	Email     string     `json:"email"`
	Role      string     `json:"role"`
	FamilyID  *uuid.UUID `json:"family_id,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

// TokenPair bundles the material issued on login and refresh.
type TokenPair struct {
	AccessToken   string    `json:"access_token"`
	AccessExpiry  time.Time `json:"access_expires_at"`
	RefreshToken  string    `json:"refresh_token"`
	RefreshExpiry time.Time `json:"refresh_expires_at"`
}

// RegisterInput signs up a guardian together with their household.
type RegisterInput struct {
	Email      string
	Password   string
	FamilyName string
}

// RegisterResult pairs the new account with its family.
type RegisterResult struct {
	Account AccountView  `json:"account"`
	Family  store.Family `json:"family"`
}

// Register creates the household and its first guardian login in one step.
func (s *Service) Register(ctx context.Context, in RegisterInput) (RegisterResult, error) {
	email := strings.TrimSpace(strings.ToLower(in.Email))
	if email == "" {
		return RegisterResult{}, common.ValidationError("email is required", nil)
	}
	if len(in.Password) < 8 {
		return RegisterResult{}, common.ValidationError("password must be at least 8 characters", nil)
	}
	if strings.TrimSpace(in.FamilyName) == "" {
		return RegisterResult{}, common.ValidationError("family name is required", nil)
	}

	hash, err := s.Hasher.Hash(in.Password)
	if err != nil {
		return RegisterResult{}, fmt.Errorf("hash password: %w", err)
	}

	f, err := s.Q.InsertFamily(ctx, store.InsertFamilyParams{Name: strings.TrimSpace(in.FamilyName)})
	if err != nil {
		return RegisterResult{}, common.TransientError("create family", err)
	}
	fid := f.ID
	account, err := s.Q.InsertAccount(ctx, store.InsertAccountParams{
		Email:        email,
		PasswordHash: hash,
		Role:         common.RoleGuardian,
		FamilyID:     &fid,
	})
	if err != nil {
		if store.IsUniqueViolation(err, "") {
			return RegisterResult{}, common.ConflictError("email is already registered", err)
		}
		return RegisterResult{}, common.TransientError("create account", err)
	}
	return RegisterResult{Account: toView(account), Family: f}, nil
}

// CreateAdmin provisions an admin login. Only reachable behind the admin guard.
func (s *Service) CreateAdmin(ctx context.Context, email, password string) (AccountView, error) {
	email = strings.TrimSpace(strings.ToLower(email))
	if email == "" {
		return AccountView{}, common.ValidationError("email is required", nil)
	}
	if len(password) < 8 {
		return AccountView{}, common.ValidationError("password must be at least 8 characters", nil)
	}
	hash, err := s.Hasher.Hash(password)
	if err != nil {
		return AccountView{}, fmt.Errorf("hash password: %w", err)
	}
	account, err := s.Q.InsertAccount(ctx, store.InsertAccountParams{
		Email:        email,
		PasswordHash: hash,
		Role:         common.RoleAdmin,
	})
	if err != nil {
		if store.IsUniqueViolation(err, "") {
			return AccountView{}, common.ConflictError("email is already registered", err)
		}
		return AccountView{}, common.TransientError("create account", err)
	}
	return toView(account), nil
}

// Login verifies credentials and issues a token pair. Credential failures are
// indistinguishable to callers.
func (s *Service) Login(ctx context.Context, email, password string) (AccountView, TokenPair, error) {
	invalid := common.NewAppError(common.CodeUnauthorized, "invalid email or password", http.StatusUnauthorized, nil)
	email = strings.TrimSpace(strings.ToLower(email))
	if email == "" || password == "" {
		return AccountView{}, TokenPair{}, invalid
	}
	account, err := s.Q.GetAccountByEmail(ctx, email)
	if err != nil {
		return AccountView{}, TokenPair{}, invalid
	}
	ok, err := s.Hasher.Compare(password, account.PasswordHash)
	if err != nil || !ok {
		return AccountView{}, TokenPair{}, invalid
	}
	pair, err := s.issuePair(ctx, account)
	if err != nil {
		return AccountView{}, TokenPair{}, err
	}
	return toView(account), pair, nil
}

// Refresh rotates a refresh token and issues a fresh pair.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (TokenPair, error) {
	invalid := common.NewAppError(common.CodeUnauthorized, "invalid refresh token", http.StatusUnauthorized, nil)
	token := strings.TrimSpace(refreshToken)
	if token == "" || s.Sessions == nil {
		return TokenPair{}, invalid
	}
	key := sessionKeyPrefix + hashToken(token)
	accountID, err := s.Sessions.GetDel(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return TokenPair{}, invalid
		}
		return TokenPair{}, common.TransientError("load session", err)
	}
	id, err := uuid.Parse(accountID)
	if err != nil {
		return TokenPair{}, invalid
	}
	account, err := s.Q.GetAccount(ctx, id)
	if err != nil {
		return TokenPair{}, invalid
	}
	return s.issuePair(ctx, account)
}

// Logout revokes the refresh token. Unknown tokens are a no-op.
func (s *Service) Logout(ctx context.Context, refreshToken string) error {
	token := strings.TrimSpace(refreshToken)
	if token == "" || s.Sessions == nil {
		return nil
	}
	return s.Sessions.Del(ctx, sessionKeyPrefix+hashToken(token)).Err()
}

// Me loads the authenticated account.
func (s *Service) Me(ctx context.Context, accountID string) (AccountView, error) {
	id, err := uuid.Parse(accountID)
	if err != nil {
		return AccountView{}, common.NewAppError(common.CodeUnauthorized, "unauthorized", http.StatusUnauthorized, err)
	}
	account, err := s.Q.GetAccount(ctx, id)
	if err != nil {
		return AccountView{}, common.NewAppError(common.CodeUnauthorized, "unauthorized", http.StatusUnauthorized, err)
	}
	return toView(account), nil
}

// ParseAccessToken validates a signed token and returns the caller principal.
// The algorithm is pinned to HS256 before any key material is touched.
func (s *Service) ParseAccessToken(token string) (common.AuthPrincipal, error) {
	invalid := common.NewAppError(common.CodeUnauthorized, "invalid token", http.StatusUnauthorized, nil)
	trimmed := strings.TrimSpace(token)
	if trimmed == "" {
		return common.AuthPrincipal{}, invalid
	}
	alg, err := tokenAlgorithm(trimmed)
	if err != nil || alg != jwa.HS256 {
		return common.AuthPrincipal{}, invalid
	}
	parsed, err := jwt.ParseString(trimmed, jwt.WithKey(jwa.HS256, s.Secret), jwt.WithValidate(false))
	if err != nil {
		return common.AuthPrincipal{}, invalid
	}
	options := []jwt.ValidateOption{
		jwt.WithClock(jwt.ClockFunc(s.now)),
	}
	if s.Issuer != "" {
		options = append(options, jwt.WithIssuer(s.Issuer))
	}
	if s.Audience != "" {
		options = append(options, jwt.WithAudience(s.Audience))
	}
	if err := jwt.Validate(parsed, options...); err != nil {
		return common.AuthPrincipal{}, invalid
	}

	principal := common.AuthPrincipal{AccountID: parsed.Subject()}
	if v, ok := parsed.Get(claimRole); ok {
		principal.Role, _ = v.(string)
	}
	if v, ok := parsed.Get(claimFamilyID); ok {
		principal.FamilyID, _ = v.(string)
	}
	if principal.AccountID == "" || principal.Role == "" {
		return common.AuthPrincipal{}, invalid
	}
	return principal, nil
}

func (s *Service) issuePair(ctx context.Context, account store.Account) (TokenPair, error) {
	access, accessExpiry, err := s.signAccessToken(account)
	if err != nil {
		return TokenPair{}, fmt.Errorf("sign access token: %w", err)
	}
	refresh, refreshExpiry, err := s.createSession(ctx, account.ID)
	if err != nil {
		return TokenPair{}, fmt.Errorf("create session: %w", err)
	}
	return TokenPair{
		AccessToken:   access,
		AccessExpiry:  accessExpiry,
		RefreshToken:  refresh,
		RefreshExpiry: refreshExpiry,
	}, nil
}

func (s *Service) signAccessToken(account store.Account) (string, time.Time, error) {
	now := s.now()
	expiresAt := now.Add(s.accessTTL())
	builder := jwt.NewBuilder().
		Subject(account.ID.String()).
		Issuer(s.Issuer).
		Audience([]string{s.Audience}).
		IssuedAt(now).
		Expiration(expiresAt).
		Claim(claimRole, account.Role)
	if account.FamilyID != nil {
		builder = builder.Claim(claimFamilyID, account.FamilyID.String())
	}
	token, err := builder.Build()
	if err != nil {
		return "", time.Time{}, err
	}
	signed, err := jwt.Sign(token, jwt.WithKey(jwa.HS256, s.Secret))
	if err != nil {
		return "", time.Time{}, err
	}
	return string(signed), expiresAt, nil
}

func (s *Service) createSession(ctx context.Context, accountID uuid.UUID) (string, time.Time, error) {
	token, err := randomToken(48)
	if err != nil {
		return "", time.Time{}, err
	}
	expiresAt := s.now().Add(s.refreshTTL())
	if s.Sessions != nil {
		key := sessionKeyPrefix + hashToken(token)
		if err := s.Sessions.Set(ctx, key, accountID.String(), s.refreshTTL()).Err(); err != nil {
			return "", time.Time{}, err
		}
	}
	return token, expiresAt, nil
}

func tokenAlgorithm(token string) (jwa.SignatureAlgorithm, error) {
	message, err := jws.ParseString(token)
	if err != nil {
		return "", err
	}
	signatures := message.Signatures()
	if len(signatures) == 0 {
		return "", errors.New("token carries no signatures")
	}
	var alg jwa.SignatureAlgorithm
	for _, sig := range signatures {
		headers := sig.ProtectedHeaders()
		if headers == nil || headers.Algorithm() == "" {
			return "", errors.New("token missing algorithm header")
		}
		if headers.Algorithm() == jwa.NoSignature {
			return "", errors.New("token uses none algorithm")
		}
		if alg == "" {
			alg = headers.Algorithm()
		} else if alg != headers.Algorithm() {
			return "", errors.New("token mixes algorithms")
		}
	}
	return alg, nil
}

func (s *Service) accessTTL() time.Duration {
	if s.AccessTTL > 0 {
		return s.AccessTTL
	}
	return defaultAccessTTL
}

func (s *Service) refreshTTL() time.Duration {
	if s.RefreshTTL > 0 {
		return s.RefreshTTL
	}
	return defaultRefreshTTL
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func randomToken(length int) (string, error) {
	buf := make([]byte, length)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

func toView(a store.Account) AccountView {
	return AccountView{
		ID:        a.ID.String(),
		Email:     a.Email,
		Role:      a.Role,
		FamilyID:  a.FamilyID,
		CreatedAt: a.CreatedAt,
	}
}
