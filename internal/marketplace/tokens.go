package marketplace

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"order-sync/config"
	"order-sync/internal/models"
	"order-sync/internal/util"
)

// ErrNoCredentials is returned when a marketplace user never linked their account.
var ErrNoCredentials = errors.New("no marketplace credentials for user")

// CredentialRepository persists marketplace OAuth credentials.
type CredentialRepository interface {
	GetCredential(ctx context.Context, userID int64) (*models.MarketplaceCredential, error)
	SaveCredential(ctx context.Context, cred *models.MarketplaceCredential) error
}

// TokenCache caches access tokens between requests.
type TokenCache interface {
	GetToken(ctx context.Context, userID int64) (string, error)
	SetToken(ctx context.Context, userID int64, token string, ttl time.Duration) error
}

// CachedTokenStore serves tokens from the cache, then the database, refreshing
// through the OAuth refresh_token grant when the stored token has expired.
type CachedTokenStore struct {
	creds  CredentialRepository
	cache  TokenCache
	oauth  *resty.Client
	cfg    config.MarketplaceConfig
	now    func() time.Time
	logger *zap.Logger
}

// NewCachedTokenStore creates a new token store
func NewCachedTokenStore(cfg config.MarketplaceConfig, creds CredentialRepository, cache TokenCache) *CachedTokenStore {
	return &CachedTokenStore{
		creds:  creds,
		cache:  cache,
		oauth:  newResty("", cfg.HTTPTimeout),
		cfg:    cfg,
		now:    time.Now,
		logger: util.GetLogger(),
	}
}

// refreshSkew renews tokens slightly before they expire.
const refreshSkew = 5 * time.Minute

// AccessToken returns a valid bearer token for userID.
func (s *CachedTokenStore) AccessToken(ctx context.Context, userID int64) (string, error) {
	if s.cache != nil {
		token, err := s.cache.GetToken(ctx, userID)
		if err != nil {
			s.logger.Warn("Token cache read failed", zap.Int64("user_id", userID), zap.Error(err))
		} else if token != "" {
			return token, nil
		}
	}

	cred, err := s.creds.GetCredential(ctx, userID)
	if err != nil {
		return "", fmt.Errorf("failed to load credentials: %w", err)
	}
	if cred == nil {
		return "", fmt.Errorf("user %d: %w", userID, ErrNoCredentials)
	}

	if s.now().Add(refreshSkew).After(cred.ExpiresAt) {
		cred, err = s.refresh(ctx, cred)
		if err != nil {
			return "", err
		}
	}

	s.cacheToken(ctx, cred)
	return cred.AccessToken, nil
}

func (s *CachedTokenStore) refresh(ctx context.Context, cred *models.MarketplaceCredential) (*models.MarketplaceCredential, error) {
	var tok TokenResponse
	resp, err := s.oauth.R().
		SetContext(ctx).
		SetFormData(map[string]string{
			"grant_type":    "refresh_token",
			"client_id":     s.cfg.ClientID,
			"client_secret": s.cfg.ClientSecret,
			"refresh_token": cred.RefreshToken,
		}).
		SetResult(&tok).
		Post(s.cfg.OAuthURL)
	if err != nil {
		return nil, fmt.Errorf("failed to refresh token: %w", err)
	}
	if resp.IsError() {
		return nil, &APIError{StatusCode: resp.StatusCode(), Body: resp.String(), Path: "/oauth/token"}
	}
	if tok.AccessToken == "" {
		return nil, fmt.Errorf("token refresh for user %d returned no access token", cred.UserID)
	}

	updated := &models.MarketplaceCredential{
		UserID:       cred.UserID,
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresAt:    s.now().Add(time.Duration(tok.ExpiresIn) * time.Second),
	}
	if updated.RefreshToken == "" {
		updated.RefreshToken = cred.RefreshToken
	}
	if err := s.creds.SaveCredential(ctx, updated); err != nil {
		return nil, fmt.Errorf("failed to save refreshed credentials: %w", err)
	}

	s.logger.Info("Marketplace token refreshed", zap.Int64("user_id", cred.UserID))
	return updated, nil
}

func (s *CachedTokenStore) cacheToken(ctx context.Context, cred *models.MarketplaceCredential) {
	if s.cache == nil {
		return
	}
	ttl := cred.ExpiresAt.Sub(s.now()) - refreshSkew
	if s.cfg.TokenCacheTTL > 0 && ttl > s.cfg.TokenCacheTTL {
		ttl = s.cfg.TokenCacheTTL
	}
	if err := s.cache.SetToken(ctx, cred.UserID, cred.AccessToken, ttl); err != nil {
		s.logger.Warn("Token cache write failed", zap.Int64("user_id", cred.UserID), zap.Error(err))
	}
}
