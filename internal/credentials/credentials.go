// Package credentials stores remote-platform credentials sealed at rest and hands out
// valid access tokens.
package credentials

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/and161185/bridge-keeper/internal/errs"
	"github.com/and161185/bridge-keeper/internal/model"
	"github.com/and161185/bridge-keeper/internal/repository"
)

// Provider is what the pool and the retry policy need from the credential store.
type Provider interface {
	// GetValidToken returns a non-expired access token, refreshing it if needed.
	GetValidToken(ctx context.Context, userID uuid.UUID) (string, error)
	// RefreshToken forces a refresh and returns the new access token.
	RefreshToken(ctx context.Context, userID uuid.UUID) (string, error)
}

// Sealer encrypts token fields bound to their owner.
type Sealer interface {
	Seal(userID uuid.UUID, platform string, plaintext []byte) ([]byte, error)
	Open(userID uuid.UUID, platform string, blob []byte) ([]byte, error)
}

// TokenRefresher exchanges a refresh token with the remote platform.
type TokenRefresher interface {
	Refresh(ctx context.Context, c model.Credentials) (model.Credentials, error)
}

// Store implements Provider over a CredentialRepository.
type Store struct {
	repo   repository.CredentialRepository
	sealer Sealer
	log    *zap.Logger
	skew   time.Duration
	now    func() time.Time

	mu         sync.RWMutex
	refreshers map[string]TokenRefresher

	sf singleflight.Group
}

// NewStore constructs a credential store. skew is how early a token counts as expired.
func NewStore(repo repository.CredentialRepository, sealer Sealer, skew time.Duration, log *zap.Logger) *Store {
	if log == nil {
		log = zap.NewNop()
	}
	return &Store{
		repo:       repo,
		sealer:     sealer,
		log:        log,
		skew:       skew,
		now:        time.Now,
		refreshers: make(map[string]TokenRefresher),
	}
}

// RegisterRefresher installs the token refresher for platform.
func (s *Store) RegisterRefresher(platform string, r TokenRefresher) {
	s.mu.Lock()
	s.refreshers[platform] = r
	s.mu.Unlock()
}

// Save seals and stores c.
func (s *Store) Save(ctx context.Context, c model.Credentials) error {
	access, err := s.sealer.Seal(c.UserID, c.Platform, []byte(c.AccessToken))
	if err != nil {
		return fmt.Errorf("seal access token: %w", err)
	}
	refresh, err := s.sealer.Seal(c.UserID, c.Platform, []byte(c.RefreshToken))
	if err != nil {
		return fmt.Errorf("seal refresh token: %w", err)
	}
	return s.repo.Upsert(ctx, &model.SealedCredentials{
		UserID:          c.UserID,
		Platform:        c.Platform,
		HomeserverURL:   c.HomeserverURL,
		RemoteUserID:    c.RemoteUserID,
		DeviceID:        c.DeviceID,
		AccessTokenEnc:  access,
		RefreshTokenEnc: refresh,
		ExpiresAt:       c.ExpiresAt,
	})
}

// Load returns the opened credentials of a user.
func (s *Store) Load(ctx context.Context, userID uuid.UUID) (model.Credentials, error) {
	sc, err := s.repo.Get(ctx, userID)
	if err != nil {
		return model.Credentials{}, err
	}
	access, err := s.sealer.Open(userID, sc.Platform, sc.AccessTokenEnc)
	if err != nil {
		return model.Credentials{}, fmt.Errorf("open access token: %w", err)
	}
	refresh, err := s.sealer.Open(userID, sc.Platform, sc.RefreshTokenEnc)
	if err != nil {
		return model.Credentials{}, fmt.Errorf("open refresh token: %w", err)
	}
	return model.Credentials{
		UserID:        userID,
		Platform:      sc.Platform,
		HomeserverURL: sc.HomeserverURL,
		RemoteUserID:  sc.RemoteUserID,
		DeviceID:      sc.DeviceID,
		AccessToken:   string(access),
		RefreshToken:  string(refresh),
		ExpiresAt:     sc.ExpiresAt,
		UpdatedAt:     sc.UpdatedAt,
	}, nil
}

// Delete forgets the user's credentials.
func (s *Store) Delete(ctx context.Context, userID uuid.UUID) error {
	return s.repo.Delete(ctx, userID)
}

// GetValidToken returns the stored access token, refreshing it first when it is about to expire.
func (s *Store) GetValidToken(ctx context.Context, userID uuid.UUID) (string, error) {
	c, err := s.Load(ctx, userID)
	if err != nil {
		return "", err
	}
	if c.AccessToken == "" {
		return "", fmt.Errorf("no access token stored: %w", errs.ErrAuthInvalid)
	}
	if c.Expired(s.now(), s.skew) {
		return s.RefreshToken(ctx, userID)
	}
	return c.AccessToken, nil
}

// RefreshToken exchanges the refresh token. Concurrent calls for one user share one exchange.
// A missing refresh token or refresher yields errs.ErrAuthInvalid: fresh credentials are needed.
func (s *Store) RefreshToken(ctx context.Context, userID uuid.UUID) (string, error) {
	v, err, _ := s.sf.Do(userID.String(), func() (any, error) {
		c, err := s.Load(ctx, userID)
		if err != nil {
			return "", err
		}
		s.mu.RLock()
		r := s.refreshers[c.Platform]
		s.mu.RUnlock()
		if r == nil || c.RefreshToken == "" {
			return "", fmt.Errorf("%s: cannot refresh: %w", c.Platform, errs.ErrAuthInvalid)
		}
		fresh, err := r.Refresh(ctx, c)
		if err != nil {
			return "", err
		}
		if fresh.RefreshToken == "" {
			fresh.RefreshToken = c.RefreshToken
		}
		if err := s.Save(ctx, fresh); err != nil {
			return "", err
		}
		s.log.Info("credentials refreshed", zap.Stringer("user", userID), zap.String("platform", c.Platform))
		return fresh.AccessToken, nil
	})
	if err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			return "", fmt.Errorf("no credentials: %w", errs.ErrAuthInvalid)
		}
		return "", err
	}
	return v.(string), nil
}
