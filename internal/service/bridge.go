// Package service contains the application facade that the API layer calls: session
// lifecycle, sync jobs and cached reads of synchronized data.
package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/and161185/bridge-keeper/internal/cache"
	"github.com/and161185/bridge-keeper/internal/errs"
	"github.com/and161185/bridge-keeper/internal/model"
	"github.com/and161185/bridge-keeper/internal/repository"
	"github.com/and161185/bridge-keeper/internal/syncer"
)

// Sessions is the part of the connection pool the facade drives.
type Sessions interface {
	Connect(ctx context.Context, userID uuid.UUID, platform string, c model.Credentials) (model.SessionInfo, error)
	Disconnect(ctx context.Context, userID uuid.UUID) error
	Status(userID uuid.UUID) model.SessionInfo
	Reset(ctx context.Context, userID uuid.UUID) error
}

// Syncs is the part of the sync engine the facade drives.
type Syncs interface {
	RequestSync(ctx context.Context, userID uuid.UUID, entityType model.EntityType, entityID string) (model.SyncView, error)
	GetSyncStatus(ctx context.Context, userID uuid.UUID, entityType model.EntityType, entityID string) (model.SyncView, error)
	Cancel(userID uuid.UUID, entityType model.EntityType, entityID string) bool
}

// BridgeService defines the operations exposed to API callers.
type BridgeService interface {
	// Connect stores credentials for platform and brings the user's session up.
	Connect(ctx context.Context, userID uuid.UUID, in ConnectInput) (model.SessionInfo, error)
	// Disconnect stops the user's session on platform.
	Disconnect(ctx context.Context, userID uuid.UUID, platform string) error
	// GetStatus reports the session state and its last error.
	GetStatus(ctx context.Context, userID uuid.UUID, platform string) (model.SessionInfo, error)
	// ResetSession clears a failed session and its error counters.
	ResetSession(ctx context.Context, userID uuid.UUID) error
	// RequestSync starts or joins the sync job of an entity.
	RequestSync(ctx context.Context, userID uuid.UUID, entityType model.EntityType, entityID string) (model.SyncView, error)
	// GetSyncStatus reports the live or persisted sync state of an entity.
	GetSyncStatus(ctx context.Context, userID uuid.UUID, entityType model.EntityType, entityID string) (model.SyncView, error)
	// CancelSync stops a running job between batches.
	CancelSync(ctx context.Context, userID uuid.UUID, entityType model.EntityType, entityID string) (bool, error)
	// ListContacts returns synchronized contacts.
	ListContacts(ctx context.Context, userID uuid.UUID) ([]model.Contact, error)
	// ListMessages returns the newest synchronized messages of a conversation.
	ListMessages(ctx context.Context, userID uuid.UUID, contactID string, limit int) ([]model.Message, error)
}

// ConnectInput carries the credentials of a connect request.
type ConnectInput struct {
	Platform      string `validate:"required,max=32"`
	HomeserverURL string `validate:"omitempty,url"`
	RemoteUserID  string `validate:"max=255"`
	DeviceID      string `validate:"max=255"`
	AccessToken   string `validate:"required"`
	RefreshToken  string
	ExpiresAt     time.Time
}

type Bridge struct {
	sessions Sessions
	syncs    Syncs
	contacts repository.ContactRepository
	messages repository.MessageRepository
	cache    *cache.Cache
	validate *validator.Validate
	log      *zap.Logger
	maxList  int
}

// NewBridge wires the facade.
func NewBridge(sessions Sessions, syncs Syncs, contacts repository.ContactRepository, messages repository.MessageRepository, c *cache.Cache, log *zap.Logger) *Bridge {
	if log == nil {
		log = zap.NewNop()
	}
	return &Bridge{
		sessions: sessions,
		syncs:    syncs,
		contacts: contacts,
		messages: messages,
		cache:    c,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		log:      log,
		maxList:  500,
	}
}

var _ BridgeService = (*Bridge)(nil)

func checkUser(userID uuid.UUID) error {
	if userID == uuid.Nil {
		return errors.New("validation: empty userID")
	}
	return nil
}

// Connect validates input and delegates to the pool.
func (b *Bridge) Connect(ctx context.Context, userID uuid.UUID, in ConnectInput) (model.SessionInfo, error) {
	if err := checkUser(userID); err != nil {
		return model.SessionInfo{}, err
	}
	if err := b.validate.Struct(in); err != nil {
		return model.SessionInfo{}, fmt.Errorf("validation: %w", err)
	}
	info, err := b.sessions.Connect(ctx, userID, in.Platform, model.Credentials{
		HomeserverURL: in.HomeserverURL,
		RemoteUserID:  in.RemoteUserID,
		DeviceID:      in.DeviceID,
		AccessToken:   in.AccessToken,
		RefreshToken:  in.RefreshToken,
		ExpiresAt:     in.ExpiresAt,
	})
	if err != nil {
		b.log.Warn("connect failed", zap.Stringer("user", userID), zap.String("platform", in.Platform), zap.Error(err))
		return info, err
	}
	b.log.Info("connected", zap.Stringer("user", userID), zap.String("platform", in.Platform))
	return info, nil
}

// Disconnect is a no-op for a user without a session.
func (b *Bridge) Disconnect(ctx context.Context, userID uuid.UUID, platform string) error {
	if err := checkUser(userID); err != nil {
		return err
	}
	st := b.sessions.Status(userID)
	if st.State == model.SessionDisconnected {
		return nil
	}
	if err := samePlatform(st, platform); err != nil {
		return err
	}
	return b.sessions.Disconnect(ctx, userID)
}

// GetStatus never errors for an unknown user; it reports DISCONNECTED.
func (b *Bridge) GetStatus(_ context.Context, userID uuid.UUID, platform string) (model.SessionInfo, error) {
	if err := checkUser(userID); err != nil {
		return model.SessionInfo{}, err
	}
	st := b.sessions.Status(userID)
	if st.State == model.SessionDisconnected {
		return st, nil
	}
	return st, samePlatform(st, platform)
}

func samePlatform(st model.SessionInfo, platform string) error {
	if platform != "" && st.Platform != "" && st.Platform != platform {
		return fmt.Errorf("session runs on %s, not %s: %w", st.Platform, platform, errs.ErrPlatformMismatch)
	}
	return nil
}

func (b *Bridge) ResetSession(ctx context.Context, userID uuid.UUID) error {
	if err := checkUser(userID); err != nil {
		return err
	}
	return b.sessions.Reset(ctx, userID)
}

func (b *Bridge) RequestSync(ctx context.Context, userID uuid.UUID, entityType model.EntityType, entityID string) (model.SyncView, error) {
	if _, err := syncer.Key(userID, entityType, entityID); err != nil {
		return model.SyncView{}, err
	}
	return b.syncs.RequestSync(ctx, userID, entityType, entityID)
}

func (b *Bridge) GetSyncStatus(ctx context.Context, userID uuid.UUID, entityType model.EntityType, entityID string) (model.SyncView, error) {
	if _, err := syncer.Key(userID, entityType, entityID); err != nil {
		return model.SyncView{}, err
	}
	return b.syncs.GetSyncStatus(ctx, userID, entityType, entityID)
}

// CancelSync reports whether a running job was flagged.
func (b *Bridge) CancelSync(_ context.Context, userID uuid.UUID, entityType model.EntityType, entityID string) (bool, error) {
	if _, err := syncer.Key(userID, entityType, entityID); err != nil {
		return false, err
	}
	return b.syncs.Cancel(userID, entityType, entityID), nil
}

// ListContacts reads through the contacts cache.
func (b *Bridge) ListContacts(ctx context.Context, userID uuid.UUID) ([]model.Contact, error) {
	if err := checkUser(userID); err != nil {
		return nil, err
	}
	return cache.Fetch(ctx, b.cache, cache.TypeContacts, userID.String(), func(ctx context.Context) ([]model.Contact, error) {
		return b.contacts.List(ctx, userID)
	})
}

// ListMessages reads through the messages cache. limit is clamped to [1, 500].
func (b *Bridge) ListMessages(ctx context.Context, userID uuid.UUID, contactID string, limit int) ([]model.Message, error) {
	if err := checkUser(userID); err != nil {
		return nil, err
	}
	if contactID == "" {
		return nil, errors.New("validation: empty contact id")
	}
	if limit <= 0 || limit > b.maxList {
		limit = b.maxList
	}
	key := syncer.MessagesCacheKey(userID.String(), contactID) + strconv.Itoa(limit)
	return cache.Fetch(ctx, b.cache, cache.TypeMessages, key, func(ctx context.Context) ([]model.Message, error) {
		return b.messages.ListByContact(ctx, userID, contactID, limit)
	})
}
