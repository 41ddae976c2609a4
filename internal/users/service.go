package users

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/civicwatch/backend/internal/identity"
	"gorm.io/gorm"
)

// ErrInvalidIdentity indicates the caller identity did not contain a usable identifier.
var ErrInvalidIdentity = errors.New("users: invalid identity")

// IdentityProvider fetches profile data for an already-verified external user id.
type IdentityProvider interface {
	GetUser(ctx context.Context, userID string) (identity.UserProfile, error)
}

// Profile is the normalized user view returned to callers.
type Profile struct {
	ID          uint
	ExternalID  string
	DisplayName string
	Email       string
	Points      int64
}

// ServiceConfig describes the dependencies required for profile synchronization.
type ServiceConfig struct {
	Database *gorm.DB
	Provider IdentityProvider
}

// Service reconciles provider profile data into local user records.
type Service struct {
	db       *gorm.DB
	provider IdentityProvider
}

// NewService constructs the identity sync service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("users: database connection required")
	}
	if cfg.Provider == nil {
		return nil, fmt.Errorf("users: identity provider required")
	}
	return &Service{
		db:       cfg.Database,
		provider: cfg.Provider,
	}, nil
}

// SyncProfile fetches the provider profile for the external id, creates the
// local record on first login, backfills empty fields afterwards, and returns
// the normalized view. Existing non-empty local values are never overwritten.
func (s *Service) SyncProfile(ctx context.Context, externalID string) (Profile, error) {
	externalID = normalize(externalID)
	if externalID == "" {
		return Profile{}, ErrInvalidIdentity
	}

	fetched, err := s.provider.GetUser(ctx, externalID)
	if err != nil {
		return Profile{}, fmt.Errorf("users: provider lookup: %w", err)
	}

	email := normalize(fetched.Email)
	displayName := deriveDisplayName(fetched.GivenName, fetched.FamilyName)

	var user User
	err = s.db.WithContext(ctx).
		Where("external_id = ?", externalID).
		First(&user).
		Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		user = User{
			ExternalID:   externalID,
			Email:        email,
			DisplayName:  displayName,
			AuthProvider: "external",
		}
		if createErr := s.db.WithContext(ctx).Create(&user).Error; createErr != nil {
			// A concurrent first login may have won the unique-index race;
			// re-read once before reporting the failure.
			retryErr := s.db.WithContext(ctx).
				Where("external_id = ?", externalID).
				First(&user).
				Error
			if retryErr != nil {
				return Profile{}, fmt.Errorf("users: create record: %w", createErr)
			}
			if backfillErr := s.backfill(ctx, &user, displayName, email); backfillErr != nil {
				return Profile{}, backfillErr
			}
		}
	} else if err != nil {
		return Profile{}, fmt.Errorf("users: lookup record: %w", err)
	} else {
		if backfillErr := s.backfill(ctx, &user, displayName, email); backfillErr != nil {
			return Profile{}, backfillErr
		}
	}

	return Profile{
		ID:          user.ID,
		ExternalID:  user.ExternalID,
		DisplayName: user.DisplayName,
		Email:       user.Email,
		Points:      user.Points,
	}, nil
}

// backfill writes fetched values into fields that are locally empty and skips
// the update entirely when nothing changed.
func (s *Service) backfill(ctx context.Context, user *User, displayName, email string) error {
	updates := map[string]interface{}{}
	if user.DisplayName == "" && displayName != "" {
		updates["display_name"] = displayName
	}
	if user.Email == "" && email != "" {
		updates["email"] = email
	}
	if len(updates) == 0 {
		return nil
	}

	err := s.db.WithContext(ctx).
		Model(&User{}).
		Where("external_id = ?", user.ExternalID).
		Updates(updates).
		Error
	if err != nil {
		return fmt.Errorf("users: update record: %w", err)
	}

	if value, ok := updates["display_name"]; ok {
		user.DisplayName = value.(string)
	}
	if value, ok := updates["email"]; ok {
		user.Email = value.(string)
	}
	return nil
}

// deriveDisplayName joins non-empty name parts with a single space.
func deriveDisplayName(givenName, familyName string) string {
	parts := make([]string, 0, 2)
	for _, part := range []string{givenName, familyName} {
		if normalized := normalize(part); normalized != "" {
			parts = append(parts, normalized)
		}
	}
	return strings.Join(parts, " ")
}
