package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/ethpandaops/squad/pkg/config"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

// Digest returns the hex SHA-256 of s, the stored form of API tokens and
// notification contents.
func Digest(s string) string {
	sum := sha256.Sum256([]byte(s))

	return hex.EncodeToString(sum[:])
}

// --- Seeding ---

// SeedUsers upserts config-sourced users and their group memberships.
func (s *store) SeedUsers(ctx context.Context, users []config.UserConfig) error {
	for _, u := range users {
		user := User{Username: u.Username}

		if u.Password != "" {
			hash, err := bcrypt.GenerateFromPassword([]byte(u.Password), bcrypt.DefaultCost)
			if err != nil {
				return fmt.Errorf("hashing password for %q: %w", u.Username, err)
			}

			user.PasswordHash = string(hash)
		}

		if err := s.db.WithContext(ctx).
			Where("username = ?", u.Username).
			Assign(map[string]any{
				"password_hash": user.PasswordHash,
				"is_staff":      u.IsStaff,
			}).
			FirstOrCreate(&user).Error; err != nil {
			return fmt.Errorf("seeding user %q: %w", u.Username, err)
		}

		for groupSlug, access := range u.Groups {
			group, err := s.GetOrCreateGroup(ctx, groupSlug)
			if err != nil {
				return err
			}

			member := GroupMember{GroupID: group.ID, UserID: user.ID, Access: access}
			if err := Validate(&member); err != nil {
				return fmt.Errorf("membership of %q in %q: %w", u.Username, groupSlug, err)
			}

			if err := s.db.WithContext(ctx).
				Where("group_id = ? AND user_id = ?", group.ID, user.ID).
				Assign(map[string]any{"access": access}).
				FirstOrCreate(&member).Error; err != nil {
				return fmt.Errorf("seeding membership of %q in %q: %w", u.Username, groupSlug, err)
			}
		}
	}

	if len(users) > 0 {
		s.log.WithField("count", len(users)).
			Info("Seeded users from config")
	}

	return nil
}

// SeedTokens upserts config-sourced API tokens. Users must exist.
func (s *store) SeedTokens(ctx context.Context, tokens []config.TokenConfig) error {
	for _, t := range tokens {
		user, err := s.GetUserByUsername(ctx, t.Username)
		if err != nil {
			return fmt.Errorf("seeding token for %q: %w", t.Username, err)
		}

		token := Token{KeyHash: Digest(t.Token), UserID: user.ID, Description: t.Description}
		if err := s.db.WithContext(ctx).
			Where("key_hash = ?", token.KeyHash).
			Assign(map[string]any{"user_id": user.ID, "description": t.Description}).
			FirstOrCreate(&token).Error; err != nil {
			return fmt.Errorf("seeding token for %q: %w", t.Username, err)
		}
	}

	if len(tokens) > 0 {
		s.log.WithField("count", len(tokens)).
			Info("Seeded API tokens from config")
	}

	return nil
}

// --- Lookups ---

func (s *store) GetUserByToken(ctx context.Context, token string) (*User, error) {
	var user User
	if err := s.db.WithContext(ctx).
		Where("id = (?)", s.db.Model(&Token{}).
			Select("user_id").
			Where("key_hash = ?", Digest(token)),
		).
		First(&user).Error; err != nil {
		return nil, translate(err, "getting user by token")
	}

	return &user, nil
}

func (s *store) GetUserByUsername(ctx context.Context, username string) (*User, error) {
	var user User
	if err := s.db.WithContext(ctx).
		Where("username = ?", username).
		First(&user).Error; err != nil {
		return nil, translate(err, "getting user %q", username)
	}

	return &user, nil
}

// CanSubmit reports whether the user may post results to the project:
// staff, or a member of the project's group with submitter access or
// above.
func (s *store) CanSubmit(ctx context.Context, user *User, project *Project) (bool, error) {
	if user == nil {
		return false, nil
	}

	if user.IsStaff {
		return true, nil
	}

	var member GroupMember

	err := s.db.WithContext(ctx).
		Where("group_id = ? AND user_id = ?", project.GroupID, user.ID).
		First(&member).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}

	if err != nil {
		return false, fmt.Errorf("checking membership: %w", err)
	}

	switch member.Access {
	case AccessSubmitter, AccessPrivileged, AccessAdmin:
		return true, nil
	default:
		return false, nil
	}
}
