// Package users implements institution-scoped user administration.
package users

import (
	"context"
	"fmt"
	"net/mail"
	"strings"

	"github.com/platinummonkey/lexgate/pkg/observability"
	"github.com/platinummonkey/lexgate/pkg/rbac"
	"github.com/platinummonkey/lexgate/pkg/repository"
	"golang.org/x/crypto/bcrypt"
)

// Invalidator drops every cache entry derived from an institution's users
type Invalidator interface {
	InvalidateInstitution(ctx context.Context, institutionID int64) error
}

// CreateInput describes a new user
type CreateInput struct {
	Name             string `json:"name"`
	Email            string `json:"email"`
	Password         string `json:"password,omitempty"`
	LegacyExternalID string `json:"legacy_external_id,omitempty"`
	IsActive         *bool  `json:"is_active,omitempty"`
	IsOfficeAdmin    bool   `json:"is_office_admin"`
	ReceivesCases    bool   `json:"receives_cases"`
}

// UpdateInput carries the fields to change; nil fields are left untouched
type UpdateInput struct {
	Name             *string `json:"name,omitempty"`
	Email            *string `json:"email,omitempty"`
	Password         *string `json:"password,omitempty"`
	LegacyExternalID *string `json:"legacy_external_id,omitempty"`
	IsActive         *bool   `json:"is_active,omitempty"`
	IsOfficeAdmin    *bool   `json:"is_office_admin,omitempty"`
	ReceivesCases    *bool   `json:"receives_cases,omitempty"`
}

// Service manages users of one institution at a time
type Service struct {
	repo        repository.Repository
	invalidator Invalidator
	logger      *observability.Logger
	bcryptCost  int
}

// Option configures a Service
type Option func(*Service)

// WithBcryptCost overrides the password hashing cost
func WithBcryptCost(cost int) Option {
	return func(s *Service) { s.bcryptCost = cost }
}

// NewService creates a user service
func NewService(repo repository.Repository, invalidator Invalidator, logger *observability.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	s := &Service{
		repo:        repo,
		invalidator: invalidator,
		logger:      logger.WithField("component", "users"),
		bcryptCost:  bcrypt.DefaultCost,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// List returns the public projection of every user of the institution
func (s *Service) List(ctx context.Context, institutionID int64) ([]rbac.PublicUser, error) {
	users, err := s.repo.ListUsers(ctx, institutionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	out := make([]rbac.PublicUser, 0, len(users))
	for _, u := range users {
		out = append(out, u.Public())
	}
	return out, nil
}

// Create adds a user to the institution
func (s *Service) Create(ctx context.Context, institutionID int64, in CreateInput) (*rbac.PublicUser, error) {
	email, err := normalizeEmail(in.Email)
	if err != nil {
		return nil, err
	}
	if err := s.ensureEmailFree(ctx, institutionID, email, 0); err != nil {
		return nil, err
	}

	user := &rbac.User{
		InstitutionID:    institutionID,
		Name:             strings.TrimSpace(in.Name),
		Email:            email,
		LegacyExternalID: strings.TrimSpace(in.LegacyExternalID),
		IsActive:         in.IsActive == nil || *in.IsActive,
		IsOfficeAdmin:    in.IsOfficeAdmin,
		ReceivesCases:    in.ReceivesCases,
	}
	if in.Password != "" {
		if user.PasswordHash, err = s.hash(in.Password); err != nil {
			return nil, err
		}
	}

	created, err := s.repo.CreateUser(ctx, user)
	if err != nil {
		return nil, fmt.Errorf("failed to create user: %w", err)
	}

	s.logger.WithFields(map[string]interface{}{
		"institution_id": institutionID,
		"user_id":        created.ID,
	}).Info("user created")
	s.invalidate(ctx, institutionID)

	pub := created.Public()
	return &pub, nil
}

// Update changes a user of the institution
func (s *Service) Update(ctx context.Context, institutionID, userID int64, in UpdateInput) (*rbac.PublicUser, error) {
	user, err := s.userIn(ctx, institutionID, userID)
	if err != nil {
		return nil, err
	}

	if in.Email != nil {
		email, err := normalizeEmail(*in.Email)
		if err != nil {
			return nil, err
		}
		if !strings.EqualFold(email, user.Email) {
			if err := s.ensureEmailFree(ctx, institutionID, email, user.ID); err != nil {
				return nil, err
			}
		}
		user.Email = email
	}
	if in.Name != nil {
		user.Name = strings.TrimSpace(*in.Name)
	}
	if in.LegacyExternalID != nil {
		if v := strings.TrimSpace(*in.LegacyExternalID); v != "" {
			user.LegacyExternalID = v
		}
	}
	if in.IsActive != nil {
		user.IsActive = *in.IsActive
	}
	if in.IsOfficeAdmin != nil {
		user.IsOfficeAdmin = *in.IsOfficeAdmin
	}
	if in.ReceivesCases != nil {
		user.ReceivesCases = *in.ReceivesCases
	}
	if in.Password != nil {
		if *in.Password == "" {
			return nil, fmt.Errorf("%w: password cannot be empty", rbac.ErrInvalidArgument)
		}
		if user.PasswordHash, err = s.hash(*in.Password); err != nil {
			return nil, err
		}
	}

	updated, err := s.repo.UpdateUser(ctx, user)
	if err != nil {
		return nil, fmt.Errorf("failed to update user %d: %w", userID, err)
	}

	s.logger.WithFields(map[string]interface{}{
		"institution_id": institutionID,
		"user_id":        userID,
	}).Info("user updated")
	s.invalidate(ctx, institutionID)

	pub := updated.Public()
	return &pub, nil
}

// Delete removes a user of the institution together with its role links
func (s *Service) Delete(ctx context.Context, institutionID, userID int64) error {
	if _, err := s.userIn(ctx, institutionID, userID); err != nil {
		return err
	}

	links, err := s.repo.ListUserRoles(ctx, userID)
	if err != nil {
		return fmt.Errorf("failed to list roles of user %d: %w", userID, err)
	}
	if len(links) > 0 {
		ids := make([]int64, 0, len(links))
		for _, l := range links {
			ids = append(ids, l.ID)
		}
		if err := s.repo.DeleteUserRoles(ctx, ids); err != nil {
			return fmt.Errorf("failed to unlink roles of user %d: %w", userID, err)
		}
	}

	if err := s.repo.DeleteUser(ctx, userID); err != nil {
		return fmt.Errorf("failed to delete user %d: %w", userID, err)
	}

	s.logger.WithFields(map[string]interface{}{
		"institution_id": institutionID,
		"user_id":        userID,
	}).Info("user deleted")
	s.invalidate(ctx, institutionID)
	return nil
}

// VerifyPassword reports whether password matches the stored hash
func VerifyPassword(user *rbac.User, password string) bool {
	if user.PasswordHash == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)) == nil
}

// userIn loads a user and hides rows of other institutions as not found
func (s *Service) userIn(ctx context.Context, institutionID, userID int64) (*rbac.User, error) {
	user, err := s.repo.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if user.InstitutionID != institutionID {
		return nil, fmt.Errorf("%w: user %d", rbac.ErrNotFound, userID)
	}
	return user, nil
}

// ensureEmailFree fails with rbac.ErrDuplicateEmail when another user of the
// institution, other than exceptID, has the email. Reads bypass the cache.
func (s *Service) ensureEmailFree(ctx context.Context, institutionID int64, email string, exceptID int64) error {
	users, err := s.repo.ListUsers(ctx, institutionID)
	if err != nil {
		return fmt.Errorf("failed to check email uniqueness: %w", err)
	}
	for _, u := range users {
		if u.ID != exceptID && strings.EqualFold(strings.TrimSpace(u.Email), email) {
			return fmt.Errorf("%w: %s", rbac.ErrDuplicateEmail, email)
		}
	}
	return nil
}

func (s *Service) hash(password string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(password), s.bcryptCost)
	if err != nil {
		return "", fmt.Errorf("%w: %v", rbac.ErrInvalidArgument, err)
	}
	return string(h), nil
}

func (s *Service) invalidate(ctx context.Context, institutionID int64) {
	if s.invalidator == nil {
		return
	}
	if err := s.invalidator.InvalidateInstitution(ctx, institutionID); err != nil {
		s.logger.WithError(err).WithField("institution_id", institutionID).Error("cache invalidation failed after user change")
	}
}

func normalizeEmail(raw string) (string, error) {
	email := strings.TrimSpace(raw)
	if email == "" {
		return "", fmt.Errorf("%w: email is required", rbac.ErrInvalidArgument)
	}
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return "", fmt.Errorf("%w: invalid email %q", rbac.ErrInvalidArgument, email)
	}
	return email, nil
}
