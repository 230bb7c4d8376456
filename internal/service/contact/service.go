package contact

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/badoux/checkmail"
	"github.com/google/uuid"

	"github.com/ignite/newsletter-engine/internal/domain"
	"github.com/ignite/newsletter-engine/internal/pkg/logger"
)

// Service implements subscribe/unsubscribe. It is safe for concurrent use.
type Service struct {
	repo Repository
	now  func() time.Time
}

// NewService creates a contact service backed by the given repository.
func NewService(repo Repository) *Service {
	return &Service{repo: repo, now: time.Now}
}

// Subscribe validates email, mints an unsubscribe key and stores the contact.
func (s *Service) Subscribe(ctx context.Context, email string) (*domain.Contact, error) {
	email = domain.NormalizeEmail(email)
	if email == "" {
		return nil, fmt.Errorf("%w: email is required", ErrInvalidEmail)
	}
	if err := checkmail.ValidateFormat(email); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEmail, err)
	}

	c := &domain.Contact{
		Email:          email,
		UnsubscribeKey: uuid.NewString(),
		CreatedAt:      s.now().UTC(),
	}
	if err := s.repo.Create(ctx, c); err != nil {
		return nil, err
	}
	logger.Info("contact subscribed", "component", "contact", "email", email)
	return c, nil
}

// Unsubscribe deletes the contact owning key.
func (s *Service) Unsubscribe(ctx context.Context, key string) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return ErrNotFound
	}
	if err := s.repo.DeleteByUnsubscribeKey(ctx, key); err != nil {
		return err
	}
	logger.Info("contact unsubscribed", "component", "contact")
	return nil
}

// Remove unsubscribes a contact by email address (admin use).
func (s *Service) Remove(ctx context.Context, email string) error {
	c, err := s.repo.FindByEmail(ctx, domain.NormalizeEmail(email))
	if err != nil {
		return err
	}
	return s.repo.DeleteByUnsubscribeKey(ctx, c.UnsubscribeKey)
}

// Get returns the contact for email.
func (s *Service) Get(ctx context.Context, email string) (*domain.Contact, error) {
	return s.repo.FindByEmail(ctx, domain.NormalizeEmail(email))
}

// List returns every contact.
func (s *Service) List(ctx context.Context) ([]domain.Contact, error) {
	return s.repo.FindAll(ctx)
}

// FindAllContacts satisfies newsletter.ContactDirectory.
func (s *Service) FindAllContacts(ctx context.Context) ([]domain.Contact, error) {
	return s.repo.FindAll(ctx)
}
