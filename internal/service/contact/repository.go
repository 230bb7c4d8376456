package contact

import (
	"context"

	"github.com/ignite/newsletter-engine/internal/domain"
)

// Repository defines the data access contract for subscribers.
// Implementations must be safe for concurrent use.
type Repository interface {
	// FindAll returns every contact ordered by created_at, then email.
	FindAll(ctx context.Context) ([]domain.Contact, error)

	// Create inserts a contact. Returns ErrAlreadySubscribed if the email
	// exists.
	Create(ctx context.Context, c *domain.Contact) error

	// DeleteByUnsubscribeKey removes the contact owning key. Returns
	// ErrNotFound if no contact has it.
	DeleteByUnsubscribeKey(ctx context.Context, key string) error

	// FindByEmail returns the contact, or ErrNotFound.
	FindByEmail(ctx context.Context, email string) (*domain.Contact, error)
}
