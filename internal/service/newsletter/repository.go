package newsletter

import (
	"context"

	"github.com/ignite/newsletter-engine/internal/domain"
)

// Store persists campaigns keyed by title. Implementations must be safe for
// concurrent use.
type Store interface {
	// FindByTitle returns the campaign, or (nil, nil) if none exists.
	FindByTitle(ctx context.Context, title string) (*domain.Newsletter, error)

	// Save persists a new campaign with its recipients and deliveries.
	// Returns ErrDuplicateCampaign if the title is taken.
	Save(ctx context.Context, n *domain.Newsletter) error

	// Update writes back status, timestamps and delivery states.
	// Returns ErrNotFound if the campaign was never saved.
	Update(ctx context.Context, n *domain.Newsletter) error

	// Titles lists campaign titles, newest first.
	Titles(ctx context.Context) ([]string, error)
}

// ContactDirectory is the read side of the subscriber list.
type ContactDirectory interface {
	FindAllContacts(ctx context.Context) ([]domain.Contact, error)
}

// Recorder observes campaign runs. metrics.Campaign implements it.
type Recorder interface {
	CampaignCreated(title string, recipients int)
	BatchProcessed(title string, sent, failed int)
	RunFinished(title string, status domain.CampaignStatus)
}

type nopRecorder struct{}

func (nopRecorder) CampaignCreated(string, int)               {}
func (nopRecorder) BatchProcessed(string, int, int)           {}
func (nopRecorder) RunFinished(string, domain.CampaignStatus) {}
