// Package sending defines the delivery contract shared by every email provider.
//
// A provider (SES, SMTP) implements Sender. The newsletter service hands it one
// batch of recipients at a time and records the per-recipient results.
package sending

import (
	"context"

	"github.com/ignite/newsletter-engine/internal/domain"
)

// Sender delivers one batch of a campaign. Implementations must be safe for
// concurrent use.
//
// SendBatch returns exactly one result per input recipient, in any order. An
// empty batch returns an empty slice without contacting the provider. A
// non-nil error means the batch could not be attempted at all (for example the
// provider rejected the template) and no results are returned.
type Sender interface {
	SendBatch(ctx context.Context, recipients []domain.Recipient, tpl domain.EmailTemplate) ([]domain.DeliveryResult, error)
}

// MissingResult is the error recorded for a recipient the provider silently
// dropped from its response.
const MissingResult = "no result returned by provider"

// FillMissing appends a failed result for every recipient that has none, so
// callers always get one result per input address.
func FillMissing(recipients []domain.Recipient, results []domain.DeliveryResult) []domain.DeliveryResult {
	seen := make(map[string]bool, len(results))
	for _, r := range results {
		seen[domain.NormalizeEmail(r.Email)] = true
	}
	for _, r := range recipients {
		if !seen[domain.NormalizeEmail(r.Email)] {
			results = append(results, domain.DeliveryResult{Email: r.Email, Error: MissingResult})
		}
	}
	return results
}
