package domain

import (
	"math"
	"strings"
	"time"
)

// Newsletter is the campaign aggregate: one logical newsletter send, keyed by
// a unique title, tracking delivery status for every recipient. It is only
// mutated through ProcessBatch and ResetFailedToPending.
//
// A Newsletter is not safe for concurrent use.
type Newsletter struct {
	id           string
	title        string
	subject      string
	previewText  string
	htmlTemplate string

	status      CampaignStatus
	createdAt   time.Time
	startedAt   *time.Time
	completedAt *time.Time

	recipients []Recipient
	deliveries []Delivery
	index      map[string]int // recipient email -> position

	now func() time.Time
}

// NewsletterRecord carries the persisted scalar fields of a newsletter. Stores
// hand it to RestoreNewsletter together with recipients and deliveries.
type NewsletterRecord struct {
	ID           string
	Title        string
	Subject      string
	PreviewText  string
	HTMLTemplate string
	CreatedAt    time.Time
	StartedAt    *time.Time
	CompletedAt  *time.Time
}

// NewNewsletter validates its input and builds a campaign with every
// recipient pending. Recipients are fixed for the lifetime of the campaign.
func NewNewsletter(title, subject, previewText, htmlTemplate string, recipients []Recipient) (*Newsletter, error) {
	return newNewsletter(title, subject, previewText, htmlTemplate, recipients, time.Now)
}

// NewNewsletterAt is NewNewsletter with an injectable clock.
func NewNewsletterAt(title, subject, previewText, htmlTemplate string, recipients []Recipient, now func() time.Time) (*Newsletter, error) {
	if now == nil {
		now = time.Now
	}
	return newNewsletter(title, subject, previewText, htmlTemplate, recipients, now)
}

func newNewsletter(title, subject, previewText, htmlTemplate string, recipients []Recipient, now func() time.Time) (*Newsletter, error) {
	if strings.TrimSpace(title) == "" {
		return nil, newValidationError("title", "is required")
	}
	if strings.TrimSpace(subject) == "" {
		return nil, newValidationError("subject", "is required")
	}
	if strings.TrimSpace(htmlTemplate) == "" {
		return nil, newValidationError("html_template", "is required")
	}

	required := []struct {
		field string
		names []string
	}{
		{"html_template", Placeholders(htmlTemplate)},
		{"preview_text", Placeholders(previewText)},
	}
	n := &Newsletter{
		title:        title,
		subject:      subject,
		previewText:  previewText,
		htmlTemplate: htmlTemplate,
		createdAt:    now().UTC(),
		recipients:   make([]Recipient, 0, len(recipients)),
		deliveries:   make([]Delivery, 0, len(recipients)),
		index:        make(map[string]int, len(recipients)),
		now:          now,
	}

	for _, r := range recipients {
		email := NormalizeEmail(r.Email)
		if email == "" {
			return nil, newValidationError("recipients", "recipient #%d has no email", len(n.deliveries)+1)
		}
		if _, dup := n.index[email]; dup {
			return nil, newValidationError("recipients", "duplicate recipient %s", email)
		}
		for _, req := range required {
			for _, name := range req.names {
				if _, ok := r.TemplateData[name]; !ok {
					return nil, newValidationError(req.field, "placeholder %q has no value for recipient %s", name, email)
				}
			}
		}

		n.index[email] = len(n.deliveries)
		n.recipients = append(n.recipients, Recipient{Email: email, TemplateData: copyData(r.TemplateData)})
		n.deliveries = append(n.deliveries, Delivery{RecipientEmail: email, Status: DeliveryPending})
	}

	n.status = DeriveStatus(n.deliveries, false, false)
	if n.status == CampaignCompleted {
		at := n.createdAt
		n.completedAt = &at
	}
	return n, nil
}

// RestoreNewsletter rebuilds a persisted campaign. Every non-pending delivery
// is replayed through ProcessBatch so status is derived rather than trusted;
// persisted identifiers and timestamps are then put back.
func RestoreNewsletter(rec NewsletterRecord, recipients []Recipient, deliveries []Delivery) (*Newsletter, error) {
	n, err := NewNewsletter(rec.Title, rec.Subject, rec.PreviewText, rec.HTMLTemplate, recipients)
	if err != nil {
		return nil, err
	}
	n.id = rec.ID
	n.createdAt = rec.CreatedAt.UTC()

	var replay []DeliveryResult
	sentAt := make(map[string]*time.Time)
	for _, d := range deliveries {
		email := NormalizeEmail(d.RecipientEmail)
		switch d.Status {
		case DeliverySent:
			replay = append(replay, DeliveryResult{Email: email, Success: true})
			sentAt[email] = d.SentAt
		case DeliveryFailed:
			replay = append(replay, DeliveryResult{Email: email, Error: d.ErrorMessage})
		}
	}
	if len(replay) > 0 {
		n.ProcessBatch(replay)
	}

	for email, at := range sentAt {
		if i, ok := n.index[email]; ok && at != nil {
			t := at.UTC()
			n.deliveries[i].SentAt = &t
		}
	}
	if rec.StartedAt != nil {
		n.startedAt = copyTime(rec.StartedAt)
	}
	if n.startedAt != nil && n.status == CampaignPending {
		n.status = CampaignInProgress
	}
	if n.status == CampaignCompleted {
		n.completedAt = copyTime(rec.CompletedAt)
		if n.completedAt == nil {
			at := n.createdAt
			n.completedAt = &at
		}
	} else {
		n.completedAt = nil
	}
	return n, nil
}

// DeriveStatus computes the aggregate status from the delivery list.
// lastBatchFailed reports whether the most recently processed batch contained
// a failure; started reports whether any batch was processed.
func DeriveStatus(deliveries []Delivery, lastBatchFailed, started bool) CampaignStatus {
	sent := 0
	for _, d := range deliveries {
		if d.Status == DeliverySent {
			sent++
		}
	}
	switch {
	case sent == len(deliveries):
		return CampaignCompleted
	case lastBatchFailed:
		return CampaignFailed
	case !started:
		return CampaignPending
	default:
		return CampaignInProgress
	}
}

// NextBatch returns up to size pending recipients in original order.
func (n *Newsletter) NextBatch(size int) []Recipient {
	if size <= 0 {
		return []Recipient{}
	}
	batch := make([]Recipient, 0, min(size, len(n.deliveries)))
	for i, d := range n.deliveries {
		if len(batch) == size {
			break
		}
		if d.Status != DeliveryPending {
			continue
		}
		r := n.recipients[i]
		batch = append(batch, Recipient{Email: r.Email, TemplateData: copyData(r.TemplateData)})
	}
	return batch
}

// ProcessBatch applies sender results. Results for unknown emails are ignored.
func (n *Newsletter) ProcessBatch(results []DeliveryResult) {
	now := n.now().UTC()
	if n.startedAt == nil {
		at := now
		n.startedAt = &at
	}

	batchFailed := false
	for _, r := range results {
		i, ok := n.index[NormalizeEmail(r.Email)]
		if !ok {
			continue
		}
		d := &n.deliveries[i]
		if r.Success {
			at := now
			d.Status = DeliverySent
			d.SentAt = &at
			d.ErrorMessage = ""
			continue
		}
		batchFailed = true
		d.Status = DeliveryFailed
		d.SentAt = nil
		d.ErrorMessage = r.Error
		if d.ErrorMessage == "" {
			d.ErrorMessage = "delivery failed"
		}
	}

	prev := n.status
	n.status = DeriveStatus(n.deliveries, batchFailed, true)
	if n.status == CampaignCompleted && prev != CampaignCompleted {
		at := now
		n.completedAt = &at
	}
}

// ResetFailedToPending requeues every failed delivery and returns how many
// were reset.
func (n *Newsletter) ResetFailedToPending() int {
	reset := 0
	for i := range n.deliveries {
		d := &n.deliveries[i]
		if d.Status != DeliveryFailed {
			continue
		}
		d.Status = DeliveryPending
		d.SentAt = nil
		d.ErrorMessage = ""
		reset++
	}
	if reset > 0 {
		n.status = DeriveStatus(n.deliveries, false, n.startedAt != nil)
	}
	return reset
}

func (n *Newsletter) ID() string              { return n.id }
func (n *Newsletter) Title() string           { return n.title }
func (n *Newsletter) Subject() string         { return n.subject }
func (n *Newsletter) PreviewText() string     { return n.previewText }
func (n *Newsletter) HTMLTemplate() string    { return n.htmlTemplate }
func (n *Newsletter) Status() CampaignStatus  { return n.status }
func (n *Newsletter) CreatedAt() time.Time    { return n.createdAt }
func (n *Newsletter) StartedAt() *time.Time   { return copyTime(n.startedAt) }
func (n *Newsletter) CompletedAt() *time.Time { return copyTime(n.completedAt) }
func (n *Newsletter) TotalRecipients() int    { return len(n.deliveries) }
func (n *Newsletter) SentCount() int          { return n.count(DeliverySent) }
func (n *Newsletter) FailedCount() int        { return n.count(DeliveryFailed) }
func (n *Newsletter) PendingCount() int       { return n.count(DeliveryPending) }
func (n *Newsletter) HasFailures() bool       { return n.FailedCount() > 0 }

// SetID assigns the storage identifier. Stores call it on first save.
func (n *Newsletter) SetID(id string) { n.id = id }

// Template returns the campaign content handed to senders.
func (n *Newsletter) Template() EmailTemplate {
	return EmailTemplate{Subject: n.subject, PreviewText: n.previewText, HTMLContent: n.htmlTemplate}
}

// Deliveries returns a copy of the delivery list in recipient order.
func (n *Newsletter) Deliveries() []Delivery {
	out := make([]Delivery, len(n.deliveries))
	for i, d := range n.deliveries {
		d.SentAt = copyTime(d.SentAt)
		out[i] = d
	}
	return out
}

// Recipients returns a copy of the recipient list in original order.
func (n *Newsletter) Recipients() []Recipient {
	out := make([]Recipient, len(n.recipients))
	for i, r := range n.recipients {
		out[i] = Recipient{Email: r.Email, TemplateData: copyData(r.TemplateData)}
	}
	return out
}

// ProgressPercentage is round(100 * sent / total), or 100 with no recipients.
func (n *Newsletter) ProgressPercentage() int {
	total := len(n.deliveries)
	if total == 0 {
		return 100
	}
	return int(math.Round(100 * float64(n.SentCount()) / float64(total)))
}

// Snapshot returns the progress read model.
func (n *Newsletter) Snapshot(isNew bool) ProgressSnapshot {
	return ProgressSnapshot{
		IsNewCampaign:      isNew,
		Status:             n.status,
		TotalRecipients:    n.TotalRecipients(),
		ProcessedCount:     n.SentCount(),
		ProgressPercentage: n.ProgressPercentage(),
		HasFailures:        n.HasFailures(),
		CampaignTitle:      n.title,
	}
}

func (n *Newsletter) count(status DeliveryStatus) int {
	c := 0
	for _, d := range n.deliveries {
		if d.Status == status {
			c++
		}
	}
	return c
}

func copyData(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
