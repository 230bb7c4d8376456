package domain

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testHTML = `<p>Hi {{ email }}</p><a href="{{unsubscribe_url}}">unsubscribe</a>`

func recipient(email string) Recipient {
	return Recipient{
		Email: email,
		TemplateData: map[string]string{
			"email":           email,
			"unsubscribe_url": "https://example.com/unsubscribe/" + email,
		},
	}
}

func threeRecipients() []Recipient {
	return []Recipient{recipient("a@example.com"), recipient("b@example.com"), recipient("c@example.com")}
}

func newTestNewsletter(t *testing.T, recipients []Recipient) *Newsletter {
	t.Helper()
	n, err := NewNewsletter("Issue #1", "Hello", "preview", testHTML, recipients)
	require.NoError(t, err)
	return n
}

func TestNewNewsletter_Valid(t *testing.T) {
	n := newTestNewsletter(t, threeRecipients())

	assert.Equal(t, CampaignPending, n.Status())
	assert.Equal(t, 3, n.TotalRecipients())
	assert.Equal(t, 0, n.ProgressPercentage())
	assert.Nil(t, n.StartedAt())
	assert.Nil(t, n.CompletedAt())
	for _, d := range n.Deliveries() {
		assert.Equal(t, DeliveryPending, d.Status)
	}
}

func TestNewNewsletter_EmptyRecipientsIsCompleted(t *testing.T) {
	n := newTestNewsletter(t, nil)

	assert.Equal(t, CampaignCompleted, n.Status())
	assert.Equal(t, 100, n.ProgressPercentage())
	assert.Equal(t, 0, n.TotalRecipients())
	assert.NotNil(t, n.CompletedAt())
	assert.Empty(t, n.NextBatch(10))
}

func TestNewNewsletter_ValidationErrors(t *testing.T) {
	tests := []struct {
		name       string
		title      string
		subject    string
		preview    string
		html       string
		recipients []Recipient
		field      string
	}{
		{"empty title", "  ", "s", "", testHTML, nil, "title"},
		{"empty subject", "t", "", "", testHTML, nil, "subject"},
		{"empty html", "t", "s", "", "", nil, "html_template"},
		{
			name: "missing placeholder", title: "t", subject: "s", html: testHTML,
			recipients: []Recipient{{Email: "a@example.com", TemplateData: map[string]string{"email": "a@example.com"}}},
			field:      "html_template",
		},
		{
			name: "missing preview placeholder", title: "t", subject: "s", html: testHTML,
			preview:    "Hi {{ first_name }}",
			recipients: []Recipient{recipient("a@example.com")},
			field:      "preview_text",
		},
		{
			name: "duplicate recipient", title: "t", subject: "s", html: testHTML,
			recipients: []Recipient{recipient("a@example.com"), recipient("A@Example.com")},
			field:      "recipients",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewNewsletter(tt.title, tt.subject, tt.preview, tt.html, tt.recipients)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrValidation))

			var ve *ValidationError
			require.True(t, errors.As(err, &ve))
			assert.Equal(t, tt.field, ve.Field)
		})
	}
}

func TestNewNewsletter_PreviewPlaceholdersSatisfied(t *testing.T) {
	n, err := NewNewsletter("t", "s", "For {{ email }}", testHTML, threeRecipients())
	require.NoError(t, err)
	assert.Equal(t, "For {{ email }}", n.PreviewText())
}

func TestNextBatch_RespectsSizeAndOrder(t *testing.T) {
	n := newTestNewsletter(t, threeRecipients())

	batch := n.NextBatch(2)
	require.Len(t, batch, 2)
	assert.Equal(t, "a@example.com", batch[0].Email)
	assert.Equal(t, "b@example.com", batch[1].Email)
	assert.Equal(t, "a@example.com", batch[0].TemplateData["email"])

	assert.Empty(t, n.NextBatch(0))
	assert.Empty(t, n.NextBatch(-1))
	assert.Len(t, n.NextBatch(100), 3)
}

func TestNextBatch_OnlyPending(t *testing.T) {
	n := newTestNewsletter(t, threeRecipients())
	n.ProcessBatch([]DeliveryResult{
		{Email: "a@example.com", Success: true},
		{Email: "b@example.com", Success: false, Error: "rejected"},
	})

	batch := n.NextBatch(10)
	require.Len(t, batch, 1)
	assert.Equal(t, "c@example.com", batch[0].Email)
}

func TestNextBatch_ReturnsCopies(t *testing.T) {
	n := newTestNewsletter(t, threeRecipients())
	batch := n.NextBatch(1)
	batch[0].TemplateData["email"] = "mutated"

	assert.Equal(t, "a@example.com", n.NextBatch(1)[0].TemplateData["email"])
}

func TestProcessBatch_StatusTransitions(t *testing.T) {
	n := newTestNewsletter(t, threeRecipients())

	n.ProcessBatch([]DeliveryResult{{Email: "a@example.com", Success: true}})
	assert.Equal(t, CampaignInProgress, n.Status())
	require.NotNil(t, n.StartedAt())
	assert.Nil(t, n.CompletedAt())

	n.ProcessBatch([]DeliveryResult{{Email: "b@example.com", Error: "mailbox full"}})
	assert.Equal(t, CampaignFailed, n.Status())
	assert.True(t, n.HasFailures())

	n.ProcessBatch([]DeliveryResult{
		{Email: "b@example.com", Success: true},
		{Email: "c@example.com", Success: true},
	})
	assert.Equal(t, CampaignCompleted, n.Status())
	assert.NotNil(t, n.CompletedAt())
	assert.Equal(t, 100, n.ProgressPercentage())
	assert.False(t, n.HasFailures())
}

func TestProcessBatch_StartedAtSetOnce(t *testing.T) {
	clock := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	n, err := NewNewsletterAt("t", "s", "", testHTML, threeRecipients(), func() time.Time { return clock })
	require.NoError(t, err)

	n.ProcessBatch([]DeliveryResult{{Email: "a@example.com", Success: true}})
	first := *n.StartedAt()

	clock = clock.Add(time.Hour)
	n.ProcessBatch([]DeliveryResult{{Email: "b@example.com", Success: true}})
	assert.Equal(t, first, *n.StartedAt())
}

func TestProcessBatch_UnknownEmailIgnored(t *testing.T) {
	n := newTestNewsletter(t, threeRecipients())
	n.ProcessBatch([]DeliveryResult{{Email: "stranger@example.com", Error: "boom"}})

	assert.Equal(t, CampaignInProgress, n.Status())
	assert.Equal(t, 0, n.FailedCount())
	assert.Equal(t, 3, n.PendingCount())
}

func TestProcessBatch_FailureClearsSentAt(t *testing.T) {
	n := newTestNewsletter(t, threeRecipients())
	n.ProcessBatch([]DeliveryResult{{Email: "a@example.com", Success: true}})
	n.ProcessBatch([]DeliveryResult{{Email: "a@example.com", Error: "bounced"}})

	d := n.Deliveries()[0]
	assert.Equal(t, DeliveryFailed, d.Status)
	assert.Nil(t, d.SentAt)
	assert.Equal(t, "bounced", d.ErrorMessage)
}

func TestResetFailedToPending(t *testing.T) {
	n := newTestNewsletter(t, threeRecipients())
	n.ProcessBatch([]DeliveryResult{
		{Email: "a@example.com", Success: true},
		{Email: "b@example.com", Error: "rejected"},
		{Email: "c@example.com", Success: true},
	})
	require.Equal(t, CampaignFailed, n.Status())

	assert.Equal(t, 1, n.ResetFailedToPending())
	assert.Equal(t, CampaignInProgress, n.Status())
	assert.Equal(t, 0, n.FailedCount())

	batch := n.NextBatch(10)
	require.Len(t, batch, 1)
	assert.Equal(t, "b@example.com", batch[0].Email)

	assert.Equal(t, 0, n.ResetFailedToPending())
}

func TestProgressPercentage_Rounds(t *testing.T) {
	n := newTestNewsletter(t, threeRecipients())
	n.ProcessBatch([]DeliveryResult{
		{Email: "a@example.com", Success: true},
		{Email: "b@example.com", Success: true},
	})

	assert.Equal(t, 67, n.ProgressPercentage())
	snap := n.Snapshot(false)
	assert.Equal(t, 2, snap.ProcessedCount)
	assert.Equal(t, 3, snap.TotalRecipients)
	assert.Equal(t, "Issue #1", snap.CampaignTitle)
}

func TestDeliveries_DefensiveCopy(t *testing.T) {
	n := newTestNewsletter(t, threeRecipients())
	n.ProcessBatch([]DeliveryResult{{Email: "a@example.com", Success: true}})

	ds := n.Deliveries()
	ds[0].Status = DeliveryFailed
	*ds[0].SentAt = time.Time{}

	fresh := n.Deliveries()[0]
	assert.Equal(t, DeliverySent, fresh.Status)
	assert.False(t, fresh.SentAt.IsZero())
}

func TestDeriveStatus(t *testing.T) {
	sent := Delivery{Status: DeliverySent}
	pending := Delivery{Status: DeliveryPending}
	failed := Delivery{Status: DeliveryFailed}

	assert.Equal(t, CampaignCompleted, DeriveStatus(nil, false, false))
	assert.Equal(t, CampaignCompleted, DeriveStatus([]Delivery{sent, sent}, false, true))
	assert.Equal(t, CampaignPending, DeriveStatus([]Delivery{pending}, false, false))
	assert.Equal(t, CampaignInProgress, DeriveStatus([]Delivery{sent, pending}, false, true))
	assert.Equal(t, CampaignFailed, DeriveStatus([]Delivery{sent, failed}, true, true))
	assert.Equal(t, CampaignInProgress, DeriveStatus([]Delivery{sent, failed, pending}, false, true))
}

func TestRestoreNewsletter_RebuildsDerivedState(t *testing.T) {
	orig := newTestNewsletter(t, threeRecipients())
	orig.SetID("nl-1")
	orig.ProcessBatch([]DeliveryResult{
		{Email: "a@example.com", Success: true},
		{Email: "b@example.com", Error: "rejected"},
	})

	rec := NewsletterRecord{
		ID:           orig.ID(),
		Title:        orig.Title(),
		Subject:      orig.Subject(),
		PreviewText:  orig.PreviewText(),
		HTMLTemplate: orig.HTMLTemplate(),
		CreatedAt:    orig.CreatedAt(),
		StartedAt:    orig.StartedAt(),
		CompletedAt:  orig.CompletedAt(),
	}
	restored, err := RestoreNewsletter(rec, orig.Recipients(), orig.Deliveries())
	require.NoError(t, err)

	assert.Equal(t, orig.ID(), restored.ID())
	assert.Equal(t, orig.Status(), restored.Status())
	assert.Equal(t, orig.TotalRecipients(), restored.TotalRecipients())
	assert.Equal(t, orig.SentCount(), restored.SentCount())
	assert.Equal(t, *orig.StartedAt(), *restored.StartedAt())
	assert.Equal(t, orig.Deliveries(), restored.Deliveries())
}

func TestRestoreNewsletter_Completed(t *testing.T) {
	orig := newTestNewsletter(t, threeRecipients())
	var all []DeliveryResult
	for _, r := range orig.Recipients() {
		all = append(all, DeliveryResult{Email: r.Email, Success: true})
	}
	orig.ProcessBatch(all)

	restored, err := RestoreNewsletter(NewsletterRecord{
		Title: orig.Title(), Subject: orig.Subject(), HTMLTemplate: orig.HTMLTemplate(),
		CreatedAt: orig.CreatedAt(), StartedAt: orig.StartedAt(), CompletedAt: orig.CompletedAt(),
	}, orig.Recipients(), orig.Deliveries())
	require.NoError(t, err)

	assert.Equal(t, CampaignCompleted, restored.Status())
	assert.Equal(t, *orig.CompletedAt(), *restored.CompletedAt())
}

func TestPlaceholders(t *testing.T) {
	got := Placeholders(`{{a}} {{ b }} {{a}} {{  c_1  }} {{ not valid }} {x}`)
	assert.Equal(t, []string{"a", "b", "c_1"}, got)
	assert.Empty(t, Placeholders("<p>no tokens</p>"))
}
