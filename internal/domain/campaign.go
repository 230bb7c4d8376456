package domain

import (
	"time"
)

// CampaignStatus enumerates the lifecycle states of a newsletter campaign.
type CampaignStatus string

const (
	CampaignPending    CampaignStatus = "pending"
	CampaignInProgress CampaignStatus = "in_progress"
	CampaignCompleted  CampaignStatus = "completed"
	CampaignFailed     CampaignStatus = "failed"
)

// IsTerminal returns true if polling or sending should stop at this status.
// A failed campaign can still be resumed by a later send.
func (s CampaignStatus) IsTerminal() bool {
	return s == CampaignCompleted || s == CampaignFailed
}

// DeliveryStatus enumerates the lifecycle of a single recipient's delivery.
type DeliveryStatus string

const (
	DeliveryPending DeliveryStatus = "pending"
	DeliverySent    DeliveryStatus = "sent"
	DeliveryFailed  DeliveryStatus = "failed"
)

// Delivery is the per-recipient record of sending one campaign to one address.
type Delivery struct {
	RecipientEmail string         `json:"recipient_email"`
	Status         DeliveryStatus `json:"status"`
	SentAt         *time.Time     `json:"sent_at,omitempty"`
	ErrorMessage   string         `json:"error_message,omitempty"`
}

// Recipient is one address plus the values substituted into the template
// placeholders for that address.
type Recipient struct {
	Email        string            `json:"email"`
	TemplateData map[string]string `json:"template_data"`
}

// DeliveryResult is reported by a sender for each recipient it was handed.
type DeliveryResult struct {
	Email   string `json:"email"`
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// EmailTemplate is the campaign content handed to a sender.
type EmailTemplate struct {
	Subject     string `json:"subject"`
	PreviewText string `json:"preview_text"`
	HTMLContent string `json:"html_content"`
}

// ProgressSnapshot is the read model returned by send and progress queries.
type ProgressSnapshot struct {
	IsNewCampaign      bool           `json:"isNewCampaign"`
	Status             CampaignStatus `json:"status"`
	TotalRecipients    int            `json:"totalRecipients"`
	ProcessedCount     int            `json:"processedCount"`
	ProgressPercentage int            `json:"progressPercentage"`
	HasFailures        bool           `json:"hasFailures"`
	CampaignTitle      string         `json:"campaignTitle"`
}
