package newsletter

import "errors"

// Sentinel errors for the newsletter service layer.
var (
	ErrNotFound          = errors.New("newsletter not found")
	ErrDuplicateCampaign = errors.New("newsletter with this title already exists")
	ErrCampaignBusy      = errors.New("newsletter is already being sent")
	ErrNoTestRecipient   = errors.New("no test recipient configured")
)
