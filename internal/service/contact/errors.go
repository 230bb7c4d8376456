package contact

import "errors"

// Sentinel errors for the contact service layer.
var (
	ErrNotFound          = errors.New("contact not found")
	ErrAlreadySubscribed = errors.New("email is already subscribed")
	ErrInvalidEmail      = errors.New("invalid email address")
)
