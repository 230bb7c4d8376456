package domain

import (
	"strings"
	"time"
)

// Contact is a newsletter subscriber. Email and UnsubscribeKey are both unique.
type Contact struct {
	Email          string    `json:"email" db:"email"`
	UnsubscribeKey string    `json:"unsubscribe_key" db:"unsubscribe_key"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
}

// NormalizeEmail lower-cases and trims an address so uniqueness checks are
// case-insensitive.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
