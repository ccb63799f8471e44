package models

import (
	"time"

	"github.com/google/uuid"
)

// Account is a credit holder. Its balance is never stored; it is the sum of
// the account's non-redacted ledger entries.
type Account struct {
	ID           uuid.UUID `json:"id"`
	Email        string    `json:"email"`
	DisplayName  string    `json:"display_name"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
}
