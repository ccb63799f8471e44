package models

import (
	"time"

	"github.com/google/uuid"
)

// LedgerReason is the business reason attached to a credit movement.
type LedgerReason string

const (
	ReasonSignupBonus      LedgerReason = "signup_bonus"
	ReasonPurchase         LedgerReason = "purchase"
	ReasonCampaignCharge   LedgerReason = "campaign_charge"
	ReasonCampaignRefund   LedgerReason = "campaign_refund"
	ReasonManualAdjustment LedgerReason = "manual_adjustment"
)

// Valid reports whether r is one of the known reasons.
func (r LedgerReason) Valid() bool {
	switch r {
	case ReasonSignupBonus, ReasonPurchase, ReasonCampaignCharge, ReasonCampaignRefund, ReasonManualAdjustment:
		return true
	}
	return false
}

// LedgerEntry is an immutable signed credit movement.
type LedgerEntry struct {
	ID              uuid.UUID         `json:"id"`
	AccountID       uuid.UUID         `json:"account_id"`
	Delta           int64             `json:"delta"`
	Reason          LedgerReason      `json:"reason"`
	ExternalEventID *string           `json:"external_event_id,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
	RedactedAt      *time.Time        `json:"redacted_at,omitempty"`
}
