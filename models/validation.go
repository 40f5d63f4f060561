package models

import (
	"time"
)

type ValidationResult string

const (
	ResultValid     ValidationResult = "valid"
	ResultInvalid   ValidationResult = "invalid"
	ResultExpired   ValidationResult = "expired"
	ResultUsed      ValidationResult = "used"
	ResultDuplicate ValidationResult = "duplicate"
	ResultFraud     ValidationResult = "fraud"
	ResultError     ValidationResult = "error"
)

// Fraud flags are advisory metadata; they never deny entry on their own.
const (
	FlagRapidScan       = "RAPID_SCAN"
	FlagRecentReentry   = "RECENT_REENTRY"
	FlagStaleCredential = "STALE_CREDENTIAL"
)

// ValidationRecord is one row of the append-only scan audit trail.
type ValidationRecord struct {
	ID              string           `json:"id"`
	TicketID        string           `json:"ticket_id"`
	Result          ValidationResult `json:"result"`
	EntryAllowed    bool             `json:"entry_allowed"`
	FraudFlags      []string         `json:"fraud_flags"`
	ConfidenceScore float64          `json:"confidence_score"`
	Reason          string           `json:"reason,omitempty"`
	Location        string           `json:"location,omitempty"`
	ScannerID       string           `json:"scanner_id,omitempty"`
	ValidatedAt     time.Time        `json:"validated_at"`
}
