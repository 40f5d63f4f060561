package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"ticket-engine/internal/credential"
	"ticket-engine/internal/status"
	"ticket-engine/internal/store"
	"ticket-engine/models"
)

const (
	DefaultRapidScanWindow = 30 * time.Second
	DefaultReentryWindow   = 15 * time.Minute

	rapidScanPenalty = 0.3
	reentryPenalty   = 0.2
)

type EntryDecision struct {
	Result          models.ValidationResult `json:"result"`
	EntryAllowed    bool                    `json:"entry_allowed"`
	FraudFlags      []string                `json:"fraud_flags"`
	ConfidenceScore float64                 `json:"confidence_score"`
	Reason          string                  `json:"reason,omitempty"`
}

type ScanRequest struct {
	TicketID  string
	Location  string
	ScannerID string
}

type ScanResult struct {
	EntryDecision
	Ticket *models.Ticket           `json:"ticket"`
	Record *models.ValidationRecord `json:"record"`
}

type EntryService struct {
	store   store.Store
	tickets *TicketService
	signer  *credential.Signer
	options
}

// NewEntryService builds the scan handler. signer may be nil, in which case
// credential scans are refused.
func NewEntryService(st store.Store, tickets *TicketService, signer *credential.Signer, opts ...Option) *EntryService {
	return &EntryService{store: st, tickets: tickets, signer: signer, options: buildOptions(opts)}
}

// EvaluateEntry decides whether t may enter at now. It has no side effects.
func (s *EntryService) EvaluateEntry(t *models.Ticket, now time.Time, location string, policy models.Policy) EntryDecision {
	return EvaluateEntry(t, now, location, policy)
}

// EvaluateEntry applies, in order: status, validity window, entry window,
// rapid-scan heuristic, re-entry heuristic. Fraud flags lower confidence but
// only used/invalid/expired deny entry.
func EvaluateEntry(t *models.Ticket, now time.Time, _ string, policy models.Policy) EntryDecision {
	rapid := policy.RapidScanWindow
	if rapid <= 0 {
		rapid = DefaultRapidScanWindow
	}
	reentry := policy.ReentryWindow
	if reentry <= 0 {
		reentry = DefaultReentryWindow
	}

	deny := func(r models.ValidationResult, reason string) EntryDecision {
		return EntryDecision{Result: r, ConfidenceScore: 1, Reason: reason}
	}

	switch {
	case t.Status == models.TicketUsed:
		return deny(models.ResultUsed, "ticket already redeemed")
	case !t.Status.Issued():
		return deny(models.ResultInvalid, fmt.Sprintf("ticket is %s", t.Status))
	case !t.ValidFrom.IsZero() && now.Before(t.ValidFrom):
		return deny(models.ResultInvalid, "ticket not valid yet")
	case !t.ValidUntil.IsZero() && now.After(t.ValidUntil):
		return deny(models.ResultExpired, "ticket validity ended")
	case !t.EntryAllowedFrom.IsZero() && now.Before(t.EntryAllowedFrom):
		return deny(models.ResultInvalid, "entry not open yet")
	case !t.EntryCutoff.IsZero() && now.After(t.EntryCutoff):
		return deny(models.ResultExpired, "entry closed")
	}

	d := EntryDecision{Result: models.ResultValid, EntryAllowed: true, ConfidenceScore: 1}

	if !t.LastScannedAt.IsZero() && now.Sub(t.LastScannedAt) < rapid {
		d.FraudFlags = append(d.FraudFlags, models.FlagRapidScan)
		d.ConfidenceScore -= rapidScanPenalty
	}

	if t.ScanCount > 0 {
		if now.Sub(t.FirstScannedAt) > reentry {
			d.Result = models.ResultUsed
			d.EntryAllowed = false
			d.Reason = "re-entry window closed"
		} else {
			d.FraudFlags = append(d.FraudFlags, models.FlagRecentReentry)
			d.ConfidenceScore -= reentryPenalty
		}
	}

	d.ConfidenceScore = min(1, max(0, d.ConfidenceScore))
	return d
}

// Scan evaluates and records one scan of a ticket under its row lock. Allowed
// entries bump the scan counters; every attempt leaves a validation record.
func (s *EntryService) Scan(ctx context.Context, req ScanRequest, policy models.Policy) (*ScanResult, error) {
	return s.scan(ctx, req, policy, -1)
}

// ScanCredential verifies a signed credential and scans the ticket it names.
// A credential minted for an earlier owner is recorded as fraud and denied.
func (s *EntryService) ScanCredential(ctx context.Context, token, location, scannerID string, policy models.Policy) (*ScanResult, error) {
	if s.signer == nil {
		return nil, fmt.Errorf("scan credentials are not configured: %w", status.ErrInvalidCredential)
	}
	ticketID, gen, err := s.signer.Verify(token)
	if err != nil {
		s.monitor.TrackScan(string(models.ResultInvalid), false, nil)
		s.logger.Warn("Rejected scan credential", "location", location, "scanner_id", scannerID, "error", err)
		return nil, err
	}
	return s.scan(ctx, ScanRequest{TicketID: ticketID, Location: location, ScannerID: scannerID}, policy, gen)
}

// IssueCredential returns the QR payload for the current owner of a ticket.
func (s *EntryService) IssueCredential(ctx context.Context, ticketID, userID string) (string, error) {
	if s.signer == nil {
		return "", errors.New("scan credentials are not configured")
	}
	t, err := s.store.GetTicket(ctx, ticketID)
	if err != nil {
		return "", err
	}
	if t.OwnerUserID != userID {
		return "", fmt.Errorf("ticket %s: %w", ticketID, status.ErrNotOwner)
	}
	if !t.Status.Issued() {
		return "", fmt.Errorf("ticket %s is %s: %w", ticketID, t.Status, status.ErrTicketNotEligible)
	}
	return s.signer.Issue(t), nil
}

// scan does the locked part. generation < 0 means no credential was presented.
func (s *EntryService) scan(ctx context.Context, req ScanRequest, policy models.Policy, generation int) (*ScanResult, error) {
	now := s.clock()
	var out *ScanResult

	err := s.store.InTx(ctx, func(tx store.Tx) error {
		t, err := tx.LockTicket(req.TicketID)
		if err != nil {
			return err
		}

		var d EntryDecision
		if generation >= 0 && generation != t.TransferCount {
			d = EntryDecision{
				Result:     models.ResultFraud,
				FraudFlags: []string{models.FlagStaleCredential},
				Reason:     "credential issued to a previous owner",
			}
		} else {
			d = EvaluateEntry(t, now, req.Location, policy)
		}

		switch {
		case d.EntryAllowed:
			applyScan(t, now)
			if err := tx.UpdateTicket(t); err != nil {
				return err
			}
		case d.Result == models.ResultUsed && t.Status.Issued():
			if err := s.tickets.transition(tx, t, models.TicketUsed, now); err != nil {
				return err
			}
		}

		rec := &models.ValidationRecord{
			ID:              newOrderedID(),
			TicketID:        t.ID,
			Result:          d.Result,
			EntryAllowed:    d.EntryAllowed,
			FraudFlags:      d.FraudFlags,
			ConfidenceScore: d.ConfidenceScore,
			Reason:          d.Reason,
			Location:        req.Location,
			ScannerID:       req.ScannerID,
			ValidatedAt:     now,
		}
		if err := tx.InsertValidation(rec); err != nil {
			return err
		}
		out = &ScanResult{EntryDecision: d, Ticket: t, Record: rec}
		return nil
	})
	if err != nil {
		s.logger.Error("Scan failed", "ticket_id", req.TicketID, "scanner_id", req.ScannerID, "error", err)
		return nil, err
	}

	s.monitor.TrackScan(string(out.Result), out.EntryAllowed, out.FraudFlags)
	s.logger.Info("Ticket scanned",
		"ticket_id", req.TicketID,
		"result", string(out.Result),
		"entry_allowed", out.EntryAllowed,
		"fraud_flags", out.FraudFlags,
		"confidence_score", out.ConfidenceScore,
		"location", req.Location)
	return out, nil
}
