package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"ticket-engine/internal/status"
	"ticket-engine/internal/store"
	"ticket-engine/models"
)

const DefaultLedgerTimeout = 5 * time.Second

// ExternalLedger mirrors ownership changes to a downstream system (an NFT
// registry, a partner box office). Calls are best effort.
type ExternalLedger interface {
	TransferOwnership(ctx context.Context, ticketID, fromUserID, toUserID string) error
}

type TransferRequest struct {
	TicketID   string
	FromUserID string
	ToUserID   string
	Type       models.TransferType
	Price      *decimal.Decimal
	Message    string
}

type transferEvent struct {
	TransferID   string                `json:"transfer_id"`
	TicketID     string                `json:"ticket_id"`
	FromUserID   string                `json:"from_user_id"`
	ToUserID     string                `json:"to_user_id"`
	TransferType models.TransferType   `json:"transfer_type"`
	Status       models.TransferStatus `json:"status"`
	ExpiresAt    time.Time             `json:"expires_at,omitzero"`
}

type TransferService struct {
	store         store.Store
	tickets       *TicketService
	ledger        ExternalLedger
	ledgerTimeout time.Duration
	batchSize     int
	options
}

// NewTransferService builds the transfer engine. ledger may be nil.
func NewTransferService(st store.Store, tickets *TicketService, ledger ExternalLedger, batchSize int, opts ...Option) *TransferService {
	if batchSize <= 0 {
		batchSize = DefaultSweepBatchSize
	}
	return &TransferService{
		store:         st,
		tickets:       tickets,
		ledger:        ledger,
		ledgerTimeout: DefaultLedgerTimeout,
		batchSize:     batchSize,
		options:       buildOptions(opts),
	}
}

func transferPayload(tr *models.TransferRecord) transferEvent {
	return transferEvent{
		TransferID:   tr.ID,
		TicketID:     tr.TicketID,
		FromUserID:   tr.FromUserID,
		ToUserID:     tr.ToUserID,
		TransferType: tr.TransferType,
		Status:       tr.Status,
		ExpiresAt:    tr.ExpiresAt,
	}
}

// checkTransferable applies the ticket-side transfer policy. The caller holds
// the ticket row lock.
func checkTransferable(t *models.Ticket, fromUserID string, now time.Time, policy models.Policy) error {
	if t.OwnerUserID != fromUserID {
		return fmt.Errorf("ticket %s: %w", t.ID, status.ErrNotOwner)
	}
	if !t.Status.Issued() {
		return fmt.Errorf("ticket %s is %s: %w", t.ID, t.Status, status.ErrTicketNotEligible)
	}
	if !t.IsTransferable {
		return fmt.Errorf("ticket %s: %w", t.ID, status.ErrNotTransferable)
	}
	if t.ScanCount > 0 {
		return fmt.Errorf("ticket %s scanned %d times: %w", t.ID, t.ScanCount, status.ErrTicketRedeemed)
	}
	switch {
	case t.EventStartsAt.IsZero():
		// an unknown start time cannot be shown to be far enough away
		if policy.TransferDeadlineHours > 0 {
			return fmt.Errorf("ticket %s: event start unknown, deadline %.1fh: %w",
				t.ID, policy.TransferDeadlineHours, status.ErrTransferDeadlinePassed)
		}
	default:
		if hours := t.EventStartsAt.Sub(now).Hours(); hours < policy.TransferDeadlineHours {
			return fmt.Errorf("ticket %s: event starts in %.1fh, deadline %.1fh: %w",
				t.ID, hours, policy.TransferDeadlineHours, status.ErrTransferDeadlinePassed)
		}
	}
	if policy.MaxTransfersPerTicket > 0 && t.TransferCount >= policy.MaxTransfersPerTicket {
		return fmt.Errorf("ticket %s transferred %d times: %w", t.ID, t.TransferCount, status.ErrTransferCapReached)
	}
	return nil
}

func checkPrice(t *models.Ticket, kind models.TransferType, price *decimal.Decimal, policy models.Policy) error {
	if price == nil {
		return nil
	}
	if price.IsNegative() {
		return fmt.Errorf("transfer price %s: %w", price, status.ErrValidation)
	}
	if kind != models.TransferSale {
		return nil
	}
	if ceiling, ok := policy.ResaleCeiling(t.Price); ok && price.GreaterThan(ceiling) {
		return fmt.Errorf("price %s above ceiling %s: %w", price, ceiling.StringFixed(2), status.ErrResalePriceTooHigh)
	}
	return nil
}

// Transfer moves a ticket to another user, or opens a pending offer when the
// policy requires the recipient to accept.
func (s *TransferService) Transfer(ctx context.Context, req TransferRequest, policy models.Policy) (*models.TransferRecord, error) {
	rec, err := s.transfer(ctx, req, policy)
	op := "direct"
	if policy.TransferRequiresApproval {
		op = "request"
	}
	s.monitor.TrackTransfer(op, err)
	if err != nil {
		s.logger.Info("Transfer rejected",
			"ticket_id", req.TicketID, "from_user_id", req.FromUserID, "to_user_id", req.ToUserID, "error", err)
		return nil, err
	}

	s.logger.Info("Transfer recorded",
		"transfer_id", rec.ID, "ticket_id", rec.TicketID, "status", string(rec.Status))
	if rec.Status == models.TransferCompleted {
		s.notifyLedger(ctx, rec)
	}
	return rec, nil
}

func (s *TransferService) transfer(ctx context.Context, req TransferRequest, policy models.Policy) (*models.TransferRecord, error) {
	if req.TicketID == "" || req.FromUserID == "" || req.ToUserID == "" {
		return nil, fmt.Errorf("transfer needs ticket, sender and recipient: %w", status.ErrValidation)
	}
	if req.FromUserID == req.ToUserID {
		return nil, fmt.Errorf("cannot transfer a ticket to its owner: %w", status.ErrValidation)
	}
	kind := req.Type
	if kind == "" {
		kind = models.TransferGift
	}
	switch kind {
	case models.TransferGift, models.TransferSale, models.TransferOther:
	default:
		return nil, fmt.Errorf("transfer type %q: %w", kind, status.ErrValidation)
	}

	now := s.clock()
	var rec *models.TransferRecord

	err := s.store.InTx(ctx, func(tx store.Tx) error {
		t, err := tx.LockTicket(req.TicketID)
		if err != nil {
			return err
		}
		if err := checkTransferable(t, req.FromUserID, now, policy); err != nil {
			return err
		}
		if err := checkPrice(t, kind, req.Price, policy); err != nil {
			return err
		}
		pending, err := tx.PendingTransferForTicket(t.ID)
		if err != nil {
			return err
		}
		if pending != nil {
			return fmt.Errorf("ticket %s has pending transfer %s: %w", t.ID, pending.ID, status.ErrTransferInProgress)
		}

		rec = &models.TransferRecord{
			ID:            newOrderedID(),
			TicketID:      t.ID,
			FromUserID:    req.FromUserID,
			ToUserID:      req.ToUserID,
			TransferType:  kind,
			TransferPrice: req.Price,
			Message:       req.Message,
			CreatedAt:     now,
			UpdatedAt:     now,
		}

		if policy.TransferRequiresApproval {
			rec.Status = models.TransferPending
			if policy.TransferAcceptWindow > 0 {
				rec.ExpiresAt = now.Add(policy.TransferAcceptWindow)
			}
			if err := tx.InsertTransfer(rec); err != nil {
				return err
			}
			return enqueue(tx, models.TopicTransferRequested, t.ID, transferPayload(rec), now)
		}

		rec.Status = models.TransferCompleted
		rec.CompletedAt = now
		if err := s.moveOwnership(tx, t, req.ToUserID, now); err != nil {
			return err
		}
		if err := tx.InsertTransfer(rec); err != nil {
			return err
		}
		return enqueue(tx, models.TopicTicketTransferred, t.ID, transferPayload(rec), now)
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// moveOwnership reassigns a locked ticket and keeps the ownership history.
func (s *TransferService) moveOwnership(tx store.Tx, t *models.Ticket, toUserID string, now time.Time) error {
	t.OwnerUserID = toUserID
	t.TransferCount++
	if err := s.tickets.transition(tx, t, models.TicketTransferred, now); err != nil {
		return err
	}
	if err := tx.CloseOwnership(t.ID, now); err != nil {
		return err
	}
	return tx.OpenOwnership(&models.OwnershipSpan{
		ID:          newID(),
		TicketID:    t.ID,
		UserID:      toUserID,
		AcquiredVia: "transfer",
		StartedAt:   now,
	})
}

// AcceptTransfer completes a pending offer. The transfer policy is checked
// again because the ticket may have changed since the offer was made.
func (s *TransferService) AcceptTransfer(ctx context.Context, transferID, userID string, policy models.Policy) (*models.TransferRecord, error) {
	rec, err := s.acceptTransfer(ctx, transferID, userID, policy)
	s.monitor.TrackTransfer("accept", err)
	if err != nil {
		s.logger.Info("Transfer accept rejected", "transfer_id", transferID, "user_id", userID, "error", err)
		return nil, err
	}
	s.logger.Info("Transfer accepted", "transfer_id", rec.ID, "ticket_id", rec.TicketID, "to_user_id", rec.ToUserID)
	s.notifyLedger(ctx, rec)
	return rec, nil
}

func (s *TransferService) acceptTransfer(ctx context.Context, transferID, userID string, policy models.Policy) (*models.TransferRecord, error) {
	// ticket id is immutable on a transfer; read it first so the ticket row is
	// locked before the transfer row, same as Transfer.
	probe, err := s.store.GetTransfer(ctx, transferID)
	if err != nil {
		return nil, err
	}

	now := s.clock()
	var rec *models.TransferRecord
	err = s.store.InTx(ctx, func(tx store.Tx) error {
		t, err := tx.LockTicket(probe.TicketID)
		if err != nil {
			return err
		}
		tr, err := tx.LockTransfer(transferID)
		if err != nil {
			return err
		}
		if tr.Status != models.TransferPending {
			return fmt.Errorf("transfer %s is %s: %w", tr.ID, tr.Status, status.ErrTransferNotPending)
		}
		if tr.ToUserID != userID {
			return fmt.Errorf("transfer %s: %w", tr.ID, status.ErrNotRecipient)
		}
		if !tr.ExpiresAt.IsZero() && !now.Before(tr.ExpiresAt) {
			return fmt.Errorf("transfer %s expired at %s: %w", tr.ID, tr.ExpiresAt.Format(time.RFC3339), status.ErrTransferNotPending)
		}
		if err := checkTransferable(t, tr.FromUserID, now, policy); err != nil {
			return err
		}

		if err := s.moveOwnership(tx, t, tr.ToUserID, now); err != nil {
			return err
		}
		tr.Status = models.TransferAccepted
		tr.CompletedAt = now
		tr.UpdatedAt = now
		if err := tx.UpdateTransfer(tr); err != nil {
			return err
		}
		rec = tr
		return enqueue(tx, models.TopicTicketTransferred, t.ID, transferPayload(tr), now)
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// RejectTransfer is the recipient declining a pending offer.
func (s *TransferService) RejectTransfer(ctx context.Context, transferID, userID string) (*models.TransferRecord, error) {
	rec, err := s.closePending(ctx, transferID, models.TransferRejected, func(tr *models.TransferRecord) error {
		if tr.ToUserID != userID {
			return fmt.Errorf("transfer %s: %w", tr.ID, status.ErrNotRecipient)
		}
		return nil
	})
	s.monitor.TrackTransfer("reject", err)
	return rec, err
}

// CancelTransfer is the sender withdrawing a pending offer.
func (s *TransferService) CancelTransfer(ctx context.Context, transferID, userID string) (*models.TransferRecord, error) {
	rec, err := s.closePending(ctx, transferID, models.TransferCancelled, func(tr *models.TransferRecord) error {
		if tr.FromUserID != userID {
			return fmt.Errorf("transfer %s: %w", tr.ID, status.ErrNotOwner)
		}
		return nil
	})
	s.monitor.TrackTransfer("cancel", err)
	return rec, err
}

func (s *TransferService) closePending(ctx context.Context, transferID string, to models.TransferStatus, authorize func(*models.TransferRecord) error) (*models.TransferRecord, error) {
	now := s.clock()
	var rec *models.TransferRecord
	err := s.store.InTx(ctx, func(tx store.Tx) error {
		tr, err := tx.LockTransfer(transferID)
		if err != nil {
			return err
		}
		if err := authorize(tr); err != nil {
			return err
		}
		if tr.Status != models.TransferPending {
			return fmt.Errorf("transfer %s is %s: %w", tr.ID, tr.Status, status.ErrTransferNotPending)
		}
		tr.Status = to
		tr.UpdatedAt = now
		if err := tx.UpdateTransfer(tr); err != nil {
			return err
		}
		rec = tr
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("Transfer closed", "transfer_id", rec.ID, "status", string(rec.Status))
	return rec, nil
}

// ExpireTransfers closes pending offers whose accept window has passed.
func (s *TransferService) ExpireTransfers(ctx context.Context, now time.Time) (int, error) {
	start := time.Now()
	ids, err := s.store.ExpiredTransferIDs(ctx, now, s.batchSize)
	if err != nil {
		return 0, fmt.Errorf("list expired transfers: %w", err)
	}

	expired := 0
	var errs []error
	for _, id := range ids {
		done := false
		err := s.store.InTx(ctx, func(tx store.Tx) error {
			tr, err := tx.LockTransfer(id)
			if err != nil {
				return err
			}
			if tr.Status != models.TransferPending || tr.ExpiresAt.IsZero() || !tr.ExpiresAt.Before(now) {
				return nil
			}
			tr.Status = models.TransferExpired
			tr.UpdatedAt = now
			if err := tx.UpdateTransfer(tr); err != nil {
				return err
			}
			done = true
			return nil
		})
		switch {
		case err != nil:
			s.logger.Error("Failed to expire transfer", "transfer_id", id, "error", err)
			errs = append(errs, fmt.Errorf("transfer %s: %w", id, err))
		case done:
			expired++
		}
	}

	s.monitor.TrackSweep("transfers", expired, len(errs), time.Since(start))
	return expired, errors.Join(errs...)
}

func (s *TransferService) GetTransfer(ctx context.Context, id string) (*models.TransferRecord, error) {
	return s.store.GetTransfer(ctx, id)
}

// notifyLedger runs after commit. Local state is authoritative, so a ledger
// failure is only logged.
func (s *TransferService) notifyLedger(ctx context.Context, rec *models.TransferRecord) {
	if s.ledger == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.ledgerTimeout)
	defer cancel()

	if err := s.ledger.TransferOwnership(ctx, rec.TicketID, rec.FromUserID, rec.ToUserID); err != nil {
		s.logger.Warn("External ledger transfer failed",
			"transfer_id", rec.ID, "ticket_id", rec.TicketID, "error", err)
		s.monitor.TrackTransfer("ledger", err)
		return
	}
	s.monitor.TrackTransfer("ledger", nil)
}
