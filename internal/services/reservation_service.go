package services

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"ticket-engine/internal/status"
	"ticket-engine/internal/store"
	"ticket-engine/models"
)

const DefaultSweepBatchSize = 500

type CreateReservationRequest struct {
	UserID       string
	EventID      string
	Items        []models.LineItem
	HoldDuration time.Duration // zero falls back to Policy.HoldDuration
}

type ReservationService struct {
	store     store.Store
	ledger    *InventoryLedger
	batchSize int
	options
}

func NewReservationService(st store.Store, ledger *InventoryLedger, batchSize int, opts ...Option) *ReservationService {
	if batchSize <= 0 {
		batchSize = DefaultSweepBatchSize
	}
	return &ReservationService{store: st, ledger: ledger, batchSize: batchSize, options: buildOptions(opts)}
}

type reservationEvent struct {
	ReservationID string            `json:"reservation_id"`
	UserID        string            `json:"user_id"`
	EventID       string            `json:"event_id"`
	Items         []models.LineItem `json:"items"`
	ExpiresAt     time.Time         `json:"expires_at,omitzero"`
}

type purchaseEvent struct {
	ReservationID    string   `json:"reservation_id"`
	UserID           string   `json:"user_id"`
	EventID          string   `json:"event_id"`
	PaymentReference string   `json:"payment_reference"`
	TicketIDs        []string `json:"ticket_ids"`
}

// mergeItems folds duplicate ticket types together and sorts by type id,
// which is also the order type rows get locked in.
func mergeItems(items []models.LineItem) ([]models.LineItem, error) {
	if len(items) == 0 {
		return nil, fmt.Errorf("reservation has no line items: %w", status.ErrValidation)
	}
	byType := make(map[string]int, len(items))
	for _, it := range items {
		if it.TicketTypeID == "" {
			return nil, fmt.Errorf("line item without ticket type: %w", status.ErrValidation)
		}
		if it.Quantity <= 0 {
			return nil, fmt.Errorf("ticket type %s: quantity %d: %w", it.TicketTypeID, it.Quantity, status.ErrValidation)
		}
		byType[it.TicketTypeID] += it.Quantity
	}
	merged := make([]models.LineItem, 0, len(byType))
	for id, q := range byType {
		merged = append(merged, models.LineItem{TicketTypeID: id, Quantity: q})
	}
	slices.SortFunc(merged, func(a, b models.LineItem) int {
		return strings.Compare(a.TicketTypeID, b.TicketTypeID)
	})
	return merged, nil
}

// CreateReservation holds inventory for every line item in one transaction.
// Either every item is debited or none is.
func (s *ReservationService) CreateReservation(ctx context.Context, req CreateReservationRequest, policy models.Policy) (*models.Reservation, error) {
	res, err := s.createReservation(ctx, req, policy)
	s.monitor.TrackReservation("create", err)
	return res, err
}

func (s *ReservationService) createReservation(ctx context.Context, req CreateReservationRequest, policy models.Policy) (*models.Reservation, error) {
	if req.UserID == "" || req.EventID == "" {
		return nil, fmt.Errorf("reservation needs user and event: %w", status.ErrValidation)
	}
	items, err := mergeItems(req.Items)
	if err != nil {
		return nil, err
	}

	total := 0
	for _, it := range items {
		total += it.Quantity
	}
	if policy.MaxTicketsPerReservation > 0 && total > policy.MaxTicketsPerReservation {
		return nil, fmt.Errorf("%d tickets requested, limit %d: %w", total, policy.MaxTicketsPerReservation, status.ErrQuantityLimit)
	}

	hold := req.HoldDuration
	if hold <= 0 {
		hold = policy.HoldDuration
	}
	if hold <= 0 {
		return nil, fmt.Errorf("hold duration must be positive: %w", status.ErrValidation)
	}

	now := s.clock()
	res := &models.Reservation{
		ID:        newID(),
		UserID:    req.UserID,
		EventID:   req.EventID,
		Items:     items,
		Status:    models.ReservationActive,
		ExpiresAt: now.Add(hold),
		CreatedAt: now,
		UpdatedAt: now,
	}

	err = s.store.InTx(ctx, func(tx store.Tx) error {
		for _, it := range items {
			tt, err := tx.LockTicketType(it.TicketTypeID)
			if err != nil {
				return err
			}
			if tt.EventID != req.EventID {
				return fmt.Errorf("ticket type %s belongs to event %s: %w", tt.ID, tt.EventID, status.ErrValidation)
			}
			if err := s.ledger.TryReserve(tx, it.TicketTypeID, it.Quantity); err != nil {
				return err
			}
		}
		if err := tx.InsertReservation(res); err != nil {
			return err
		}
		return enqueue(tx, models.TopicReservationCreated, res.ID, reservationEvent{
			ReservationID: res.ID,
			UserID:        res.UserID,
			EventID:       res.EventID,
			Items:         res.Items,
			ExpiresAt:     res.ExpiresAt,
		}, now)
	})
	if err != nil {
		s.logger.Info("Reservation rejected",
			"user_id", req.UserID, "event_id", req.EventID, "quantity", total, "error", err)
		return nil, err
	}

	s.logger.Info("Reservation created",
		"reservation_id", res.ID, "user_id", res.UserID, "event_id", res.EventID,
		"quantity", total, "expires_at", res.ExpiresAt)
	return res, nil
}

// ConfirmPurchase turns an active hold into sold tickets. Capacity was debited
// when the hold was created, so the ledger is not touched here.
func (s *ReservationService) ConfirmPurchase(ctx context.Context, reservationID, paymentReference string) ([]*models.Ticket, error) {
	tickets, err := s.confirmPurchase(ctx, reservationID, paymentReference)
	s.monitor.TrackReservation("confirm", err)
	return tickets, err
}

func (s *ReservationService) confirmPurchase(ctx context.Context, reservationID, paymentReference string) ([]*models.Ticket, error) {
	now := s.clock()
	var tickets []*models.Ticket

	err := s.store.InTx(ctx, func(tx store.Tx) error {
		tickets = nil

		res, err := tx.LockReservation(reservationID)
		if err != nil {
			return err
		}
		if res.Status != models.ReservationActive {
			return fmt.Errorf("reservation %s is %s: %w", res.ID, res.Status, status.ErrReservationNotActive)
		}
		if !now.Before(res.ExpiresAt) {
			return fmt.Errorf("reservation %s hold expired at %s: %w",
				res.ID, res.ExpiresAt.Format(time.RFC3339), status.ErrReservationNotActive)
		}

		for _, it := range res.Items {
			tt, err := tx.GetTicketType(it.TicketTypeID)
			if err != nil {
				return err
			}
			for range it.Quantity {
				t := issueTicket(res, tt, paymentReference, now)
				if err := tx.InsertTicket(t); err != nil {
					return err
				}
				if err := tx.OpenOwnership(&models.OwnershipSpan{
					ID:          newID(),
					TicketID:    t.ID,
					UserID:      t.OwnerUserID,
					AcquiredVia: "purchase",
					StartedAt:   now,
				}); err != nil {
					return err
				}
				tickets = append(tickets, t)
			}
		}

		res.Status = models.ReservationCompleted
		res.PaymentReference = paymentReference
		res.CompletedAt = now
		res.UpdatedAt = now
		if err := tx.UpdateReservation(res); err != nil {
			return err
		}

		ids := make([]string, 0, len(tickets))
		for _, t := range tickets {
			ids = append(ids, t.ID)
		}
		return enqueue(tx, models.TopicTicketsPurchased, res.ID, purchaseEvent{
			ReservationID:    res.ID,
			UserID:           res.UserID,
			EventID:          res.EventID,
			PaymentReference: paymentReference,
			TicketIDs:        ids,
		}, now)
	})
	if err != nil {
		s.logger.Info("Purchase confirmation rejected", "reservation_id", reservationID, "error", err)
		return nil, err
	}

	s.logger.Info("Purchase confirmed",
		"reservation_id", reservationID, "payment_reference", paymentReference, "tickets", len(tickets))
	return tickets, nil
}

func issueTicket(res *models.Reservation, tt *models.TicketType, paymentReference string, now time.Time) *models.Ticket {
	return &models.Ticket{
		ID:               newID(),
		ReservationID:    res.ID,
		EventID:          res.EventID,
		TicketTypeID:     tt.ID,
		OwnerUserID:      res.UserID,
		PurchaserUserID:  res.UserID,
		Status:           models.TicketSold,
		Price:            tt.Price,
		PaymentReference: paymentReference,
		EventStartsAt:    tt.EventStartsAt,
		ValidFrom:        tt.ValidFrom,
		ValidUntil:       tt.ValidUntil,
		EntryAllowedFrom: tt.EntryAllowedFrom,
		EntryCutoff:      tt.EntryCutoff,
		IsTransferable:   tt.IsTransferable,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
}

// ExpireReservations releases holds whose expires_at is before now. Each
// reservation gets its own transaction; a failure is collected and the batch
// carries on. Reservations already finalized by a concurrent confirm are
// skipped.
func (s *ReservationService) ExpireReservations(ctx context.Context, now time.Time) (int, error) {
	start := time.Now()
	ids, err := s.store.ExpiredReservationIDs(ctx, now, s.batchSize)
	if err != nil {
		return 0, fmt.Errorf("list expired reservations: %w", err)
	}

	expired := 0
	var errs []error
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		ok, err := s.expireOne(ctx, id, now)
		if err != nil {
			s.logger.Error("Failed to expire reservation", "reservation_id", id, "error", err)
			errs = append(errs, fmt.Errorf("reservation %s: %w", id, err))
			continue
		}
		if ok {
			expired++
		}
	}

	s.monitor.TrackSweep("reservations", expired, len(errs), time.Since(start))
	if expired > 0 || len(errs) > 0 {
		s.logger.Info("Reservation sweep finished", "candidates", len(ids), "expired", expired, "failed", len(errs))
	}
	return expired, errors.Join(errs...)
}

func (s *ReservationService) expireOne(ctx context.Context, id string, now time.Time) (bool, error) {
	expired := false
	err := s.store.InTx(ctx, func(tx store.Tx) error {
		res, err := tx.LockReservation(id)
		if err != nil {
			return err
		}
		if res.Status != models.ReservationActive || !res.ExpiresAt.Before(now) {
			s.logger.Debug("Reservation no longer expirable",
				"reservation_id", id, "status", string(res.Status))
			return nil
		}
		if err := s.releaseItems(tx, res); err != nil {
			return err
		}
		res.Status = models.ReservationExpired
		res.UpdatedAt = now
		if err := tx.UpdateReservation(res); err != nil {
			return err
		}
		expired = true
		return enqueue(tx, models.TopicReservationExpired, res.ID, reservationEvent{
			ReservationID: res.ID,
			UserID:        res.UserID,
			EventID:       res.EventID,
			Items:         res.Items,
		}, now)
	})
	if errors.Is(err, status.ErrReservationNotFound) {
		return false, nil
	}
	return expired && err == nil, err
}

// CancelReservation lets the holder give a hold back before it expires.
func (s *ReservationService) CancelReservation(ctx context.Context, reservationID, userID string) (*models.Reservation, error) {
	now := s.clock()
	var out *models.Reservation
	err := s.store.InTx(ctx, func(tx store.Tx) error {
		res, err := tx.LockReservation(reservationID)
		if err != nil {
			return err
		}
		if res.UserID != userID {
			return fmt.Errorf("reservation %s belongs to another user: %w", res.ID, status.ErrForbidden)
		}
		if res.Status != models.ReservationActive {
			return fmt.Errorf("reservation %s is %s: %w", res.ID, res.Status, status.ErrReservationNotActive)
		}
		if err := s.releaseItems(tx, res); err != nil {
			return err
		}
		res.Status = models.ReservationCancelled
		res.UpdatedAt = now
		if err := tx.UpdateReservation(res); err != nil {
			return err
		}
		out = res
		return enqueue(tx, models.TopicReservationCancelled, res.ID, reservationEvent{
			ReservationID: res.ID,
			UserID:        res.UserID,
			EventID:       res.EventID,
			Items:         res.Items,
		}, now)
	})
	s.monitor.TrackReservation("cancel", err)
	if err != nil {
		return nil, err
	}
	s.logger.Info("Reservation cancelled", "reservation_id", reservationID, "user_id", userID)
	return out, nil
}

func (s *ReservationService) GetReservation(ctx context.Context, id string) (*models.Reservation, error) {
	return s.store.GetReservation(ctx, id)
}

// releaseItems credits line items back in ascending type id order.
func (s *ReservationService) releaseItems(tx store.Tx, res *models.Reservation) error {
	items := slices.Clone(res.Items)
	slices.SortFunc(items, func(a, b models.LineItem) int {
		return strings.Compare(a.TicketTypeID, b.TicketTypeID)
	})
	for _, it := range items {
		if err := s.ledger.Release(tx, it.TicketTypeID, it.Quantity); err != nil {
			return err
		}
	}
	return nil
}
