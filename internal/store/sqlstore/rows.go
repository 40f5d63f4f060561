package sqlstore

import (
	"strings"
	"time"

	"github.com/pocketbase/dbx"
	"github.com/shopspring/decimal"

	"ticket-engine/models"
)

func nanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

var ticketTypeColumns = []string{
	"id", "event_id", "name", "total_quantity", "available_quantity", "price",
	"event_starts_at", "valid_from", "valid_until", "entry_allowed_from", "entry_cutoff",
	"is_transferable", "created_at", "updated_at",
}

type ticketTypeRow struct {
	ID                string          `db:"id"`
	EventID           string          `db:"event_id"`
	Name              string          `db:"name"`
	TotalQuantity     int             `db:"total_quantity"`
	AvailableQuantity int             `db:"available_quantity"`
	Price             decimal.Decimal `db:"price"`
	EventStartsAt     int64           `db:"event_starts_at"`
	ValidFrom         int64           `db:"valid_from"`
	ValidUntil        int64           `db:"valid_until"`
	EntryAllowedFrom  int64           `db:"entry_allowed_from"`
	EntryCutoff       int64           `db:"entry_cutoff"`
	IsTransferable    int             `db:"is_transferable"`
	CreatedAt         int64           `db:"created_at"`
	UpdatedAt         int64           `db:"updated_at"`
}

func (r *ticketTypeRow) model() *models.TicketType {
	return &models.TicketType{
		ID:                r.ID,
		EventID:           r.EventID,
		Name:              r.Name,
		TotalQuantity:     r.TotalQuantity,
		AvailableQuantity: r.AvailableQuantity,
		Price:             r.Price,
		EventStartsAt:     fromNanos(r.EventStartsAt),
		ValidFrom:         fromNanos(r.ValidFrom),
		ValidUntil:        fromNanos(r.ValidUntil),
		EntryAllowedFrom:  fromNanos(r.EntryAllowedFrom),
		EntryCutoff:       fromNanos(r.EntryCutoff),
		IsTransferable:    r.IsTransferable != 0,
		CreatedAt:         fromNanos(r.CreatedAt),
		UpdatedAt:         fromNanos(r.UpdatedAt),
	}
}

func ticketTypeParams(tt *models.TicketType) dbx.Params {
	return dbx.Params{
		"id":                 tt.ID,
		"event_id":           tt.EventID,
		"name":               tt.Name,
		"total_quantity":     tt.TotalQuantity,
		"available_quantity": tt.AvailableQuantity,
		"price":              tt.Price,
		"event_starts_at":    nanos(tt.EventStartsAt),
		"valid_from":         nanos(tt.ValidFrom),
		"valid_until":        nanos(tt.ValidUntil),
		"entry_allowed_from": nanos(tt.EntryAllowedFrom),
		"entry_cutoff":       nanos(tt.EntryCutoff),
		"is_transferable":    boolInt(tt.IsTransferable),
		"created_at":         nanos(tt.CreatedAt),
		"updated_at":         nanos(tt.UpdatedAt),
	}
}

var reservationColumns = []string{
	"id", "user_id", "event_id", "status", "payment_reference",
	"expires_at", "created_at", "updated_at", "completed_at",
}

type reservationRow struct {
	ID               string `db:"id"`
	UserID           string `db:"user_id"`
	EventID          string `db:"event_id"`
	Status           string `db:"status"`
	PaymentReference string `db:"payment_reference"`
	ExpiresAt        int64  `db:"expires_at"`
	CreatedAt        int64  `db:"created_at"`
	UpdatedAt        int64  `db:"updated_at"`
	CompletedAt      int64  `db:"completed_at"`
}

type lineItemRow struct {
	TicketTypeID string `db:"ticket_type_id"`
	Quantity     int    `db:"quantity"`
}

func (r *reservationRow) model(items []lineItemRow) *models.Reservation {
	res := &models.Reservation{
		ID:               r.ID,
		UserID:           r.UserID,
		EventID:          r.EventID,
		Status:           models.ReservationStatus(r.Status),
		PaymentReference: r.PaymentReference,
		ExpiresAt:        fromNanos(r.ExpiresAt),
		CreatedAt:        fromNanos(r.CreatedAt),
		UpdatedAt:        fromNanos(r.UpdatedAt),
		CompletedAt:      fromNanos(r.CompletedAt),
	}
	for _, it := range items {
		res.Items = append(res.Items, models.LineItem{TicketTypeID: it.TicketTypeID, Quantity: it.Quantity})
	}
	return res
}

func reservationParams(r *models.Reservation) dbx.Params {
	return dbx.Params{
		"id":                r.ID,
		"user_id":           r.UserID,
		"event_id":          r.EventID,
		"status":            string(r.Status),
		"payment_reference": r.PaymentReference,
		"expires_at":        nanos(r.ExpiresAt),
		"created_at":        nanos(r.CreatedAt),
		"updated_at":        nanos(r.UpdatedAt),
		"completed_at":      nanos(r.CompletedAt),
	}
}

var ticketColumns = []string{
	"id", "reservation_id", "event_id", "ticket_type_id", "owner_user_id", "purchaser_user_id",
	"status", "price", "payment_reference", "scan_count", "first_scanned_at", "last_scanned_at",
	"transfer_count", "event_starts_at", "valid_from", "valid_until", "entry_allowed_from",
	"entry_cutoff", "is_transferable", "created_at", "updated_at",
}

type ticketRow struct {
	ID               string          `db:"id"`
	ReservationID    string          `db:"reservation_id"`
	EventID          string          `db:"event_id"`
	TicketTypeID     string          `db:"ticket_type_id"`
	OwnerUserID      string          `db:"owner_user_id"`
	PurchaserUserID  string          `db:"purchaser_user_id"`
	Status           string          `db:"status"`
	Price            decimal.Decimal `db:"price"`
	PaymentReference string          `db:"payment_reference"`
	ScanCount        int             `db:"scan_count"`
	FirstScannedAt   int64           `db:"first_scanned_at"`
	LastScannedAt    int64           `db:"last_scanned_at"`
	TransferCount    int             `db:"transfer_count"`
	EventStartsAt    int64           `db:"event_starts_at"`
	ValidFrom        int64           `db:"valid_from"`
	ValidUntil       int64           `db:"valid_until"`
	EntryAllowedFrom int64           `db:"entry_allowed_from"`
	EntryCutoff      int64           `db:"entry_cutoff"`
	IsTransferable   int             `db:"is_transferable"`
	CreatedAt        int64           `db:"created_at"`
	UpdatedAt        int64           `db:"updated_at"`
}

func (r *ticketRow) model() *models.Ticket {
	return &models.Ticket{
		ID:               r.ID,
		ReservationID:    r.ReservationID,
		EventID:          r.EventID,
		TicketTypeID:     r.TicketTypeID,
		OwnerUserID:      r.OwnerUserID,
		PurchaserUserID:  r.PurchaserUserID,
		Status:           models.TicketStatus(r.Status),
		Price:            r.Price,
		PaymentReference: r.PaymentReference,
		ScanCount:        r.ScanCount,
		FirstScannedAt:   fromNanos(r.FirstScannedAt),
		LastScannedAt:    fromNanos(r.LastScannedAt),
		TransferCount:    r.TransferCount,
		EventStartsAt:    fromNanos(r.EventStartsAt),
		ValidFrom:        fromNanos(r.ValidFrom),
		ValidUntil:       fromNanos(r.ValidUntil),
		EntryAllowedFrom: fromNanos(r.EntryAllowedFrom),
		EntryCutoff:      fromNanos(r.EntryCutoff),
		IsTransferable:   r.IsTransferable != 0,
		CreatedAt:        fromNanos(r.CreatedAt),
		UpdatedAt:        fromNanos(r.UpdatedAt),
	}
}

func ticketParams(t *models.Ticket) dbx.Params {
	return dbx.Params{
		"id":                 t.ID,
		"reservation_id":     t.ReservationID,
		"event_id":           t.EventID,
		"ticket_type_id":     t.TicketTypeID,
		"owner_user_id":      t.OwnerUserID,
		"purchaser_user_id":  t.PurchaserUserID,
		"status":             string(t.Status),
		"price":              t.Price,
		"payment_reference":  t.PaymentReference,
		"scan_count":         t.ScanCount,
		"first_scanned_at":   nanos(t.FirstScannedAt),
		"last_scanned_at":    nanos(t.LastScannedAt),
		"transfer_count":     t.TransferCount,
		"event_starts_at":    nanos(t.EventStartsAt),
		"valid_from":         nanos(t.ValidFrom),
		"valid_until":        nanos(t.ValidUntil),
		"entry_allowed_from": nanos(t.EntryAllowedFrom),
		"entry_cutoff":       nanos(t.EntryCutoff),
		"is_transferable":    boolInt(t.IsTransferable),
		"created_at":         nanos(t.CreatedAt),
		"updated_at":         nanos(t.UpdatedAt),
	}
}

var validationColumns = []string{
	"id", "ticket_id", "result", "entry_allowed", "fraud_flags", "confidence_score",
	"reason", "location", "scanner_id", "validated_at",
}

type validationRow struct {
	ID              string  `db:"id"`
	TicketID        string  `db:"ticket_id"`
	Result          string  `db:"result"`
	EntryAllowed    int     `db:"entry_allowed"`
	FraudFlags      string  `db:"fraud_flags"`
	ConfidenceScore float64 `db:"confidence_score"`
	Reason          string  `db:"reason"`
	Location        string  `db:"location"`
	ScannerID       string  `db:"scanner_id"`
	ValidatedAt     int64   `db:"validated_at"`
}

func (r *validationRow) model() *models.ValidationRecord {
	v := &models.ValidationRecord{
		ID:              r.ID,
		TicketID:        r.TicketID,
		Result:          models.ValidationResult(r.Result),
		EntryAllowed:    r.EntryAllowed != 0,
		ConfidenceScore: r.ConfidenceScore,
		Reason:          r.Reason,
		Location:        r.Location,
		ScannerID:       r.ScannerID,
		ValidatedAt:     fromNanos(r.ValidatedAt),
	}
	if r.FraudFlags != "" {
		v.FraudFlags = strings.Split(r.FraudFlags, ",")
	}
	return v
}

func validationParams(v *models.ValidationRecord) dbx.Params {
	return dbx.Params{
		"id":               v.ID,
		"ticket_id":        v.TicketID,
		"result":           string(v.Result),
		"entry_allowed":    boolInt(v.EntryAllowed),
		"fraud_flags":      strings.Join(v.FraudFlags, ","),
		"confidence_score": v.ConfidenceScore,
		"reason":           v.Reason,
		"location":         v.Location,
		"scanner_id":       v.ScannerID,
		"validated_at":     nanos(v.ValidatedAt),
	}
}

var transferColumns = []string{
	"id", "ticket_id", "from_user_id", "to_user_id", "transfer_type", "status",
	"transfer_price", "message", "created_at", "updated_at", "completed_at", "expires_at",
}

type transferRow struct {
	ID            string              `db:"id"`
	TicketID      string              `db:"ticket_id"`
	FromUserID    string              `db:"from_user_id"`
	ToUserID      string              `db:"to_user_id"`
	TransferType  string              `db:"transfer_type"`
	Status        string              `db:"status"`
	TransferPrice decimal.NullDecimal `db:"transfer_price"`
	Message       string              `db:"message"`
	CreatedAt     int64               `db:"created_at"`
	UpdatedAt     int64               `db:"updated_at"`
	CompletedAt   int64               `db:"completed_at"`
	ExpiresAt     int64               `db:"expires_at"`
}

func (r *transferRow) model() *models.TransferRecord {
	tr := &models.TransferRecord{
		ID:           r.ID,
		TicketID:     r.TicketID,
		FromUserID:   r.FromUserID,
		ToUserID:     r.ToUserID,
		TransferType: models.TransferType(r.TransferType),
		Status:       models.TransferStatus(r.Status),
		Message:      r.Message,
		CreatedAt:    fromNanos(r.CreatedAt),
		UpdatedAt:    fromNanos(r.UpdatedAt),
		CompletedAt:  fromNanos(r.CompletedAt),
		ExpiresAt:    fromNanos(r.ExpiresAt),
	}
	if r.TransferPrice.Valid {
		p := r.TransferPrice.Decimal
		tr.TransferPrice = &p
	}
	return tr
}

func transferParams(tr *models.TransferRecord) dbx.Params {
	price := decimal.NullDecimal{}
	if tr.TransferPrice != nil {
		price = decimal.NewNullDecimal(*tr.TransferPrice)
	}
	return dbx.Params{
		"id":             tr.ID,
		"ticket_id":      tr.TicketID,
		"from_user_id":   tr.FromUserID,
		"to_user_id":     tr.ToUserID,
		"transfer_type":  string(tr.TransferType),
		"status":         string(tr.Status),
		"transfer_price": price,
		"message":        tr.Message,
		"created_at":     nanos(tr.CreatedAt),
		"updated_at":     nanos(tr.UpdatedAt),
		"completed_at":   nanos(tr.CompletedAt),
		"expires_at":     nanos(tr.ExpiresAt),
	}
}

var ownershipColumns = []string{"id", "ticket_id", "user_id", "acquired_via", "started_at", "ended_at"}

type ownershipRow struct {
	ID          string `db:"id"`
	TicketID    string `db:"ticket_id"`
	UserID      string `db:"user_id"`
	AcquiredVia string `db:"acquired_via"`
	StartedAt   int64  `db:"started_at"`
	EndedAt     int64  `db:"ended_at"`
}

func (r *ownershipRow) model() *models.OwnershipSpan {
	return &models.OwnershipSpan{
		ID:          r.ID,
		TicketID:    r.TicketID,
		UserID:      r.UserID,
		AcquiredVia: r.AcquiredVia,
		StartedAt:   fromNanos(r.StartedAt),
		EndedAt:     fromNanos(r.EndedAt),
	}
}

var outboxColumns = []string{"id", "topic", "aggregate_id", "payload", "created_at", "published_at"}

type outboxRow struct {
	ID          string `db:"id"`
	Topic       string `db:"topic"`
	AggregateID string `db:"aggregate_id"`
	Payload     string `db:"payload"`
	CreatedAt   int64  `db:"created_at"`
	PublishedAt int64  `db:"published_at"`
}

func (r *outboxRow) model() *models.OutboxEvent {
	return &models.OutboxEvent{
		ID:          r.ID,
		Topic:       r.Topic,
		AggregateID: r.AggregateID,
		Payload:     []byte(r.Payload),
		CreatedAt:   fromNanos(r.CreatedAt),
		PublishedAt: fromNanos(r.PublishedAt),
	}
}
