package services

import (
	"ticket-engine/internal/credential"
	"ticket-engine/internal/store"
	"ticket-engine/models"
)

// PolicyResolver picks the business rules for an event and, optionally, one
// of its ticket types.
type PolicyResolver interface {
	Resolve(eventID, ticketTypeID string) models.Policy
}

type EngineConfig struct {
	SweepBatchSize int
	Ledger         ExternalLedger
	Signer         *credential.Signer
	Policies       PolicyResolver
}

// Engine groups the five components over one store. Collaborators call into
// these services; nothing else writes ticket or inventory state.
type Engine struct {
	Store        store.Store
	Policies     PolicyResolver
	Inventory    *InventoryLedger
	Reservations *ReservationService
	Tickets      *TicketService
	Entry        *EntryService
	Transfers    *TransferService
}

func NewEngine(st store.Store, cfg EngineConfig, opts ...Option) *Engine {
	policies := cfg.Policies
	if policies == nil {
		policies = staticPolicy(models.DefaultPolicy())
	}
	inventory := NewInventoryLedger(st, opts...)
	tickets := NewTicketService(st, opts...)
	return &Engine{
		Store:        st,
		Policies:     policies,
		Inventory:    inventory,
		Reservations: NewReservationService(st, inventory, cfg.SweepBatchSize, opts...),
		Tickets:      tickets,
		Entry:        NewEntryService(st, tickets, cfg.Signer, opts...),
		Transfers:    NewTransferService(st, tickets, cfg.Ledger, cfg.SweepBatchSize, opts...),
	}
}

type staticPolicy models.Policy

func (p staticPolicy) Resolve(string, string) models.Policy { return models.Policy(p) }
