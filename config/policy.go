package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"ticket-engine/models"
)

// Duration accepts Go duration strings ("90s", "48h") in YAML.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*d = Duration(v)
	return nil
}

// PolicyOverride sets only the fields it names.
type PolicyOverride struct {
	HoldDuration             *Duration `yaml:"hold_duration"`
	MaxTicketsPerReservation *int      `yaml:"max_tickets_per_reservation"`
	TransferDeadlineHours    *float64  `yaml:"transfer_deadline_hours"`
	MaxTransfersPerTicket    *int      `yaml:"max_transfers_per_ticket"`
	TransferRequiresApproval *bool     `yaml:"transfer_requires_approval"`
	TransferAcceptWindow     *Duration `yaml:"transfer_accept_window"`
	MaxResaleMarkupPercent   *int      `yaml:"max_resale_markup_percent"`
	ReentryWindow            *Duration `yaml:"reentry_window"`
	RapidScanWindow          *Duration `yaml:"rapid_scan_window"`
}

func (o *PolicyOverride) apply(p *models.Policy) {
	if o == nil {
		return
	}
	if o.HoldDuration != nil {
		p.HoldDuration = time.Duration(*o.HoldDuration)
	}
	if o.MaxTicketsPerReservation != nil {
		p.MaxTicketsPerReservation = *o.MaxTicketsPerReservation
	}
	if o.TransferDeadlineHours != nil {
		p.TransferDeadlineHours = *o.TransferDeadlineHours
	}
	if o.MaxTransfersPerTicket != nil {
		p.MaxTransfersPerTicket = *o.MaxTransfersPerTicket
	}
	if o.TransferRequiresApproval != nil {
		p.TransferRequiresApproval = *o.TransferRequiresApproval
	}
	if o.TransferAcceptWindow != nil {
		p.TransferAcceptWindow = time.Duration(*o.TransferAcceptWindow)
	}
	if o.MaxResaleMarkupPercent != nil {
		p.MaxResaleMarkupPercent = *o.MaxResaleMarkupPercent
	}
	if o.ReentryWindow != nil {
		p.ReentryWindow = time.Duration(*o.ReentryWindow)
	}
	if o.RapidScanWindow != nil {
		p.RapidScanWindow = time.Duration(*o.RapidScanWindow)
	}
}

type EventPolicy struct {
	PolicyOverride `yaml:",inline"`
	TicketTypes    map[string]*PolicyOverride `yaml:"ticket_types"`
}

// PolicyBook resolves the policy for an event and ticket type: defaults, then
// the event's overrides, then the ticket type's.
type PolicyBook struct {
	Default *PolicyOverride         `yaml:"default"`
	Events  map[string]*EventPolicy `yaml:"events"`

	base models.Policy
}

func NewPolicyBook(defaults models.Policy) *PolicyBook {
	return &PolicyBook{base: defaults}
}

// LoadPolicyBook parses path on top of defaults. An empty path yields a book
// that always resolves to defaults.
func LoadPolicyBook(path string, defaults models.Policy) (*PolicyBook, error) {
	book := NewPolicyBook(defaults)
	if path == "" {
		return book, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy file: %w", err)
	}
	if err := yaml.Unmarshal(raw, book); err != nil {
		return nil, fmt.Errorf("parse policy file %s: %w", path, err)
	}
	book.Default.apply(&book.base)
	if err := validatePolicy(book.base); err != nil {
		return nil, fmt.Errorf("policy file %s default: %w", path, err)
	}
	for id := range book.Events {
		if err := validatePolicy(book.Resolve(id, "")); err != nil {
			return nil, fmt.Errorf("policy file %s event %s: %w", path, id, err)
		}
		for tt := range book.Events[id].TicketTypes {
			if err := validatePolicy(book.Resolve(id, tt)); err != nil {
				return nil, fmt.Errorf("policy file %s event %s ticket type %s: %w", path, id, tt, err)
			}
		}
	}
	return book, nil
}

// Resolve returns the effective policy. ticketTypeID may be empty for
// operations that span several ticket types of one event.
func (b *PolicyBook) Resolve(eventID, ticketTypeID string) models.Policy {
	p := b.base
	ev, ok := b.Events[eventID]
	if !ok || ev == nil {
		return p
	}
	ev.PolicyOverride.apply(&p)
	if ticketTypeID != "" {
		ev.TicketTypes[ticketTypeID].apply(&p)
	}
	return p
}

func validatePolicy(p models.Policy) error {
	switch {
	case p.HoldDuration <= 0:
		return fmt.Errorf("hold_duration must be positive")
	case p.MaxTicketsPerReservation < 0:
		return fmt.Errorf("max_tickets_per_reservation must not be negative")
	case p.TransferDeadlineHours < 0:
		return fmt.Errorf("transfer_deadline_hours must not be negative")
	case p.MaxTransfersPerTicket < 0:
		return fmt.Errorf("max_transfers_per_ticket must not be negative")
	case p.TransferAcceptWindow < 0:
		return fmt.Errorf("transfer_accept_window must not be negative")
	}
	return nil
}
