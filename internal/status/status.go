package status

import "errors"

// Kinds. Every error the engine returns matches exactly one of these with
// errors.Is, so callers can map failures without knowing the specific cause.
var (
	ErrNotFound            = errors.New("not found")
	ErrConflict            = errors.New("conflict")
	ErrForbidden           = errors.New("forbidden")
	ErrValidation          = errors.New("validation error")
	ErrInvalidTransition   = errors.New("invalid transition")
	ErrInventoryCorruption = errors.New("inventory corruption")
)

// Error is a specific failure that also matches its kind.
type Error struct {
	kind error
	msg  string
}

func newError(kind error, msg string) *Error {
	return &Error{kind: kind, msg: msg}
}

func (e *Error) Error() string { return e.msg }

// Is reports a match against the kind sentinel as well as the error itself.
func (e *Error) Is(target error) bool {
	return target == e.kind
}

// Kind returns the taxonomy sentinel of err, or nil when err is not one of ours.
func Kind(err error) error {
	for _, k := range []error{
		ErrNotFound,
		ErrConflict,
		ErrForbidden,
		ErrValidation,
		ErrInvalidTransition,
		ErrInventoryCorruption,
	} {
		if errors.Is(err, k) {
			return k
		}
	}
	return nil
}

var (
	ErrTicketTypeNotFound  = newError(ErrNotFound, "ticket type not found")
	ErrReservationNotFound = newError(ErrNotFound, "reservation not found")
	ErrTicketNotFound      = newError(ErrNotFound, "ticket not found")
	ErrTransferNotFound    = newError(ErrNotFound, "transfer not found")

	ErrInsufficientInventory = newError(ErrConflict, "not enough inventory")
	ErrReservationNotActive  = newError(ErrConflict, "reservation no longer active")
	ErrStatusMismatch        = newError(ErrConflict, "ticket status changed concurrently")
	ErrTransferNotPending    = newError(ErrConflict, "transfer is not pending")
	ErrTransferInProgress    = newError(ErrConflict, "ticket already has a pending transfer")
	ErrLockTimeout           = newError(ErrConflict, "lock wait timed out, retry")

	ErrNotOwner     = newError(ErrForbidden, "user does not own this ticket")
	ErrNotRecipient = newError(ErrForbidden, "user is not the transfer recipient")

	ErrNotTransferable        = newError(ErrValidation, "ticket is not transferable")
	ErrTransferDeadlinePassed = newError(ErrValidation, "transfer deadline has passed")
	ErrTransferCapReached     = newError(ErrValidation, "ticket reached its transfer limit")
	ErrResalePriceTooHigh     = newError(ErrValidation, "resale price above allowed markup")
	ErrTicketNotEligible      = newError(ErrValidation, "ticket status does not allow this operation")
	ErrTicketRedeemed         = newError(ErrValidation, "ticket has already been scanned")
	ErrQuantityLimit          = newError(ErrValidation, "too many tickets in one reservation")
	ErrInvalidCredential      = newError(ErrValidation, "scan credential is invalid")
)
