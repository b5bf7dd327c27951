package escrow

import "errors"

var (
	// ErrEscrowDisabled is returned while the global escrow_enabled setting is off.
	ErrEscrowDisabled = errors.New("escrow: escrow is disabled")
	// ErrDebtLimitExceeded rejects holds that would push a retailer past the
	// configured max outstanding debt. Callers get the limit in the message.
	ErrDebtLimitExceeded = errors.New("escrow: outstanding debt limit exceeded")
	// ErrNotFound signals the referenced hold does not exist.
	ErrNotFound = errors.New("escrow: hold not found")
	// ErrNotFoundOrReleased guards against double release: the hold is missing
	// or no longer in held status.
	ErrNotFoundOrReleased = errors.New("escrow: hold not found or already released")
	// ErrRepaymentExceedsBalance rejects repayments that would push the repaid
	// total past the hold's escrow amount.
	ErrRepaymentExceedsBalance = errors.New("escrow: repayment exceeds remaining balance")
	// ErrNoFieldsProvided rejects an auto-deduct settings update with an empty set.
	ErrNoFieldsProvided = errors.New("escrow: no fields provided")
	// ErrInvalidAmount rejects non-positive or inconsistent amounts.
	ErrInvalidAmount = errors.New("escrow: invalid amount")
)
