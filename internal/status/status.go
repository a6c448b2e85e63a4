package status

import "errors"

// Domain-rule violations. Recoverable at the caller, surfaced as a
// structured denial, never fatal for the process.
var (
	ErrAlreadyIssued       = errors.New("ticket: credential already issued")
	ErrResalePriceExceeded = errors.New("ticket: resale price exceeds allowed maximum")
	ErrNotResellable       = errors.New("ticket: not eligible for resale")
	ErrNotListed           = errors.New("ticket: not listed for resale")
	ErrNotTransferable     = errors.New("ticket: not eligible for transfer")
	ErrAlreadyUsed         = errors.New("ticket: already used")
	ErrTicketExpired       = errors.New("ticket: expired")
	ErrNotValidForEntry    = errors.New("ticket: not valid for entry")
	ErrTicketNotFound      = errors.New("ticket: not found")
)

// Settlement/chain errors. The mint path recovers by falling back to
// non-blockchain issuance; transfer and resale paths leave the ticket in
// processing for the external retry layer to re-drive.
var (
	ErrChainSubmitFailed        = errors.New("chain: submit failed")
	ErrChainConfirmationTimeout = errors.New("chain: confirmation timeout")
	ErrEventLogNotFound         = errors.New("chain: event log not found")
	ErrWalletUnavailable        = errors.New("wallet: provider unavailable")
)
