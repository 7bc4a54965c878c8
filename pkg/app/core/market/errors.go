package market

import (
	"errors"
	"fmt"
)

// Request errors. Everything except ErrLedgerCommitFailed is a local
// validation or state error: it is returned before any mutation and must not
// be retried as-is.
var (
	ErrInvalidAmount      = errors.New("invalid amount")
	ErrInvalidLiquidity   = errors.New("invalid liquidity")
	ErrInvalidExpiry      = errors.New("invalid expiry")
	ErrInvalidQuestion    = errors.New("invalid question")
	ErrInvalidNonce       = errors.New("invalid nonce")
	ErrInvalidSide        = errors.New("invalid side")
	ErrInvalidOutcome     = errors.New("invalid outcome")
	ErrMarketNotFound     = errors.New("market not found")
	ErrMarketExists       = errors.New("market already exists")
	ErrMarketExpired      = errors.New("market expired")
	ErrMarketResolved     = errors.New("market resolved")
	ErrAlreadyResolved    = errors.New("market already resolved")
	ErrResolutionTooEarly = errors.New("resolution too early")
	ErrMarketNotResolved  = errors.New("market not resolved")
	ErrAlreadyRedeemed    = errors.New("already redeemed")
	ErrInsufficientShares = errors.New("insufficient shares")
	ErrUnauthorized       = errors.New("unauthorized")

	// ErrLedgerCommitFailed wraps a failure of the ledger commit. Nothing was
	// applied; the caller may retry with the same request id.
	ErrLedgerCommitFailed = errors.New("ledger commit failed")
)

// CommitFailed wraps a ledger error so that both ErrLedgerCommitFailed and
// the cause match with errors.Is.
func CommitFailed(err error) error {
	return fmt.Errorf("%w: %w", ErrLedgerCommitFailed, err)
}

// IsRetryable reports whether err may be retried by the caller.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrLedgerCommitFailed)
}
