package binance

import (
	"net/http"

	"futures-trading-platform/internal/errs"
)

// Binance futures error codes that matter for classification. Anything not
// listed falls through to the HTTP status.
const (
	codeDisconnected       = -1001
	codeTooManyRequests    = -1003
	codeServerBusy         = -1008
	codeTimestampAhead     = -1021
	codeInvalidSignature   = -1022
	codeMarginInsufficient = -2019
	codeOrderNotFound      = -2011
	codeNoSuchOrder        = -2013
	codeDuplicateClientID  = -4015
	codeReduceOnlyReject   = -2022
	codePriceOutOfRange    = -4016
	codeMinNotional        = -4164
)

// retryable reports whether a failed request may be re-dispatched. Rate
// limits and transient upstream failures retry; rejections never do.
func retryable(status, code int) bool {
	if status == http.StatusTooManyRequests || status >= 500 {
		return true
	}
	switch code {
	case codeDisconnected, codeTooManyRequests, codeServerBusy:
		return true
	}
	return false
}

// classify maps a venue error onto the platform taxonomy.
func classify(status, code int, msg string) error {
	if retryable(status, code) {
		return errs.E(errs.ExchangeTransient, "binance %d (%d): %s", status, code, msg)
	}
	switch code {
	case codeMarginInsufficient:
		return errs.E(errs.InsufficientBalance, "binance: %s", msg)
	case codeOrderNotFound, codeNoSuchOrder:
		return errs.E(errs.NotFound, "binance: %s", msg)
	case codeDuplicateClientID:
		return errs.E(errs.Duplicate, "binance: %s", msg)
	}
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden:
		return errs.E(errs.ExchangeRejected, "binance auth %d (%d): %s", status, code, msg)
	case http.StatusNotFound:
		return errs.E(errs.NotFound, "binance: %s", msg)
	}
	return errs.E(errs.ExchangeRejected, "binance %d (%d): %s", status, code, msg)
}
