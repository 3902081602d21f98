// Package errs defines the sentinel error taxonomy shared across the
// pipeline. Components wrap these with fmt.Errorf("%w", ...) at each
// boundary so callers can classify failures with errors.Is/As while still
// getting a useful message.
package errs

import "errors"

var (
	// DecodeError covers a malformed payload, a missing required field,
	// or a non-finite numeric field in an inbound message.
	DecodeError = errors.New("decode error")

	// StorageFault covers feature-store I/O failure.
	StorageFault = errors.New("storage fault")

	// UnknownPatient is returned by CommitFeature when no AdmissionRecord
	// exists for the identity.
	UnknownPatient = errors.New("unknown patient")

	// ConstraintViolation covers an invalid enum value written to the
	// feature store.
	ConstraintViolation = errors.New("constraint violation")

	// PredictError covers a failure raised by the predictor itself.
	PredictError = errors.New("predict error")

	// TransientPagerFailure covers a pager HTTP 5xx or network-level
	// failure eligible for the single fixed-delay retry.
	TransientPagerFailure = errors.New("transient pager failure")

	// PermanentPagerFailure covers any other non-200 pager HTTP status.
	PermanentPagerFailure = errors.New("permanent pager failure")

	// ConnectionFault covers a non-timeout socket error on the upstream
	// connection.
	ConnectionFault = errors.New("connection fault")

	// FatalStartupError covers any failure that must abort process
	// startup: missing required configuration, predictor load failure,
	// migration failure.
	FatalStartupError = errors.New("fatal startup error")
)
