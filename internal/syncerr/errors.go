// Package syncerr holds the error values shared by the admission gate, the
// downstream client and the synchronization worker.
package syncerr

import (
	"context"
	"errors"
)

var (
	ErrValidation        = errors.New("event validation failed")
	ErrUnauthorized      = errors.New("webhook secret mismatch")
	ErrClinicNotFound    = errors.New("clinic not found")
	ErrCRMMismatch       = errors.New("crm type does not match clinic")
	ErrDuplicateDelivery = errors.New("duplicate webhook delivery")

	ErrDownstreamTransient   = errors.New("downstream transient failure")
	ErrDownstreamRejected    = errors.New("downstream rejected request")
	ErrDownstreamUnavailable = errors.New("downstream unavailable")
	ErrCircuitOpen           = errors.New("circuit breaker open")

	ErrNoSlotAvailable = errors.New("no operatory slot available")
	ErrPersistence     = errors.New("local persistence failure")
	ErrLockLost        = errors.New("event lock lost before work finished")
)

// Retryable reports whether the job queue should re-enqueue a job that
// failed with err. Business failures and rejected requests repeat the same
// outcome on retry, so they are permanent. A deadline reached inside the
// job is retryable; shutdown cancellation is handled by the pool itself.
func Retryable(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrNoSlotAvailable),
		errors.Is(err, ErrValidation),
		errors.Is(err, ErrDownstreamRejected),
		errors.Is(err, ErrClinicNotFound):
		return false
	case errors.Is(err, ErrCircuitOpen),
		errors.Is(err, ErrDownstreamUnavailable),
		errors.Is(err, ErrDownstreamTransient),
		errors.Is(err, ErrPersistence),
		errors.Is(err, ErrLockLost),
		errors.Is(err, context.DeadlineExceeded):
		return true
	}
	return false
}
