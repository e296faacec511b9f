// Package location defines the location-provider contract and its implementations.
package location

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"nearby-alerts/internal/geo"
)

var (
	// ErrPermissionDenied reports that the provider refused to deliver location updates.
	ErrPermissionDenied = errors.New("location: permission denied")
	// ErrUnknownHandle is returned when unsubscribing a handle the provider does not own.
	ErrUnknownHandle = errors.New("location: unknown subscription handle")
)

// Request describes the desired update cadence.
type Request struct {
	Interval     time.Duration
	HighAccuracy bool
}

// Sink receives pushed location events. Implementations must not block for long.
type Sink interface {
	Deliver(fix geo.Fix)
	Fail(err error)
}

// Handle identifies an active subscription.
type Handle string

func newHandle() Handle {
	return Handle(uuid.NewString())
}

// Provider pushes fixes to a Sink until unsubscribed.
type Provider interface {
	Subscribe(ctx context.Context, req Request, sink Sink) (Handle, error)
	Unsubscribe(ctx context.Context, handle Handle) error
}
