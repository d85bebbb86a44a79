package miner

import (
	"context"
	"errors"
)

// Device error kinds. Every per-device failure wraps exactly one of these.
var (
	// ErrUnreachable indicates the device did not answer within its timeout.
	ErrUnreachable = errors.New("device unreachable")

	// ErrProtocol indicates a response was received but was malformed or
	// missing an expected field.
	ErrProtocol = errors.New("protocol error")

	// ErrUnclassifiable indicates the device answered the probe but no
	// known variant matched.
	ErrUnclassifiable = errors.New("unclassifiable device")

	// ErrRejected indicates the device refused a write.
	ErrRejected = errors.New("rejected by device")

	// ErrCancelled indicates the batch was cancelled before the device finished.
	ErrCancelled = errors.New("cancelled")
)

// Kind names a device error kind.
type Kind string

const (
	KindNone           Kind = ""
	KindUnreachable    Kind = "unreachable"
	KindProtocol       Kind = "protocol"
	KindUnclassifiable Kind = "unclassifiable"
	KindRejected       Kind = "rejected"
	KindCancelled      Kind = "cancelled"
)

// KindOf maps an error to its kind.
// Context deadline errors count as unreachable, cancellation as cancelled,
// and anything unrecognised as a protocol error.
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, ErrCancelled), errors.Is(err, context.Canceled):
		return KindCancelled
	case errors.Is(err, ErrUnreachable), errors.Is(err, context.DeadlineExceeded):
		return KindUnreachable
	case errors.Is(err, ErrUnclassifiable):
		return KindUnclassifiable
	case errors.Is(err, ErrRejected):
		return KindRejected
	default:
		return KindProtocol
	}
}
