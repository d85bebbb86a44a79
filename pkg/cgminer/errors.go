package cgminer

import (
	"errors"
	"fmt"

	"github.com/powerhive/minerfleet/pkg/miner"
)

// StatusError is an error status ("E" or "F") reported by the device.
type StatusError struct {
	Command string
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("cgminer API error (code %d) on %s: %s", e.Code, e.Command, e.Message)
	}
	return fmt.Sprintf("cgminer API error (code %d) on %s", e.Code, e.Command)
}

// Unwrap classifies a device-reported error as a protocol error.
// Writers re-wrap it as miner.ErrRejected.
func (e *StatusError) Unwrap() error {
	return miner.ErrProtocol
}

// IsInvalidCommand reports whether the device did not recognise the command.
// cgminer uses code 14 for "Invalid command".
func IsInvalidCommand(err error) bool {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code == 14
	}
	return false
}
