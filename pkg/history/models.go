// Package history keeps an SQLite audit log of dispatched batches.
//
// It records what was done to which device and how it went. Nothing is
// read back into the fleet: drivers and classifications are never restored
// from it.
package history

import "time"

// Batch is one recorded batch.
type Batch struct {
	ID           string
	Operation    string
	DeviceCount  int
	SuccessCount int
	StartedAt    time.Time
	FinishedAt   time.Time
}

// Outcome is one device's recorded result.
type Outcome struct {
	BatchID   string
	IPAddress string
	OK        bool
	ErrorKind string
	Error     string

	// Telemetry batches only.
	HashRate *float64
	PoolUser *string
	Power    *int

	// Light batches only.
	Light *bool
}
