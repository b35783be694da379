package sdriver

import "context"

// SDriver produces screen frames into a Mailbox until stopped.
type SDriver interface {
	// StartStream begins acquisition. It returns once the loop is running.
	StartStream(ctx context.Context, out *Mailbox) error
	Stats() Stats
	Capabilities() DriverCaps
	MediaMeta() MediaMeta
	// Stop is idempotent and returns after the loop has exited.
	Stop() error
}
