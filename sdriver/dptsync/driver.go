// Package dptsync polls a DPT device for screenshots on a fixed cadence.
package dptsync

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"dptscreen/dpt"
	"dptscreen/sdriver"
)

const DefaultInterval = time.Second

// Driver implements sdriver.SDriver. Fetches run one at a time; a tick is
// skipped while the previous frame is still waiting in the mailbox.
type Driver struct {
	config sdriver.StreamConfig
	logger *slog.Logger

	mu      sync.RWMutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
	stats   sdriver.Stats
	meta    sdriver.MediaMeta
}

func New(c sdriver.StreamConfig, logger *slog.Logger) *Driver {
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Driver{
		config: c,
		logger: logger.With("driver", "dptsync", "device", c.Endpoint.String()),
		meta:   sdriver.MediaMeta{Source: c.Endpoint.String()},
	}
}

func (d *Driver) StartStream(ctx context.Context, out *sdriver.Mailbox) error {
	if out == nil {
		return errors.New("dptsync: nil mailbox")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		return errors.New("dptsync: already streaming")
	}
	ctx, d.cancel = context.WithCancel(ctx)
	d.done = make(chan struct{})
	d.running = true

	go d.loop(ctx, out, d.done)
	d.logger.Info("acquisition started", "interval", d.config.Interval)
	return nil
}

// Stop cancels the loop and waits for it. Concurrent callers all wait.
func (d *Driver) Stop() error {
	d.mu.RLock()
	cancel, done := d.cancel, d.done
	d.mu.RUnlock()
	if cancel == nil {
		return nil
	}
	cancel()
	<-done
	return nil
}

func (d *Driver) Stats() sdriver.Stats {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.stats
}

func (d *Driver) Capabilities() sdriver.DriverCaps {
	return sdriver.DriverCaps{CanSnapshot: true, CanStream: true}
}

func (d *Driver) MediaMeta() sdriver.MediaMeta {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.meta
}

func (d *Driver) loop(ctx context.Context, out *sdriver.Mailbox, done chan struct{}) {
	defer func() {
		d.mu.Lock()
		d.running = false
		d.mu.Unlock()
		d.logger.Info("acquisition stopped")
		close(done)
	}()

	ticker := time.NewTicker(d.config.Interval)
	defer ticker.Stop()
	for {
		d.tick(ctx, out)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (d *Driver) tick(ctx context.Context, out *sdriver.Mailbox) {
	if out.Pending() {
		d.mu.Lock()
		d.stats.Skipped++
		d.mu.Unlock()
		return
	}

	frame, header, err := dpt.Capture(ctx, d.config.Endpoint, d.config.Fetch, d.config.Crop)
	if ctx.Err() != nil {
		return
	}
	if err != nil {
		d.fail(err)
		return
	}
	d.mu.Lock()
	d.stats.Fetches++
	d.stats.Frames++
	d.stats.ConsecutiveFailures = 0
	d.stats.LastFrameAt = time.Now()
	d.stats.LastError = ""
	d.meta.Width, d.meta.Height = frame.Width, frame.Height
	d.meta.Orientation = header.Orientation.String()
	d.mu.Unlock()

	if !out.Offer(frame) {
		// Another producer filled the slot after the Pending check.
		d.logger.Warn("mailbox occupied, frame dropped")
	}
}

func (d *Driver) fail(err error) {
	d.mu.Lock()
	d.stats.Fetches++
	d.stats.ConsecutiveFailures++
	d.stats.LastError = err.Error()
	streak := d.stats.ConsecutiveFailures
	switch {
	case errors.Is(err, dpt.ErrMalformed):
		d.stats.Malformed++
	case errors.Is(err, dpt.ErrDecode):
		d.stats.DecodeErrors++
	default:
		d.stats.ConnectionErrors++
	}
	d.mu.Unlock()

	if errors.Is(err, dpt.ErrMalformed) || streak > 1 {
		d.logger.Debug("fetch skipped", "err", err, "consecutive_failures", streak)
		return
	}
	d.logger.Warn("fetch failed", "err", err)
}
