package dummy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"dptscreen/dpt"
	"dptscreen/sdriver"
)

// DummyDriver implements sdriver.SDriver by replaying a file from disk. The
// file is either a captured device response or a bare image; bare images use
// the orientation given in OtherOpts["orientation"].
type DummyDriver struct {
	filePath    string
	orientation dpt.Orientation
	interval    time.Duration
	crop        dpt.CropProfiles
	logger      *slog.Logger

	mu       sync.RWMutex
	running  bool
	stopOnce sync.Once
	stopCh   chan struct{}
	done     chan struct{}
	stats    sdriver.Stats
	meta     sdriver.MediaMeta
}

// New creates a dummy driver. OtherOpts["file"] is required.
func New(c sdriver.StreamConfig, logger *slog.Logger) (*DummyDriver, error) {
	path := c.OtherOpts["file"]
	if path == "" {
		return nil, errors.New("dummy: file path is empty")
	}
	if c.Interval <= 0 {
		c.Interval = time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	d := &DummyDriver{
		filePath: path,
		interval: c.Interval,
		crop:     c.Crop,
		logger:   logger.With("driver", "dummy", "file", path),
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
		meta:     sdriver.MediaMeta{Source: "file:" + path},
	}
	o, err := dpt.ParseOrientation(c.OtherOpts["orientation"])
	if err != nil {
		return nil, fmt.Errorf("dummy: %w", err)
	}
	d.orientation = o
	return d, nil
}

func (d *DummyDriver) StartStream(ctx context.Context, out *sdriver.Mailbox) error {
	if out == nil {
		return errors.New("dummy: nil mailbox")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		return errors.New("dummy: already streaming")
	}
	select {
	case <-d.stopCh:
		return errors.New("dummy: driver stopped")
	default:
	}
	d.running = true
	go d.loop(ctx, out)
	return nil
}

func (d *DummyDriver) Stop() error {
	d.stopOnce.Do(func() {
		close(d.stopCh)
	})
	d.mu.RLock()
	running := d.running
	d.mu.RUnlock()
	if running {
		<-d.done
	}
	return nil
}

func (d *DummyDriver) Stats() sdriver.Stats {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.stats
}

func (d *DummyDriver) Capabilities() sdriver.DriverCaps {
	return sdriver.DriverCaps{CanSnapshot: true, CanStream: true, Offline: true}
}

func (d *DummyDriver) MediaMeta() sdriver.MediaMeta {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.meta
}

func (d *DummyDriver) loop(ctx context.Context, out *sdriver.Mailbox) {
	defer close(d.done)

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	for {
		d.tick(out)
		select {
		case <-ctx.Done():
			return
		case <-d.stopCh:
			return
		case <-ticker.C:
		}
	}
}

func (d *DummyDriver) tick(out *sdriver.Mailbox) {
	if out.Pending() {
		d.mu.Lock()
		d.stats.Skipped++
		d.mu.Unlock()
		return
	}

	frame, orientation, err := d.load()

	d.mu.Lock()
	d.stats.Fetches++
	if err != nil {
		d.stats.ConsecutiveFailures++
		d.stats.LastError = err.Error()
		if errors.Is(err, dpt.ErrDecode) {
			d.stats.DecodeErrors++
		} else {
			d.stats.ConnectionErrors++
		}
		d.mu.Unlock()
		d.logger.Warn("replay failed", "err", err)
		return
	}
	d.stats.Frames++
	d.stats.ConsecutiveFailures = 0
	d.stats.LastFrameAt = time.Now()
	d.stats.LastError = ""
	d.meta.Width, d.meta.Height = frame.Width, frame.Height
	d.meta.Orientation = orientation.String()
	d.mu.Unlock()

	out.Offer(frame)
}

func (d *DummyDriver) load() (*dpt.ScreenFrame, dpt.Orientation, error) {
	data, err := os.ReadFile(d.filePath)
	if err != nil {
		return nil, 0, err
	}
	return dpt.DecodeFile(data, d.orientation, d.crop)
}
