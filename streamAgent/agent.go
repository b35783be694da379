package sagent

import (
	"bytes"
	"context"
	"errors"
	"image/png"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"dptscreen/dpt"
	"dptscreen/sdriver"
)

// ErrStaleFrame is returned for a frame captured before the source changed.
var ErrStaleFrame = errors.New("frame from a previous source")

// Agent drains a driver's mailbox, keeps the last good frame encoded as PNG
// and wakes every viewer waiting for a newer one.
type Agent struct {
	config  AgentConfig
	mailbox *sdriver.Mailbox
	logger  *slog.Logger
	encoder png.Encoder

	latest atomic.Pointer[Snapshot]

	mu      sync.Mutex
	seq     uint64
	updated chan struct{}
}

func New(config AgentConfig, mailbox *sdriver.Mailbox, logger *slog.Logger) *Agent {
	if config.CompressionLevel == 0 {
		config.CompressionLevel = png.BestSpeed
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Agent{
		config:  config,
		mailbox: mailbox,
		logger:  logger.With("component", "agent"),
		encoder: png.Encoder{CompressionLevel: config.CompressionLevel},
		updated: make(chan struct{}),
	}
}

// Run consumes frames until ctx is done.
func (a *Agent) Run(ctx context.Context) error {
	for {
		frame, gen, err := a.mailbox.TakeTagged(ctx)
		if err != nil {
			return nil
		}
		if _, err := a.publishFrom(frame, gen); errors.Is(err, ErrStaleFrame) {
			a.logger.Debug("dropping frame from previous source", "gen", gen)
		} else if err != nil {
			a.logger.Warn("dropping frame", "err", err)
		}
	}
}

// Publish encodes frame and makes it the latest snapshot. On error the
// previous snapshot stays current.
func (a *Agent) Publish(frame *dpt.ScreenFrame) (*Snapshot, error) {
	data, err := a.encode(frame)
	if err != nil {
		return nil, err
	}
	return a.commit(frame, data), nil
}

// publishFrom is Publish for a frame taken from the mailbox at generation
// gen. It fails with ErrStaleFrame once the mailbox has moved on.
func (a *Agent) publishFrom(frame *dpt.ScreenFrame, gen uint64) (*Snapshot, error) {
	data, err := a.encode(frame)
	if err != nil {
		return nil, err
	}
	var snap *Snapshot
	if !a.mailbox.IfCurrent(gen, func() { snap = a.commit(frame, data) }) {
		return nil, ErrStaleFrame
	}
	return snap, nil
}

func (a *Agent) encode(frame *dpt.ScreenFrame) ([]byte, error) {
	if frame == nil || frame.Width == 0 || frame.Height == 0 {
		return nil, errors.New("empty frame")
	}
	var buf bytes.Buffer
	if err := a.encoder.Encode(&buf, frame.Image()); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (a *Agent) commit(frame *dpt.ScreenFrame, data []byte) *Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.seq++
	snap := &Snapshot{
		Seq:        a.seq,
		Frame:      frame,
		PNG:        data,
		CapturedAt: time.Now(),
	}
	a.latest.Store(snap)
	close(a.updated)
	a.updated = make(chan struct{})
	a.logger.Debug("frame published", "seq", snap.Seq, "size", len(snap.PNG), "frame", frame.String())
	return snap
}

// Latest returns the newest snapshot, or nil before the first frame.
func (a *Agent) Latest() *Snapshot {
	return a.latest.Load()
}

// Wait blocks until a snapshot newer than seq exists.
func (a *Agent) Wait(ctx context.Context, seq uint64) (*Snapshot, error) {
	for {
		a.mu.Lock()
		snap, ch := a.latest.Load(), a.updated
		a.mu.Unlock()
		if snap != nil && snap.Seq > seq {
			return snap, nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}
