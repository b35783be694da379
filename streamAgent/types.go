package sagent

import (
	"image/png"
	"time"

	"dptscreen/dpt"
)

type AgentConfig struct {
	// CompressionLevel for the cached PNG. Zero means png.BestSpeed.
	CompressionLevel png.CompressionLevel
}

// Snapshot is an immutable, encoded frame. Seq starts at 1 and increases by
// one for every frame the agent accepts.
type Snapshot struct {
	Seq        uint64
	Frame      *dpt.ScreenFrame
	PNG        []byte
	CapturedAt time.Time
}

type SnapshotMeta struct {
	Seq        uint64    `json:"seq"`
	Width      int       `json:"width"`
	Height     int       `json:"height"`
	Size       int       `json:"size"`
	CapturedAt time.Time `json:"captured_at"`
}

func (s *Snapshot) Meta() SnapshotMeta {
	return SnapshotMeta{
		Seq:        s.Seq,
		Width:      s.Frame.Width,
		Height:     s.Frame.Height,
		Size:       len(s.PNG),
		CapturedAt: s.CapturedAt,
	}
}
