package sdriver

import (
	"time"

	"dptscreen/dpt"
)

type StreamConfig struct {
	Endpoint dpt.DeviceEndpoint
	Interval time.Duration
	Fetch    dpt.FetchOptions
	Crop     dpt.CropProfiles
	// OtherOpts carries driver specific settings, e.g. "file" for dummy.
	OtherOpts map[string]string
}

type MediaMeta struct {
	Source string `json:"source"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
	// Orientation of the last decoded capture.
	Orientation string `json:"orientation"`
}

type DriverCaps struct {
	CanSnapshot bool `json:"can_snapshot"`
	CanStream   bool `json:"can_stream"`
	Offline     bool `json:"offline"`
}

// Stats counts acquisition outcomes. Failures are counted by kind.
type Stats struct {
	Fetches             uint64    `json:"fetches"`
	Frames              uint64    `json:"frames"`
	Skipped             uint64    `json:"skipped"`
	ConnectionErrors    uint64    `json:"connection_errors"`
	Malformed           uint64    `json:"malformed"`
	DecodeErrors        uint64    `json:"decode_errors"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastFrameAt         time.Time `json:"last_frame_at"`
	LastError           string    `json:"last_error,omitempty"`
}
