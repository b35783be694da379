package dpt

import (
	"context"
	"errors"
	"fmt"
)

// Decode runs Parse and Normalize over one response.
func Decode(raw RawFrame, profiles CropProfiles) (*ScreenFrame, FrameHeader, error) {
	header, payload, ok := Parse(raw)
	if !ok {
		return nil, FrameHeader{}, ErrMalformed
	}
	frame, err := Normalize(payload, header.Orientation, profiles)
	if err != nil {
		return nil, header, err
	}
	return frame, header, nil
}

// Capture fetches, parses and normalizes a single screenshot.
func Capture(ctx context.Context, endpoint DeviceEndpoint, opts FetchOptions, profiles CropProfiles) (*ScreenFrame, FrameHeader, error) {
	raw, err := Fetch(ctx, endpoint, opts)
	if err != nil {
		return nil, FrameHeader{}, err
	}
	return Decode(raw, profiles)
}

// DecodeFile decodes a saved capture. Files holding a full device response
// follow the header's orientation; anything else is treated as a bare image
// in the fallback orientation.
func DecodeFile(data []byte, fallback Orientation, profiles CropProfiles) (*ScreenFrame, Orientation, error) {
	frame, header, err := Decode(data, profiles)
	if errors.Is(err, ErrMalformed) {
		frame, err = Normalize(data, fallback, profiles)
		return frame, fallback, err
	}
	return frame, header.Orientation, err
}

// ParseOrientation accepts "portrait" or "landscape"; empty means landscape.
func ParseOrientation(s string) (Orientation, error) {
	switch s {
	case "", "landscape":
		return Landscape, nil
	case "portrait":
		return Portrait, nil
	}
	return Landscape, fmt.Errorf("unknown orientation %q", s)
}
