package dpt

import "bytes"

var (
	// EndOfHeader terminates the text header of a response.
	EndOfHeader = []byte("</command>\n")
	// ScreenSyncMarker identifies a screenshot response.
	ScreenSyncMarker = []byte("RETSCREENSYNC")
	PortraitMarker   = []byte("portrait")
)

// Parse splits a response into its header and image payload. It reports false
// for responses that are not a complete screenshot, which devices emit
// routinely while switching pages.
//
// The header is matched by substring only. Anything without the portrait
// marker is landscape.
func Parse(raw RawFrame) (FrameHeader, ImagePayload, bool) {
	i := bytes.Index(raw, EndOfHeader)
	if i < 0 {
		return FrameHeader{}, nil, false
	}
	end := i + len(EndOfHeader)
	head := raw[:end]
	if !bytes.Contains(head, ScreenSyncMarker) {
		return FrameHeader{}, nil, false
	}

	header := FrameHeader{Raw: head, Orientation: Landscape}
	if bytes.Contains(head, PortraitMarker) {
		header.Orientation = Portrait
	}
	return header, ImagePayload(raw[end:]), true
}
