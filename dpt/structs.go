package dpt

import (
	"image"
	"image/color"
	"net/netip"
	"strconv"
)

// DefaultPort is the port the device serves screenshots on.
const DefaultPort uint16 = 54321

// DeviceEndpoint is the address of a discovered device.
type DeviceEndpoint struct {
	Addr netip.Addr
	Port uint16
}

func (e DeviceEndpoint) String() string {
	return netip.AddrPortFrom(e.Addr, e.Port).String()
}

// ParseEndpoint accepts "host" or "host:port". A missing port means DefaultPort.
func ParseEndpoint(s string) (DeviceEndpoint, error) {
	if ap, err := netip.ParseAddrPort(s); err == nil {
		return DeviceEndpoint{Addr: ap.Addr(), Port: ap.Port()}, nil
	}
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return DeviceEndpoint{}, err
	}
	return DeviceEndpoint{Addr: addr, Port: DefaultPort}, nil
}

// RawFrame is everything read from the device during one fetch.
type RawFrame []byte

// ImagePayload is the encoded image that follows the header.
type ImagePayload []byte

type Orientation uint8

const (
	Landscape Orientation = iota
	Portrait
)

func (o Orientation) String() string {
	if o == Portrait {
		return "portrait"
	}
	return "landscape"
}

type FrameHeader struct {
	Raw         []byte
	Orientation Orientation
}

// CropProfile removes device chrome. Bottom and Right are counted from the
// far edge of the decoded image.
type CropProfile struct {
	Top    int `yaml:"top" json:"top"`
	Bottom int `yaml:"bottom" json:"bottom"`
	Left   int `yaml:"left" json:"left"`
	Right  int `yaml:"right" json:"right"`
}

// CropProfiles holds one CropProfile per orientation.
type CropProfiles struct {
	Portrait  CropProfile `yaml:"portrait" json:"portrait"`
	Landscape CropProfile `yaml:"landscape" json:"landscape"`
}

func (p CropProfiles) For(o Orientation) CropProfile {
	if o == Portrait {
		return p.Portrait
	}
	return p.Landscape
}

// ScreenFrame is an upright RGB snapshot of the device screen. Pix holds
// three bytes per pixel, rows Stride bytes apart.
type ScreenFrame struct {
	Pix    []byte
	Width  int
	Height int
	Stride int
}

func (f *ScreenFrame) String() string {
	return strconv.Itoa(f.Width) + "x" + strconv.Itoa(f.Height)
}

// RGBAt returns the pixel at (x, y).
func (f *ScreenFrame) RGBAt(x, y int) (r, g, b uint8) {
	i := y*f.Stride + x*3
	return f.Pix[i], f.Pix[i+1], f.Pix[i+2]
}

// Image exposes the frame to image encoders without copying.
func (f *ScreenFrame) Image() image.Image {
	return rgbImage{f}
}

type rgbImage struct {
	f *ScreenFrame
}

func (m rgbImage) ColorModel() color.Model { return color.RGBAModel }

func (m rgbImage) Bounds() image.Rectangle {
	return image.Rect(0, 0, m.f.Width, m.f.Height)
}

func (m rgbImage) At(x, y int) color.Color {
	if x < 0 || y < 0 || x >= m.f.Width || y >= m.f.Height {
		return color.RGBA{}
	}
	r, g, b := m.f.RGBAt(x, y)
	return color.RGBA{R: r, G: g, B: b, A: 0xff}
}
