package dpt

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// MaxFramePixels bounds the declared size of a payload image. The largest
// known panels are well under 8 megapixels.
const MaxFramePixels = 64 << 20

// Normalize decodes payload and returns an upright, cropped RGB frame.
//
// The crop profile for the header orientation is applied first. Landscape
// captures arrive sideways, so the cropped buffer is then mirrored left to
// right and transposed. The returned frame owns its buffer.
func Normalize(payload ImagePayload, orientation Orientation, profiles CropProfiles) (*ScreenFrame, error) {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(payload))
	if err != nil {
		return nil, &DecodeError{Err: err}
	}
	if cfg.Width <= 0 || cfg.Height <= 0 || cfg.Width > MaxFramePixels/cfg.Height {
		return nil, &DecodeError{Err: fmt.Errorf("%w: %dx%d", ErrImageTooLarge, cfg.Width, cfg.Height)}
	}
	img, _, err := image.Decode(bytes.NewReader(payload))
	if err != nil {
		return nil, &DecodeError{Err: err}
	}
	src, w, h := toRGB(img)

	crop := profiles.For(orientation)
	r0, r1 := crop.Top, h-crop.Bottom
	c0, c1 := crop.Left, w-crop.Right
	if crop.Top < 0 || crop.Bottom < 0 || crop.Left < 0 || crop.Right < 0 || r0 >= r1 || c0 >= c1 {
		return nil, &DecodeError{Err: fmt.Errorf("%w: %dx%d image, %s margins %+v",
			ErrCropOutOfBounds, w, h, orientation, crop)}
	}
	ch, cw := r1-r0, c1-c0
	srcStride := w * 3

	if orientation == Portrait {
		out := newFrame(cw, ch)
		for y := 0; y < ch; y++ {
			s := (r0+y)*srcStride + c0*3
			copy(out.Pix[y*out.Stride:(y+1)*out.Stride], src[s:s+cw*3])
		}
		return out, nil
	}

	// out(x, y) = crop(row x, column cw-1-y)
	out := newFrame(ch, cw)
	for y := 0; y < cw; y++ {
		col := c0 + cw - 1 - y
		d := y * out.Stride
		for x := 0; x < ch; x++ {
			s := (r0+x)*srcStride + col*3
			out.Pix[d] = src[s]
			out.Pix[d+1] = src[s+1]
			out.Pix[d+2] = src[s+2]
			d += 3
		}
	}
	return out, nil
}

func newFrame(w, h int) *ScreenFrame {
	return &ScreenFrame{
		Pix:    make([]byte, w*h*3),
		Width:  w,
		Height: h,
		Stride: w * 3,
	}
}

// toRGB flattens img into a tightly packed RGB buffer. Alpha is dropped.
func toRGB(img image.Image) ([]byte, int, int) {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	buf := make([]byte, w*h*3)
	d := 0

	switch m := img.(type) {
	case *image.NRGBA:
		for y := b.Min.Y; y < b.Max.Y; y++ {
			row := m.Pix[m.PixOffset(b.Min.X, y):]
			for x := 0; x < w; x++ {
				copy(buf[d:d+3], row[x*4:x*4+3])
				d += 3
			}
		}
	case *image.Gray:
		for y := b.Min.Y; y < b.Max.Y; y++ {
			row := m.Pix[m.PixOffset(b.Min.X, y):]
			for x := 0; x < w; x++ {
				v := row[x]
				buf[d], buf[d+1], buf[d+2] = v, v, v
				d += 3
			}
		}
	case *image.Paletted:
		pal := make([]color.NRGBA, len(m.Palette))
		for i, c := range m.Palette {
			pal[i] = color.NRGBAModel.Convert(c).(color.NRGBA)
		}
		for y := b.Min.Y; y < b.Max.Y; y++ {
			row := m.Pix[m.PixOffset(b.Min.X, y):]
			for x := 0; x < w; x++ {
				var c color.NRGBA
				if int(row[x]) < len(pal) {
					c = pal[row[x]]
				}
				buf[d], buf[d+1], buf[d+2] = c.R, c.G, c.B
				d += 3
			}
		}
	default:
		for y := b.Min.Y; y < b.Max.Y; y++ {
			for x := b.Min.X; x < b.Max.X; x++ {
				c := color.NRGBAModel.Convert(img.At(x, y)).(color.NRGBA)
				buf[d], buf[d+1], buf[d+2] = c.R, c.G, c.B
				d += 3
			}
		}
	}
	return buf, w, h
}
