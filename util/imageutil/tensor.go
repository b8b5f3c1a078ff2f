package imageutil

import (
	"errors"
	"fmt"
	"image"
	"image/color"

	"gorgonia.org/tensor"

	"github.com/knights-analytics/qwenedit/conditioning"
)

var ErrNotTensor = errors.New("image is not an imageutil tensor")

// Tensor is an IMAGE batch in the host layout [batch, height, width, channels]
// with float32 samples in [0, 1].
type Tensor struct {
	dense *tensor.Dense
	dims  conditioning.Dims
}

// NewTensor wraps data, which must hold batch*height*width*channels samples.
func NewTensor(batch, height, width, channels int, data []float32) (*Tensor, error) {
	if batch <= 0 || height <= 0 || width <= 0 || channels <= 0 {
		return nil, fmt.Errorf("invalid tensor shape [%d %d %d %d]", batch, height, width, channels)
	}
	if want := batch * height * width * channels; len(data) != want {
		return nil, fmt.Errorf("tensor data has %d samples, shape [%d %d %d %d] needs %d", len(data), batch, height, width, channels, want)
	}
	return &Tensor{
		dense: tensor.New(tensor.WithShape(batch, height, width, channels), tensor.WithBacking(data)),
		dims:  conditioning.Dims{Batch: batch, Height: height, Width: width, Channels: channels},
	}, nil
}

func zeros(batch, height, width, channels int) (*Tensor, error) {
	if batch <= 0 || height <= 0 || width <= 0 || channels <= 0 {
		return nil, fmt.Errorf("invalid tensor shape [%d %d %d %d]", batch, height, width, channels)
	}
	return NewTensor(batch, height, width, channels, make([]float32, batch*height*width*channels))
}

func (t *Tensor) Dims() conditioning.Dims {
	return t.dims
}

// Data is the flat backing slice in NHWC order.
func (t *Tensor) Data() []float32 {
	return t.dense.Data().([]float32)
}

// Dense exposes the underlying gorgonia tensor.
func (t *Tensor) Dense() *tensor.Dense {
	return t.dense
}

func (t *Tensor) offset(b, y, x, c int) int {
	d := t.dims
	return ((b*d.Height+y)*d.Width+x)*d.Channels + c
}

func (t *Tensor) At(b, y, x, c int) float32 {
	return t.Data()[t.offset(b, y, x, c)]
}

func (t *Tensor) Set(b, y, x, c int, v float32) {
	t.Data()[t.offset(b, y, x, c)] = v
}

// AsTensor unwraps a conditioning image produced by this package.
func AsTensor(img conditioning.Image) (*Tensor, error) {
	t, ok := img.(*Tensor)
	if !ok || t == nil {
		return nil, fmt.Errorf("%w: %T", ErrNotTensor, img)
	}
	return t, nil
}

// FromImage converts a decoded image into a batch of one. Alpha is kept as a fourth
// channel only when withAlpha is set. Empty images are rejected.
func FromImage(img image.Image, withAlpha bool) (*Tensor, error) {
	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	channels := 3
	if withAlpha {
		channels = 4
	}
	t, err := zeros(1, h, w, channels)
	if err != nil {
		return nil, fmt.Errorf("image of %dx%d: %w", w, h, err)
	}
	data := t.Data()
	idx := 0
	for y := range h {
		for x := range w {
			c := color.NRGBA64Model.Convert(img.At(bounds.Min.X+x, bounds.Min.Y+y)).(color.NRGBA64)
			data[idx] = float32(c.R) / 65535
			data[idx+1] = float32(c.G) / 65535
			data[idx+2] = float32(c.B) / 65535
			if withAlpha {
				data[idx+3] = float32(c.A) / 65535
			}
			idx += channels
		}
	}
	return t, nil
}

// ToImage renders one batch element as 8-bit NRGBA. Single channel tensors render as grey.
func ToImage(t *Tensor, b int) (*image.NRGBA, error) {
	d := t.Dims()
	if b < 0 || b >= d.Batch {
		return nil, fmt.Errorf("batch index %d out of range [0, %d)", b, d.Batch)
	}
	out := image.NewNRGBA(image.Rect(0, 0, d.Width, d.Height))
	for y := range d.Height {
		for x := range d.Width {
			var px [4]uint8
			px[3] = 255
			for c := range min(d.Channels, 4) {
				px[c] = to8(t.At(b, y, x, c))
			}
			if d.Channels < 3 {
				px[1], px[2] = px[0], px[0]
			}
			out.SetNRGBA(x, y, color.NRGBA{R: px[0], G: px[1], B: px[2], A: px[3]})
		}
	}
	return out, nil
}

func to8(v float32) uint8 {
	switch {
	case v <= 0:
		return 0
	case v >= 1:
		return 255
	default:
		return uint8(v*255 + 0.5)
	}
}

// DropAlpha returns the first three channels of t. Tensors with three or fewer
// channels are returned as is.
func DropAlpha(t *Tensor) (*Tensor, error) {
	d := t.Dims()
	if d.Channels <= 3 {
		return t, nil
	}
	out, err := zeros(d.Batch, d.Height, d.Width, 3)
	if err != nil {
		return nil, err
	}
	src, dst := t.Data(), out.Data()
	for i, j := 0, 0; i < len(src); i, j = i+d.Channels, j+3 {
		copy(dst[j:j+3], src[i:i+3])
	}
	return out, nil
}
