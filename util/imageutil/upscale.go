package imageutil

import (
	"errors"
	"fmt"
	"image"
	"math"

	"golang.org/x/image/draw"

	"github.com/knights-analytics/qwenedit/options"
	"github.com/knights-analytics/qwenedit/util/safeconv"
)

var ErrUnsupportedMethod = errors.New("unsupported upscale method")

// lanczos3 matches PIL's LANCZOS filter (a=3).
var lanczos3 = &draw.Kernel{
	Support: 3.0,
	At: func(t float64) float64 {
		if t == 0 {
			return 1.0
		}
		if t < 0 {
			t = -t
		}
		if t >= 3.0 {
			return 0.0
		}
		piT := math.Pi * t
		return (math.Sin(piT) / piT) * (math.Sin(piT/3) / (piT / 3))
	},
}

// CommonUpscale resizes every image of the batch to width x height. With crop
// "center" the source is first cropped to the target aspect ratio.
func CommonUpscale(t *Tensor, width, height int, method, crop string) (*Tensor, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("invalid target size %dx%d", width, height)
	}
	src := t
	switch crop {
	case options.CropDisabled, "":
	case options.CropCenter:
		var err error
		if src, err = centerCrop(t, width, height); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unsupported crop mode %q", crop)
	}

	switch method {
	case options.UpscaleArea:
		return areaResize(src, width, height)
	case options.UpscaleNearestExact:
		return nearestExactResize(src, width, height)
	case options.UpscaleBilinear:
		return kernelResize(src, width, height, draw.BiLinear)
	case options.UpscaleBicubic:
		return kernelResize(src, width, height, draw.CatmullRom)
	case options.UpscaleLanczos:
		return kernelResize(src, width, height, lanczos3)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedMethod, method)
	}
}

// centerCrop trims the longer relative side so the result has the target aspect ratio.
func centerCrop(t *Tensor, width, height int) (*Tensor, error) {
	d := t.Dims()
	oldAspect := float64(d.Width) / float64(d.Height)
	newAspect := float64(width) / float64(height)
	x, y := 0, 0
	if oldAspect > newAspect {
		x = safeconv.RoundToInt((float64(d.Width) - float64(d.Width)*(newAspect/oldAspect)) / 2)
	} else if oldAspect < newAspect {
		y = safeconv.RoundToInt((float64(d.Height) - float64(d.Height)*(oldAspect/newAspect)) / 2)
	}
	if x == 0 && y == 0 {
		return t, nil
	}
	cw, ch := d.Width-2*x, d.Height-2*y
	out, err := zeros(d.Batch, ch, cw, d.Channels)
	if err != nil {
		return nil, fmt.Errorf("center crop of %dx%d to aspect %dx%d: %w", d.Width, d.Height, width, height, err)
	}
	for b := range d.Batch {
		for row := range ch {
			srcStart := t.offset(b, row+y, x, 0)
			dstStart := out.offset(b, row, 0, 0)
			copy(out.Data()[dstStart:dstStart+cw*d.Channels], t.Data()[srcStart:srcStart+cw*d.Channels])
		}
	}
	return out, nil
}

// areaResize is adaptive average pooling: output cell i covers source indices
// [floor(i*in/out), ceil((i+1)*in/out)). The box mean is separable, so each batch
// element runs as a horizontal pass followed by a vertical one.
func areaResize(t *Tensor, width, height int) (*Tensor, error) {
	d := t.Dims()
	xs := poolBounds(d.Width, width)
	ys := poolBounds(d.Height, height)
	out, err := zeros(d.Batch, height, width, d.Channels)
	if err != nil {
		return nil, err
	}
	src, dst := t.Data(), out.Data()
	tmp := make([]float64, d.Height*width*d.Channels)

	for b := range d.Batch {
		for y := range d.Height {
			base := t.offset(b, y, 0, 0)
			for x, span := range xs {
				for c := range d.Channels {
					var sum float64
					for sx := span[0]; sx < span[1]; sx++ {
						sum += float64(src[base+sx*d.Channels+c])
					}
					tmp[(y*width+x)*d.Channels+c] = sum / float64(span[1]-span[0])
				}
			}
		}
		for y, span := range ys {
			for x := range width {
				for c := range d.Channels {
					var sum float64
					for sy := span[0]; sy < span[1]; sy++ {
						sum += tmp[(sy*width+x)*d.Channels+c]
					}
					dst[out.offset(b, y, x, c)] = float32(sum / float64(span[1]-span[0]))
				}
			}
		}
	}
	return out, nil
}

func poolBounds(in, out int) [][2]int {
	bounds := make([][2]int, out)
	for i := range out {
		start := (i * in) / out
		end := ((i+1)*in + out - 1) / out
		bounds[i] = [2]int{start, end}
	}
	return bounds
}

// nearestExactResize samples source index floor((i+0.5)*in/out).
func nearestExactResize(t *Tensor, width, height int) (*Tensor, error) {
	d := t.Dims()
	out, err := zeros(d.Batch, height, width, d.Channels)
	if err != nil {
		return nil, err
	}
	scaleX := float64(d.Width) / float64(width)
	scaleY := float64(d.Height) / float64(height)
	for b := range d.Batch {
		for y := range height {
			sy := min(int((float64(y)+0.5)*scaleY), d.Height-1)
			for x := range width {
				sx := min(int((float64(x)+0.5)*scaleX), d.Width-1)
				for c := range d.Channels {
					out.Set(b, y, x, c, t.At(b, sy, sx, c))
				}
			}
		}
	}
	return out, nil
}

// kernelResize scales each channel plane as a 16-bit grey image with an
// x/image/draw interpolator, which keeps alpha out of premultiplication.
func kernelResize(t *Tensor, width, height int, interp draw.Interpolator) (*Tensor, error) {
	d := t.Dims()
	out, err := zeros(d.Batch, height, width, d.Channels)
	if err != nil {
		return nil, err
	}
	plane := image.NewGray16(image.Rect(0, 0, d.Width, d.Height))
	scaled := image.NewGray16(image.Rect(0, 0, width, height))
	for b := range d.Batch {
		for c := range d.Channels {
			for y := range d.Height {
				for x := range d.Width {
					v := uint16(clamp01(t.At(b, y, x, c))*65535 + 0.5)
					i := plane.PixOffset(x, y)
					plane.Pix[i], plane.Pix[i+1] = uint8(v>>8), uint8(v)
				}
			}
			interp.Scale(scaled, scaled.Bounds(), plane, plane.Bounds(), draw.Src, nil)
			for y := range height {
				for x := range width {
					i := scaled.PixOffset(x, y)
					v := uint16(scaled.Pix[i])<<8 | uint16(scaled.Pix[i+1])
					out.Set(b, y, x, c, float32(v)/65535)
				}
			}
		}
	}
	return out, nil
}

func clamp01(v float32) float32 {
	return min(max(v, 0), 1)
}
