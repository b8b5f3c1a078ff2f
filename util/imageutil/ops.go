package imageutil

import (
	"github.com/knights-analytics/qwenedit/conditioning"
)

// Ops implements conditioning.ImageOps over *Tensor images.
type Ops struct{}

var _ conditioning.ImageOps = Ops{}

func (Ops) CommonUpscale(img conditioning.Image, width, height int, method, crop string) (conditioning.Image, error) {
	t, err := AsTensor(img)
	if err != nil {
		return nil, err
	}
	out, err := CommonUpscale(t, width, height, method, crop)
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (Ops) DropAlpha(img conditioning.Image) (conditioning.Image, error) {
	t, err := AsTensor(img)
	if err != nil {
		return nil, err
	}
	return DropAlpha(t)
}
