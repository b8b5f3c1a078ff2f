package host

import (
	"context"
	"fmt"

	"github.com/advancedclimatesystems/gonnx"
	"gorgonia.org/tensor"

	"github.com/knights-analytics/qwenedit/conditioning"
	"github.com/knights-analytics/qwenedit/util/fileutil"
	"github.com/knights-analytics/qwenedit/util/imageutil"
)

// VAE runs an exported VAE encoder graph with the pure Go ONNX runtime. The graph
// must take one pixel input, either [B, C, H, W] or [B, C, T, H, W], in [-1, 1].
type VAE struct {
	model  *gonnx.Model
	input  string
	output string
	rank   int
}

var _ conditioning.VAE = (*VAE)(nil)

// LoadVAE reads an ONNX encoder from a local or s3:// path.
func LoadVAE(ctx context.Context, path string) (*VAE, error) {
	b, err := fileutil.ReadFileBytes(ctx, path)
	if err != nil {
		return nil, err
	}
	model, err := gonnx.NewModelFromBytes(b)
	if err != nil {
		return nil, fmt.Errorf("load vae %s: %w", path, err)
	}
	inputs, outputs := model.InputNames(), model.OutputNames()
	if len(inputs) != 1 || len(outputs) == 0 {
		return nil, fmt.Errorf("vae %s: expected one input and at least one output, got %d and %d", path, len(inputs), len(outputs))
	}
	rank := len(model.InputShapes()[inputs[0]])
	if rank != 4 && rank != 5 {
		return nil, fmt.Errorf("vae %s: input %s has rank %d, expected 4 or 5", path, inputs[0], rank)
	}
	return &VAE{model: model, input: inputs[0], output: outputs[0], rank: rank}, nil
}

// Encode returns the encoder's first output as a tensor.Tensor.
func (v *VAE) Encode(img conditioning.Image) (conditioning.Latent, error) {
	t, err := imageutil.AsTensor(img)
	if err != nil {
		return nil, err
	}
	x, err := PixelsToVAEInput(t, v.rank)
	if err != nil {
		return nil, err
	}
	out, err := v.model.Run(map[string]tensor.Tensor{v.input: x})
	if err != nil {
		return nil, fmt.Errorf("vae forward: %w", err)
	}
	latent, ok := out[v.output]
	if !ok {
		return nil, fmt.Errorf("vae output %s missing", v.output)
	}
	return latent, nil
}

// PixelsToVAEInput converts an RGB NHWC batch in [0, 1] to channel-first samples in
// [-1, 1]. With rank 5 a singleton time axis follows the channel axis.
func PixelsToVAEInput(t *imageutil.Tensor, rank int) (*tensor.Dense, error) {
	d := t.Dims()
	if d.Channels != 3 {
		return nil, fmt.Errorf("vae input needs 3 channels, got %d", d.Channels)
	}
	data := make([]float32, d.Batch*3*d.Height*d.Width)
	plane := d.Height * d.Width
	for b := range d.Batch {
		for y := range d.Height {
			for x := range d.Width {
				for c := range 3 {
					data[(b*3+c)*plane+y*d.Width+x] = t.At(b, y, x, c)*2 - 1
				}
			}
		}
	}
	switch rank {
	case 4:
		return tensor.New(tensor.WithShape(d.Batch, 3, d.Height, d.Width), tensor.WithBacking(data)), nil
	case 5:
		return tensor.New(tensor.WithShape(d.Batch, 3, 1, d.Height, d.Width), tensor.WithBacking(data)), nil
	default:
		return nil, fmt.Errorf("unsupported vae input rank %d", rank)
	}
}
