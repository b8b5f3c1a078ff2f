package host

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorgonia.org/tensor"

	"github.com/knights-analytics/qwenedit/conditioning"
)

// The testData encoders are single Relu graphs over the pixel input, so the
// latent is the channel-first [-1, 1] input with negatives zeroed.
func TestVAEEncode(t *testing.T) {
	ctx := context.Background()
	for _, tc := range []struct {
		path  string
		shape []int
	}{
		{"./testData/relu_rank4.onnx", []int{1, 3, 1, 2}},
		{"./testData/relu_rank5.onnx", []int{1, 3, 1, 1, 2}},
	} {
		t.Run(tc.path, func(t *testing.T) {
			path, err := filepath.Abs(tc.path)
			require.NoError(t, err)
			vae, err := LoadVAE(ctx, path)
			require.NoError(t, err)
			assert.Equal(t, len(tc.shape), vae.rank)
			assert.Equal(t, "pixels", vae.input)
			assert.Equal(t, "latent", vae.output)

			latent, err := vae.Encode(tinyTensor(t))
			require.NoError(t, err)
			out, ok := latent.(tensor.Tensor)
			require.True(t, ok)
			assert.Equal(t, tc.shape, []int(out.Shape()))
			assert.InDeltaSlice(t, []float32{0, 1, 0, 0, 1, 0}, out.Data().([]float32), 1e-6)

			_, err = vae.Encode(stubImage{})
			assert.Error(t, err)
		})
	}
}

func TestLoadVAEErrors(t *testing.T) {
	ctx := context.Background()
	path, err := filepath.Abs("./testData/relu_rank3.onnx")
	require.NoError(t, err)
	_, err = LoadVAE(ctx, path)
	assert.ErrorContains(t, err, "rank 3")

	_, err = LoadVAE(ctx, filepath.Join(filepath.Dir(path), "missing.onnx"))
	assert.Error(t, err)
}

type stubImage struct{}

func (stubImage) Dims() conditioning.Dims { return conditioning.Dims{} }
