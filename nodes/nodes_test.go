package nodes

import (
	"bytes"
	"testing"

	jsoniter "github.com/json-iterator/go"
	"github.com/phuslu/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/knights-analytics/qwenedit/conditioning"
	"github.com/knights-analytics/qwenedit/options"
	"github.com/knights-analytics/qwenedit/util/imageutil"
)

type stubImage struct{ w, h int }

func (s stubImage) Dims() conditioning.Dims {
	return conditioning.Dims{Batch: 1, Height: s.h, Width: s.w, Channels: 3}
}

type stubOps struct{}

func (stubOps) CommonUpscale(_ conditioning.Image, width, height int, _, _ string) (conditioning.Image, error) {
	return stubImage{w: width, h: height}, nil
}

func (stubOps) DropAlpha(img conditioning.Image) (conditioning.Image, error) { return img, nil }

type stubCLIP struct {
	text   string
	images int
}

func (s *stubCLIP) Tokenize(text string, images []conditioning.Image, _ string) (conditioning.Tokens, error) {
	s.text = text
	s.images = len(images)
	return text, nil
}

func (s *stubCLIP) EncodeFromTokensScheduled(tokens conditioning.Tokens) (conditioning.Conditioning, error) {
	return conditioning.Conditioning{{Cond: tokens, Values: map[string]any{}}}, nil
}

type stubVAE struct{}

func (stubVAE) Encode(img conditioning.Image) (conditioning.Latent, error) { return img.Dims(), nil }

func testBuilder(t *testing.T) *conditioning.Builder {
	t.Helper()
	logger := &log.Logger{Level: log.ErrorLevel, Writer: &log.IOWriter{Writer: &bytes.Buffer{}}}
	b, err := conditioning.NewBuilder(stubOps{}, options.WithLogger(logger))
	require.NoError(t, err)
	return b
}

func TestRegistry(t *testing.T) {
	def, ok := Lookup(TextEncodeQwenImageEditAdvancedID)
	require.True(t, ok)
	assert.Equal(t, CategoryQwenImageEdit, def.Category)
	assert.Equal(t, "encode", def.Function)
	assert.Equal(t, []string{TypeConditioning}, def.ReturnTypes)
	assert.Equal(t, TextEncodeQwenImageEditAdvancedID, DisplayName(TextEncodeQwenImageEditAdvancedID))
	assert.Equal(t, "Unknown", DisplayName("Unknown"))
	assert.Equal(t, []string{TextEncodeQwenImageEditAdvancedID}, IDs())
	assert.Len(t, All(), 1)

	_, ok = Lookup("Missing")
	assert.False(t, ok)

	assert.Panics(t, func() { newRegistry(def, def) })
}

func TestSchema(t *testing.T) {
	schema := TextEncodeQwenImageEditAdvanced.Inputs
	var required, optional []string
	for _, in := range schema.Required() {
		required = append(required, in.Name)
	}
	for _, in := range schema.Optional() {
		optional = append(optional, in.Name)
	}
	assert.Equal(t, []string{"clip", "prompt", "vl_megapixels"}, required)
	assert.Equal(t, []string{"vae", "image1", "image2", "image3"}, optional)

	mp, ok := schema.Lookup("vl_megapixels")
	require.True(t, ok)
	assert.Equal(t, 0.5, mp.Default)
	assert.Equal(t, 0.01, *mp.Min)
	assert.Equal(t, 4.0, *mp.Max)
	assert.Equal(t, 0.01, *mp.Step)
}

func TestObjectInfo(t *testing.T) {
	raw, err := ObjectInfo()
	require.NoError(t, err)

	var decoded map[string]struct {
		Input struct {
			Required map[string][]any `json:"required"`
			Optional map[string][]any `json:"optional"`
		} `json:"input"`
		InputOrder map[string][]string `json:"input_order"`
		Output     []string            `json:"output"`
		Category   string              `json:"category"`
	}
	require.NoError(t, jsoniter.Unmarshal(raw, &decoded))

	node, ok := decoded[TextEncodeQwenImageEditAdvancedID]
	require.True(t, ok)
	assert.Equal(t, []string{"CONDITIONING"}, node.Output)
	assert.Equal(t, CategoryQwenImageEdit, node.Category)
	assert.Equal(t, []string{"clip", "prompt", "vl_megapixels"}, node.InputOrder["required"])
	assert.Equal(t, []any{"CLIP"}, node.Input.Required["clip"])
	assert.Equal(t, []any{"IMAGE"}, node.Input.Optional["image2"])

	mp := node.Input.Required["vl_megapixels"]
	require.Len(t, mp, 2)
	opts := mp[1].(map[string]any)
	assert.Equal(t, 0.5, opts["default"])
	assert.Equal(t, 4.0, opts["max"])
	assert.Equal(t, "number", opts["display"])

	prompt := node.Input.Required["prompt"][1].(map[string]any)
	assert.Equal(t, true, prompt["multiline"])
	assert.Equal(t, true, prompt["dynamicPrompts"])
}

func TestExecute(t *testing.T) {
	clip := &stubCLIP{}
	out, err := Execute(testBuilder(t), map[string]any{
		"clip":   clip,
		"prompt": "add a hat",
		"vae":    stubVAE{},
		"image2": stubImage{w: 1024, h: 768},
	})
	require.NoError(t, err)
	require.Len(t, out, 1)

	cond := out[0].(conditioning.Conditioning)
	latents, ok := cond.Get(0, conditioning.ReferenceLatentsKey)
	require.True(t, ok)
	assert.Len(t, latents, 1)
	assert.Equal(t, conditioning.Placeholder(2)+"add a hat", clip.text)
	assert.Equal(t, 1, clip.images)
}

func TestExecuteValidation(t *testing.T) {
	b := testBuilder(t)

	_, err := Execute(b, map[string]any{"prompt": "p"})
	assert.ErrorIs(t, err, ErrMissingInput)

	_, err = Execute(b, map[string]any{"clip": &stubCLIP{}, "prompt": "p", "vl_megapixels": 5.0})
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = Execute(b, map[string]any{"clip": &stubCLIP{}, "prompt": "p", "vl_megapixels": 0.001})
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = Execute(b, map[string]any{"clip": &stubCLIP{}, "prompt": 3})
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = Execute(b, map[string]any{"clip": &stubCLIP{}, "prompt": "p", "image4": stubImage{w: 1, h: 1}})
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = Execute(b, map[string]any{"clip": "not a clip", "prompt": "p", "image1": "not an image"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "clip expects CLIP")
	assert.Contains(t, err.Error(), "image1 expects IMAGE")

	// integers are accepted for FLOAT inputs
	_, err = Execute(b, map[string]any{"clip": &stubCLIP{}, "prompt": "p", "vl_megapixels": 1})
	assert.NoError(t, err)
}

func TestParseArgsRejectsNilHandles(t *testing.T) {
	for name, args := range map[string]map[string]any{
		"image2": {"clip": &stubCLIP{}, "prompt": "p", "image2": (*imageutil.Tensor)(nil)},
		"clip":   {"clip": (*stubCLIP)(nil), "prompt": "p"},
	} {
		assert.NotPanics(t, func() {
			_, _, err := ParseArgs(args)
			assert.ErrorIs(t, err, ErrInvalidInput, name)
			assert.ErrorContains(t, err, name+" is a nil", name)
		}, name)
	}

	// untyped nil still means the input is absent
	_, in, err := ParseArgs(map[string]any{"clip": &stubCLIP{}, "prompt": "p", "image1": nil, "vae": nil})
	require.NoError(t, err)
	assert.Nil(t, in.Images[0])
	assert.Nil(t, in.VAE)
}
