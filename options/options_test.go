package options

import (
	"strings"
	"testing"

	"github.com/phuslu/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	o := Defaults()
	assert.Equal(t, UpscaleArea, o.UpscaleMethod)
	assert.Equal(t, CropDisabled, o.Crop)
	assert.Equal(t, LabelBySlot, o.Labeling)
	assert.Equal(t, 1, strings.Count(o.Template, "{}"))
	require.NotNil(t, o.Logger)
	assert.Equal(t, log.InfoLevel, o.Logger.Level)
}

func TestApply(t *testing.T) {
	logger := &log.Logger{Level: log.DebugLevel}
	o := Defaults()
	err := o.Apply(
		WithUpscaleMethod(UpscaleLanczos),
		WithCrop(CropCenter),
		WithLabeling(LabelByPosition),
		WithTemplate("<user>{}</user>"),
		WithLogger(logger),
		nil,
	)
	require.NoError(t, err)
	assert.Equal(t, UpscaleLanczos, o.UpscaleMethod)
	assert.Equal(t, CropCenter, o.Crop)
	assert.Equal(t, LabelByPosition, o.Labeling)
	assert.Equal(t, "<user>{}</user>", o.Template)
	assert.Same(t, logger, o.Logger)
}

func TestApplyJoinsErrors(t *testing.T) {
	o := Defaults()
	err := o.Apply(
		WithUpscaleMethod("bislerp"),
		WithCrop("edges"),
		WithLabeling(Labeling(7)),
		WithTemplate("no placeholder"),
		WithTemplate("{}{}"),
		WithLogger(nil),
	)
	require.Error(t, err)
	for _, want := range []string{"bislerp", "edges", "Labeling(7)", "found 0", "found 2", "logger"} {
		assert.Contains(t, err.Error(), want)
	}
	// rejected values leave the defaults in place
	assert.Equal(t, UpscaleArea, o.UpscaleMethod)
	assert.Equal(t, QwenImageEditTemplate, o.Template)
}

func TestParseLabeling(t *testing.T) {
	for _, l := range []Labeling{LabelBySlot, LabelByPosition} {
		parsed, err := ParseLabeling(l.String())
		require.NoError(t, err)
		assert.Equal(t, l, parsed)
	}
	parsed, err := ParseLabeling(" Position ")
	require.NoError(t, err)
	assert.Equal(t, LabelByPosition, parsed)

	parsed, err = ParseLabeling("")
	require.NoError(t, err)
	assert.Equal(t, LabelBySlot, parsed)

	_, err = ParseLabeling("alphabetical")
	assert.Error(t, err)
}
