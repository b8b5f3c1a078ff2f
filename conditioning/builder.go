package conditioning

import (
	"errors"
	"fmt"
	"strings"

	"github.com/knights-analytics/qwenedit/options"
)

// placeholderFormat marks where the tokenizer splices in the vision tokens of one image.
const placeholderFormat = "Picture %d: <|vision_start|><|image_pad|><|vision_end|>"

// Placeholder returns the prompt fragment for the image labelled n.
func Placeholder(n int) string {
	return fmt.Sprintf(placeholderFormat, n)
}

// Builder assembles Qwen-Image-Edit conditioning. It holds no per-call state and
// may be shared between goroutines as long as its collaborators allow it.
type Builder struct {
	ops     ImageOps
	options *options.Options
}

// SlotReport records what happened to one present image.
type SlotReport struct {
	Slot           int
	Label          int
	OriginalWidth  int
	OriginalHeight int
	Rescale        RescaleSpec
	HasLatent      bool
}

// Report traces a single encode call.
type Report struct {
	Slots            []SlotReport
	PromptText       string
	VLImages         []Image
	ReferenceLatents []Latent
}

// NewBuilder creates a builder that resizes through ops.
func NewBuilder(ops ImageOps, opts ...options.WithOption) (*Builder, error) {
	if ops == nil {
		return nil, errors.New("image ops are required")
	}
	parsed := options.Defaults()
	if err := parsed.Apply(opts...); err != nil {
		return nil, err
	}
	return &Builder{ops: ops, options: parsed}, nil
}

// Options returns the builder configuration. It must not be modified.
func (b *Builder) Options() *options.Options {
	return b.options
}

// Encode builds the conditioning for in using clip.
func (b *Builder) Encode(clip CLIP, in Inputs) (Conditioning, error) {
	cond, _, err := b.EncodeWithReport(clip, in)
	return cond, err
}

// EncodeWithReport is Encode that also returns a trace of the work done.
func (b *Builder) EncodeWithReport(clip CLIP, in Inputs) (Conditioning, *Report, error) {
	if clip == nil {
		return nil, nil, errors.New("clip is required")
	}

	report, err := b.Prepare(in)
	if err != nil {
		return nil, nil, err
	}

	tokens, err := clip.Tokenize(report.PromptText, report.VLImages, b.options.Template)
	if err != nil {
		return nil, nil, fmt.Errorf("tokenize: %w", err)
	}
	cond, err := clip.EncodeFromTokensScheduled(tokens)
	if err != nil {
		return nil, nil, fmt.Errorf("encode tokens: %w", err)
	}

	if len(report.ReferenceLatents) > 0 {
		latents := make([]any, len(report.ReferenceLatents))
		copy(latents, report.ReferenceLatents)
		cond, err = SetValues(cond, map[string]any{ReferenceLatentsKey: latents}, true)
		if err != nil {
			return nil, nil, err
		}
	}
	return cond, report, nil
}

// Prepare runs the per-image part of Encode (resize, VAE encode, placeholders)
// without tokenizing.
func (b *Builder) Prepare(in Inputs) (*Report, error) {
	report := &Report{}
	var prompt strings.Builder
	label := 0

	for i, img := range in.Images {
		if img == nil {
			continue
		}
		slot := i + 1
		label++

		dims := img.Dims()
		rescale, err := ComputeRescale(dims.Width, dims.Height, in.Megapixels)
		if err != nil {
			return nil, fmt.Errorf("image %d: %w", slot, err)
		}
		b.options.Logger.Info().
			Int("image", slot).
			Int("width", dims.Width).
			Int("height", dims.Height).
			Float64("megapixels", in.Megapixels).
			Int("target_pixels", rescale.TargetPixels).
			Float64("scale", rescale.Scale).
			Int("vl_width", rescale.Width).
			Int("vl_height", rescale.Height).
			Msg("vision-language resize")

		resized, err := b.ops.CommonUpscale(img, rescale.Width, rescale.Height, b.options.UpscaleMethod, b.options.Crop)
		if err != nil {
			return nil, fmt.Errorf("image %d: resize: %w", slot, err)
		}
		report.VLImages = append(report.VLImages, resized)

		hasLatent := false
		if in.VAE != nil {
			// the reference latent is taken at the original resolution
			rgb, err := b.ops.DropAlpha(img)
			if err != nil {
				return nil, fmt.Errorf("image %d: %w", slot, err)
			}
			latent, err := in.VAE.Encode(rgb)
			if err != nil {
				return nil, fmt.Errorf("image %d: vae encode: %w", slot, err)
			}
			report.ReferenceLatents = append(report.ReferenceLatents, latent)
			hasLatent = true
		}

		n := slot
		if b.options.Labeling == options.LabelByPosition {
			n = label
		}
		prompt.WriteString(Placeholder(n))

		report.Slots = append(report.Slots, SlotReport{
			Slot:           slot,
			Label:          n,
			OriginalWidth:  dims.Width,
			OriginalHeight: dims.Height,
			Rescale:        rescale,
			HasLatent:      hasLatent,
		})
	}

	prompt.WriteString(in.Prompt)
	report.PromptText = prompt.String()
	return report, nil
}
