package options

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"

	"github.com/phuslu/log"
)

// Upscale methods understood by the host's common upscale helper.
const (
	UpscaleNearestExact = "nearest-exact"
	UpscaleBilinear     = "bilinear"
	UpscaleArea         = "area"
	UpscaleBicubic      = "bicubic"
	UpscaleLanczos      = "lanczos"
)

// Crop modes understood by the host's common upscale helper.
const (
	CropDisabled = "disabled"
	CropCenter   = "center"
)

var (
	UpscaleMethods = []string{UpscaleNearestExact, UpscaleBilinear, UpscaleArea, UpscaleBicubic, UpscaleLanczos}
	CropModes      = []string{CropDisabled, CropCenter}
)

// Labeling selects the number written into each "Picture N:" placeholder.
type Labeling int

const (
	// LabelBySlot labels an image with its input slot (image3 is always "Picture 3").
	LabelBySlot Labeling = iota
	// LabelByPosition labels images 1..n in the order they are present, skipping absent slots.
	LabelByPosition
)

func (l Labeling) String() string {
	switch l {
	case LabelBySlot:
		return "slot"
	case LabelByPosition:
		return "position"
	default:
		return fmt.Sprintf("Labeling(%d)", int(l))
	}
}

// ParseLabeling is the inverse of Labeling.String.
func ParseLabeling(s string) (Labeling, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "slot", "":
		return LabelBySlot, nil
	case "position":
		return LabelByPosition, nil
	default:
		return LabelBySlot, fmt.Errorf("unknown labeling %q, expected slot or position", s)
	}
}

// Options configures a conditioning builder.
type Options struct {
	UpscaleMethod string
	Crop          string
	Labeling      Labeling
	// Template is the system/user/assistant wrapper handed to the tokenizer.
	// The user text is substituted for its single "{}".
	Template string
	Logger   *log.Logger
}

// QwenImageEditTemplate is the default tokenizer template.
const QwenImageEditTemplate = "<|im_start|>system\nDescribe the key features of the input image (color, shape, size, texture, objects, background), then explain how the user's text instruction should alter or modify the image. Generate a new image that meets the user's requirements while maintaining consistency with the original input where appropriate.<|im_end|>\n<|im_start|>user\n{}<|im_end|>\n<|im_start|>assistant\n"

func Defaults() *Options {
	return &Options{
		UpscaleMethod: UpscaleArea,
		Crop:          CropDisabled,
		Labeling:      LabelBySlot,
		Template:      QwenImageEditTemplate,
		Logger: &log.Logger{
			Level:  log.InfoLevel,
			Writer: &log.IOWriter{Writer: os.Stderr},
		},
	}
}

// WithOption is the interface for all option functions.
type WithOption func(o *Options) error

// Apply runs opts over o in order and joins every error they report.
func (o *Options) Apply(opts ...WithOption) error {
	var errs []error
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		errs = append(errs, opt(o))
	}
	return errors.Join(errs...)
}

// WithUpscaleMethod sets the interpolation used for the vision-language copy. Default is area.
func WithUpscaleMethod(method string) WithOption {
	return func(o *Options) error {
		if !slices.Contains(UpscaleMethods, method) {
			return fmt.Errorf("unsupported upscale method %q, expected one of %s", method, strings.Join(UpscaleMethods, ", "))
		}
		o.UpscaleMethod = method
		return nil
	}
}

// WithCrop sets the crop mode used when resizing. Default is disabled.
func WithCrop(crop string) WithOption {
	return func(o *Options) error {
		if !slices.Contains(CropModes, crop) {
			return fmt.Errorf("unsupported crop mode %q, expected one of %s", crop, strings.Join(CropModes, ", "))
		}
		o.Crop = crop
		return nil
	}
}

func WithLabeling(labeling Labeling) WithOption {
	return func(o *Options) error {
		if labeling != LabelBySlot && labeling != LabelByPosition {
			return fmt.Errorf("unsupported labeling %s", labeling)
		}
		o.Labeling = labeling
		return nil
	}
}

// WithTemplate replaces the tokenizer template. It must contain exactly one "{}".
func WithTemplate(template string) WithOption {
	return func(o *Options) error {
		if n := strings.Count(template, "{}"); n != 1 {
			return fmt.Errorf("template must contain exactly one {} placeholder, found %d", n)
		}
		o.Template = template
		return nil
	}
}

// WithLogger sets the logger used for per-image diagnostics.
func WithLogger(logger *log.Logger) WithOption {
	return func(o *Options) error {
		if logger == nil {
			return errors.New("logger must not be nil")
		}
		o.Logger = logger
		return nil
	}
}
