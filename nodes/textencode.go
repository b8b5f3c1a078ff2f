package nodes

import (
	"errors"
	"fmt"
	"math"
	"reflect"
	"sort"

	"github.com/knights-analytics/qwenedit/conditioning"
)

const (
	TextEncodeQwenImageEditAdvancedID = "TextEncodeQwenImageEditAdvanced"
	CategoryQwenImageEdit             = "conditioning/qwen_image_edit"

	DefaultMegapixels = 0.50
)

var (
	ErrMissingInput = errors.New("missing required input")
	ErrInvalidInput = errors.New("invalid input")
)

var imageSlots = map[string]int{"image1": 0, "image2": 1, "image3": 2}

var TextEncodeQwenImageEditAdvanced = Definition{
	ID:          TextEncodeQwenImageEditAdvancedID,
	DisplayName: TextEncodeQwenImageEditAdvancedID,
	Category:    CategoryQwenImageEdit,
	Function:    "encode",
	ReturnTypes: []string{TypeConditioning},
	Inputs: Schema{
		{Name: "clip", Type: TypeCLIP, Required: true},
		{Name: "prompt", Type: TypeString, Required: true, Multiline: true, DynamicPrompts: true},
		{
			Name:     "vl_megapixels",
			Type:     TypeFloat,
			Required: true,
			Default:  DefaultMegapixels,
			Min:      float(0.01),
			Max:      float(4.0),
			Step:     float(0.01),
			Display:  "number",
			Tooltip:  "Target megapixels for Vision-Language model. Recommended: 0.2-1.0 MP. Qwen2.5-VL trained range: 0.2-1.0 MP",
		},
		{Name: "vae", Type: TypeVAE},
		{Name: "image1", Type: TypeImage},
		{Name: "image2", Type: TypeImage},
		{Name: "image3", Type: TypeImage},
	},
}

// Execute runs the node on a host argument map keyed by input name and returns
// its output tuple.
func Execute(builder *conditioning.Builder, args map[string]any) ([]any, error) {
	clip, in, err := ParseArgs(args)
	if err != nil {
		return nil, err
	}
	cond, err := builder.Encode(clip, in)
	if err != nil {
		return nil, err
	}
	return []any{cond}, nil
}

// ParseArgs validates a host argument map against the node schema. Missing
// inputs take their schema default; required inputs without a default must be
// present.
func ParseArgs(args map[string]any) (conditioning.CLIP, conditioning.Inputs, error) {
	def := TextEncodeQwenImageEditAdvanced
	if err := checkUnknown(def.Inputs, args); err != nil {
		return nil, conditioning.Inputs{}, err
	}

	var (
		clip conditioning.CLIP
		in   conditioning.Inputs
		errs []error
	)
	for _, field := range def.Inputs {
		v, ok := args[field.Name]
		if !ok || v == nil {
			if field.Default != nil {
				v = field.Default
			} else if field.Required {
				errs = append(errs, fmt.Errorf("%w: %s", ErrMissingInput, field.Name))
				continue
			} else {
				continue
			}
		}

		switch field.Type {
		case TypeCLIP:
			c, ok := v.(conditioning.CLIP)
			if !ok {
				errs = append(errs, typeError(field, v))
				continue
			}
			if isNilHandle(v) {
				errs = append(errs, fmt.Errorf("%w: %s is a nil %T", ErrInvalidInput, field.Name, v))
				continue
			}
			clip = c
		case TypeVAE:
			vae, ok := v.(conditioning.VAE)
			if !ok {
				errs = append(errs, typeError(field, v))
				continue
			}
			if isNilHandle(v) {
				errs = append(errs, fmt.Errorf("%w: %s is a nil %T", ErrInvalidInput, field.Name, v))
				continue
			}
			in.VAE = vae
		case TypeImage:
			img, ok := v.(conditioning.Image)
			if !ok {
				errs = append(errs, typeError(field, v))
				continue
			}
			if isNilHandle(v) {
				errs = append(errs, fmt.Errorf("%w: %s is a nil %T", ErrInvalidInput, field.Name, v))
				continue
			}
			in.Images[imageSlots[field.Name]] = img
		case TypeString:
			s, ok := v.(string)
			if !ok {
				errs = append(errs, typeError(field, v))
				continue
			}
			in.Prompt = s
		case TypeFloat:
			f, err := toFloat(field, v)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			in.Megapixels = f
		}
	}
	if err := errors.Join(errs...); err != nil {
		return nil, conditioning.Inputs{}, err
	}
	return clip, in, nil
}

func checkUnknown(schema Schema, args map[string]any) error {
	var unknown []string
	for name := range args {
		if _, ok := schema.Lookup(name); !ok {
			unknown = append(unknown, name)
		}
	}
	if len(unknown) == 0 {
		return nil
	}
	sort.Strings(unknown)
	return fmt.Errorf("%w: unknown inputs %v", ErrInvalidInput, unknown)
}

// isNilHandle reports a non-nil interface wrapping a nil pointer, map, slice,
// func or chan.
func isNilHandle(v any) bool {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Slice, reflect.Func, reflect.Chan, reflect.Interface:
		return rv.IsNil()
	default:
		return false
	}
}

func typeError(field InputSpec, v any) error {
	return fmt.Errorf("%w: %s expects %s, got %T", ErrInvalidInput, field.Name, field.Type, v)
}

func toFloat(field InputSpec, v any) (float64, error) {
	var f float64
	switch n := v.(type) {
	case float64:
		f = n
	case float32:
		f = float64(n)
	case int:
		f = float64(n)
	case int64:
		f = float64(n)
	default:
		return 0, typeError(field, v)
	}
	if math.IsNaN(f) {
		return 0, fmt.Errorf("%w: %s is NaN", ErrInvalidInput, field.Name)
	}
	if field.Min != nil && f < *field.Min {
		return 0, fmt.Errorf("%w: %s=%v is below the minimum %v", ErrInvalidInput, field.Name, f, *field.Min)
	}
	if field.Max != nil && f > *field.Max {
		return 0, fmt.Errorf("%w: %s=%v is above the maximum %v", ErrInvalidInput, field.Name, f, *field.Max)
	}
	return f, nil
}
