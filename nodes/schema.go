// Package nodes describes the conditioning builder the way a node graph host
// introspects it: a static input schema, a registration table and an entry point
// that takes the host's argument map.
package nodes

// Host value types.
const (
	TypeCLIP         = "CLIP"
	TypeVAE          = "VAE"
	TypeImage        = "IMAGE"
	TypeString       = "STRING"
	TypeFloat        = "FLOAT"
	TypeConditioning = "CONDITIONING"
)

// InputSpec describes one node input.
type InputSpec struct {
	Name           string
	Type           string
	Required       bool
	Default        any
	Min            *float64
	Max            *float64
	Step           *float64
	Multiline      bool
	DynamicPrompts bool
	Display        string
	Tooltip        string
}

func float(v float64) *float64 { return &v }

// Schema is an ordered list of inputs, required inputs first.
type Schema []InputSpec

// Lookup finds an input by name.
func (s Schema) Lookup(name string) (InputSpec, bool) {
	for _, in := range s {
		if in.Name == name {
			return in, true
		}
	}
	return InputSpec{}, false
}

// Required returns the required inputs in declaration order.
func (s Schema) Required() []InputSpec {
	return s.filter(true)
}

// Optional returns the optional inputs in declaration order.
func (s Schema) Optional() []InputSpec {
	return s.filter(false)
}

func (s Schema) filter(required bool) []InputSpec {
	var out []InputSpec
	for _, in := range s {
		if in.Required == required {
			out = append(out, in)
		}
	}
	return out
}

// options renders the per-input options object of the host's object_info format.
func (in InputSpec) options() map[string]any {
	opts := map[string]any{}
	if in.Default != nil {
		opts["default"] = in.Default
	}
	if in.Min != nil {
		opts["min"] = *in.Min
	}
	if in.Max != nil {
		opts["max"] = *in.Max
	}
	if in.Step != nil {
		opts["step"] = *in.Step
	}
	if in.Multiline {
		opts["multiline"] = true
	}
	if in.DynamicPrompts {
		opts["dynamicPrompts"] = true
	}
	if in.Display != "" {
		opts["display"] = in.Display
	}
	if in.Tooltip != "" {
		opts["tooltip"] = in.Tooltip
	}
	return opts
}
