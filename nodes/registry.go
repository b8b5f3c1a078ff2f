package nodes

import (
	"fmt"
	"slices"

	jsoniter "github.com/json-iterator/go"
)

// Definition is the registration metadata of a node.
type Definition struct {
	ID          string
	DisplayName string
	Category    string
	Function    string
	ReturnTypes []string
	Inputs      Schema
}

// registry is filled once at package init and never modified afterwards.
var registry = newRegistry(TextEncodeQwenImageEditAdvanced)

type table struct {
	order []string
	byID  map[string]Definition
}

func newRegistry(defs ...Definition) table {
	t := table{byID: make(map[string]Definition, len(defs))}
	for _, def := range defs {
		if _, dup := t.byID[def.ID]; dup {
			panic(fmt.Sprintf("node %s registered twice", def.ID))
		}
		t.order = append(t.order, def.ID)
		t.byID[def.ID] = def
	}
	return t
}

// Lookup returns the definition registered under id.
func Lookup(id string) (Definition, bool) {
	def, ok := registry.byID[id]
	return def, ok
}

// DisplayName returns the catalog name for id, falling back to id itself.
func DisplayName(id string) string {
	if def, ok := registry.byID[id]; ok && def.DisplayName != "" {
		return def.DisplayName
	}
	return id
}

// All returns every registered definition in registration order.
func All() []Definition {
	out := make([]Definition, 0, len(registry.order))
	for _, id := range registry.order {
		out = append(out, registry.byID[id])
	}
	return out
}

// IDs returns the registered ids sorted.
func IDs() []string {
	ids := slices.Clone(registry.order)
	slices.Sort(ids)
	return ids
}

type objectInfo struct {
	Input        objectInfoInputs    `json:"input"`
	InputOrder   map[string][]string `json:"input_order"`
	Output       []string            `json:"output"`
	OutputIsList []bool              `json:"output_is_list"`
	OutputName   []string            `json:"output_name"`
	Name         string              `json:"name"`
	DisplayName  string              `json:"display_name"`
	Description  string              `json:"description"`
	Category     string              `json:"category"`
	OutputNode   bool                `json:"output_node"`
}

type objectInfoInputs struct {
	Required map[string][]any `json:"required"`
	Optional map[string][]any `json:"optional,omitempty"`
}

// ObjectInfo renders the registered nodes in the host's object_info JSON format.
func ObjectInfo() ([]byte, error) {
	out := make(map[string]objectInfo, len(registry.order))
	for _, def := range All() {
		out[def.ID] = def.objectInfo()
	}
	return jsoniter.ConfigCompatibleWithStandardLibrary.MarshalIndent(out, "", "  ")
}

func (d Definition) objectInfo() objectInfo {
	info := objectInfo{
		Input:        objectInfoInputs{Required: map[string][]any{}},
		InputOrder:   map[string][]string{},
		Output:       d.ReturnTypes,
		OutputIsList: make([]bool, len(d.ReturnTypes)),
		OutputName:   d.ReturnTypes,
		Name:         d.ID,
		DisplayName:  d.DisplayName,
		Category:     d.Category,
	}
	for _, in := range d.Inputs {
		entry := []any{in.Type}
		if opts := in.options(); len(opts) > 0 {
			entry = append(entry, opts)
		}
		section := "optional"
		if in.Required {
			section = "required"
			info.Input.Required[in.Name] = entry
		} else {
			if info.Input.Optional == nil {
				info.Input.Optional = map[string][]any{}
			}
			info.Input.Optional[in.Name] = entry
		}
		info.InputOrder[section] = append(info.InputOrder[section], in.Name)
	}
	return info
}
