package conditioning

import (
	"fmt"
	"maps"
)

// Conditioning is the encoder output handed to a sampler: one entry per encoded prompt.
type Conditioning []Entry

// Entry pairs an encoded prompt with its named extras (pooled output, reference latents, ...).
type Entry struct {
	Cond   any
	Values map[string]any
}

// Get returns the value stored under key in the i-th entry.
func (c Conditioning) Get(i int, key string) (any, bool) {
	if i < 0 || i >= len(c) {
		return nil, false
	}
	v, ok := c[i].Values[key]
	return v, ok
}

// SetValues returns a copy of c where every entry carries values. Entry value maps
// are copied, never modified in place. With appendValues, a non-nil value already
// stored under a key is concatenated with the new one; both must be []any.
func SetValues(c Conditioning, values map[string]any, appendValues bool) (Conditioning, error) {
	out := make(Conditioning, 0, len(c))
	for i, entry := range c {
		next := Entry{Cond: entry.Cond, Values: make(map[string]any, len(entry.Values)+len(values))}
		maps.Copy(next.Values, entry.Values)
		for k, v := range values {
			if appendValues {
				if old, ok := next.Values[k]; ok && old != nil {
					merged, err := appendValue(old, v)
					if err != nil {
						return nil, fmt.Errorf("entry %d key %s: %w", i, k, err)
					}
					v = merged
				}
			}
			next.Values[k] = v
		}
		out = append(out, next)
	}
	return out, nil
}

func appendValue(old, v any) (any, error) {
	oldList, ok := old.([]any)
	if !ok {
		return nil, fmt.Errorf("%w: existing value is %T", ErrAppendType, old)
	}
	newList, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("%w: new value is %T", ErrAppendType, v)
	}
	merged := make([]any, 0, len(oldList)+len(newList))
	merged = append(merged, oldList...)
	return append(merged, newList...), nil
}
