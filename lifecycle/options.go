package lifecycle

import (
	"maps"
)

// Options is a plugin configuration fragment, mapping option names to values.
type Options map[string]any

// Merge overlays specific on top of shared and returns the result as a new Options value.
// Keys present in specific win. Neither input is modified. The merge is shallow: nested values
// are not merged but replaced.
func Merge(shared, specific Options) Options {
	merged := make(Options, len(shared)+len(specific))
	maps.Copy(merged, shared)
	maps.Copy(merged, specific)
	return merged
}

// Clone returns a shallow copy of o.
func (o Options) Clone() Options {
	if o == nil {
		return nil
	}
	return maps.Clone(o)
}
