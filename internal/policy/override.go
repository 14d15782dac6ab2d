package policy

import (
	"fmt"
	"maps"
	"slices"
	"sort"

	"github.com/dunamismax/pixelnorm/internal/diag"
)

// Override is a sparse partial Policy. Values are validated and converted to
// their field's type when set, so applying an Override cannot fail.
type Override struct {
	values map[Field]any
}

// Set validates raw for f and records it, replacing any earlier value.
func (o *Override) Set(f Field, raw any) error {
	v, err := coerce(f, raw)
	if err != nil {
		return fmt.Errorf("%s: %w", f, err)
	}
	if o.values == nil {
		o.values = make(map[Field]any)
	}
	o.values[f] = v
	return nil
}

// SetNamed is Set with the field looked up by its config name.
func (o *Override) SetNamed(name string, raw any) error {
	f, err := ParseField(name)
	if err != nil {
		return err
	}
	return o.Set(f, raw)
}

func (o Override) Get(f Field) (any, bool) {
	v, ok := o.values[f]
	if ok {
		if s, isSlice := v.([]string); isSlice {
			return slices.Clone(s), true
		}
	}
	return v, ok
}

func (o Override) Len() int {
	return len(o.values)
}

func (o Override) IsZero() bool {
	return len(o.values) == 0
}

// Fields returns the fields o sets, in declaration order.
func (o Override) Fields() []Field {
	out := slices.Collect(maps.Keys(o.values))
	slices.Sort(out)
	return out
}

// Merge returns o with every field of other applied on top.
func (o Override) Merge(other Override) Override {
	out := Override{values: maps.Clone(o.values)}
	if out.values == nil {
		out.values = make(map[Field]any, len(other.values))
	}
	maps.Copy(out.values, other.values)
	return out
}

// Apply returns p with every field of o set. Unlike Resolve it keeps no
// record of the replaced values; use it to build a base policy.
func (o Override) Apply(p Policy) Policy {
	p = p.Clone()
	for _, f := range o.Fields() {
		p.assign(f, o.values[f])
	}
	return p
}

// AsMap renders o with config names, suitable for queue payloads.
func (o Override) AsMap() map[string]any {
	out := make(map[string]any, len(o.values))
	for f, v := range o.values {
		out[f.String()] = v
	}
	return out
}

// ParseOverride builds an Override from raw config. Unknown names and values
// of the wrong type are skipped with a config warning; everything else is kept.
func ParseOverride(subject string, raw map[string]any) (Override, []diag.Warning) {
	var (
		out      Override
		warnings []diag.Warning
	)
	keys := slices.Collect(maps.Keys(raw))
	sort.Strings(keys)
	for _, key := range keys {
		if err := out.SetNamed(key, raw[key]); err != nil {
			warnings = append(warnings, diag.Config(subject, "invalid custom setting: %v", err))
		}
	}
	return out, warnings
}
