package policy

import (
	"fmt"
	"slices"
	"strings"

	"github.com/spf13/cast"
)

// Field identifies one overridable Policy setting.
type Field int

const (
	FieldBypass Field = iota
	FieldPatternsToSkip
	FieldMaxWidth
	FieldMaxHeight
	FieldMaxSizeInMB
	FieldQuality
	FieldUseWebp
	FieldKeepOriginal
	FieldQualityReductionIncrement
	FieldForceResampling

	numFields
)

var fieldNames = [numFields]string{
	FieldBypass:                    "bypass",
	FieldPatternsToSkip:            "patternsToSkip",
	FieldMaxWidth:                  "maxWidth",
	FieldMaxHeight:                 "maxHeight",
	FieldMaxSizeInMB:               "maxSizeInMb",
	FieldQuality:                   "quality",
	FieldUseWebp:                   "useWebp",
	FieldKeepOriginal:              "keepOriginal",
	FieldQualityReductionIncrement: "qualityReductionIncrement",
	FieldForceResampling:           "forceResampling",
}

// Keys that are valid in the configuration surface but cannot be overridden
// per folder or relation.
var nestedRuleKeys = []string{"customfolders", "customrelations"}

func (f Field) String() string {
	if f < 0 || f >= numFields {
		return fmt.Sprintf("Field(%d)", int(f))
	}
	return fieldNames[f]
}

func Fields() []Field {
	out := make([]Field, numFields)
	for i := range out {
		out[i] = Field(i)
	}
	return out
}

// ParseField accepts camelCase or snake_case names, so max_size_in_mb and
// maxSizeInMb both resolve to FieldMaxSizeInMB.
func ParseField(name string) (Field, error) {
	key := normalizeKey(name)
	for i, n := range fieldNames {
		if strings.ToLower(n) == key {
			return Field(i), nil
		}
	}
	if slices.Contains(nestedRuleKeys, key) {
		return 0, fmt.Errorf("%q cannot be set inside a custom rule", name)
	}
	return 0, fmt.Errorf("unknown setting %q (allowed: %s)", name, strings.Join(fieldNames[:], ", "))
}

func normalizeKey(name string) string {
	return strings.ToLower(strings.ReplaceAll(strings.TrimSpace(name), "_", ""))
}

// coerce converts a raw config value to the Go type stored for f.
func coerce(f Field, raw any) (any, error) {
	switch f {
	case FieldBypass, FieldUseWebp, FieldKeepOriginal, FieldForceResampling:
		return cast.ToBoolE(raw)
	case FieldPatternsToSkip:
		if s, ok := raw.(string); ok {
			return []string{s}, nil
		}
		return cast.ToStringSliceE(raw)
	case FieldMaxWidth, FieldMaxHeight:
		v, err := cast.ToIntE(raw)
		if err != nil {
			return nil, err
		}
		if v < 0 {
			return nil, fmt.Errorf("must not be negative, got %d", v)
		}
		return v, nil
	case FieldMaxSizeInMB:
		v, err := cast.ToFloat64E(raw)
		if err != nil {
			return nil, err
		}
		if v < 0 {
			return nil, fmt.Errorf("must not be negative, got %g", v)
		}
		return v, nil
	case FieldQuality:
		v, err := cast.ToFloat64E(raw)
		if err != nil {
			return nil, err
		}
		if v < 0 || v > 1 {
			return nil, fmt.Errorf("must be between 0 and 1, got %g", v)
		}
		return v, nil
	case FieldQualityReductionIncrement:
		return cast.ToFloat64E(raw)
	default:
		return nil, fmt.Errorf("unknown field %s", f)
	}
}

// value returns the current setting of f in p, in the type coerce produces.
func (p Policy) value(f Field) any {
	switch f {
	case FieldBypass:
		return p.Bypass
	case FieldPatternsToSkip:
		return slices.Clone(p.PatternsToSkip)
	case FieldMaxWidth:
		return p.MaxWidth
	case FieldMaxHeight:
		return p.MaxHeight
	case FieldMaxSizeInMB:
		return p.MaxSizeInMB()
	case FieldQuality:
		return p.Quality
	case FieldUseWebp:
		return p.UseWebp
	case FieldKeepOriginal:
		return p.KeepOriginal
	case FieldQualityReductionIncrement:
		return p.QualityStepDecrement
	case FieldForceResampling:
		return p.ForceTransform
	}
	return nil
}

// Settings renders p keyed by config name, in the same shape a policy file
// uses.
func (p Policy) Settings() map[string]any {
	out := make(map[string]any, numFields)
	for _, f := range Fields() {
		out[f.String()] = p.value(f)
	}
	return out
}

// maxSizeRaw keeps exact byte counts across save and restore; the MB view in
// value would lose precision for sizes that are not whole binary fractions.
type maxSizeRaw int64

func (p *Policy) assign(f Field, v any) {
	switch f {
	case FieldBypass:
		p.Bypass = v.(bool)
	case FieldPatternsToSkip:
		p.PatternsToSkip = slices.Clone(v.([]string))
	case FieldMaxWidth:
		p.MaxWidth = v.(int)
	case FieldMaxHeight:
		p.MaxHeight = v.(int)
	case FieldMaxSizeInMB:
		switch mb := v.(type) {
		case maxSizeRaw:
			p.MaxFileSizeBytes = int64(mb)
		case float64:
			p.MaxFileSizeBytes = MBToBytes(mb)
		}
	case FieldQuality:
		p.Quality = v.(float64)
	case FieldUseWebp:
		p.UseWebp = v.(bool)
	case FieldKeepOriginal:
		p.KeepOriginal = v.(bool)
	case FieldQualityReductionIncrement:
		p.QualityStepDecrement = v.(float64)
	case FieldForceResampling:
		p.ForceTransform = v.(bool)
	}
}

// snapshot captures f in a form assign restores exactly.
func (p Policy) snapshot(f Field) any {
	if f == FieldMaxSizeInMB {
		return maxSizeRaw(p.MaxFileSizeBytes)
	}
	return p.value(f)
}
