package policy

import (
	"maps"
	"slices"
	"sort"
	"strings"

	"github.com/dunamismax/pixelnorm/internal/diag"
	"github.com/spf13/cast"
)

// Rules maps a folder path or a "Kind.field" relation key to the override it
// applies.
type Rules map[string]Override

func (r Rules) Lookup(key string) (Override, bool) {
	if key == "" {
		return Override{}, false
	}
	o, ok := r[key]
	return o, ok
}

func (r Rules) Keys() []string {
	keys := slices.Collect(maps.Keys(r))
	sort.Strings(keys)
	return keys
}

// ParseFolderRules parses customFolders. Keys are stored without leading or
// trailing slashes so they compare equal to FolderKey.
func ParseFolderRules(raw map[string]any) (Rules, []diag.Warning) {
	return parseRules("customFolders", raw, func(k string) string { return strings.Trim(k, "/") })
}

// ParseRelationRules parses customRelations.
func ParseRelationRules(raw map[string]any) (Rules, []diag.Warning) {
	return parseRules("customRelations", raw, strings.TrimSpace)
}

func parseRules(section string, raw map[string]any, normalize func(string) string) (Rules, []diag.Warning) {
	rules := make(Rules, len(raw))
	var warnings []diag.Warning
	for _, key := range slices.Sorted(maps.Keys(raw)) {
		settings, err := cast.ToStringMapE(raw[key])
		if err != nil {
			warnings = append(warnings, diag.Config(section+"."+key, "rule must be a mapping of settings: %v", err))
			continue
		}
		o, w := ParseOverride(section+"."+key, settings)
		warnings = append(warnings, w...)
		rules[normalize(key)] = o
	}
	return rules, warnings
}

// Token records the values an overlay replaced so they can be put back.
type Token struct {
	saved    []savedField
	restored bool
}

type savedField struct {
	field Field
	value any
}

// Resolve layers overrides onto base: the folder rule, then the relation
// rule, then the caller's ad-hoc override. Each layer only replaces the fields
// it sets, so on conflict the later layer wins.
func Resolve(base Policy, folders, relations Rules, folderKey, relationKey string, adhoc Override) (Policy, *Token) {
	p := base.Clone()
	tok := &Token{}
	if o, ok := folders.Lookup(folderKey); ok {
		tok.apply(&p, o)
	}
	if o, ok := relations.Lookup(relationKey); ok {
		tok.apply(&p, o)
	}
	tok.apply(&p, adhoc)
	return p, tok
}

// Apply overlays o onto p, recording the replaced values in the token.
func (t *Token) Apply(p Policy, o Override) Policy {
	p = p.Clone()
	t.apply(&p, o)
	return p
}

func (t *Token) apply(p *Policy, o Override) {
	for _, f := range o.Fields() {
		if !t.has(f) {
			t.saved = append(t.saved, savedField{field: f, value: p.snapshot(f)})
		}
		p.assign(f, o.values[f])
	}
	t.restored = false
}

func (t *Token) has(f Field) bool {
	for _, s := range t.saved {
		if s.field == f {
			return true
		}
	}
	return false
}

// Overlaid lists the fields the token will restore.
func (t *Token) Overlaid() []Field {
	out := make([]Field, 0, len(t.saved))
	for _, s := range t.saved {
		out = append(out, s.field)
	}
	return out
}

// Restore puts every overlaid field of p back to its pre-overlay value.
// Calling it again returns p unchanged.
func (t *Token) Restore(p Policy) Policy {
	if t == nil || t.restored {
		return p
	}
	p = p.Clone()
	for _, s := range t.saved {
		p.assign(s.field, s.value)
	}
	t.restored = true
	return p
}
