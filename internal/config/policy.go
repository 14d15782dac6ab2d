package config

import (
	"errors"
	"fmt"
	"io/fs"
	"maps"
	"slices"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	kenv "github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/spf13/cast"

	"github.com/dunamismax/pixelnorm/internal/diag"
	"github.com/dunamismax/pixelnorm/internal/policy"
	"github.com/dunamismax/pixelnorm/internal/relation"
)

// PolicyEnvPrefix selects env vars that override the policy file, e.g.
// PIXELNORM_POLICY__MAX_WIDTH=1920 or
// PIXELNORM_POLICY__CUSTOM_FOLDERS__avatars__BYPASS=true.
const PolicyEnvPrefix = "PIXELNORM_POLICY__"

// Folder paths contain "/" and relation keys contain ".", so neither can be
// the koanf key delimiter.
const keyDelim = "::"

// Policy is the parsed policy file.
type Policy struct {
	Base      policy.Policy
	Folders   policy.Rules
	Relations policy.Rules
	// RecordKinds lists the owner kinds relation keys may name. Empty
	// accepts any kind.
	RecordKinds []string
}

// LoadPolicy merges the YAML file at path (if present) with PIXELNORM_POLICY__
// env vars. Invalid settings are dropped with a warning; only an unreadable
// file is an error.
func LoadPolicy(path string) (Policy, []diag.Warning, error) {
	k := koanf.New(keyDelim)
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				return Policy{}, nil, fmt.Errorf("load policy file %s: %w", path, err)
			}
		}
	}
	if err := k.Load(kenv.Provider(PolicyEnvPrefix, keyDelim, envKey), nil); err != nil {
		return Policy{}, nil, fmt.Errorf("load policy env: %w", err)
	}
	p, warnings := ParsePolicy(k.Raw())
	return p, warnings, nil
}

// envKey maps an env var name to a document key. Setting and section names
// are canonicalized so env values merge over the same keys the file uses.
func envKey(name string) string {
	parts := strings.Split(strings.TrimPrefix(name, PolicyEnvPrefix), "__")
	parts[0] = canonicalName(parts[0])
	if len(parts) == 3 {
		parts[2] = canonicalName(parts[2])
	}
	return strings.Join(parts, keyDelim)
}

func canonicalName(name string) string {
	switch sectionName(name) {
	case "customfolders":
		return "customFolders"
	case "customrelations":
		return "customRelations"
	case "recordkinds":
		return "recordKinds"
	}
	if f, err := policy.ParseField(name); err == nil {
		return f.String()
	}
	return name
}

// ParsePolicy builds a Policy from an already decoded document. Top-level
// names are matched ignoring case and underscores, like rule settings.
func ParsePolicy(raw map[string]any) (Policy, []diag.Warning) {
	var (
		warnings  []diag.Warning
		settings  = make(map[string]any)
		folders   = make(map[string]any)
		relations = make(map[string]any)
		kinds     []string
	)
	for _, key := range slices.Sorted(maps.Keys(raw)) {
		switch sectionName(key) {
		case "customfolders":
			warnings = append(warnings, mergeSection(folders, "customFolders", raw[key])...)
		case "customrelations":
			warnings = append(warnings, mergeSection(relations, "customRelations", raw[key])...)
		case "recordkinds":
			v, err := cast.ToStringSliceE(raw[key])
			if err != nil {
				warnings = append(warnings, diag.Config("recordKinds", "must be a list of kinds: %v", err))
				continue
			}
			kinds = append(kinds, v...)
		default:
			settings[key] = raw[key]
		}
	}

	base, w := policy.ParseOverride("policy", settings)
	warnings = append(warnings, w...)
	out := Policy{Base: base.Apply(policy.Defaults()), RecordKinds: kinds}

	out.Folders, w = policy.ParseFolderRules(folders)
	warnings = append(warnings, w...)
	out.Relations, w = policy.ParseRelationRules(relations)
	warnings = append(warnings, w...)
	return out, warnings
}

func sectionName(key string) string {
	return strings.ToLower(strings.ReplaceAll(key, "_", ""))
}

func mergeSection(dst map[string]any, section string, v any) []diag.Warning {
	m, err := cast.ToStringMapE(v)
	if err != nil {
		return []diag.Warning{diag.Config(section, "must be a mapping: %v", err)}
	}
	maps.Copy(dst, m)
	return nil
}

// KnownKind reports whether kind may appear in a relation key.
func (p Policy) KnownKind(kind string) bool {
	return len(p.RecordKinds) == 0 || slices.Contains(p.RecordKinds, kind)
}

// Registry returns the lazily built relation registry for the configured
// relation rules.
func (p Policy) Registry() *relation.Lazy {
	return relation.NewLazy(p.Relations.Keys(), p.KnownKind)
}
