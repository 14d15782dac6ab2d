package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/dunamismax/pixelnorm/internal/policy"
)

var (
	policyRelation string
	policySets     []string
)

var policyCmd = &cobra.Command{
	Use:   "policy [filename]",
	Short: "Print the loaded or effective policy as YAML",
	Long: `With no filename, print the loaded policy file with defaults filled in.
With a filename, print the policy a run for that file would use: the base
policy with its folder rule, the --relation rule and --set overrides applied
in that order.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runPolicy,
}

func init() {
	policyCmd.Flags().StringVar(&policyRelation, "relation", "", "relation rule key to apply, e.g. Member.avatar")
	policyCmd.Flags().StringArrayVar(&policySets, "set", nil, "override a policy setting (key=value, repeatable)")
}

func runPolicy(cmd *cobra.Command, args []string) error {
	if len(args) == 0 {
		return writeYAML(cmd.OutOrStdout(), documentOf(appPolicy.Base, appPolicy.Folders, appPolicy.Relations, appPolicy.RecordKinds))
	}

	adhoc, err := parseSets(policySets)
	if err != nil {
		return err
	}
	folder := policy.FolderKey(args[0])
	p, tok := policy.Resolve(appPolicy.Base, appPolicy.Folders, appPolicy.Relations, folder, policyRelation, adhoc)

	overlaid := make([]string, 0)
	for _, f := range tok.Overlaid() {
		overlaid = append(overlaid, f.String())
	}
	return writeYAML(cmd.OutOrStdout(), map[string]any{
		"filename": args[0],
		"folder":   folder,
		"relation": policyRelation,
		"overlaid": overlaid,
		"policy":   p.Settings(),
	})
}

// documentOf renders a policy in the layout the policy file uses.
func documentOf(base policy.Policy, folders, relations policy.Rules, kinds []string) map[string]any {
	doc := base.Settings()
	if len(folders) > 0 {
		doc["customFolders"] = rulesOf(folders)
	}
	if len(relations) > 0 {
		doc["customRelations"] = rulesOf(relations)
	}
	if len(kinds) > 0 {
		doc["recordKinds"] = kinds
	}
	return doc
}

func rulesOf(r policy.Rules) map[string]any {
	out := make(map[string]any, len(r))
	for _, key := range r.Keys() {
		o, _ := r.Lookup(key)
		out[key] = o.AsMap()
	}
	return out
}

func writeYAML(w io.Writer, v any) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode yaml: %w", err)
	}
	return enc.Close()
}
