package config

import (
	"fmt"

	"github.com/pmezard/go-difflib/difflib"
	"gopkg.in/yaml.v3"
)

// Diff returns a unified diff between the YAML renderings of from and to.
// An empty string means the two configurations are identical.
func Diff(from, to Config, fromName, toName string) (string, error) {
	a, err := yaml.Marshal(from)
	if err != nil {
		return "", fmt.Errorf("config: diff: %w", err)
	}

	b, err := yaml.Marshal(to)
	if err != nil {
		return "", fmt.Errorf("config: diff: %w", err)
	}

	diff := difflib.UnifiedDiff{
		A:        difflib.SplitLines(string(a)),
		B:        difflib.SplitLines(string(b)),
		FromFile: fromName,
		ToFile:   toName,
		Context:  2,
	}

	return difflib.GetUnifiedDiffString(diff)
}
