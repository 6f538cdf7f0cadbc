// Package i18n serves the localized UI string tables used by the experiment
// pages. Tables are keyed by page module and language tag; missing languages
// fall back to English.
package i18n

import (
	_ "embed"
	"fmt"

	"gopkg.in/yaml.v3"
)

//go:embed strings.yaml
var stringsYAML []byte

const fallbackLanguage = "en"

// Table holds all localized strings, keyed module -> language -> key.
type Table struct {
	modules map[string]map[string]map[string]string
}

// Load parses the embedded string tables.
func Load() (*Table, error) {
	var modules map[string]map[string]map[string]string
	if err := yaml.Unmarshal(stringsYAML, &modules); err != nil {
		return nil, fmt.Errorf("parse localization strings: %w", err)
	}
	return &Table{modules: modules}, nil
}

// Strings returns the string table for a page module in the given language,
// falling back to English when the language is missing. Unknown modules are
// an error so a typo in a page name fails loudly.
func (t *Table) Strings(module, language string) (map[string]string, error) {
	langs, ok := t.modules[module]
	if !ok {
		return nil, fmt.Errorf("unknown localization module %q", module)
	}
	if s, ok := langs[language]; ok {
		return s, nil
	}
	if s, ok := langs[fallbackLanguage]; ok {
		return s, nil
	}
	return nil, fmt.Errorf("module %q has no strings for %q or %q", module, language, fallbackLanguage)
}

// Modules lists the known page modules.
func (t *Table) Modules() []string {
	out := make([]string, 0, len(t.modules))
	for m := range t.modules {
		out = append(out, m)
	}
	return out
}
