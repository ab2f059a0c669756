package prompt

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// Placeholders use $name or ${name} syntax; $$ escapes a literal dollar.
var placeholderRe = regexp.MustCompile(`\$(?:(\$)|([A-Za-z_][A-Za-z0-9_]*)|\{([A-Za-z_][A-Za-z0-9_]*)\})`)

type MissingVariablesError struct {
	Names []string
}

func (e *MissingVariablesError) Error() string {
	return fmt.Sprintf("missing required keys: %s", strings.Join(e.Names, ", "))
}

// Render substitutes every placeholder in tmpl from vars. A placeholder with
// no matching entry fails the whole render: leaking a raw $var into a
// user-facing prompt is worse than rejecting the call. All absent names are
// reported together.
func Render(tmpl string, vars map[string]string) (string, error) {
	missing := map[string]struct{}{}

	out := placeholderRe.ReplaceAllStringFunc(tmpl, func(m string) string {
		groups := placeholderRe.FindStringSubmatch(m)
		if groups[1] == "$" {
			return "$"
		}
		name := groups[2]
		if name == "" {
			name = groups[3]
		}
		v, ok := vars[name]
		if !ok {
			missing[name] = struct{}{}
			return m
		}
		return v
	})

	if len(missing) > 0 {
		return "", &MissingVariablesError{Names: sortedKeys(missing)}
	}
	return out, nil
}

// CheckRequired verifies every name in required has an explicit entry in
// vars, independently of whether the template text references it.
func CheckRequired(required []string, vars map[string]string) error {
	missing := map[string]struct{}{}
	for _, key := range required {
		if _, ok := vars[key]; !ok {
			missing[key] = struct{}{}
		}
	}
	if len(missing) > 0 {
		return &MissingVariablesError{Names: sortedKeys(missing)}
	}
	return nil
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
