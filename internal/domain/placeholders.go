package domain

import "regexp"

// placeholderPattern matches {{name}} and {{ name }} tokens.
var placeholderPattern = regexp.MustCompile(`\{\{\s*([A-Za-z_][A-Za-z0-9_]*)\s*\}\}`)

// Placeholders returns the distinct placeholder names in tpl, in order of
// first appearance.
func Placeholders(tpl string) []string {
	matches := placeholderPattern.FindAllStringSubmatch(tpl, -1)
	seen := make(map[string]bool, len(matches))
	var names []string
	for _, m := range matches {
		if seen[m[1]] {
			continue
		}
		seen[m[1]] = true
		names = append(names, m[1])
	}
	return names
}
