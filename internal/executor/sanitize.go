package executor

import (
	"regexp"
	"strings"
)

var (
	// Whole statements that only make sense with an interactive display.
	displayLine = regexp.MustCompile(`^\s*(?:%matplotlib\b.*|(?:[A-Za-z_][\w.]*\.)?show\(.*\)\s*;?|display\(.*\)\s*;?|plt\.ion\(\s*\)\s*;?)\s*(?:#.*)?$`)
	// show() calls chained after other statements on one line.
	inlineShow = regexp.MustCompile(`;\s*(?:[A-Za-z_][\w.]*\.)?show\(\s*\)`)
)

// Sanitize removes interactive display calls from code. Removed statements are
// replaced with pass at the same indentation so block structure is preserved.
func Sanitize(code string) string {
	lines := strings.Split(code, "\n")
	for i, line := range lines {
		if displayLine.MatchString(line) {
			indent := line[:len(line)-len(strings.TrimLeft(line, " \t"))]
			lines[i] = indent + "pass"
			continue
		}
		lines[i] = inlineShow.ReplaceAllString(line, "")
	}
	return strings.Join(lines, "\n")
}
