package jira

import (
	"regexp"
	"strings"
)

// issueKeyPattern matches Jira issue keys like ABC-123. The leading
// boundary keeps hex strings and URL fragments from producing false keys.
var issueKeyPattern = regexp.MustCompile(`(?:^|[^A-Za-z0-9])([A-Z][A-Z0-9]+-[0-9]+)`)

// ExtractIssueKeys returns the distinct Jira issue keys referenced in a
// piece of text (commit message, branch name or pull request title), in
// order of first appearance.
func ExtractIssueKeys(text string) []string {
	matches := issueKeyPattern.FindAllStringSubmatch(strings.ToUpper(text), -1)
	if len(matches) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(matches))
	keys := make([]string, 0, len(matches))
	for _, m := range matches {
		key := m[1]
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		keys = append(keys, key)
	}
	return keys
}
