package cache

import (
	"regexp"
	"strings"
)

var whitespaceRun = regexp.MustCompile(`\s+`)

// normalizeComponent lowercases, trims and collapses whitespace runs
// into single underscores.
func normalizeComponent(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	return whitespaceRun.ReplaceAllString(s, "_")
}

// GenerateTitleAuthorIdentifier derives the canonical cache identifier
// for books matched by title and author. Deterministic, so the same book
// generates the same cache key across processes.
func GenerateTitleAuthorIdentifier(title, author string) string {
	return "title_author:" + normalizeComponent(title) + "|" + normalizeComponent(author)
}

// NormalizeTitle is the canonical title_normalized form: lowercase and
// trimmed.
func NormalizeTitle(title string) string {
	return strings.ToLower(strings.TrimSpace(title))
}

var legacyTitleAuthorPattern = regexp.MustCompile(`^title_author_\d+_\d+$`)

// isLegacyTitleAuthorIdentifier recognizes identifier forms written by
// old caches: title_author_<userBookID>_<editionID> and the colon form
// "title:author". They are tolerated as lookup keys but never written;
// on read they are rewritten to the canonical form.
func isLegacyTitleAuthorIdentifier(id string) bool {
	if legacyTitleAuthorPattern.MatchString(id) {
		return true
	}
	if strings.Contains(id, ":") && !strings.HasPrefix(id, "title_author:") {
		return true
	}
	return false
}
