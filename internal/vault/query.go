package vault

import (
	"sort"
	"strings"
	"unicode"

	"github.com/pinbridge/vault/internal/domain"
)

// NoteFilter selects notes for listing
type NoteFilter struct {
	Query        string
	Folder       string
	Tag          string
	IncludeTrash bool
	OnlyTrash    bool
}

// ParseSearchTokens splits the raw search string into lower-cased tokens.
// Tokens are delimited by '+' or any whitespace character.
func ParseSearchTokens(raw string) []string {
	fields := strings.FieldsFunc(strings.ToLower(raw), func(r rune) bool {
		return unicode.IsSpace(r) || r == '+'
	})
	if len(fields) == 0 {
		return nil
	}
	return fields
}

// MatchesSearchTokens reports whether every token appears in the note's
// title, body, folder or tags.
func MatchesSearchTokens(note *domain.Note, tokens []string) bool {
	if len(tokens) == 0 || note == nil {
		return true
	}

	haystack := []string{
		strings.ToLower(note.Title),
		strings.ToLower(note.Body),
		strings.ToLower(note.Folder),
	}
	for _, tag := range note.Tags {
		haystack = append(haystack, strings.ToLower(tag))
	}

	for _, token := range tokens {
		found := false
		for _, field := range haystack {
			if strings.Contains(field, token) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// FilterNotes returns the notes matching f, pinned first, then most recently updated
func FilterNotes(notes []domain.Note, f NoteFilter) []domain.Note {
	tokens := ParseSearchTokens(f.Query)
	out := make([]domain.Note, 0, len(notes))
	for i := range notes {
		n := &notes[i]
		switch {
		case f.OnlyTrash && !n.Trash:
			continue
		case !f.OnlyTrash && !f.IncludeTrash && n.Trash:
			continue
		case f.Folder != "" && !strings.EqualFold(n.Folder, f.Folder):
			continue
		case f.Tag != "" && !hasTag(n.Tags, f.Tag):
			continue
		case !MatchesSearchTokens(n, tokens):
			continue
		}
		out = append(out, n.Clone())
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Pinned != out[j].Pinned {
			return out[i].Pinned
		}
		if out[i].Updated != out[j].Updated {
			return out[i].Updated > out[j].Updated
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// NormalizeTags trims, lowercases and de-duplicates tags, keeping their order
func NormalizeTags(tags []string) []string {
	seen := make(map[string]struct{}, len(tags))
	out := make([]string, 0, len(tags))
	for _, tag := range tags {
		tag = strings.ToLower(strings.TrimSpace(tag))
		if tag == "" {
			continue
		}
		if _, ok := seen[tag]; ok {
			continue
		}
		seen[tag] = struct{}{}
		out = append(out, tag)
	}
	return out
}

func hasTag(tags []string, want string) bool {
	for _, tag := range tags {
		if strings.EqualFold(tag, want) {
			return true
		}
	}
	return false
}
