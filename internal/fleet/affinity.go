package fleet

import (
	"encoding/json"
	"slices"
	"strings"
)

// KeywordAffinity restricts which job keywords a worker accepts. It has two
// variants: AnyKeyword, which accepts every keyword, and KeywordSet, which
// accepts only its members. The zero value is AnyKeyword.
type KeywordAffinity struct {
	set map[string]struct{}
}

// AnyKeyword returns the wildcard affinity.
func AnyKeyword() KeywordAffinity {
	return KeywordAffinity{}
}

// KeywordSet returns an affinity limited to the given keywords. Keywords are
// trimmed and case-folded; blank entries are ignored.
func KeywordSet(first string, rest ...string) KeywordAffinity {
	set := make(map[string]struct{}, len(rest)+1)
	for _, kw := range append([]string{first}, rest...) {
		if norm := NormalizeKeyword(kw); norm != "" {
			set[norm] = struct{}{}
		}
	}
	if len(set) == 0 {
		return AnyKeyword()
	}
	return KeywordAffinity{set: set}
}

// ParseAffinity decodes the stored representation, where an empty list is
// the wildcard.
func ParseAffinity(keywords []string) KeywordAffinity {
	if len(keywords) == 0 {
		return AnyKeyword()
	}
	return KeywordSet(keywords[0], keywords[1:]...)
}

// NormalizeKeyword is the canonical form used for affinity matching.
func NormalizeKeyword(keyword string) string {
	return strings.ToLower(strings.TrimSpace(keyword))
}

// IsAny reports whether this is the wildcard variant.
func (a KeywordAffinity) IsAny() bool {
	return len(a.set) == 0
}

// Allows reports whether a job with the given keyword may be assigned.
func (a KeywordAffinity) Allows(keyword string) bool {
	if a.IsAny() {
		return true
	}
	_, ok := a.set[NormalizeKeyword(keyword)]
	return ok
}

// Keywords returns the sorted members of a KeywordSet, or nil for AnyKeyword.
func (a KeywordAffinity) Keywords() []string {
	if a.IsAny() {
		return nil
	}
	out := make([]string, 0, len(a.set))
	for kw := range a.set {
		out = append(out, kw)
	}
	slices.Sort(out)
	return out
}

func (a KeywordAffinity) String() string {
	if a.IsAny() {
		return "*"
	}
	return strings.Join(a.Keywords(), ",")
}

// MarshalJSON encodes the affinity as a keyword list; the wildcard is [].
func (a KeywordAffinity) MarshalJSON() ([]byte, error) {
	keywords := a.Keywords()
	if keywords == nil {
		keywords = []string{}
	}
	return json.Marshal(keywords)
}

// UnmarshalJSON decodes a keyword list; null or [] yield the wildcard.
func (a *KeywordAffinity) UnmarshalJSON(data []byte) error {
	var keywords []string
	if err := json.Unmarshal(data, &keywords); err != nil {
		return err
	}
	*a = ParseAffinity(keywords)
	return nil
}
