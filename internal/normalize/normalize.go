package normalize

import "strings"

// Email returns a normalized form of an email address suitable for
// storage and comparisons. Normalization currently trims surrounding
// whitespace and lower-cases the address.
func Email(e string) string {
	return strings.ToLower(strings.TrimSpace(e))
}

// ID trims surrounding whitespace from a user or conversation id.
func ID(id string) string {
	return strings.TrimSpace(id)
}

// PairKey returns the key identifying the direct conversation between a and
// b. The key is the same for (a, b) and (b, a).
func PairKey(a, b string) string {
	a, b = ID(a), ID(b)
	if b < a {
		a, b = b, a
	}
	return a + "|" + b
}

// IDs normalizes ids, dropping empty entries and duplicates while keeping
// first-seen order.
func IDs(ids []string) []string {
	out := make([]string, 0, len(ids))
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		id = ID(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
