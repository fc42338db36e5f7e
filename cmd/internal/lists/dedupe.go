package lists

import "strings"

// dedupeKey folds item names for duplicate detection.
func dedupeKey(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// removeDuplicates collapses items whose names match case-insensitively after
// trimming. The first occurrence survives; a bought duplicate marks it bought
// and its buyers are merged in. Returns the surviving items and how many were removed.
func removeDuplicates(items []Item) ([]Item, int) {
	seen := make(map[string]int, len(items))
	out := make([]Item, 0, len(items))
	for _, it := range items {
		k := dedupeKey(it.Name)
		if i, ok := seen[k]; ok {
			if it.IsBought {
				out[i].IsBought = true
				out[i].BoughtBy = mergeBuyers(out[i].BoughtBy, it.BoughtBy)
			}
			continue
		}
		seen[k] = len(out)
		out = append(out, it)
	}
	return out, len(items) - len(out)
}

func mergeBuyers(dst, src []string) []string {
	dst = append([]string(nil), dst...)
	for _, id := range src {
		if !containsString(dst, id) {
			dst = append(dst, id)
		}
	}
	return dst
}

func containsString(xs []string, s string) bool {
	for _, x := range xs {
		if x == s {
			return true
		}
	}
	return false
}
