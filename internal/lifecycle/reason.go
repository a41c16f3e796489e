package lifecycle

import "strings"

// normalizeReason lower-cases a reason code and joins words with
// underscores, so "Porosity " and "porosity" record the same reason.
func normalizeReason(reason string) string {
	return strings.Join(strings.Fields(strings.ToLower(reason)), "_")
}
