package report

import "fmt"

// FormatBytes renders a byte count as "X B", "X.XX KB", or "X.XX MB" using
// decimal (not binary) boundaries at 1,000 and 1,000,000. This is the
// load generator's one out-of-core-scope "human-readable byte-size
// formatter" (spec.md section 1) — its three-tier contract doesn't match
// any corpus humanizer's tiering, so it is implemented directly rather than
// imported; see DESIGN.md component G.
func FormatBytes(n uint64) string {
	switch {
	case n < 1_000:
		return fmt.Sprintf("%d B", n)
	case n < 1_000_000:
		return fmt.Sprintf("%.2f KB", float64(n)/1_000)
	default:
		return fmt.Sprintf("%.2f MB", float64(n)/1_000_000)
	}
}
