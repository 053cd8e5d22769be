// Package costextract supplies the cost-extraction seam spec.md's Open
// Questions section calls out: a pluggable way to pull a dollar figure
// out of a raw transcript line, used by both runners' stdout-draining
// goroutines.
package costextract

import "github.com/dpaulsen/sessionrunner/internal/watch"

// Extractor inspects one raw transcript line and reports a cost in USD
// if the line carries one.
type Extractor func(line watch.RawTranscriptEvent) (usd float64, ok bool)

// Default looks for a top-level total_cost_usd or cost_usd numeric
// field in the raw line and returns 0, false otherwise — preserving the
// "costs land as 0 until parsed" behavior spec.md describes while
// giving callers a real extension point.
func Default(line watch.RawTranscriptEvent) (float64, bool) {
	if v, ok := line.Raw["total_cost_usd"]; ok {
		if f, ok := asFloat(v); ok {
			return f, true
		}
	}
	if v, ok := line.Raw["cost_usd"]; ok {
		if f, ok := asFloat(v); ok {
			return f, true
		}
	}
	return 0, false
}

func asFloat(v any) (float64, bool) {
	f, ok := v.(float64)
	return f, ok
}
