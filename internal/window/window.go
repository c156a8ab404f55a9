// Package window trims a context record to fit a caller-supplied token
// budget.
//
// Trimming orders elements by priority (lower number = more important) and
// accumulates them until the next element would exceed the budget. Ties in
// priority keep the writer's element order, so output is deterministic.
// Trimming never destroys data: excluded keys are reported so callers can
// fetch specific elements in a follow-up read.
package window

import (
	"sort"

	"github.com/ctxsync/ctxsyncd/internal/store"
)

// BytesPerToken is the fixed heuristic for estimating token counts from
// byte sizes.
const BytesPerToken = 4

// Result is the outcome of a trim.
type Result struct {
	// Included holds the elements that fit the budget, best priority
	// first.
	Included []store.Element

	// ExcludedKeys lists elements dropped from this response. The store
	// still holds them; only the response was reduced.
	ExcludedKeys []string

	// TokenEstimate is the estimated token count of Included.
	TokenEstimate int
}

// EstimateTokens converts a byte size to an estimated token count.
func EstimateTokens(sizeBytes int) int {
	return sizeBytes / BytesPerToken
}

// Trim reduces the record's elements to fit maxTokens. A non-positive
// budget, or a record that already fits, passes through untrimmed (in
// writer order). A non-empty record always yields at least the single
// highest-priority element, even when that element alone exceeds the
// budget.
func Trim(rec *store.Record, maxTokens int) Result {
	return TrimElements(rec.Elements, maxTokens)
}

// TrimElements applies the trim policy to an element slice. The slice is
// not modified.
func TrimElements(elements []store.Element, maxTokens int) Result {
	total := 0
	for _, el := range elements {
		total += EstimateTokens(el.SizeBytes)
	}
	if maxTokens <= 0 || total <= maxTokens {
		return Result{
			Included:      append([]store.Element(nil), elements...),
			TokenEstimate: total,
		}
	}

	// Stable sort keeps the writer's order for equal priorities.
	sorted := append([]store.Element(nil), elements...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Priority < sorted[j].Priority
	})

	var result Result
	for i, el := range sorted {
		tokens := EstimateTokens(el.SizeBytes)
		if len(result.Included) > 0 && result.TokenEstimate+tokens > maxTokens {
			for _, rest := range sorted[i:] {
				result.ExcludedKeys = append(result.ExcludedKeys, rest.Key)
			}
			break
		}
		result.Included = append(result.Included, el)
		result.TokenEstimate += tokens
	}
	return result
}
