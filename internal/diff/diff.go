// Package diff computes element-level differences between two versions of a
// context record.
//
// A diff carries full content only for elements that actually changed;
// unchanged elements travel as keys alone so the receiver reuses its local
// copy. That classification is the core of the token and byte savings over
// resending the entire record.
//
// Change detection compares the content hashes the store computed at put
// time, so each element check is O(1). Hash comparison is assumed safe
// against collisions; StrictCompare switches to full byte comparison for
// callers that need bit-exact detection.
package diff

import (
	"bytes"
	"sort"

	"github.com/ctxsync/ctxsyncd/internal/store"
)

// Result is the classification of every key across two record versions.
//
// Every key present in the new record appears in exactly one of Added,
// Modified, or UnchangedKeys; every key present only in the old record
// appears in RemovedKeys exactly once.
type Result struct {
	// Added holds elements present in the new record but not the old.
	Added []store.Element `json:"added"`

	// Modified holds the full new content of elements whose content or
	// priority changed. Not a byte patch: receivers replace wholesale.
	Modified []store.Element `json:"modified"`

	// RemovedKeys lists elements present in the old record but not the new.
	RemovedKeys []string `json:"removed_keys"`

	// UnchangedKeys lists elements identical in both records. Keys only,
	// no content.
	UnchangedKeys []string `json:"unchanged_keys"`
}

// Empty reports whether the diff carries no changes at all.
func (r *Result) Empty() bool {
	return len(r.Added) == 0 && len(r.Modified) == 0 && len(r.RemovedKeys) == 0
}

// Engine computes diffs between record versions.
type Engine struct {
	strict bool
}

// NewEngine creates a diff engine. When strict is true, modification
// detection compares content bytes instead of content hashes.
func NewEngine(strict bool) *Engine {
	return &Engine{strict: strict}
}

// Compute classifies every element key across old and new. old may be nil
// (or have no elements), in which case everything in new is Added.
// Elements appear in the result in the order they hold in the new record;
// removed keys follow the old record's order.
func (e *Engine) Compute(old, new *store.Record) Result {
	var result Result

	for _, el := range newElements(new) {
		if old == nil {
			result.Added = append(result.Added, el)
			continue
		}
		prev, ok := old.Element(el.Key)
		switch {
		case !ok:
			result.Added = append(result.Added, el)
		case e.changed(prev, el):
			result.Modified = append(result.Modified, el)
		default:
			result.UnchangedKeys = append(result.UnchangedKeys, el.Key)
		}
	}

	if old != nil {
		for _, el := range old.Elements {
			if new == nil {
				result.RemovedKeys = append(result.RemovedKeys, el.Key)
				continue
			}
			if _, ok := new.Element(el.Key); !ok {
				result.RemovedKeys = append(result.RemovedKeys, el.Key)
			}
		}
	}

	return result
}

// changed reports whether an element differs between versions. Metadata
// changes count: byte-identical content with a different priority is still
// a modification.
func (e *Engine) changed(prev, next store.Element) bool {
	if prev.Priority != next.Priority {
		return true
	}
	if e.strict {
		return !bytes.Equal(prev.Content, next.Content)
	}
	return prev.ContentHash != next.ContentHash
}

// Apply reconstructs the new element set from an old record and a diff:
// added and modified elements are taken from the diff, unchanged elements
// from the old record, removed keys are dropped. The result is sorted by
// key, since a diff does not carry enough information to restore the
// writer's element order.
func Apply(old *store.Record, d Result) []store.Element {
	elements := make([]store.Element, 0, len(d.Added)+len(d.Modified)+len(d.UnchangedKeys))
	elements = append(elements, d.Added...)
	elements = append(elements, d.Modified...)
	for _, key := range d.UnchangedKeys {
		if old == nil {
			continue
		}
		if el, ok := old.Element(key); ok {
			elements = append(elements, el)
		}
	}
	sort.Slice(elements, func(i, j int) bool {
		return elements[i].Key < elements[j].Key
	})
	return elements
}

func newElements(r *store.Record) []store.Element {
	if r == nil {
		return nil
	}
	return r.Elements
}
