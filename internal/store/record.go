package store

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// Element is one named, opaque unit of project context. The store treats
// Content as an uninterpreted byte blob; Key is a stable identifier chosen
// by the writer (e.g. "file:src/app.ts", "decision:auth-strategy").
type Element struct {
	// Key uniquely identifies the element within a record.
	Key string `json:"key"`

	// Content is the element payload. Never parsed by the store.
	Content []byte `json:"content"`

	// Priority orders elements for token-budget trimming.
	// Lower numbers are more important.
	Priority int `json:"priority"`

	// SizeBytes is the content length in bytes (never characters).
	SizeBytes int `json:"size_bytes"`

	// UpdatedAtVersion is the record version at which this element
	// last changed (content or priority).
	UpdatedAtVersion int64 `json:"updated_at_version"`

	// ContentHash is the hex-encoded SHA-256 of Content, computed once
	// at put time so diffing never re-hashes.
	ContentHash string `json:"content_hash"`
}

// ElementInput is what writers supply on Put. The store fills in size,
// hash, and version metadata when building the record.
type ElementInput struct {
	Key      string `json:"key"`
	Content  []byte `json:"content"`
	Priority int    `json:"priority"`
}

// Record is the full versioned element set for one project at one point
// in time. Records are immutable after construction: every Put produces
// a new Record, so readers holding version N keep seeing a consistent N
// while a writer builds N+1.
type Record struct {
	ProjectID string `json:"project_id"`

	// Version increases by exactly one on every successful Put,
	// starting at 1. Never reused.
	Version int64 `json:"version"`

	// Elements preserves the order the writer supplied them in.
	// That order is the tie-break for equal-priority trimming.
	Elements []Element `json:"elements"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// index maps key -> position in Elements. Built at construction;
	// nil for records decoded from the wire, where Element falls back
	// to a linear scan.
	index map[string]int
}

// Element returns the element with the given key, if present.
func (r *Record) Element(key string) (Element, bool) {
	if r.index != nil {
		i, ok := r.index[key]
		if !ok {
			return Element{}, false
		}
		return r.Elements[i], true
	}
	for _, el := range r.Elements {
		if el.Key == key {
			return el, true
		}
	}
	return Element{}, false
}

// SizeBytes estimates the record's serialized size: content bytes plus
// key bytes plus a fixed per-element overhead for metadata fields.
func (r *Record) SizeBytes() int {
	total := 0
	for _, el := range r.Elements {
		total += elementSize(el.Key, len(el.Content))
	}
	return total
}

// TokenEstimate is the record's estimated token count using the fixed
// 4-bytes-per-token heuristic.
func (r *Record) TokenEstimate() int {
	return r.SizeBytes() / 4
}

// elementOverhead approximates the serialized metadata cost per element
// (priority, size, version, hash fields).
const elementOverhead = 96

func elementSize(key string, contentLen int) int {
	return len(key) + contentLen + elementOverhead
}

// HashContent returns the hex-encoded SHA-256 digest of content.
func HashContent(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// buildIndex populates the key lookup index. Called once at construction,
// before the record is published to readers.
func (r *Record) buildIndex() {
	r.index = make(map[string]int, len(r.Elements))
	for i, el := range r.Elements {
		r.index[el.Key] = i
	}
}
