package service

import (
	"encoding/json"
	"fmt"
	"log"
	"os"

	"github.com/ctxsync/ctxsyncd/internal/broadcast"
	"github.com/ctxsync/ctxsyncd/internal/cache"
	"github.com/ctxsync/ctxsyncd/internal/codec"
	"github.com/ctxsync/ctxsyncd/internal/diff"
	"github.com/ctxsync/ctxsyncd/internal/store"
	"github.com/ctxsync/ctxsyncd/internal/window"
)

// Config holds configuration for the sync service and the components it
// composes. Nil sub-configs fall back to their package defaults.
type Config struct {
	// Store configures record storage and eviction. The service owns the
	// store's commit hook; any OnCommit set here is replaced.
	Store *store.Config

	// Cache configures the response cache.
	Cache *cache.Config

	// Broadcast configures subscriber fan-out.
	Broadcast *broadcast.Config

	// StrictCompare switches diff change detection from content hashes
	// to full byte comparison.
	StrictCompare bool

	// CompressionThreshold is the response size in bytes above which
	// payloads are gzipped. Zero means the 1 KB default.
	CompressionThreshold int

	// Logger for service activity
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults for every component.
func DefaultConfig() *Config {
	return &Config{
		Store:     store.DefaultConfig(),
		Cache:     cache.DefaultConfig(),
		Broadcast: broadcast.DefaultConfig(),
		Logger:    log.New(os.Stderr, "[service] ", log.LstdFlags),
	}
}

// Service is the only component external callers see. Each request is
// dispatched through the pipeline: cache lookup, store read, diff, trim,
// compress, cache store. Puts bypass the cache path entirely and fan out
// through the broadcaster from the store's commit hook.
//
// Service is an explicit constructed instance: multiple independent
// services can run in one process without interfering.
type Service struct {
	config      *Config
	store       *store.Store
	engine      *diff.Engine
	codec       *codec.Codec
	cache       *cache.Cache
	broadcaster *broadcast.Broadcaster
}

// New creates a service and starts its background maintenance (store idle
// sweep, cache expiry sweep). Release with Close.
func New(config *Config) *Service {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[service] ", log.LstdFlags)
	}
	if config.Store == nil {
		config.Store = store.DefaultConfig()
	}

	s := &Service{
		config: config,
		engine: diff.NewEngine(config.StrictCompare),
		codec:  codec.New(config.CompressionThreshold),
		cache:  cache.New(config.Cache),
	}

	// The commit hook runs under the per-project put lock, so cache
	// invalidation lands before the put returns and subscribers see
	// versions in strict commit order with no gaps.
	config.Store.OnCommit = s.onCommit
	s.store = store.New(config.Store)
	s.broadcaster = broadcast.New(s.store, config.Broadcast)

	return s
}

// Close releases the service and its components. Idempotent.
func (s *Service) Close() {
	s.broadcaster.Close()
	s.cache.Close()
	s.store.Close()
}

// onCommit reacts to every committed put: invalidate cached responses for
// the project, then publish the version's diff to subscribers.
func (s *Service) onCommit(old, new *store.Record) {
	s.cache.InvalidateProject(new.ProjectID)
	s.broadcaster.Publish(new.ProjectID, new.Version, s.engine.Compute(old, new))
}

// Put replaces the project's context with the given elements and returns
// the newly committed version.
func (s *Service) Put(projectID string, elements []store.ElementInput) (int64, error) {
	result, err := s.store.Put(projectID, elements)
	if err != nil {
		return 0, err
	}
	return result.New.Version, nil
}

// GetOptions selects the response shape for Get.
type GetOptions struct {
	// SinceVersion, when positive, asks for a differential response
	// relative to that version. Versions outside the retained history
	// fall back to a full payload, flagged in the result metadata.
	SinceVersion int64

	// MaxTokens, when positive, trims full-record responses to the
	// estimated token budget. Diff responses are already minimal and
	// are not trimmed.
	MaxTokens int

	// Compress gzips the payload when it exceeds the size threshold.
	Compress bool
}

// GetResult is the assembled response for a Get.
type GetResult struct {
	ProjectID string `json:"project_id"`

	// Version is the current version the payload represents.
	Version int64 `json:"version"`

	// Full reports whether Payload holds a record snapshot (true) or a
	// diff relative to SinceVersion (false).
	Full bool `json:"full"`

	// Fallback reports that a sinceVersion was supplied but predates
	// retained history, so the response carries a full payload.
	Fallback bool `json:"fallback,omitempty"`

	// Compressed reports whether Payload must be gunzipped before
	// parsing.
	Compressed bool `json:"compressed"`

	// ExcludedKeys lists elements trimmed from the payload by the token
	// budget. The store still holds them.
	ExcludedKeys []string `json:"excluded_keys,omitempty"`

	// Payload is the JSON encoding of either a record snapshot or a
	// diff.Result, possibly gzipped.
	Payload []byte `json:"payload"`
}

// Get returns the project's context: the full current record, or a diff
// when the caller supplies the version it already holds.
func (s *Service) Get(projectID string, opts GetOptions) (*GetResult, error) {
	version, err := s.store.CurrentVersion(projectID)
	if err != nil {
		return nil, err
	}

	key := cache.Key{
		ProjectID:    projectID,
		Version:      version,
		SinceVersion: opts.SinceVersion,
		MaxTokens:    opts.MaxTokens,
		Compress:     opts.Compress,
	}
	if entry, ok := s.cache.Lookup(key); ok {
		return resultFromEntry(projectID, entry), nil
	}

	snap, err := s.store.Get(projectID, opts.SinceVersion)
	if err != nil {
		return nil, err
	}

	result := &GetResult{
		ProjectID: projectID,
		Version:   snap.Current.Version,
		Full:      snap.Full,
		Fallback:  snap.Fallback,
	}

	var body any
	if snap.Full {
		trimmed := window.Trim(snap.Current, opts.MaxTokens)
		result.ExcludedKeys = trimmed.ExcludedKeys
		body = &store.Record{
			ProjectID: snap.Current.ProjectID,
			Version:   snap.Current.Version,
			Elements:  trimmed.Included,
			CreatedAt: snap.Current.CreatedAt,
			UpdatedAt: snap.Current.UpdatedAt,
		}
	} else {
		d := s.engine.Compute(snap.Since, snap.Current)
		body = &d
	}

	raw, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encoding payload: %w", err)
	}

	payload := raw
	if opts.Compress {
		payload, result.Compressed, err = s.codec.MaybeCompress(raw)
		if err != nil {
			return nil, err
		}
	}
	result.Payload = payload

	// The store may have committed a newer version between the cache
	// lookup and the read; cache under the version actually served.
	key.Version = result.Version
	s.cache.Store(&cache.Entry{
		Key:          key,
		Payload:      result.Payload,
		Compressed:   result.Compressed,
		Full:         result.Full,
		Fallback:     result.Fallback,
		ExcludedKeys: result.ExcludedKeys,
	})

	return result, nil
}

// DiffResponse is the result of an explicit Diff call.
type DiffResponse struct {
	ProjectID string `json:"project_id"`

	// Version is the current version the diff advances the caller to.
	Version int64 `json:"version"`

	// Fallback reports that sinceVersion predated retained history, so
	// the diff classifies the entire current record as added.
	Fallback bool `json:"fallback,omitempty"`

	Diff diff.Result `json:"diff"`
}

// Diff classifies the changes between the caller's version and the current
// record. When sinceVersion is outside the retained history the response
// degrades to a full payload expressed as a diff (everything added),
// flagged via Fallback.
func (s *Service) Diff(projectID string, sinceVersion int64) (*DiffResponse, error) {
	if sinceVersion <= 0 {
		return nil, fmt.Errorf("sinceVersion must be positive")
	}

	snap, err := s.store.Get(projectID, sinceVersion)
	if err != nil {
		return nil, err
	}

	resp := &DiffResponse{
		ProjectID: projectID,
		Version:   snap.Current.Version,
		Fallback:  snap.Fallback,
	}
	if snap.Fallback {
		resp.Diff = s.engine.Compute(nil, snap.Current)
	} else {
		resp.Diff = s.engine.Compute(snap.Since, snap.Current)
	}
	return resp, nil
}

// Subscribe registers a consumer of the project's update stream.
func (s *Service) Subscribe(projectID string) (*broadcast.Subscriber, error) {
	return s.broadcaster.Subscribe(projectID)
}

// Unsubscribe removes a subscriber. Idempotent.
func (s *Service) Unsubscribe(id string) {
	s.broadcaster.Unsubscribe(id)
}

// DecodePayload reverses the codec step of an assembled response, returning
// the raw JSON body. Surfaces codec.ErrCompression on corrupt payloads.
func (s *Service) DecodePayload(result *GetResult) ([]byte, error) {
	if !result.Compressed {
		return result.Payload, nil
	}
	return s.codec.Decompress(result.Payload)
}

// Stats summarizes service health for the Stats operation.
type Stats struct {
	ActiveProjects      int     `json:"active_projects"`
	MemoryEstimateBytes int64   `json:"memory_estimate_bytes"`
	CacheEntries        int     `json:"cache_entries"`
	CacheHitRate        float64 `json:"cache_hit_rate"`
	Subscribers         int     `json:"subscribers"`
	SubscriberOverflows uint64  `json:"subscriber_overflows"`
}

// Stats reports store occupancy, cache effectiveness, and subscriber counts.
func (s *Service) Stats() Stats {
	storeStats := s.store.Stats()
	cacheStats := s.cache.Stats()
	return Stats{
		ActiveProjects:      storeStats.ActiveProjects,
		MemoryEstimateBytes: storeStats.MemoryEstimateBytes,
		CacheEntries:        cacheStats.Entries,
		CacheHitRate:        cacheStats.HitRate,
		Subscribers:         s.broadcaster.SubscriberCount(),
		SubscriberOverflows: s.broadcaster.Overflows(),
	}
}

// resultFromEntry rebuilds a GetResult from a cached response.
func resultFromEntry(projectID string, entry *cache.Entry) *GetResult {
	return &GetResult{
		ProjectID:    projectID,
		Version:      entry.Key.Version,
		Full:         entry.Full,
		Fallback:     entry.Fallback,
		Compressed:   entry.Compressed,
		ExcludedKeys: entry.ExcludedKeys,
		Payload:      entry.Payload,
	}
}
