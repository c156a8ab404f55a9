// Package service composes the context synchronization pipeline behind a
// single entry point.
//
// The service lets many concurrent workers read and write a shared project
// context cheaply by exchanging versioned differential updates instead of
// the full payload on every call.
//
// # Architecture
//
// A Service composes five leaf components:
//
//   - store.Store: authoritative, versioned storage; one immutable record
//     per project version, bounded history, idle eviction
//   - diff.Engine: element-level change classification between versions
//   - window: token-budget trimming of full-record responses
//   - codec.Codec: transparent gzip above a size threshold
//   - cache.Cache: short-TTL memoization of assembled responses
//   - broadcast.Broadcaster: bounded pub/sub fan-out of committed versions
//
// # Request flow
//
// Put goes straight through the store. The store's commit hook runs while
// the per-project write lock is held, which gives two guarantees for free:
// cached responses for the project are invalidated before the put returns,
// and subscribers observe versions in strict commit order with no gaps.
//
// Get and Diff run the read pipeline: cache lookup, store read, diff (when
// the caller supplied the version it already holds), trim (when the caller
// supplied a token budget), compress, cache store.
//
//	svc := service.New(nil)
//	defer svc.Close()
//
//	version, err := svc.Put("proj1", []store.ElementInput{
//	    {Key: "file:src/app.ts", Content: source, Priority: 1},
//	})
//
//	// A worker holding version N asks only for what changed since.
//	result, err := svc.Get("proj1", service.GetOptions{SinceVersion: n})
//
// # Consistency model
//
// The store is the only source of truth. Cache and broadcaster hold no
// independent state and can be cleared at any time at a latency cost only.
// Readers never block writers: a reader holding version N keeps a fully
// consistent N while a writer commits N+1. Subscribers that cannot keep up
// with the commit rate are cut and must resync from a full payload; the
// service never blocks a writer to accommodate a slow reader.
package service
