// Package store provides the authoritative, versioned in-memory storage of
// project context records.
//
// The store keeps one current Record per project plus a bounded FIFO history
// of recent versions used to answer differential reads. Records are immutable
// copy-on-write snapshots: mutations always build a new Record, so readers
// never observe a torn state. All mutations to a given project are strictly
// serialized by a per-project lock.
//
// The store owns eviction: a capacity check runs on every Put for a new
// project, and a periodic sweep removes projects that have been idle longer
// than the configured TTL.
package store

import (
	"fmt"
	"log"
	"os"
	"sync"
	"time"
)

// Config holds configuration for the store.
type Config struct {
	// MaxContexts is the maximum number of distinct projects admitted
	// before idle eviction kicks in.
	MaxContexts int

	// MaxContextSize is the maximum serialized record size in bytes.
	MaxContextSize int

	// MaxVersions is how many recent record versions are retained per
	// project for answering diff requests. Older requests fall back to
	// a full payload.
	MaxVersions int

	// IdleTTL is how long a project may go without a Put before it is
	// eligible for eviction.
	IdleTTL time.Duration

	// SweepInterval is how often the idle-project sweep runs.
	SweepInterval time.Duration

	// OnCommit, if set, is invoked synchronously after every successful
	// Put, while the per-project put lock is still held. Commits for one
	// project therefore reach the hook in strict version order. The hook
	// receives the previous record (nil for version 1) and the new one.
	OnCommit func(old, new *Record)

	// Logger for store activity
	Logger *log.Logger
}

// DefaultConfig returns the limits from the service contract: 100 projects,
// 10 MB records, 10 retained versions, 24h idle TTL.
func DefaultConfig() *Config {
	return &Config{
		MaxContexts:    100,
		MaxContextSize: 10 << 20,
		MaxVersions:    10,
		IdleTTL:        24 * time.Hour,
		SweepInterval:  10 * time.Minute,
		Logger:         log.New(os.Stderr, "[store] ", log.LstdFlags),
	}
}

// Store is the versioned context store. Create with New, release with Close.
type Store struct {
	config *Config

	mu       sync.RWMutex // guards projects map and closed flag
	projects map[string]*project
	closed   bool

	done chan struct{}
	wg   sync.WaitGroup
}

// project holds the mutable per-project state. putMu serializes writers;
// mu guards the current/history pointers for readers. Readers copy the
// pointers under mu and then work lock-free on the immutable records.
type project struct {
	putMu sync.Mutex

	mu      sync.RWMutex
	current *Record
	history []*Record // FIFO, len <= MaxVersions, newest last
}

// PutResult reports the outcome of a committed Put.
type PutResult struct {
	// Old is the record that was replaced. Nil when the Put created
	// the project at version 1.
	Old *Record

	// New is the record that is now current.
	New *Record
}

// Snapshot is the result of a versioned read.
type Snapshot struct {
	// Current is the latest record for the project.
	Current *Record

	// Since is the retained record at the caller's version, when the
	// caller supplied one that is still in the history window. The
	// caller diffs Since against Current.
	Since *Record

	// Full reports that the response must carry the full payload
	// (no version supplied, or the version fell outside the window).
	Full bool

	// Fallback reports that a version was supplied but predates the
	// retained history, forcing the full-payload fallback. Not an
	// error; surfaced as response metadata.
	Fallback bool
}

// New creates a store and starts its background idle sweep.
func New(config *Config) *Store {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[store] ", log.LstdFlags)
	}

	s := &Store{
		config:   config,
		projects: make(map[string]*project),
		done:     make(chan struct{}),
	}

	if config.SweepInterval > 0 {
		s.wg.Add(1)
		go s.sweepLoop()
	}

	return s
}

// Close stops the background sweep. Idempotent.
func (s *Store) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	close(s.done)
	s.wg.Wait()
}

// Put replaces the project's element set with the given one and returns the
// committed result. The record version increases by exactly one; the
// previous record object is retained for readers and the history window.
//
// Returns ErrPayloadTooLarge if the serialized size would exceed the
// configured maximum, ErrDuplicateKey on repeated element keys, and
// ErrCapacityExceeded when the store is full and no idle project can be
// evicted to admit a new one.
func (s *Store) Put(projectID string, elements []ElementInput) (*PutResult, error) {
	if projectID == "" {
		return nil, fmt.Errorf("projectID cannot be empty")
	}

	total := 0
	seen := make(map[string]bool, len(elements))
	for _, in := range elements {
		if in.Key == "" {
			return nil, fmt.Errorf("element key cannot be empty")
		}
		if seen[in.Key] {
			return nil, fmt.Errorf("%w: %q", ErrDuplicateKey, in.Key)
		}
		seen[in.Key] = true
		total += elementSize(in.Key, len(in.Content))
	}
	if total > s.config.MaxContextSize {
		return nil, fmt.Errorf("%w: %d bytes exceeds limit of %d",
			ErrPayloadTooLarge, total, s.config.MaxContextSize)
	}

	p, err := s.getOrCreateProject(projectID)
	if err != nil {
		return nil, err
	}

	// Serialize mutations for this project. Whichever writer commits
	// second observes the first's result and increments from it.
	p.putMu.Lock()
	defer p.putMu.Unlock()

	p.mu.RLock()
	old := p.current
	p.mu.RUnlock()

	now := time.Now()
	rec := &Record{
		ProjectID: projectID,
		Version:   1,
		Elements:  make([]Element, 0, len(elements)),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if old != nil {
		rec.Version = old.Version + 1
		rec.CreatedAt = old.CreatedAt
	}

	for _, in := range elements {
		el := Element{
			Key:              in.Key,
			Content:          in.Content,
			Priority:         in.Priority,
			SizeBytes:        len(in.Content),
			UpdatedAtVersion: rec.Version,
			ContentHash:      HashContent(in.Content),
		}
		// Carry forward the change version for elements that are
		// byte- and priority-identical to the previous record.
		if old != nil {
			if prev, ok := old.Element(in.Key); ok &&
				prev.ContentHash == el.ContentHash &&
				prev.Priority == el.Priority {
				el.UpdatedAtVersion = prev.UpdatedAtVersion
			}
		}
		rec.Elements = append(rec.Elements, el)
	}
	rec.buildIndex()

	p.mu.Lock()
	p.current = rec
	p.history = append(p.history, rec)
	if len(p.history) > s.config.MaxVersions {
		p.history = p.history[len(p.history)-s.config.MaxVersions:]
	}
	p.mu.Unlock()

	if s.config.OnCommit != nil {
		s.config.OnCommit(old, rec)
	}

	return &PutResult{Old: old, New: rec}, nil
}

// Get returns the current record for the project, plus the retained record
// at sinceVersion when that version is still inside the history window.
// sinceVersion zero means an unversioned (full) read.
//
// Returns ErrNotFound for unknown projects.
func (s *Store) Get(projectID string, sinceVersion int64) (*Snapshot, error) {
	p := s.lookup(projectID)
	if p == nil {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, projectID)
	}

	p.mu.RLock()
	current := p.current
	history := p.history
	p.mu.RUnlock()

	if current == nil {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, projectID)
	}

	snap := &Snapshot{Current: current}

	if sinceVersion <= 0 {
		snap.Full = true
		return snap, nil
	}

	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Version == sinceVersion {
			snap.Since = history[i]
			return snap, nil
		}
	}

	// sinceVersion predates the retained window (or is from the future,
	// which means the caller is confused) - fall back to a full payload.
	snap.Full = true
	snap.Fallback = true
	return snap, nil
}

// CurrentVersion returns the latest committed version for the project.
func (s *Store) CurrentVersion(projectID string) (int64, error) {
	p := s.lookup(projectID)
	if p == nil {
		return 0, fmt.Errorf("%w: %q", ErrNotFound, projectID)
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.current == nil {
		return 0, fmt.Errorf("%w: %q", ErrNotFound, projectID)
	}
	return p.current.Version, nil
}

// Stats summarizes store occupancy.
type Stats struct {
	ActiveProjects      int   `json:"active_projects"`
	MemoryEstimateBytes int64 `json:"memory_estimate_bytes"`
}

// Stats returns the number of live projects and an estimate of the bytes
// held by their current records and retained history.
func (s *Store) Stats() Stats {
	s.mu.RLock()
	projects := make([]*project, 0, len(s.projects))
	for _, p := range s.projects {
		projects = append(projects, p)
	}
	s.mu.RUnlock()

	var st Stats
	for _, p := range projects {
		p.mu.RLock()
		if p.current != nil {
			st.ActiveProjects++
			// History entries share element backing with the records
			// they evolved from, so counting each retained version in
			// full overstates; the current record plus key/metadata
			// overhead per retained version is closer.
			st.MemoryEstimateBytes += int64(p.current.SizeBytes())
			for _, h := range p.history {
				if h != p.current {
					st.MemoryEstimateBytes += int64(len(h.Elements) * elementOverhead)
				}
			}
		}
		p.mu.RUnlock()
	}
	return st
}

// SweepIdle evicts every project whose last Put is older than the idle TTL.
// Returns the number of projects removed. Called periodically by the
// background sweep; exported so operators can trigger it on demand.
func (s *Store) SweepIdle() int {
	cutoff := time.Now().Add(-s.config.IdleTTL)

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, p := range s.projects {
		p.mu.RLock()
		idle := p.current != nil && p.current.UpdatedAt.Before(cutoff)
		p.mu.RUnlock()
		if idle {
			delete(s.projects, id)
			removed++
			s.config.Logger.Printf("Evicted idle project %s", id)
		}
	}
	return removed
}

// lookup returns the project entry, or nil.
func (s *Store) lookup(projectID string) *project {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.projects[projectID]
}

// getOrCreateProject returns the project entry, admitting a new one when
// capacity allows. At capacity, the least-recently-updated idle project is
// evicted to make room; if every project is fresh, the Put is rejected with
// ErrCapacityExceeded and the caller should retry after backoff.
func (s *Store) getOrCreateProject(projectID string) (*project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrClosed
	}

	if p, ok := s.projects[projectID]; ok {
		return p, nil
	}

	if len(s.projects) >= s.config.MaxContexts {
		victim := s.idleVictimLocked()
		if victim == "" {
			return nil, fmt.Errorf("%w: %d projects at limit",
				ErrCapacityExceeded, len(s.projects))
		}
		delete(s.projects, victim)
		s.config.Logger.Printf("Evicted project %s to admit %s", victim, projectID)
	}

	p := &project{}
	s.projects[projectID] = p
	return p, nil
}

// idleVictimLocked returns the least-recently-updated project that has been
// idle longer than the TTL, or "" when none qualifies. Caller holds s.mu.
func (s *Store) idleVictimLocked() string {
	cutoff := time.Now().Add(-s.config.IdleTTL)

	var victim string
	var oldest time.Time
	for id, p := range s.projects {
		p.mu.RLock()
		cur := p.current
		p.mu.RUnlock()
		if cur == nil || !cur.UpdatedAt.Before(cutoff) {
			continue
		}
		if victim == "" || cur.UpdatedAt.Before(oldest) {
			victim = id
			oldest = cur.UpdatedAt
		}
	}
	return victim
}

// sweepLoop periodically evicts idle projects.
func (s *Store) sweepLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			if n := s.SweepIdle(); n > 0 {
				s.config.Logger.Printf("Idle sweep removed %d projects", n)
			}
		}
	}
}
