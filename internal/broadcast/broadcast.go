// Package broadcast fans committed context versions out to subscribed
// workers.
//
// Each subscriber owns a bounded event queue. Delivery is an enqueue, never
// a blocking send: a subscriber whose queue is full is moved to a
// resync-required state and receives nothing further until it re-subscribes
// and fetches a fresh full payload. That backpressure policy is deliberate -
// one slow reader never stalls a writer or its peers.
//
// The broadcaster holds no records of its own. It looks up current versions
// through a VersionSource back-reference and can be discarded and rebuilt
// at any time without correctness impact.
package broadcast

import (
	"errors"
	"fmt"
	"log"
	"os"
	"sync"

	"github.com/google/uuid"

	"github.com/ctxsync/ctxsyncd/internal/diff"
)

// ErrSubscriberOverflow is reported by Subscriber.Err after the subscriber's
// queue saturated and its event stream was cut. Not fatal to the service:
// the subscriber re-subscribes and resyncs from a full payload.
var ErrSubscriberOverflow = errors.New("subscriber queue overflow, resync required")

// Event is one committed version delivered to subscribers.
type Event struct {
	ProjectID string      `json:"project_id"`
	Version   int64       `json:"version"`
	Diff      diff.Result `json:"diff"`
}

// VersionSource resolves a project's current version. The store implements
// it; the broadcaster never holds records alive on its own.
type VersionSource interface {
	CurrentVersion(projectID string) (int64, error)
}

// Config holds broadcaster configuration.
type Config struct {
	// QueueSize is the per-subscriber outbound queue bound. A publish
	// that finds the queue full drops the subscriber into the
	// resync-required state.
	QueueSize int

	// Logger for broadcast activity
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		QueueSize: 16,
		Logger:    log.New(os.Stderr, "[broadcast] ", log.LstdFlags),
	}
}

// Subscriber is one registered consumer of a project's update stream.
type Subscriber struct {
	id        string
	projectID string
	events    chan Event

	mu         sync.Mutex
	lastAcked  int64
	needResync bool
	closed     bool
}

// ID returns the subscriber's unique identifier.
func (s *Subscriber) ID() string { return s.id }

// ProjectID returns the project this subscriber follows.
func (s *Subscriber) ProjectID() string { return s.projectID }

// Events returns the subscriber's event stream. The channel is closed when
// the subscriber is unsubscribed, the broadcaster shuts down, or the queue
// overflows; check Err to distinguish the overflow case.
func (s *Subscriber) Events() <-chan Event { return s.events }

// LastAckedVersion returns the most recent version enqueued to this
// subscriber (or the version current at subscribe time).
func (s *Subscriber) LastAckedVersion() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastAcked
}

// Err returns ErrSubscriberOverflow after the stream was cut for falling
// behind, nil otherwise.
func (s *Subscriber) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.needResync {
		return ErrSubscriberOverflow
	}
	return nil
}

// enqueue delivers ev without blocking. On a full queue the subscriber is
// moved to resync-required and its channel closed. The second return value
// is true only on the transition into the resync-required state.
func (s *Subscriber) enqueue(ev Event) (delivered, cut bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || s.needResync {
		return false, false
	}
	if ev.Version <= s.lastAcked {
		// Duplicate of something already delivered; drop.
		return true, false
	}
	if ev.Version != s.lastAcked+1 {
		// Gap in the stream. Should not happen while commits are
		// serialized, but a gap must never be papered over.
		s.cutLocked()
		return false, true
	}

	select {
	case s.events <- ev:
		s.lastAcked = ev.Version
		return true, false
	default:
		s.cutLocked()
		return false, true
	}
}

// cutLocked marks the subscriber resync-required and closes its channel.
// Caller holds s.mu.
func (s *Subscriber) cutLocked() {
	s.needResync = true
	s.closed = true
	close(s.events)
}

// closeNow closes the channel if still open. Used by unsubscribe/shutdown.
func (s *Subscriber) closeNow() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.events)
	}
}

// Broadcaster is the pub/sub fan-out of committed versions.
type Broadcaster struct {
	config   *Config
	versions VersionSource

	mu        sync.RWMutex
	byID      map[string]*Subscriber
	byProject map[string]map[string]*Subscriber
	closed    bool

	overflows uint64
}

// New creates a broadcaster that resolves subscribe-time versions through
// versions.
func New(versions VersionSource, config *Config) *Broadcaster {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[broadcast] ", log.LstdFlags)
	}
	if config.QueueSize <= 0 {
		config.QueueSize = DefaultConfig().QueueSize
	}

	return &Broadcaster{
		config:    config,
		versions:  versions,
		byID:      make(map[string]*Subscriber),
		byProject: make(map[string]map[string]*Subscriber),
	}
}

// Subscribe registers a new subscriber for the project, positioned at the
// project's current version. There is no backlog replay: the first event a
// subscriber sees is the first commit after it subscribed.
//
// Returns store.ErrNotFound for unknown projects.
func (b *Broadcaster) Subscribe(projectID string) (*Subscriber, error) {
	current, err := b.versions.CurrentVersion(projectID)
	if err != nil {
		return nil, err
	}

	sub := &Subscriber{
		id:        uuid.NewString(),
		projectID: projectID,
		events:    make(chan Event, b.config.QueueSize),
		lastAcked: current,
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, fmt.Errorf("broadcaster is closed")
	}

	b.byID[sub.id] = sub
	if b.byProject[projectID] == nil {
		b.byProject[projectID] = make(map[string]*Subscriber)
	}
	b.byProject[projectID][sub.id] = sub

	return sub, nil
}

// Unsubscribe removes the subscriber and closes its stream. Idempotent:
// unknown IDs are a no-op.
func (b *Broadcaster) Unsubscribe(id string) {
	b.mu.Lock()
	sub, ok := b.byID[id]
	if ok {
		delete(b.byID, id)
		if subs := b.byProject[sub.projectID]; subs != nil {
			delete(subs, id)
			if len(subs) == 0 {
				delete(b.byProject, sub.projectID)
			}
		}
	}
	b.mu.Unlock()

	if ok {
		sub.closeNow()
	}
}

// Publish delivers {version, diff} to every healthy subscriber of the
// project. Callers must publish a project's versions in commit order; the
// store's commit hook provides exactly that.
func (b *Broadcaster) Publish(projectID string, version int64, d diff.Result) {
	ev := Event{ProjectID: projectID, Version: version, Diff: d}

	b.mu.RLock()
	subs := make([]*Subscriber, 0, len(b.byProject[projectID]))
	for _, sub := range b.byProject[projectID] {
		subs = append(subs, sub)
	}
	b.mu.RUnlock()

	for _, sub := range subs {
		if _, cut := sub.enqueue(ev); cut {
			b.mu.Lock()
			b.overflows++
			b.mu.Unlock()
			b.config.Logger.Printf("Subscriber %s on %s fell behind at v%d, resync required",
				sub.id, projectID, version)
		}
	}
}

// SubscriberCount returns the number of registered subscribers, including
// ones already cut and awaiting unsubscribe.
func (b *Broadcaster) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.byID)
}

// Overflows returns how many subscribers have been dropped to
// resync-required since startup.
func (b *Broadcaster) Overflows() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.overflows
}

// Close shuts down every subscriber stream. Idempotent.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := make([]*Subscriber, 0, len(b.byID))
	for _, sub := range b.byID {
		subs = append(subs, sub)
	}
	b.byID = make(map[string]*Subscriber)
	b.byProject = make(map[string]map[string]*Subscriber)
	b.mu.Unlock()

	for _, sub := range subs {
		sub.closeNow()
	}
}
