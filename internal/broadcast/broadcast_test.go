package broadcast

import (
	"errors"
	"fmt"
	"io"
	"log"
	"testing"
	"time"

	"github.com/ctxsync/ctxsyncd/internal/diff"
	"github.com/ctxsync/ctxsyncd/internal/store"
)

// stubVersions is a VersionSource backed by a map.
type stubVersions map[string]int64

func (v stubVersions) CurrentVersion(projectID string) (int64, error) {
	ver, ok := v[projectID]
	if !ok {
		return 0, fmt.Errorf("%w: %q", store.ErrNotFound, projectID)
	}
	return ver, nil
}

func testConfig(queue int) *Config {
	return &Config{QueueSize: queue, Logger: log.New(io.Discard, "", 0)}
}

// TestSubscribeUnknownProject verifies NotFound surfaces immediately.
func TestSubscribeUnknownProject(t *testing.T) {
	b := New(stubVersions{}, testConfig(4))
	defer b.Close()

	if _, err := b.Subscribe("nope"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("Expected ErrNotFound, got %v", err)
	}
}

// TestSubscribeStartsAtCurrentVersion verifies there is no backlog replay.
func TestSubscribeStartsAtCurrentVersion(t *testing.T) {
	b := New(stubVersions{"proj1": 5}, testConfig(4))
	defer b.Close()

	sub, err := b.Subscribe("proj1")
	if err != nil {
		t.Fatalf("Subscribe() failed: %v", err)
	}
	if sub.LastAckedVersion() != 5 {
		t.Errorf("Expected lastAcked 5, got %d", sub.LastAckedVersion())
	}
	if b.SubscriberCount() != 1 {
		t.Errorf("Expected 1 subscriber, got %d", b.SubscriberCount())
	}
}

// TestPublishDeliversInOrder verifies subscribers see versions in strictly
// increasing order with no gaps.
func TestPublishDeliversInOrder(t *testing.T) {
	b := New(stubVersions{"proj1": 0}, testConfig(8))
	defer b.Close()

	sub, err := b.Subscribe("proj1")
	if err != nil {
		t.Fatalf("Subscribe() failed: %v", err)
	}

	for v := int64(1); v <= 5; v++ {
		b.Publish("proj1", v, diff.Result{})
	}

	for want := int64(1); want <= 5; want++ {
		select {
		case ev := <-sub.Events():
			if ev.Version != want {
				t.Fatalf("Expected version %d, got %d", want, ev.Version)
			}
		case <-time.After(time.Second):
			t.Fatalf("Timed out waiting for version %d", want)
		}
	}
}

// TestPublishIsolatesProjects verifies events only reach subscribers of the
// published project.
func TestPublishIsolatesProjects(t *testing.T) {
	b := New(stubVersions{"proj1": 0, "proj2": 0}, testConfig(4))
	defer b.Close()

	sub1, _ := b.Subscribe("proj1")
	sub2, _ := b.Subscribe("proj2")

	b.Publish("proj1", 1, diff.Result{})

	select {
	case ev := <-sub1.Events():
		if ev.ProjectID != "proj1" {
			t.Errorf("Wrong project on event: %s", ev.ProjectID)
		}
	case <-time.After(time.Second):
		t.Fatal("proj1 subscriber got nothing")
	}

	select {
	case ev := <-sub2.Events():
		t.Fatalf("proj2 subscriber leaked event %+v", ev)
	case <-time.After(20 * time.Millisecond):
	}
}

// TestSlowSubscriberCutToResync verifies the backpressure policy: a full
// queue moves the subscriber to resync-required, closes its stream, and
// never blocks the publisher.
func TestSlowSubscriberCutToResync(t *testing.T) {
	b := New(stubVersions{"proj1": 0}, testConfig(2))
	defer b.Close()

	sub, err := b.Subscribe("proj1")
	if err != nil {
		t.Fatalf("Subscribe() failed: %v", err)
	}

	// Nothing drains the channel: the third publish overflows.
	done := make(chan struct{})
	go func() {
		for v := int64(1); v <= 4; v++ {
			b.Publish("proj1", v, diff.Result{})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a slow subscriber")
	}

	if err := sub.Err(); !errors.Is(err, ErrSubscriberOverflow) {
		t.Fatalf("Expected ErrSubscriberOverflow, got %v", err)
	}
	if b.Overflows() != 1 {
		t.Errorf("Expected 1 overflow recorded, got %d", b.Overflows())
	}

	// The queued events are still readable, then the channel closes.
	var received int
	for range sub.Events() {
		received++
	}
	if received != 2 {
		t.Errorf("Expected the 2 queued events before the cut, got %d", received)
	}
}

// TestUnsubscribeIdempotent verifies unsubscribe removes the subscriber,
// closes its stream, and tolerates repeats and unknown IDs.
func TestUnsubscribeIdempotent(t *testing.T) {
	b := New(stubVersions{"proj1": 0}, testConfig(4))
	defer b.Close()

	sub, err := b.Subscribe("proj1")
	if err != nil {
		t.Fatalf("Subscribe() failed: %v", err)
	}

	b.Unsubscribe(sub.ID())
	if b.SubscriberCount() != 0 {
		t.Errorf("Expected 0 subscribers, got %d", b.SubscriberCount())
	}

	select {
	case _, ok := <-sub.Events():
		if ok {
			t.Error("Expected closed channel after unsubscribe")
		}
	case <-time.After(time.Second):
		t.Fatal("Channel not closed after unsubscribe")
	}
	if sub.Err() != nil {
		t.Errorf("Clean unsubscribe should not flag resync: %v", sub.Err())
	}

	// Repeats and unknowns are no-ops.
	b.Unsubscribe(sub.ID())
	b.Unsubscribe("no-such-id")
}

// TestPublishAfterUnsubscribe verifies a removed subscriber gets nothing.
func TestPublishAfterUnsubscribe(t *testing.T) {
	b := New(stubVersions{"proj1": 0}, testConfig(4))
	defer b.Close()

	sub, _ := b.Subscribe("proj1")
	b.Unsubscribe(sub.ID())

	b.Publish("proj1", 1, diff.Result{})
	if b.Overflows() != 0 {
		t.Errorf("Publish to removed subscriber should not count as overflow")
	}
}

// TestCloseShutsDownStreams verifies Close closes every subscriber stream
// and further subscribes fail.
func TestCloseShutsDownStreams(t *testing.T) {
	b := New(stubVersions{"proj1": 0}, testConfig(4))

	sub, _ := b.Subscribe("proj1")
	b.Close()

	if _, ok := <-sub.Events(); ok {
		t.Error("Expected closed channel after broadcaster Close")
	}
	if _, err := b.Subscribe("proj1"); err == nil {
		t.Error("Subscribe after Close should fail")
	}

	// Close is idempotent.
	b.Close()
}
