package cache

import (
	"io"
	"log"
	"testing"
	"time"
)

func testConfig(ttl time.Duration) *Config {
	return &Config{
		TTL:           ttl,
		SweepInterval: 0, // no background sweep in tests
		Logger:        log.New(io.Discard, "", 0),
	}
}

func key(project string, version int64) Key {
	return Key{ProjectID: project, Version: version}
}

// TestLookupMissThenHit verifies the basic store/lookup cycle and the
// hit/miss counters behind the stats hit rate.
func TestLookupMissThenHit(t *testing.T) {
	c := New(testConfig(time.Minute))
	defer c.Close()

	if _, ok := c.Lookup(key("proj1", 1)); ok {
		t.Fatal("Lookup on empty cache should miss")
	}

	c.Store(&Entry{Key: key("proj1", 1), Payload: []byte("body")})

	entry, ok := c.Lookup(key("proj1", 1))
	if !ok {
		t.Fatal("Expected a hit after Store")
	}
	if string(entry.Payload) != "body" {
		t.Errorf("Wrong payload: %q", entry.Payload)
	}

	st := c.Stats()
	if st.Hits != 1 || st.Misses != 1 {
		t.Errorf("Expected 1 hit / 1 miss, got %d / %d", st.Hits, st.Misses)
	}
	if st.HitRate != 0.5 {
		t.Errorf("Expected hit rate 0.5, got %f", st.HitRate)
	}
}

// TestExactKeyMatch verifies a hit requires the full request shape, not
// just project and version.
func TestExactKeyMatch(t *testing.T) {
	c := New(testConfig(time.Minute))
	defer c.Close()

	full := Key{ProjectID: "proj1", Version: 3}
	c.Store(&Entry{Key: full, Payload: []byte("full")})

	variants := []Key{
		{ProjectID: "proj1", Version: 2},
		{ProjectID: "proj2", Version: 3},
		{ProjectID: "proj1", Version: 3, SinceVersion: 1},
		{ProjectID: "proj1", Version: 3, MaxTokens: 100},
		{ProjectID: "proj1", Version: 3, Compress: true},
	}
	for _, k := range variants {
		if _, ok := c.Lookup(k); ok {
			t.Errorf("Key %+v should miss", k)
		}
	}
	if _, ok := c.Lookup(full); !ok {
		t.Error("Exact key should hit")
	}
}

// TestTTLExpiry verifies expired entries stop being served and are dropped
// lazily on lookup.
func TestTTLExpiry(t *testing.T) {
	c := New(testConfig(20 * time.Millisecond))
	defer c.Close()

	c.Store(&Entry{Key: key("proj1", 1), Payload: []byte("body")})
	if _, ok := c.Lookup(key("proj1", 1)); !ok {
		t.Fatal("Fresh entry should hit")
	}

	time.Sleep(40 * time.Millisecond)
	if _, ok := c.Lookup(key("proj1", 1)); ok {
		t.Fatal("Expired entry should miss")
	}
	if st := c.Stats(); st.Entries != 0 {
		t.Errorf("Expired entry should be dropped on lookup, %d left", st.Entries)
	}
}

// TestInvalidateProject verifies a put-triggered invalidation removes every
// entry for the project and nothing else.
func TestInvalidateProject(t *testing.T) {
	c := New(testConfig(time.Minute))
	defer c.Close()

	c.Store(&Entry{Key: key("proj1", 1)})
	c.Store(&Entry{Key: key("proj1", 2)})
	c.Store(&Entry{Key: Key{ProjectID: "proj1", Version: 2, MaxTokens: 50}})
	c.Store(&Entry{Key: key("proj2", 1)})

	if removed := c.InvalidateProject("proj1"); removed != 3 {
		t.Errorf("Expected 3 entries removed, got %d", removed)
	}
	if _, ok := c.Lookup(key("proj1", 2)); ok {
		t.Error("Invalidated entry still served")
	}
	if _, ok := c.Lookup(key("proj2", 1)); !ok {
		t.Error("Unrelated project was invalidated")
	}
}

// TestRemoveExpired verifies the sweep drops only expired entries.
func TestRemoveExpired(t *testing.T) {
	c := New(testConfig(25 * time.Millisecond))
	defer c.Close()

	c.Store(&Entry{Key: key("old", 1)})
	time.Sleep(40 * time.Millisecond)
	c.Store(&Entry{Key: key("new", 1)})

	if removed := c.RemoveExpired(); removed != 1 {
		t.Errorf("Expected 1 expired entry removed, got %d", removed)
	}
	if _, ok := c.Lookup(key("new", 1)); !ok {
		t.Error("Fresh entry swept")
	}
}

// TestBackgroundSweep verifies the sweep loop removes expired entries on
// its own.
func TestBackgroundSweep(t *testing.T) {
	c := New(&Config{
		TTL:           10 * time.Millisecond,
		SweepInterval: 10 * time.Millisecond,
		Logger:        log.New(io.Discard, "", 0),
	})
	defer c.Close()

	c.Store(&Entry{Key: key("proj1", 1)})

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if c.Stats().Entries == 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("Background sweep never removed the expired entry")
}
