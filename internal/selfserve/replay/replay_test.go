package replay

import (
	"testing"
	"time"
)

func TestStoreMarkAndSeen(t *testing.T) {
	now := time.Unix(1700000000, 0)
	s := NewStoreWithClock(func() time.Time { return now })

	if s.Seen("cs_test_1") {
		t.Fatal("fresh store should not have seen any key")
	}

	s.Mark("cs_test_1", 30*time.Second)
	if !s.Seen("cs_test_1") {
		t.Fatal("key should be seen immediately after Mark")
	}
	if s.Seen("cs_test_2") {
		t.Fatal("unrelated key should not be seen")
	}

	now = now.Add(29 * time.Second)
	if !s.Seen("cs_test_1") {
		t.Fatal("key should still be seen inside the TTL window")
	}

	now = now.Add(2 * time.Second)
	if s.Seen("cs_test_1") {
		t.Fatal("key should expire after the TTL window")
	}
}

func TestStoreForget(t *testing.T) {
	now := time.Unix(1700000000, 0)
	s := NewStoreWithClock(func() time.Time { return now })

	s.Mark("evt_1", time.Minute)
	s.Forget("evt_1")
	if s.Seen("evt_1") {
		t.Fatal("forgotten key should not be seen")
	}
}

func TestStoreZeroTTLIgnored(t *testing.T) {
	s := NewStore()
	s.Mark("evt_1", 0)
	if s.Seen("evt_1") {
		t.Fatal("zero TTL mark should be a no-op")
	}
}

func TestStorePrunesExpiredEntries(t *testing.T) {
	now := time.Unix(1700000000, 0)
	s := NewStoreWithClock(func() time.Time { return now })

	s.Mark("old_1", time.Second)
	s.Mark("old_2", time.Second)
	now = now.Add(time.Hour)
	s.Mark("new_1", time.Second)

	s.mu.Lock()
	size := len(s.expiry)
	s.mu.Unlock()
	if size != 1 {
		t.Fatalf("expected expired entries to be pruned, map size=%d", size)
	}
}
