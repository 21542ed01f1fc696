package supervisor

import "testing"

func TestActivityBufferEviction(t *testing.T) {
	buf := NewActivityBuffer(3)
	for i := 0; i < 5; i++ {
		buf.Add("launch", 1, int64(i), "started")
	}

	entries := buf.Latest(10)
	if len(entries) != 3 {
		t.Fatalf("Expected 3 entries at capacity, got %d", len(entries))
	}
	if entries[0].ProjectID != 2 || entries[2].ProjectID != 4 {
		t.Errorf("Expected oldest entries evicted, got %+v", entries)
	}
	if entries[0].ID >= entries[1].ID {
		t.Error("Expected monotonically increasing ids")
	}
}

func TestActivityBufferLatestCount(t *testing.T) {
	buf := NewActivityBuffer(10)
	buf.Add("stop", 1, 1, "stopped")
	buf.Add("stop", 1, 2, "stopped")

	if got := len(buf.Latest(1)); got != 1 {
		t.Errorf("Expected 1 entry, got %d", got)
	}
	if got := len(buf.Latest(0)); got != 0 {
		t.Errorf("Expected 0 entries for count 0, got %d", got)
	}
}
