package gateway

import "testing"

func msg(id string, p Priority) Message {
	return Message{ID: id, Type: TypeDeviceCommand, Priority: p}
}

func TestQueue_DrainsHighestPriorityFirst(t *testing.T) {
	q := newMessageQueue(10)
	q.push(msg("low-1", PriorityLow))
	q.push(msg("norm-1", PriorityNormal))
	q.push(msg("high-1", PriorityHigh))
	q.push(msg("norm-2", PriorityNormal))
	q.push(msg("high-2", PriorityHigh))

	got := q.drain(10)
	want := []string{"high-1", "high-2", "norm-1", "norm-2", "low-1"}
	if len(got) != len(want) {
		t.Fatalf("drained %d messages, want %d", len(got), len(want))
	}
	for i, id := range want {
		if got[i].ID != id {
			t.Errorf("drain[%d] = %q, want %q", i, got[i].ID, id)
		}
	}
}

func TestQueue_DrainRespectsLimit(t *testing.T) {
	q := newMessageQueue(10)
	for i := 0; i < 5; i++ {
		q.push(msg("m", PriorityNormal))
	}
	if got := q.drain(2); len(got) != 2 {
		t.Fatalf("drain(2) returned %d messages", len(got))
	}
	if q.depth() != 3 {
		t.Fatalf("depth = %d after partial drain, want 3", q.depth())
	}
}

func TestQueue_EvictsOldestLowestPriority(t *testing.T) {
	q := newMessageQueue(3)
	q.push(msg("low-old", PriorityLow))
	q.push(msg("low-new", PriorityLow))
	q.push(msg("high", PriorityHigh))

	evicted := q.push(msg("norm", PriorityNormal))
	if evicted == nil {
		t.Fatal("push over capacity evicted nothing")
	}
	if evicted.ID != "low-old" {
		t.Fatalf("evicted %q, want oldest lowest-priority message low-old", evicted.ID)
	}
	if q.depth() != 3 {
		t.Fatalf("depth = %d after eviction, want 3", q.depth())
	}
	if q.droppedCount() != 1 {
		t.Fatalf("droppedCount = %d, want 1", q.droppedCount())
	}

	got := q.drain(10)
	want := []string{"high", "norm", "low-new"}
	for i, id := range want {
		if got[i].ID != id {
			t.Errorf("drain[%d] = %q, want %q", i, got[i].ID, id)
		}
	}
}

func TestQueue_EmptyDrain(t *testing.T) {
	q := newMessageQueue(4)
	if got := q.drain(10); got != nil {
		t.Fatalf("drain of empty queue returned %v", got)
	}
}
