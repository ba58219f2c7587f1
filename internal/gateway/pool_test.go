package gateway

import "testing"

func testConn(user, region, deviceScope string) *ClientConn {
	claims := &Claims{UserID: user, Region: region, DeviceID: deviceScope}
	return newClientConn(nil, claims, 8, nil)
}

// drainSend collects everything currently buffered on the connection's
// send channel.
func drainSend(c *ClientConn) [][]byte {
	var out [][]byte
	for {
		select {
		case data, ok := <-c.send:
			if !ok {
				return out
			}
			out = append(out, data)
		default:
			return out
		}
	}
}

func TestPool_IndicesFollowLifecycle(t *testing.T) {
	p := NewPool(0)
	alice := testConn("alice", "eu", "")
	aliceB := testConn("alice", "us", "")
	bob := testConn("bob", "eu", "meter-1")

	for _, c := range []*ClientConn{alice, aliceB, bob} {
		if err := p.Add(c); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}
	p.Subscribe(alice, "lamp-1")
	p.Subscribe(bob, "lamp-1")
	p.JoinRoom(aliceB, "ops")

	if p.Len() != 3 {
		t.Fatalf("Len = %d, want 3", p.Len())
	}
	if got := len(p.snapshotIndex(p.byUser, "alice")); got != 2 {
		t.Fatalf("alice index holds %d conns, want 2", got)
	}
	if got := len(p.snapshotIndex(p.byRegion, "eu")); got != 2 {
		t.Fatalf("eu index holds %d conns, want 2", got)
	}
	if got := len(p.snapshotIndex(p.byDevice, "meter-1")); got != 1 {
		t.Fatalf("meter-1 scope index holds %d conns, want 1", got)
	}
	if got := len(p.snapshotIndex(p.subs, "lamp-1")); got != 2 {
		t.Fatalf("lamp-1 subscribers = %d, want 2", got)
	}

	p.Remove(alice)
	p.Remove(bob)

	if p.Len() != 1 {
		t.Fatalf("Len = %d after removals, want 1", p.Len())
	}
	if got := len(p.snapshotIndex(p.byUser, "alice")); got != 1 {
		t.Fatalf("alice index holds %d conns after removal, want 1", got)
	}
	if got := len(p.snapshotIndex(p.subs, "lamp-1")); got != 0 {
		t.Fatalf("lamp-1 still has %d subscribers after removals", got)
	}

	// Empty buckets are deleted outright, not left as empty maps.
	p.mu.RLock()
	if _, ok := p.byDevice["meter-1"]; ok {
		t.Error("meter-1 scope bucket survived its last connection")
	}
	if _, ok := p.subs["lamp-1"]; ok {
		t.Error("lamp-1 subscription bucket survived its last connection")
	}
	p.mu.RUnlock()

	p.Remove(aliceB)
	p.mu.RLock()
	dangling := len(p.byUser) + len(p.byDevice) + len(p.byRegion) + len(p.rooms) + len(p.subs)
	p.mu.RUnlock()
	if dangling != 0 {
		t.Fatalf("%d index buckets remain after all connections removed", dangling)
	}
}

func TestPool_RemoveIsIdempotent(t *testing.T) {
	p := NewPool(0)
	c := testConn("alice", "", "")
	if err := p.Add(c); err != nil {
		t.Fatalf("Add: %v", err)
	}
	p.Remove(c)
	p.Remove(c) // second remove must not panic on the closed channel
	if !c.isClosed() {
		t.Fatal("connection not marked closed after removal")
	}
}

func TestPool_CapacityLimit(t *testing.T) {
	p := NewPool(2)
	if err := p.Add(testConn("a", "", "")); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := p.Add(testConn("b", "", "")); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := p.Add(testConn("c", "", "")); err != ErrPoolFull {
		t.Fatalf("Add over capacity = %v, want ErrPoolFull", err)
	}
}

func TestPool_TargetedBroadcasts(t *testing.T) {
	p := NewPool(0)
	alice := testConn("alice", "eu", "")
	bob := testConn("bob", "us", "")
	p.Add(alice)
	p.Add(bob)
	p.Subscribe(bob, "lamp-1")
	p.JoinRoom(alice, "ops")

	p.BroadcastRegion("eu", []byte("eu"))
	p.BroadcastDevice("lamp-1", []byte("lamp"))
	p.BroadcastRoom("ops", []byte("room"))
	p.BroadcastUser("bob", []byte("user"))
	p.Broadcast([]byte("all"))

	aliceGot := drainSend(alice)
	bobGot := drainSend(bob)
	if len(aliceGot) != 3 { // eu, room, all
		t.Fatalf("alice received %d frames, want 3", len(aliceGot))
	}
	if len(bobGot) != 3 { // lamp, user, all
		t.Fatalf("bob received %d frames, want 3", len(bobGot))
	}
}

func TestPool_SubscribeAfterRemoveIsNoop(t *testing.T) {
	p := NewPool(0)
	c := testConn("alice", "", "")
	p.Add(c)
	p.Remove(c)
	p.Subscribe(c, "lamp-1")
	p.mu.RLock()
	_, ok := p.subs["lamp-1"]
	p.mu.RUnlock()
	if ok {
		t.Fatal("subscription index gained an entry for a removed connection")
	}
}
