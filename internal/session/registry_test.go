package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
)

type fakeConn struct{ id string }

func (c fakeConn) ID() string { return c.id }

func TestSessionIDsAreUnique(t *testing.T) {
	reg := NewRegistry(time.Hour, 5*time.Minute, nil)
	a := reg.Create(fakeConn{"a"}, 16000, "en-US")
	b := reg.Create(fakeConn{"b"}, 16000, "en-US")
	if a.ID == b.ID {
		t.Fatal("two sessions minted the same id")
	}
	if reg.Count() != 2 {
		t.Errorf("Count() = %d, want 2", reg.Count())
	}
}

func TestGetByConnection(t *testing.T) {
	reg := NewRegistry(time.Hour, 5*time.Minute, nil)
	conn := fakeConn{"c1"}
	sess := reg.Create(conn, 16000, "en-US")
	got, ok := reg.GetByConnection(conn)
	if !ok || got.ID != sess.ID {
		t.Fatalf("GetByConnection returned %v, %v, want %v, true", got, ok, sess.ID)
	}
}

func TestDeleteCascadesTeardownAndIsIdempotent(t *testing.T) {
	var mu sync.Mutex
	var tornDown []uuid.UUID
	reg := NewRegistry(time.Hour, 5*time.Minute, func(id uuid.UUID) {
		mu.Lock()
		tornDown = append(tornDown, id)
		mu.Unlock()
	})
	conn := fakeConn{"c1"}
	sess := reg.Create(conn, 16000, "en-US")

	reg.Delete(sess.ID, "client_disconnect")
	reg.Delete(sess.ID, "client_disconnect") // idempotent: second call is a no-op

	mu.Lock()
	defer mu.Unlock()
	if len(tornDown) != 1 {
		t.Fatalf("teardown called %d times, want 1", len(tornDown))
	}
	if reg.Count() != 0 {
		t.Errorf("Count() = %d, want 0 after delete", reg.Count())
	}
	if _, ok := reg.Get(sess.ID); ok {
		t.Error("deleted session still retrievable via Get")
	}
}

func TestSweepRemovesIdleSessions(t *testing.T) {
	reg := NewRegistry(time.Hour, 10*time.Millisecond, func(id uuid.UUID) {})
	conn := fakeConn{"idle"}
	reg.Create(conn, 16000, "en-US")

	reg.StartSweep(context.Background(), 20*time.Millisecond)
	defer reg.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for reg.Count() != 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if reg.Count() != 0 {
		t.Fatal("sweep did not remove idle session in time")
	}
}

func TestDeleteAllTearsDownEverySession(t *testing.T) {
	var mu sync.Mutex
	count := 0
	reg := NewRegistry(time.Hour, 5*time.Minute, func(id uuid.UUID) {
		mu.Lock()
		count++
		mu.Unlock()
	})
	reg.Create(fakeConn{"a"}, 16000, "en-US")
	reg.Create(fakeConn{"b"}, 16000, "en-US")
	reg.Create(fakeConn{"c"}, 16000, "en-US")

	reg.DeleteAll("supervisor_shutdown")

	mu.Lock()
	defer mu.Unlock()
	if count != 3 {
		t.Errorf("teardown called %d times, want 3", count)
	}
	if reg.Count() != 0 {
		t.Errorf("Count() = %d, want 0", reg.Count())
	}
}
