package sem

import (
	"sync"
	"testing"
	"time"

	"github.com/oichkatzelesfrettschen/tps/internal/defs"
	"github.com/oichkatzelesfrettschen/tps/internal/sched"
)

func TestGetValuePositiveAndNegative(t *testing.T) {
	s := Create(0)
	if v, errc := s.GetValue(); errc != defs.OK || v != 0 {
		t.Fatalf("GetValue empty: v=%d errc=%v", v, errc)
	}

	const n = 3
	for i := 0; i < n; i++ {
		if errc := s.Up(); errc != defs.OK {
			t.Fatalf("Up: %v", errc)
		}
	}
	for k := 0; k < n; k++ {
		tid, done := sched.Go(func(tid defs.Tid_t) {
			if errc := s.Down(tid); errc != defs.OK {
				t.Errorf("Down: %v", errc)
			}
		})
		<-done
		_ = tid
		if v, errc := s.GetValue(); errc != defs.OK || v != n-k-1 {
			t.Fatalf("after %d downs: got v=%d want %d", k+1, v, n-k-1)
		}
	}

	// With the count at zero, one blocked waiter makes GetValue negative.
	_, done := sched.Go(func(tid defs.Tid_t) {
		s.Down(tid)
	})
	deadline := time.Now().Add(time.Second)
	for {
		v, _ := s.GetValue()
		if v == -1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("GetValue with one waiter: got %d want -1", v)
		}
		time.Sleep(time.Millisecond)
	}
	s.Up()
	<-done
}

func TestRendezvous(t *testing.T) {
	s := Create(0)
	var resumed int32
	var mu sync.Mutex

	_, downDone := sched.Go(func(tid defs.Tid_t) {
		if errc := s.Down(tid); errc != defs.OK {
			t.Errorf("Down: %v", errc)
			return
		}
		mu.Lock()
		resumed++
		mu.Unlock()
	})

	// Give the waiter a chance to actually block before waking it; the
	// rendezvous must still be exactly-once regardless of this race.
	time.Sleep(10 * time.Millisecond)

	if errc := s.Up(); errc != defs.OK {
		t.Fatalf("Up: %v", errc)
	}

	select {
	case <-downDone:
	case <-time.After(time.Second):
		t.Fatal("waiter never resumed after Up")
	}

	mu.Lock()
	defer mu.Unlock()
	if resumed != 1 {
		t.Fatalf("waiter resumed %d times, want exactly 1", resumed)
	}
}

func TestFIFOWakeOrder(t *testing.T) {
	s := Create(0)
	const n = 5
	order := make(chan int, n)
	var starters sync.WaitGroup
	dones := make([]<-chan struct{}, n)

	for i := 0; i < n; i++ {
		i := i
		starters.Add(1)
		_, done := sched.Go(func(tid defs.Tid_t) {
			starters.Done()
			if errc := s.Down(tid); errc != defs.OK {
				t.Errorf("Down %d: %v", i, errc)
				return
			}
			order <- i
		})
		dones[i] = done
		// Serialize enrollment into the wait queue so enqueue order is
		// deterministic: each goroutine must reach Down (and block)
		// before the next is spawned.
		for {
			if v, _ := s.GetValue(); v == -(i + 1) {
				break
			}
			time.Sleep(time.Millisecond)
		}
	}

	for i := 0; i < n; i++ {
		if errc := s.Up(); errc != defs.OK {
			t.Fatalf("Up %d: %v", i, errc)
		}
		<-dones[i]
	}
	close(order)

	got := make([]int, 0, n)
	for v := range order {
		got = append(got, v)
	}
	for i, v := range got {
		if v != i {
			t.Fatalf("wake order %v, want strict FIFO 0..%d", got, n-1)
		}
	}
}

func TestDestroyFailsWithWaiters(t *testing.T) {
	s := Create(0)
	_, done := sched.Go(func(tid defs.Tid_t) {
		s.Down(tid)
	})

	for {
		if v, _ := s.GetValue(); v == -1 {
			break
		}
		time.Sleep(time.Millisecond)
	}

	if errc := Destroy(s); errc != defs.ERR_BUSY {
		t.Fatalf("Destroy with a waiter: got %v want ERR_BUSY", errc)
	}

	s.Up()
	<-done

	if errc := Destroy(s); errc != defs.OK {
		t.Fatalf("Destroy once drained: %v", errc)
	}
}

func TestDestroyNilIsInvalid(t *testing.T) {
	if errc := Destroy(nil); errc != defs.ERR_INVALID {
		t.Fatalf("Destroy(nil): got %v want ERR_INVALID", errc)
	}
}
