// Package sem implements the blocking counting semaphore, grounded
// directly on
// _examples/original_source/libuthread/sem.c. The decrement-after-wake
// ordering in Down (the counter is decremented once the waiter resumes,
// not by the waker) is carried over unchanged, matching both sem.c and
// the primary design this package follows.
package sem

import (
	"github.com/oichkatzelesfrettschen/tps/internal/defs"
	"github.com/oichkatzelesfrettschen/tps/internal/queue"
	"github.com/oichkatzelesfrettschen/tps/internal/sched"
)

// Sem_t is a counting semaphore with a strict FIFO wait queue.
type Sem_t struct {
	count   int
	waiters *queue.Queue_t[defs.Tid_t]
}

// Create allocates a semaphore with the given initial count.
func Create(initialCount int) *Sem_t {
	return &Sem_t{
		count:   initialCount,
		waiters: queue.New[defs.Tid_t](),
	}
}

// Destroy releases s. Fails with ERR_INVALID on a nil handle or
// ERR_BUSY if any thread is still waiting.
func Destroy(s *Sem_t) defs.Err_t {
	if s == nil {
		return defs.ERR_INVALID
	}
	sched.Enter()
	defer sched.Exit()
	if !s.waiters.Destroy() {
		return defs.ERR_BUSY
	}
	return defs.OK
}

// Down decrements the semaphore, blocking tid (the engine's only
// suspension point) if the count is already zero. On wake it resumes
// exactly once, in FIFO order relative to other waiters.
func (s *Sem_t) Down(tid defs.Tid_t) defs.Err_t {
	if s == nil {
		return defs.ERR_INVALID
	}
	sched.Enter()
	if s.count == 0 {
		s.waiters.Enqueue(tid)
		sched.Block(tid)
	}
	s.count--
	sched.Exit()
	return defs.OK
}

// Up increments the semaphore and, if any thread is waiting, wakes the
// head of the FIFO queue. At most one waiter is woken per Up.
func (s *Sem_t) Up() defs.Err_t {
	if s == nil {
		return defs.ERR_INVALID
	}
	sched.Enter()
	s.count++
	if tid, ok := s.waiters.Dequeue(); ok {
		sched.Unblock(tid)
	}
	sched.Exit()
	return defs.OK
}

// GetValue returns count if positive, or the negated number of waiters
// otherwise.
func (s *Sem_t) GetValue() (int, defs.Err_t) {
	if s == nil {
		return 0, defs.ERR_INVALID
	}
	sched.Enter()
	defer sched.Exit()
	if s.count > 0 {
		return s.count, defs.OK
	}
	return -s.waiters.Length(), defs.OK
}
