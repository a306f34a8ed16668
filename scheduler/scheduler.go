// Package scheduler provides the single time-ordered job queue the core
// node uses for every deferred action: bucket refills, search steps,
// value expiry sweeps, token rotation, storage maintenance. It replaces
// the teacher's repeated "case <-time.After(time.Second):" branch in its
// main select loop (kademila/kademila.go) with a real priority queue, so
// the core can schedule arbitrarily many jobs at arbitrary delays without
// growing its select statement, and so tests can drive time deterministically
// instead of sleeping on a wall clock.
package scheduler

import (
	"container/heap"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// Job is a handle to a scheduled function. Passing it to Cancel prevents
// the function from firing, if it hasn't already.
type Job struct {
	index int // heap index, maintained by container/heap
	at    time.Time
	fn    func()
	// period is non-zero for a recurring job; after firing, the job is
	// rescheduled at at.Add(period) rather than removed.
	period   time.Duration
	canceled bool
}

// At returns the job's next scheduled fire time.
func (j *Job) At() time.Time { return j.at }

type jobHeap []*Job

func (h jobHeap) Len() int            { return len(h) }
func (h jobHeap) Less(i, j int) bool  { return h[i].at.Before(h[j].at) }
func (h jobHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *jobHeap) Push(x interface{}) {
	j := x.(*Job)
	j.index = len(*h)
	*h = append(*h, j)
}
func (h *jobHeap) Pop() interface{} {
	old := *h
	n := len(old)
	j := old[n-1]
	old[n-1] = nil
	j.index = -1
	*h = old[:n-1]
	return j
}

// Scheduler is a time-ordered min-heap of pending jobs, advanced either by
// wall-clock ticks (via Run) or manually (via RunDue, for tests driven by
// a clock.Mock).
type Scheduler struct {
	clock clock.Clock

	mu   sync.Mutex
	heap jobHeap
}

// New returns a Scheduler backed by the real wall clock.
func New() *Scheduler {
	return NewWithClock(clock.New())
}

// NewWithClock returns a Scheduler backed by the given clock, letting
// tests substitute a clock.Mock for deterministic timing.
func NewWithClock(c clock.Clock) *Scheduler {
	return &Scheduler{clock: c}
}

// Now returns the scheduler's current time.
func (s *Scheduler) Now() time.Time {
	return s.clock.Now()
}

// Schedule queues fn to run once, after d elapses.
func (s *Scheduler) Schedule(d time.Duration, fn func()) *Job {
	return s.schedule(s.clock.Now().Add(d), 0, fn)
}

// ScheduleAt queues fn to run once, at the given absolute time.
func (s *Scheduler) ScheduleAt(at time.Time, fn func()) *Job {
	return s.schedule(at, 0, fn)
}

// ScheduleEvery queues fn to run first after d, then again every d
// thereafter, until canceled. This is the scheduler's equivalent of the
// teacher's fixed time.After(time.Second) polling branch, generalized to
// an arbitrary per-job period (bucket refill, search step, secret
// rotation all run on their own periods).
func (s *Scheduler) ScheduleEvery(d time.Duration, fn func()) *Job {
	return s.schedule(s.clock.Now().Add(d), d, fn)
}

func (s *Scheduler) schedule(at time.Time, period time.Duration, fn func()) *Job {
	j := &Job{at: at, fn: fn, period: period}
	s.mu.Lock()
	heap.Push(&s.heap, j)
	s.mu.Unlock()
	return j
}

// Cancel prevents a pending job from firing. Safe to call more than once,
// and safe to call from inside the job's own function.
func (s *Scheduler) Cancel(j *Job) {
	if j == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	j.canceled = true
	if j.index >= 0 && j.index < len(s.heap) && s.heap[j.index] == j {
		heap.Remove(&s.heap, j.index)
	}
}

// RunDue pops and runs every job whose fire time is at or before now,
// returning how many ran. Recurring jobs are re-queued at at+period
// before their function runs, so a job rescheduling or canceling itself
// from within fn observes its own next occurrence correctly.
func (s *Scheduler) RunDue(now time.Time) int {
	var due []*Job
	s.mu.Lock()
	for len(s.heap) > 0 && !s.heap[0].at.After(now) {
		j := heap.Pop(&s.heap).(*Job)
		if j.canceled {
			continue
		}
		if j.period > 0 {
			j.at = j.at.Add(j.period)
			heap.Push(&s.heap, j)
		}
		due = append(due, j)
	}
	s.mu.Unlock()

	for _, j := range due {
		j.fn()
	}
	return len(due)
}

// Next returns the fire time of the earliest pending job, and false if the
// queue is empty.
func (s *Scheduler) Next() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.heap) == 0 {
		return time.Time{}, false
	}
	return s.heap[0].at, true
}

// Len reports the number of pending jobs.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.heap)
}

// Run drives the scheduler against its own clock until ctx-like stop is
// requested via the returned stop function, waking once per tick to run
// whatever became due. It is the production entry point; tests instead
// call RunDue directly against a clock.Mock.
func (s *Scheduler) Run(tick time.Duration) (stop func()) {
	done := make(chan struct{})
	ticker := s.clock.Ticker(tick)
	go func() {
		for {
			select {
			case <-done:
				ticker.Stop()
				return
			case <-ticker.C:
				s.RunDue(s.clock.Now())
			}
		}
	}()
	var once sync.Once
	return func() {
		once.Do(func() { close(done) })
	}
}
