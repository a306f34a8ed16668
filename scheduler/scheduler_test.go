package scheduler

import (
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScheduleFiresOnceAtDelay(t *testing.T) {
	mock := clock.NewMock()
	s := NewWithClock(mock)

	var fired int
	s.Schedule(5*time.Second, func() { fired++ })

	assert.Equal(t, 0, s.RunDue(mock.Now()))
	mock.Add(5 * time.Second)
	assert.Equal(t, 1, s.RunDue(mock.Now()))
	assert.Equal(t, 1, fired)

	// does not fire again
	mock.Add(5 * time.Second)
	assert.Equal(t, 0, s.RunDue(mock.Now()))
	assert.Equal(t, 1, fired)
}

func TestScheduleEveryRecurs(t *testing.T) {
	mock := clock.NewMock()
	s := NewWithClock(mock)

	var fired int
	s.ScheduleEvery(time.Second, func() { fired++ })

	for i := 0; i < 3; i++ {
		mock.Add(time.Second)
		s.RunDue(mock.Now())
	}
	assert.Equal(t, 3, fired)
}

func TestCancelPreventsFiring(t *testing.T) {
	mock := clock.NewMock()
	s := NewWithClock(mock)

	var fired int
	j := s.Schedule(time.Second, func() { fired++ })
	s.Cancel(j)

	mock.Add(time.Second)
	assert.Equal(t, 0, s.RunDue(mock.Now()))
	assert.Equal(t, 0, fired)
}

func TestCancelFromWithinJob(t *testing.T) {
	mock := clock.NewMock()
	s := NewWithClock(mock)

	var fired int
	var j *Job
	j = s.ScheduleEvery(time.Second, func() {
		fired++
		if fired == 2 {
			s.Cancel(j)
		}
	})
	_ = j

	for i := 0; i < 5; i++ {
		mock.Add(time.Second)
		s.RunDue(mock.Now())
	}
	assert.Equal(t, 2, fired)
}

func TestRunDueOrdersByFireTime(t *testing.T) {
	mock := clock.NewMock()
	s := NewWithClock(mock)

	var order []int
	s.Schedule(3*time.Second, func() { order = append(order, 3) })
	s.Schedule(1*time.Second, func() { order = append(order, 1) })
	s.Schedule(2*time.Second, func() { order = append(order, 2) })

	mock.Add(3 * time.Second)
	n := s.RunDue(mock.Now())
	require.Equal(t, 3, n)
	assert.Equal(t, []int{1, 2, 3}, order)
}

func TestNextReportsEarliestPending(t *testing.T) {
	mock := clock.NewMock()
	s := NewWithClock(mock)

	_, ok := s.Next()
	assert.False(t, ok)

	s.Schedule(10*time.Second, func() {})
	s.Schedule(2*time.Second, func() {})

	at, ok := s.Next()
	require.True(t, ok)
	assert.Equal(t, mock.Now().Add(2*time.Second), at)
}
