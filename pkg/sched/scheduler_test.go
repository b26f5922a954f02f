package sched

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestScheduleFires(t *testing.T) {
	s := New()
	done := make(chan struct{})
	s.Schedule(10*time.Millisecond, func() { close(done) })

	select {
	case <-done:
	case <-time.After(200 * time.Millisecond):
		t.Fatal("timer did not fire")
	}
}

func TestCancelPreventsFiring(t *testing.T) {
	s := New()
	fired := false
	id := s.Schedule(30*time.Millisecond, func() { fired = true })
	s.Cancel(id)

	time.Sleep(80 * time.Millisecond)
	assert.False(t, fired)
}

func TestCancelAll(t *testing.T) {
	s := New()
	var fired int
	for i := 0; i < 5; i++ {
		s.Schedule(20*time.Millisecond, func() { fired++ })
	}
	s.CancelAll()
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, 0, fired)
}
