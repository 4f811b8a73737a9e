package ratelimit

import (
	"testing"
	"time"

	"github.com/matryer/is"
)

func TestConcurrentCallCap(t *testing.T) {
	is := is.New(t)

	l := New(2, time.Minute, 10)
	is.True(l.TryAdmit("+15550000001"))
	is.True(l.TryAdmit("+15550000002"))
	is.Equal(l.ActiveCalls(), 2)

	// Third caller bounces off the cap
	is.True(!l.TryAdmit("+15550000003"))

	l.Release()
	is.True(l.TryAdmit("+15550000003"))
}

func TestPerCallerSlidingWindow(t *testing.T) {
	is := is.New(t)

	now := time.Now()
	l := New(100, time.Minute, 3)
	l.now = func() time.Time { return now }

	caller := "+15550001111"
	for i := 0; i < 3; i++ {
		is.True(l.TryAdmit(caller))
		l.Release()
	}

	// Window exhausted for this caller, but not for others
	is.True(!l.TryAdmit(caller))
	is.True(l.TryAdmit("+15550002222"))

	// Once the oldest admission falls out of the window, the caller may
	// ring again
	now = now.Add(61 * time.Second)
	is.True(l.TryAdmit(caller))
}

func TestRefusalChangesNothing(t *testing.T) {
	is := is.New(t)

	l := New(1, time.Minute, 10)
	is.True(l.TryAdmit("+15550000001"))

	// Refused by the concurrency cap; the caller's window must not be
	// charged for it
	is.True(!l.TryAdmit("+15550000002"))
	is.Equal(l.ActiveCalls(), 1)

	l.Release()
	is.True(l.TryAdmit("+15550000002"))
}

func TestReleaseSaturatesAtZero(t *testing.T) {
	is := is.New(t)

	l := New(1, time.Minute, 10)
	l.Release()
	l.Release()
	is.Equal(l.ActiveCalls(), 0)
	is.True(l.TryAdmit("+15550000001"))
}
