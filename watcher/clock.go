package watcher

import "time"

// Clock abstracts time so debouncing and polling can be driven by tests.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is a stoppable pending call.
type Timer interface {
	Stop() bool
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// RealClock is the wall clock.
var RealClock Clock = realClock{}

// after delivers on the returned channel once d has passed on c.
func after(c Clock, d time.Duration) (<-chan struct{}, Timer) {
	ch := make(chan struct{}, 1)
	t := c.AfterFunc(d, func() { ch <- struct{}{} })
	return ch, t
}
