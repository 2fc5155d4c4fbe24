package eventloop

import (
	"container/heap"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
)

// Loop is a single-goroutine task executor with timers.
type Loop struct {
	clock clockwork.Clock
	log   *logrus.Entry

	mu     sync.Mutex
	tasks  []func()
	timers timerHeap
	seq    uint64

	wake     chan struct{}
	inflight sync.WaitGroup
}

// New returns a loop reading time from clock.
func New(clock clockwork.Clock, log *logrus.Entry) *Loop {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Loop{
		clock: clock,
		log:   log.WithField("component", "eventloop"),
		wake:  make(chan struct{}, 1),
	}
}

// Now returns the loop clock's current time.
func (l *Loop) Now() time.Time { return l.clock.Now() }

// Post queues fn to run on the loop. Safe from any goroutine.
func (l *Loop) Post(fn func()) {
	l.mu.Lock()
	l.tasks = append(l.tasks, fn)
	l.mu.Unlock()
	l.signal()
}

// AfterFunc schedules fn to run on the loop once d has elapsed.
func (l *Loop) AfterFunc(d time.Duration, fn func()) *Timer {
	l.mu.Lock()
	l.seq++
	t := &Timer{loop: l, at: l.clock.Now().Add(d), seq: l.seq, fn: fn}
	heap.Push(&l.timers, t)
	l.mu.Unlock()
	l.signal()
	return t
}

// Async runs work on a new goroutine and then posts then(result, err) to the
// loop. A panic in work is reported as an error.
func Async[T any](l *Loop, work func() (T, error), then func(T, error)) {
	l.inflight.Add(1)
	go func() {
		defer l.inflight.Done()
		v, err := protect(work)
		l.Post(func() { then(v, err) })
	}()
}

func protect[T any](work func() (T, error)) (v T, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("async work panicked: %v", r)
		}
	}()
	return work()
}

// Run executes tasks and timers until ctx is done.
func (l *Loop) Run(ctx context.Context) error {
	for {
		l.runPending()

		var (
			timer  clockwork.Timer
			timerC <-chan time.Time
		)
		if d, ok := l.nextDeadline(); ok {
			timer = l.clock.NewTimer(d)
			timerC = timer.Chan()
		}
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return ctx.Err()
		case <-l.wake:
		case <-timerC:
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

// Settle runs until no task is queued, no timer is due and no Async work is
// in flight. It must not be used together with Run.
func (l *Loop) Settle() {
	for {
		l.inflight.Wait()
		if !l.runPending() {
			return
		}
	}
}

// runPending drains queued tasks and due timers and reports whether
// anything ran.
func (l *Loop) runPending() bool {
	ran := false
	for {
		l.mu.Lock()
		tasks := l.tasks
		l.tasks = nil
		l.mu.Unlock()

		for _, fn := range tasks {
			l.run(fn)
		}
		fired := l.fireDue()
		if len(tasks) == 0 && !fired {
			return ran
		}
		ran = true
	}
}

func (l *Loop) fireDue() bool {
	now := l.clock.Now()
	fired := false
	for {
		l.mu.Lock()
		if len(l.timers) == 0 || l.timers[0].at.After(now) {
			l.mu.Unlock()
			return fired
		}
		t := heap.Pop(&l.timers).(*Timer)
		l.mu.Unlock()

		l.run(t.fn)
		fired = true
	}
}

func (l *Loop) nextDeadline() (time.Duration, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.tasks) > 0 {
		return 0, true
	}
	if len(l.timers) == 0 {
		return 0, false
	}
	d := l.timers[0].at.Sub(l.clock.Now())
	if d < 0 {
		d = 0
	}
	return d, true
}

func (l *Loop) run(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.log.WithField("panic", r).Error("task panicked; continuing")
		}
	}()
	fn()
}

func (l *Loop) signal() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}
