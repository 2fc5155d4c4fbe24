package eventloop_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"entropy/internal/eventloop"
)

func newLoop() (*eventloop.Loop, *clockwork.FakeClock) {
	clock := clockwork.NewFakeClock()
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return eventloop.New(clock, logrus.NewEntry(log)), clock
}

func TestPost_RunsInOrder(t *testing.T) {
	loop, _ := newLoop()
	var got []int
	for i := 0; i < 5; i++ {
		i := i
		loop.Post(func() { got = append(got, i) })
	}
	loop.Settle()
	assert.Equal(t, []int{0, 1, 2, 3, 4}, got)
}

func TestAfterFunc_FiresByDeadline(t *testing.T) {
	loop, clock := newLoop()
	var got []string
	loop.AfterFunc(2*time.Second, func() { got = append(got, "b") })
	loop.AfterFunc(time.Second, func() { got = append(got, "a") })
	loop.AfterFunc(2*time.Second, func() { got = append(got, "c") })

	loop.Settle()
	assert.Empty(t, got)

	clock.Advance(time.Second)
	loop.Settle()
	assert.Equal(t, []string{"a"}, got)

	clock.Advance(time.Second)
	loop.Settle()
	assert.Equal(t, []string{"a", "b", "c"}, got)
}

func TestStop_PreventsDueCallback(t *testing.T) {
	loop, clock := newLoop()
	fired := false
	timer := loop.AfterFunc(time.Second, func() { fired = true })

	clock.Advance(2 * time.Second)
	assert.True(t, timer.Stop())
	assert.False(t, timer.Stop())
	loop.Settle()
	assert.False(t, fired)
}

func TestStop_FromEarlierTimerInSameBatch(t *testing.T) {
	loop, clock := newLoop()
	var second *eventloop.Timer
	fired := false
	loop.AfterFunc(time.Second, func() { second.Stop() })
	second = loop.AfterFunc(time.Second, func() { fired = true })

	clock.Advance(time.Second)
	loop.Settle()
	assert.False(t, fired)
}

func TestAsync_ResultPostedToLoop(t *testing.T) {
	loop, _ := newLoop()
	var got int
	var gotErr error
	eventloop.Async(loop, func() (int, error) { return 42, nil }, func(v int, err error) {
		got, gotErr = v, err
	})
	loop.Settle()
	assert.Equal(t, 42, got)
	assert.NoError(t, gotErr)
}

func TestAsync_PanicBecomesError(t *testing.T) {
	loop, _ := newLoop()
	var gotErr error
	eventloop.Async(loop, func() (int, error) { panic("boom") }, func(_ int, err error) { gotErr = err })
	loop.Settle()
	assert.Error(t, gotErr)
}

func TestTaskPanic_DoesNotStopLoop(t *testing.T) {
	loop, _ := newLoop()
	ran := false
	loop.Post(func() { panic("bad frame") })
	loop.Post(func() { ran = true })
	loop.Settle()
	assert.True(t, ran)
}

func TestRun_StopsOnContext(t *testing.T) {
	loop := eventloop.New(clockwork.NewRealClock(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- loop.Run(ctx) }()

	fired := make(chan struct{})
	loop.Post(func() {
		loop.AfterFunc(10*time.Millisecond, func() { close(fired) })
	})
	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("timer did not fire under Run")
	}
	cancel()
	require.True(t, errors.Is(<-done, context.Canceled))
}
