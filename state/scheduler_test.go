package state

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEnv(t *testing.T) *Env {
	t.Helper()
	ctx, cancel := context.WithCancelCause(context.Background())
	t.Cleanup(func() { cancel(context.Canceled) })
	return &Env{
		Cfg:     &Config{NodeName: "test"},
		Context: ctx,
		Cancel:  cancel,
		Log:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func TestLoopDispatchOrdering(t *testing.T) {
	e := newTestEnv(t)
	l := NewLoop(e, "test")
	go l.Run()

	var order []int
	done := make(chan struct{})
	for i := 0; i < 10; i++ {
		l.Dispatch(func() error {
			order = append(order, i)
			if i == 9 {
				close(done)
			}
			return nil
		})
	}
	<-done
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, order)
}

func TestLoopDispatchWait(t *testing.T) {
	e := newTestEnv(t)
	l := NewLoop(e, "test")
	go l.Run()

	res, err := l.DispatchWait(func() (any, error) {
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, res)
}

func TestLoopErrorCancelsEnv(t *testing.T) {
	e := newTestEnv(t)
	l := NewLoop(e, "test")
	go l.Run()

	_, err := l.DispatchWait(func() (any, error) {
		return nil, assert.AnError
	})
	require.Error(t, err)
	<-e.Context.Done()
	assert.ErrorIs(t, context.Cause(e.Context), assert.AnError)
}

func TestLoopStopsOnCancel(t *testing.T) {
	e := newTestEnv(t)
	l := NewLoop(e, "test")
	go l.Run()
	e.Cancel(context.Canceled)
	select {
	case <-l.Done():
	case <-time.After(time.Second):
		t.Fatal("loop did not stop")
	}
}

func TestScheduleTask(t *testing.T) {
	e := newTestEnv(t)
	l := NewLoop(e, "test")
	go l.Run()

	done := make(chan struct{})
	l.ScheduleTask(func() error {
		close(done)
		return nil
	}, time.Millisecond*10)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("scheduled task did not run")
	}
}
