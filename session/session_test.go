package session

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/arloliu/go-bhs/logger"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	level, err := logger.ParseLevel(os.Getenv("LOG_LEVEL"))
	if err != nil {
		level = logger.InfoLevel
	}
	logger.SetLevel(level)

	os.Exit(m.Run())
}

func TestConnStateTransitions(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	t.Run("initial state", func(t *testing.T) {
		cs := NewConnStateMgr(ctx, nil)
		require.Equal(t, DisconnectedState, cs.State())
		require.Equal(t, "disconnected", cs.State().String())
	})

	t.Run("full progression", func(t *testing.T) {
		require := require.New(t)

		var seen []ConnState
		cs := NewConnStateMgr(ctx, nil, func(_ ConnState, newState ConnState) {
			seen = append(seen, newState)
		})

		require.NoError(cs.ToNegotiating())
		require.NoError(cs.ToConnected())
		require.NoError(cs.ToReady())
		require.NoError(cs.ToStreaming())
		require.True(cs.IsStreaming())

		// no-op when already there
		require.NoError(cs.ToStreaming())

		cs.ToDisconnected()
		require.Equal(DisconnectedState, cs.State())

		require.Equal([]ConnState{NegotiatingState, ConnectedState, ReadyState, StreamingState, DisconnectedState}, seen)
	})

	t.Run("skipping a step is rejected", func(t *testing.T) {
		require := require.New(t)

		count := 0
		cs := NewConnStateMgr(ctx, nil, func(ConnState, ConnState) { count++ })

		require.ErrorIs(cs.ToConnected(), ErrInvalidTransition)
		require.ErrorIs(cs.ToStreaming(), ErrInvalidTransition)
		require.NoError(cs.ToNegotiating())
		require.ErrorIs(cs.ToReady(), ErrInvalidTransition)
		require.Equal(1, count)

		// disconnect from any state, twice is a no-op
		cs.ToDisconnected()
		cs.ToDisconnected()
		require.Equal(2, count)
	})

	t.Run("handler sees prior state during forward moves", func(t *testing.T) {
		require := require.New(t)

		var observed ConnState
		var cs *ConnStateMgr
		cs = NewConnStateMgr(ctx, nil, func(_ ConnState, newState ConnState) {
			if newState == NegotiatingState {
				observed = cs.State()
			}
		})

		require.NoError(cs.ToNegotiating())
		require.Equal(DisconnectedState, observed)
	})
}

func TestConnStateMgr_Async(t *testing.T) {
	require := require.New(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var handled atomic.Int32
	cs := NewConnStateMgr(ctx, nil, func(_ ConnState, newState ConnState) {
		if newState == DisconnectedState {
			handled.Add(1)
		}
	})

	require.NoError(cs.ToNegotiating())
	require.NoError(cs.ToConnected())

	cs.ToDisconnectedAsync()

	waitCtx, waitCancel := context.WithTimeout(ctx, time.Second)
	defer waitCancel()
	require.NoError(cs.WaitState(waitCtx, DisconnectedState))
	require.Eventually(func() bool { return handled.Load() == 1 }, time.Second, 10*time.Millisecond)

	// already disconnected, nothing queued
	cs.ToDisconnectedAsync()
	time.Sleep(20 * time.Millisecond)
	require.Equal(int32(1), handled.Load())
}

func TestConnStateMgr_WaitState(t *testing.T) {
	require := require.New(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cs := NewConnStateMgr(ctx, nil)

	waitCtx, waitCancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer waitCancel()
	require.ErrorIs(cs.WaitState(waitCtx, StreamingState), context.DeadlineExceeded)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		time.Sleep(20 * time.Millisecond)
		_ = cs.ToNegotiating()
	}()

	waitCtx2, waitCancel2 := context.WithTimeout(ctx, time.Second)
	defer waitCancel2()
	require.NoError(cs.WaitState(waitCtx2, NegotiatingState))
	wg.Wait()
}

func TestTaskManager(t *testing.T) {
	ctx := context.Background()

	t.Run("start, stop and restart", func(t *testing.T) {
		require := require.New(t)

		mgr := NewTaskManager(ctx, nil)

		var loops atomic.Int32
		require.NoError(mgr.StartReceiver("loop", func([]byte) bool {
			loops.Add(1)
			time.Sleep(time.Millisecond)
			return true
		}, nil))
		require.Eventually(func() bool { return loops.Load() > 3 }, time.Second, 5*time.Millisecond)
		require.Equal(1, mgr.TaskCount())

		mgr.Stop()
		mgr.Wait()
		require.Equal(0, mgr.TaskCount())

		// Wait re-arms the manager
		done := make(chan struct{})
		require.NoError(mgr.StartReceiver("once", func([]byte) bool {
			close(done)
			return false
		}, nil))
		<-done
	})

	t.Run("receiver gets a header buffer", func(t *testing.T) {
		require := require.New(t)

		mgr := NewTaskManager(ctx, nil)
		sizes := make(chan int, 1)
		canceled := make(chan struct{})

		require.NoError(mgr.StartReceiver("recv", func(hdrBuf []byte) bool {
			sizes <- len(hdrBuf)
			return false
		}, func() { close(canceled) }))

		require.Equal(4, <-sizes)
		<-canceled
		mgr.Wait()
	})

	t.Run("interval task", func(t *testing.T) {
		require := require.New(t)

		mgr := NewTaskManager(ctx, nil)
		var ticks atomic.Int32
		_, err := mgr.StartInterval("tick", func() bool {
			ticks.Add(1)
			return true
		}, 5*time.Millisecond, true)
		require.NoError(err)
		require.GreaterOrEqual(ticks.Load(), int32(1))

		_, err = mgr.StartInterval("tick", func() bool { return true }, time.Second, false)
		require.ErrorIs(err, ErrTaskExists)

		_, err = mgr.StartInterval("bad", func() bool { return true }, 0, false)
		require.Error(err)

		require.Eventually(func() bool { return ticks.Load() >= 3 }, time.Second, 5*time.Millisecond)
		mgr.Stop()
		mgr.Wait()
	})

	t.Run("panic is recovered", func(t *testing.T) {
		require := require.New(t)

		mgr := NewTaskManager(ctx, nil)
		var calls atomic.Int32
		_, err := mgr.StartInterval("panicky", func() bool {
			if calls.Add(1) == 1 {
				panic("boom")
			}
			return false
		}, 5*time.Millisecond, false)
		require.NoError(err)

		require.Eventually(func() bool { return calls.Load() == 2 }, time.Second, 5*time.Millisecond)
		mgr.Wait()
	})

	t.Run("start after parent canceled", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		mgr := NewTaskManager(cctx, nil)
		cancel()
		require.ErrorIs(t, mgr.StartReceiver("late", func([]byte) bool { return false }, nil), ErrTaskManagerStopped)
	})
}

func TestSeqGenerator(t *testing.T) {
	require := require.New(t)

	gen := NewSeqGeneratorFrom(10)
	require.Equal(uint32(11), gen.Next())
	require.Equal(uint32(12), gen.Next())

	wrap := NewSeqGeneratorFrom(0xFFFFFFFF)
	require.Equal(uint32(1), wrap.Next())

	random := NewSeqGenerator()
	a, b := random.Next(), random.Next()
	require.NotEqual(a, b)
}
