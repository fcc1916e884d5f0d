package fcgisrv

import (
	"os/exec"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrapEventHandlerForRequestCapStopsLoopPastLimit(t *testing.T) {
	ctx := NewContext(DefaultConfig())

	var innerCalls int
	ctx.EventHandler = func(Event) { innerCalls++ }

	wrapEventHandlerForRequestCap(ctx, 1)

	ctx.Stats.Incr(StatSocketAccepted)
	ctx.EventHandler(Event{Name: EventAccept})
	assert.True(t, ctx.Loop(), "loop should still run at the limit")

	ctx.Stats.Incr(StatSocketAccepted)
	ctx.EventHandler(Event{Name: EventAccept})
	assert.False(t, ctx.Loop(), "loop should stop once accepted count exceeds maxRequest")
	assert.Equal(t, 2, innerCalls, "the wrapped handler must still call through to the original")
}

func TestWrapEventHandlerForRequestCapDisabledWhenZero(t *testing.T) {
	ctx := NewContext(DefaultConfig())
	wrapEventHandlerForRequestCap(ctx, 0)

	for i := 0; i < 100; i++ {
		ctx.Stats.Incr(StatSocketAccepted)
		ctx.EventHandler(Event{Name: EventAccept})
	}
	assert.True(t, ctx.Loop())
}

// newFakeChild starts a short-lived real process so supervisor bookkeeping
// (remainingCount, signalAll, waitForChildren, waitChild) can be exercised
// against genuine PIDs without driving the full re-exec/plugin machinery.
func newFakeChild(t *testing.T, sleep time.Duration) *exec.Cmd {
	t.Helper()
	cmd := exec.Command("sleep", sleep.String())
	if err := cmd.Start(); err != nil {
		t.Skipf("sleep binary unavailable: %v", err)
	}
	return cmd
}

func TestSupervisorWaitChildReapsAndDoesNotReplaceWhenStopped(t *testing.T) {
	ctx := NewContext(DefaultConfig())
	ctx.StopLoop()

	sup := &supervisor{ctx: ctx, children: make(map[int]*exec.Cmd)}
	cmd := newFakeChild(t, 50*time.Millisecond)

	sup.mu.Lock()
	sup.children[cmd.Process.Pid] = cmd
	sup.mu.Unlock()

	sup.waitChild(cmd, nil)
	assert.Equal(t, 0, sup.remainingCount())
}

func TestSupervisorWaitForChildrenReturnsOnceEmpty(t *testing.T) {
	ctx := NewContext(DefaultConfig())
	sup := &supervisor{ctx: ctx, children: make(map[int]*exec.Cmd)}

	start := time.Now()
	sup.waitForChildren(500*time.Millisecond, 5)
	assert.Less(t, time.Since(start), 200*time.Millisecond, "should return immediately with no children")
}

func TestSupervisorSignalAllTerminatesChildren(t *testing.T) {
	ctx := NewContext(DefaultConfig())
	sup := &supervisor{ctx: ctx, children: make(map[int]*exec.Cmd)}

	cmd := newFakeChild(t, 10*time.Second)
	sup.mu.Lock()
	sup.children[cmd.Process.Pid] = cmd
	sup.mu.Unlock()

	done := make(chan struct{})
	go func() {
		cmd.Wait()
		close(done)
	}()

	sup.signalAll(syscall.SIGTERM)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("signalAll did not terminate the child in time")
	}
}

func TestListenRejectsDoubleBind(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BindAddr = "127.0.0.1:0"
	ctx := NewContext(cfg)

	l, err := Listen(ctx)
	require.NoError(t, err)
	defer l.Close()

	cfg2 := DefaultConfig()
	cfg2.BindAddr = l.Addr().String()
	ctx2 := NewContext(cfg2)
	_, err = Listen(ctx2)
	assert.Error(t, err, "binding the same address twice must fail")
}
