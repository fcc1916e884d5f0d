package fcgisrv

import (
	"fmt"
	"net"
	"os"
	"os/exec"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// PreforkConfig holds the additional flags spec.md §6 names for the
// prefork supervisor, plus the internal re-exec marker.
type PreforkConfig struct {
	Procs      int
	MaxRequest int

	// Worker is true in a process that was re-exec'd by the supervisor to
	// serve requests; it is the Go analogue of the original's forked
	// child, see the process-spawning REDESIGN note in SPEC_FULL.md.
	Worker bool
}

// RunPrefork is the entry point cmd/fcgisrv-prefork calls after resolving
// ctx.ResponderFactory/ctx.EventHandler (by plugin.Open, per the dynamic
// app loading REDESIGN note). workerArgs is the argument list the
// supervisor re-execs each worker with (typically os.Args[1:] with any
// prior "--worker" stripped); RunPrefork appends "--worker" itself.
//
// In a process started with PreforkConfig.Worker set, RunPrefork re-derives
// its net.Listener from the inherited fd and runs a single accept loop. In
// the top-level process, it binds the listen socket once, forks N workers,
// and supervises them until shutdown.
func RunPrefork(ctx *Context, pcfg PreforkConfig, workerArgs []string) error {
	if pcfg.Worker {
		return runPreforkWorker(ctx, pcfg)
	}
	return runPreforkSupervisor(ctx, pcfg, workerArgs)
}

// preforkListenerFD is the file descriptor a re-exec'd worker finds its
// inherited listening socket on: fd 3, the first entry of cmd.ExtraFiles
// (fds 0-2 are stdin/stdout/stderr).
const preforkListenerFD = 3

func runPreforkWorker(ctx *Context, pcfg PreforkConfig) error {
	f := os.NewFile(preforkListenerFD, "fcgisrv-listen-fd")
	if f == nil {
		return fmt.Errorf("fcgisrv: worker has no inherited listener fd %d", preforkListenerFD)
	}
	ln, err := net.FileListener(f)
	f.Close()
	if err != nil {
		return fmt.Errorf("fcgisrv: re-deriving inherited listener: %w", err)
	}

	threads := ctx.Threads
	if threads < 1 {
		threads = 1
	}
	l := &Listener{ctx: ctx, ln: ln, sem: semaphore.NewWeighted(int64(threads))}

	wrapEventHandlerForRequestCap(ctx, pcfg.MaxRequest)
	installPreforkSignalHandler(ctx)

	return l.Serve()
}

// wrapEventHandlerForRequestCap wraps ctx.EventHandler so that once the
// accept count exceeds maxRequest, the worker's loop flag is cleared; it
// finishes the in-flight request cycle and then exits, letting the
// supervisor replace it. maxRequest <= 0 disables the cap.
func wrapEventHandlerForRequestCap(ctx *Context, maxRequest int) {
	if maxRequest <= 0 {
		return
	}
	inner := ctx.EventHandler
	ctx.EventHandler = func(ev Event) {
		if inner != nil {
			inner(ev)
		}
		if ev.Name == EventAccept && ctx.Stats.Get(StatSocketAccepted) > int64(maxRequest) {
			ctx.StopLoop()
		}
	}
}

// installPreforkSignalHandler clears ctx's loop flag on SIGTERM/SIGINT,
// then restores the default disposition so a second signal terminates the
// process immediately, per spec.md §4.7 step 4.
func installPreforkSignalHandler(ctx *Context) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		<-ch
		ctx.StopLoop()
		signal.Stop(ch)
		signal.Reset(syscall.SIGTERM, syscall.SIGINT)
	}()
}

// supervisor is the parent-process state tracking live re-exec'd workers.
type supervisor struct {
	ctx  *Context
	pcfg PreforkConfig
	ln   *Listener

	mu       sync.Mutex
	children map[int]*exec.Cmd
}

func runPreforkSupervisor(ctx *Context, pcfg PreforkConfig, workerArgs []string) error {
	ln, err := Listen(ctx)
	if err != nil {
		return err
	}

	sup := &supervisor{ctx: ctx, pcfg: pcfg, ln: ln, children: make(map[int]*exec.Cmd)}

	procs := pcfg.Procs
	if procs < 1 {
		procs = 1
	}
	for i := 0; i < procs; i++ {
		if err := sup.spawnWorker(workerArgs); err != nil {
			ctx.Logger().Error("spawning prefork worker failed", zap.Error(err))
		}
	}

	installPreforkSignalHandler(ctx)

	sup.waitForLoopStop()
	sup.shutdown()

	return ln.Close()
}

// spawnWorker re-execs the current binary with workerArgs plus "--worker",
// handing it the listening socket's file descriptor via cmd.ExtraFiles.
func (sup *supervisor) spawnWorker(workerArgs []string) error {
	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("fcgisrv: resolving own executable: %w", err)
	}
	lnFile, err := sup.ln.File()
	if err != nil {
		return fmt.Errorf("fcgisrv: duplicating listener fd: %w", err)
	}
	defer lnFile.Close()

	args := make([]string, 0, len(workerArgs)+1)
	args = append(args, workerArgs...)
	args = append(args, "--worker")

	cmd := exec.Command(exe, args...)
	cmd.ExtraFiles = []*os.File{lnFile}
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("fcgisrv: starting worker: %w", err)
	}

	sup.mu.Lock()
	sup.children[cmd.Process.Pid] = cmd
	sup.mu.Unlock()

	go sup.waitChild(cmd, workerArgs)
	return nil
}

// waitChild reaps one worker and, if the supervisor is still running,
// replaces it -- spec.md §4.7 step 5.
func (sup *supervisor) waitChild(cmd *exec.Cmd, workerArgs []string) {
	cmd.Wait()

	sup.mu.Lock()
	delete(sup.children, cmd.Process.Pid)
	sup.mu.Unlock()

	if sup.ctx.Loop() {
		if err := sup.spawnWorker(workerArgs); err != nil {
			sup.ctx.Logger().Error("replacing dead prefork worker failed", zap.Error(err))
		}
	}
}

func (sup *supervisor) waitForLoopStop() {
	for sup.ctx.Loop() {
		time.Sleep(200 * time.Millisecond)
	}
}

func (sup *supervisor) remainingCount() int {
	sup.mu.Lock()
	defer sup.mu.Unlock()
	return len(sup.children)
}

func (sup *supervisor) signalAll(sig os.Signal) {
	sup.mu.Lock()
	defer sup.mu.Unlock()
	for _, cmd := range sup.children {
		cmd.Process.Signal(sig)
	}
}

// waitForChildren polls remainingCount within budget, checking retries
// times -- the Go analogue of the original's non-blocking waitpid retry
// loop, since cmd.Wait() here runs in a background goroutine rather than
// being polled directly.
func (sup *supervisor) waitForChildren(budget time.Duration, retries int) {
	if retries < 1 {
		retries = 1
	}
	interval := budget / time.Duration(retries)
	if interval <= 0 {
		interval = 10 * time.Millisecond
	}
	for i := 0; i < retries; i++ {
		if sup.remainingCount() == 0 {
			return
		}
		time.Sleep(interval)
	}
}

// wakeBlockingWorkers implements the sentinel-NUL-packet wakeup: open one
// connection per remaining child to the bind address and send a single NUL
// byte, which unsticks a worker blocked inside Accept() so its next
// loop-flag check observes the shutdown request.
func (sup *supervisor) wakeBlockingWorkers() {
	network, addr := "tcp", sup.ctx.BindAddr
	if sup.ctx.BindUnix {
		network = "unix"
	}
	for i, n := 0, sup.remainingCount(); i < n; i++ {
		conn, err := net.DialTimeout(network, addr, 500*time.Millisecond)
		if err != nil {
			continue
		}
		conn.Write([]byte{0})
		conn.Close()
	}
}

// shutdown runs the three-stage graceful escalation of spec.md §4.7:
// SIGTERM, then (in blocking mode) the sentinel wakeup, then SIGKILL any
// survivors, finally unlinking the pid file.
func (sup *supervisor) shutdown() {
	so := sup.ctx.SOTimeout

	sup.signalAll(syscall.SIGTERM)
	sup.waitForChildren(so/2, 5)

	if !sup.ctx.NonBlocking && sup.remainingCount() > 0 {
		sup.wakeBlockingWorkers()
		sup.waitForChildren(so/2, 5)
	}

	if sup.remainingCount() > 0 {
		sup.signalAll(syscall.SIGKILL)
		sup.waitForChildren(so, 5)
	}

	if sup.ctx.PidPath != "" {
		os.Remove(sup.ctx.PidPath)
	}
}
