// Command fcgisrv-prefork runs the same FastCGI hosting runtime as
// cmd/fcgisrv, but pre-forks N worker processes sharing one listen socket
// and dynamically loads the responder/event-handler from a Go plugin named
// by --app-path. See the REDESIGN notes in SPEC_FULL.md §4.7: this re-execs
// itself with the listener's fd passed via cmd.ExtraFiles rather than
// calling fork(2) directly, which is unsafe once the Go runtime has live
// goroutines.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/gophpeek/fcgisrv"
	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		chdir       string
		pidPath     string
		tempDir     string
		addr        string
		port        int
		file        string
		threads     int
		nonBlocking bool
		maxStdioMem int64
		soTimeout   float64

		appPath          string
		eventHandlerName string
		responderName    string
		procs            int
		maxRequest       int
		worker           bool
	)

	cmd := &cobra.Command{
		Use:   "fcgisrv-prefork",
		Short: "Host a responder behind FastCGI, pre-forked across N worker processes",
		RunE: func(cmd *cobra.Command, args []string) error {
			if chdir != "" {
				if err := os.Chdir(chdir); err != nil {
					return fmt.Errorf("fcgisrv-prefork: chdir %s: %w", chdir, err)
				}
			}

			cfg := fcgisrv.DefaultConfig()
			cfg.PidPath = pidPath
			cfg.TempDir = tempDir
			cfg.Threads = threads
			cfg.NonBlocking = nonBlocking
			cfg.MaxStdioMem = maxStdioMem
			cfg.SOTimeout = time.Duration(soTimeout * float64(time.Second))

			if file != "" {
				cfg.BindAddr = file
				cfg.BindUnix = true
			} else {
				cfg.BindAddr = fmt.Sprintf("%s:%d", addr, port)
			}

			ctx := fcgisrv.NewContext(cfg)

			if appPath != "" {
				if err := loadApp(appPath, eventHandlerName, responderName, ctx); err != nil {
					return err
				}
			}

			pcfg := fcgisrv.PreforkConfig{Procs: procs, MaxRequest: maxRequest, Worker: worker}
			return fcgisrv.RunPrefork(ctx, pcfg, stripWorkerFlag(os.Args[1:]))
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&chdir, "chdir", "", "chdir before binding")
	flags.StringVar(&pidPath, "pid-path", "", "write process pid; unlink at exit")
	flags.StringVar(&tempDir, "temp-dir", "", "scratch directory (default: system temp)")
	flags.StringVar(&addr, "addr", "", "TCP bind host")
	flags.IntVar(&port, "port", 9000, "TCP bind port")
	flags.StringVar(&file, "file", "", "Unix socket path (supersedes TCP)")
	flags.IntVar(&threads, "threads", 1, "worker pool size")
	flags.BoolVar(&nonBlocking, "non-blocking", false, "selector-based accept loop")
	flags.Int64Var(&maxStdioMem, "max-stdio-mem", 1<<62, "stdin memory-to-file threshold (bytes)")
	flags.Float64Var(&soTimeout, "so-timeout", 3.0, "socket timeout (seconds)")

	flags.StringVar(&appPath, "app-path", "", "Go plugin (.so) exporting EventHandler/NewResponder")
	flags.StringVar(&eventHandlerName, "event-handler", "EventHandler", "exported symbol name for the event handler")
	flags.StringVar(&responderName, "responder", "NewResponder", "exported symbol name for the responder factory")
	flags.IntVar(&procs, "procs", 1, "number of pre-forked worker processes")
	flags.IntVar(&maxRequest, "max-request", 0, "requests a worker serves before recycling (0 = unlimited)")

	flags.BoolVar(&worker, "worker", false, "internal: run as a re-exec'd worker, not meant for direct use")
	flags.MarkHidden("worker")

	return cmd
}

// stripWorkerFlag removes any "--worker" token so the supervisor can append
// its own when re-exec'ing children, without accumulating duplicates across
// restarts.
func stripWorkerFlag(args []string) []string {
	out := make([]string, 0, len(args))
	for _, a := range args {
		if a == "--worker" || a == "--worker=true" || a == "--worker=false" {
			continue
		}
		out = append(out, a)
	}
	return out
}
