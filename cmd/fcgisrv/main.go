// Command fcgisrv hosts a responder behind the FastCGI protocol, exposing
// exactly the core flag set: bind address/socket, worker pool size,
// blocking mode, and the stdin memory-to-file spill threshold.
//
// This binary has no responder of its own wired in; it is meant as the
// thin host for an application that imports the fcgisrv package, sets
// ctx.ResponderFactory, and calls Listen and Serve from its own main. It is included
// here to exercise the full CLI surface end-to-end with
// NewNotImplementedResponder as the fallback.
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
	)

	cmd := &cobra.Command{
		Use:   "fcgisrv",
		Short: "Host a responder behind FastCGI",
		RunE: func(cmd *cobra.Command, args []string) error {
			if chdir != "" {
				if err := os.Chdir(chdir); err != nil {
					return fmt.Errorf("fcgisrv: chdir %s: %w", chdir, err)
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
			l, err := fcgisrv.Listen(ctx)
			if err != nil {
				return err
			}
			defer l.Close()
			return l.Serve()
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

	return cmd
}
