// Command fcgisrv-healthcheck dials a running fcgisrv listener as a FastCGI
// client and reports whether it answers a GET request within a deadline.
// It exists so operators (and container HEALTHCHECK directives) can probe a
// listener without speaking raw FastCGI by hand.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/gophpeek/fcgisrv/internal/fcgxclient"
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
		network  string
		addr     string
		port     int
		file     string
		uri      string
		timeout  time.Duration
		wantBody string
		showBody bool
	)

	cmd := &cobra.Command{
		Use:   "fcgisrv-healthcheck",
		Short: "Probe a running fcgisrv listener with a GET request",
		RunE: func(cmd *cobra.Command, args []string) error {
			target := fmt.Sprintf("%s:%d", addr, port)
			if file != "" {
				network, target = "unix", file
			}

			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()

			client, err := fcgx.DialContext(ctx, network, target)
			if err != nil {
				return fmt.Errorf("fcgisrv-healthcheck: %w", err)
			}
			defer client.Close()

			resp, err := client.Get(ctx, map[string]string{
				"REQUEST_URI":     uri,
				"SCRIPT_NAME":     uri,
				"SERVER_PROTOCOL": "HTTP/1.1",
				"REMOTE_ADDR":     "127.0.0.1",
			})
			if err != nil {
				return fmt.Errorf("fcgisrv-healthcheck: request failed: %w", err)
			}

			body, err := fcgx.ReadBody(resp)
			if err != nil {
				return fmt.Errorf("fcgisrv-healthcheck: reading body: %w", err)
			}

			if resp.StatusCode >= 500 {
				return fmt.Errorf("fcgisrv-healthcheck: server returned %s", resp.Status)
			}
			if wantBody != "" && string(body) != wantBody {
				return fmt.Errorf("fcgisrv-healthcheck: body mismatch: got %q want %q", body, wantBody)
			}
			if showBody {
				fmt.Fprintln(os.Stdout, string(body))
			}
			fmt.Fprintf(os.Stdout, "ok: %s\n", resp.Status)
			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&addr, "addr", "127.0.0.1", "TCP host to probe")
	flags.IntVar(&port, "port", 9000, "TCP port to probe")
	flags.StringVar(&file, "file", "", "Unix socket path (supersedes TCP)")
	flags.StringVar(&uri, "uri", "/", "REQUEST_URI to send")
	flags.DurationVar(&timeout, "timeout", 3*time.Second, "overall probe deadline")
	flags.StringVar(&wantBody, "want-body", "", "fail unless the response body equals this exactly")
	flags.BoolVar(&showBody, "show-body", false, "print the response body on success")
	network = "tcp"

	return cmd
}
