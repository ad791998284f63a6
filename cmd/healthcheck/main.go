// Command healthcheck is a minimal HTTP probe used as Docker's HEALTHCHECK CMD.
// It applies the same rule the gateway applies to its backends: exit 0 only
// on HTTP 200 within the timeout, 1 otherwise.
//
// Usage:
//
//	healthcheck [-timeout 1s] <url>
//
// Example (in Dockerfile):
//
//	HEALTHCHECK CMD ["/bin/healthcheck", "http://localhost:5000/healthz"]
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"

	"rrlb/internal/health"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stderr))
}

func run(args []string, stderr io.Writer) int {
	fs := flag.NewFlagSet("healthcheck", flag.ContinueOnError)
	fs.SetOutput(stderr)
	timeout := fs.Duration("timeout", health.DefaultTimeout, "probe timeout")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() < 1 {
		fmt.Fprintln(stderr, "usage: healthcheck [-timeout 1s] <url>")
		return 1
	}
	url := fs.Arg(0)

	client := &http.Client{Timeout: *timeout}
	if _, err := health.Probe(context.Background(), client, url, *timeout); err != nil {
		fmt.Fprintf(stderr, "healthcheck: %v\n", err)
		return 1
	}
	return 0
}
