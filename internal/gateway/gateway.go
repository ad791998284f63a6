// Package gateway is the HTTP surface of rrlb. It accepts client requests on
// "/" and sends each one to a target chosen by the dispatcher, either with a
// 307 redirect (the default) or by reverse-proxying it. GET /stats serves a
// fresh snapshot from the stats aggregator.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"rrlb/internal/dispatch"
	"rrlb/internal/registry"
	"rrlb/internal/stats"
)

// UnavailableBody is the plain-text body sent with 503 when no target is healthy.
const UnavailableBody = "No backend servers available."

// Dispatcher selects the target for one request.
type Dispatcher interface {
	Next() (*registry.Target, error)
	MarkFailed(t *registry.Target, err error)
}

// Snapshotter produces the /stats body.
type Snapshotter interface {
	Snapshot(ctx context.Context) stats.Snapshot
}

// Mode selects how "/" hands a request to its target.
type Mode string

const (
	ModeRedirect Mode = "redirect"
	ModeProxy    Mode = "proxy"
)

// Options configures a Gateway.
type Options struct {
	Mode      Mode
	Version   string
	StartTime time.Time
}

// Gateway routes requests to targets and serves stats. It is safe for
// concurrent use.
type Gateway struct {
	d     Dispatcher
	stats Snapshotter
	opts  Options
	proxy *forwarder
}

func New(d Dispatcher, s Snapshotter, opts Options) (*Gateway, error) {
	if opts.Mode == "" {
		opts.Mode = ModeRedirect
	}
	if opts.StartTime.IsZero() {
		opts.StartTime = time.Now()
	}
	gw := &Gateway{d: d, stats: s, opts: opts}
	switch opts.Mode {
	case ModeRedirect:
	case ModeProxy:
		gw.proxy = newForwarder(d)
	default:
		return nil, fmt.Errorf("gateway: unknown mode %q", opts.Mode)
	}
	return gw, nil
}

// Routes returns the request-facing handler: "/" and "/stats".
func (gw *Gateway) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /stats", gw.handleStats)
	if gw.opts.Mode == ModeProxy {
		mux.HandleFunc("/", gw.handleProxy)
	} else {
		mux.HandleFunc("GET /", gw.handleRedirect)
		mux.HandleFunc("POST /", gw.handleRedirect)
	}
	return mux
}

// Healthz reports the gateway's own liveness without touching any target.
func (gw *Gateway) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"version": gw.opts.Version,
		"uptime":  time.Since(gw.opts.StartTime).Round(time.Second).String(),
	})
}

// handleRedirect answers 307 so the client repeats the same method and body
// against the chosen target.
func (gw *Gateway) handleRedirect(w http.ResponseWriter, r *http.Request) {
	t, err := gw.d.Next()
	if err != nil {
		unavailable(w, r, err)
		return
	}
	loc := t.RawURL + r.URL.RequestURI()
	slog.Debug("redirecting request", "method", r.Method, "path", r.URL.Path, "target", t.RawURL)
	http.Redirect(w, r, loc, http.StatusTemporaryRedirect)
}

func (gw *Gateway) handleProxy(w http.ResponseWriter, r *http.Request) {
	t, err := gw.d.Next()
	if err != nil {
		unavailable(w, r, err)
		return
	}
	gw.proxy.serve(w, r, t)
}

func (gw *Gateway) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, gw.stats.Snapshot(r.Context()))
}

func unavailable(w http.ResponseWriter, r *http.Request, err error) {
	if !errors.Is(err, dispatch.ErrNoHealthyBackend) {
		slog.Error("dispatch failed", "error", err)
	} else {
		slog.Warn("no healthy backend", "method", r.Method, "path", r.URL.Path)
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = io.WriteString(w, UnavailableBody)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}
