package gateway

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"time"

	"rrlb/internal/registry"
)

// ctxKey is the unexported type used as the context key for the selected
// target, preventing accidental collisions with other packages.
type ctxKey struct{}

// forwarder reverse-proxies a request to a target already chosen by the
// dispatcher. A dial or transport error is a passive health signal: the
// target is flagged unhealthy until the monitor sees it answer again.
type forwarder struct {
	d  Dispatcher
	rp *httputil.ReverseProxy
}

func newForwarder(d Dispatcher) *forwarder {
	f := &forwarder{d: d}
	f.rp = &httputil.ReverseProxy{
		Director:     f.director,
		ErrorHandler: f.errorHandler,
		Transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
		},
	}
	return f
}

func (f *forwarder) serve(w http.ResponseWriter, r *http.Request, t *registry.Target) {
	r = r.WithContext(context.WithValue(r.Context(), ctxKey{}, t))
	f.rp.ServeHTTP(w, r)
}

// director rewrites the outbound request to the target stored in its context.
func (f *forwarder) director(req *http.Request) {
	t := targetFromCtx(req.Context())
	if t == nil {
		return
	}
	originalHost := req.Host

	req.URL.Scheme = t.Address.Scheme
	req.URL.Host = t.Address.Host
	req.URL.Path, req.URL.RawPath = joinURLPath(t.Address, req.URL)
	req.Host = t.Address.Host

	// Strip hop-by-hop headers that must not be forwarded upstream.
	req.Header.Del("Te")
	req.Header.Del("Trailers")

	// ReverseProxy appends the client IP to X-Forwarded-For itself.
	req.Header.Set("X-Forwarded-Host", originalHost)
	req.Header.Set("X-Forwarded-Proto", requestScheme(req))

	slog.Debug("proxying request",
		"method", req.Method,
		"path", req.URL.Path,
		"target", t.RawURL,
	)
}

func (f *forwarder) errorHandler(w http.ResponseWriter, r *http.Request, err error) {
	if t := targetFromCtx(r.Context()); t != nil {
		f.d.MarkFailed(t, err)
		slog.Error("forward failed",
			"target", t.RawURL,
			"method", r.Method,
			"path", r.URL.Path,
			"error", err,
		)
	}
	http.Error(w, "bad gateway", http.StatusBadGateway)
}

func targetFromCtx(ctx context.Context) *registry.Target {
	t, _ := ctx.Value(ctxKey{}).(*registry.Target)
	return t
}

// joinURLPath prefixes the request path with the target's base path, keeping
// any escaped form of either side intact.
func joinURLPath(base, u *url.URL) (path, rawpath string) {
	if base.RawPath == "" && u.RawPath == "" {
		return singleJoiningSlash(base.Path, u.Path), ""
	}
	bpath := base.EscapedPath()
	upath := u.EscapedPath()

	joined := singleJoiningSlash(bpath, upath)
	path = singleJoiningSlash(base.Path, u.Path)
	return path, joined
}

func singleJoiningSlash(a, b string) string {
	aslash := strings.HasSuffix(a, "/")
	bslash := strings.HasPrefix(b, "/")
	switch {
	case aslash && bslash:
		return a + b[1:]
	case !aslash && !bslash:
		return a + "/" + b
	}
	return a + b
}

func requestScheme(r *http.Request) string {
	if r.TLS != nil {
		return "https"
	}
	return "http"
}
