package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"meagan/manager"
	"meagan/types"
)

// ErrorResponse is the body returned when a request cannot be forwarded.
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Options bounds the time spent on forwarded requests.
type Options struct {
	DialTimeout time.Duration // Connection establishment
	Timeout     time.Duration // Whole forward, up to the end of the response
}

// Router forwards requests under each service's path prefix to the
// service's current target.
type Router struct {
	registry  *manager.Registry
	refresher *manager.Refresher
	logger    *zap.Logger
	transport *http.Transport
	opts      Options
}

// NewRouter creates a new Router.
func NewRouter(registry *manager.Registry, refresher *manager.Refresher, logger *zap.Logger, opts Options) *Router {
	dialer := &net.Dialer{Timeout: opts.DialTimeout, KeepAlive: 30 * time.Second}
	return &Router{
		registry:  registry,
		refresher: refresher,
		logger:    logger.Named("proxy"),
		opts:      opts,
		transport: &http.Transport{
			Proxy:                 nil,
			DialContext:           dialer.DialContext,
			MaxIdleConns:          100,
			MaxIdleConnsPerHost:   10,
			IdleConnTimeout:       90 * time.Second,
			ResponseHeaderTimeout: opts.Timeout,
		},
	}
}

// Mount registers one route per discovered service on m. A service named
// "auth" receives "/auth" and everything below "/auth/".
func (rt *Router) Mount(m *mux.Router) {
	for _, svc := range rt.registry.List() {
		h := rt.Handler(svc.Name)
		m.Path(svc.ProxyPathPrefix).Handler(h)
		m.PathPrefix(svc.ProxyPathPrefix + "/").Handler(h)
		rt.logger.Info("route registered",
			zap.String("service", svc.Name),
			zap.String("prefix", svc.ProxyPathPrefix),
			zap.String("kind", string(svc.Kind)))
	}
}

// Handler returns the forwarding handler for one service. The target is
// resolved from the registry on every request.
func (rt *Router) Handler(name string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		svc, err := rt.registry.Get(name)
		if err != nil {
			writeError(w, http.StatusNotFound, ErrorResponse{
				Code:    errorCode(http.StatusNotFound, name),
				Message: fmt.Sprintf("%s service is not registered.", name),
			})
			return
		}

		upgrade := isUpgrade(r)
		if upgrade && svc.Kind != types.KindUpgradeable {
			writeError(w, http.StatusBadRequest, ErrorResponse{
				Code:    errorCode(http.StatusBadRequest, name),
				Message: fmt.Sprintf("%s service does not accept protocol upgrades.", name),
			})
			return
		}

		target, err := targetURL(svc.BaseURL)
		if err != nil {
			rt.logger.Error("invalid service target", zap.String("service", name), zap.String("base_url", svc.BaseURL), zap.Error(err))
			rt.fail(w, name, upgrade)
			return
		}

		if !upgrade {
			// Upgraded connections outlive the request, only plain forwards
			// are bounded as a whole.
			ctx, cancel := context.WithTimeout(r.Context(), rt.opts.Timeout)
			defer cancel()
			r = r.WithContext(ctx)
		}

		path := stripPrefix(r.URL.Path, svc.ProxyPathPrefix)
		rawPath := stripPrefix(r.URL.RawPath, svc.ProxyPathPrefix)
		if r.URL.RawPath == "" {
			rawPath = ""
		}

		proxy := &httputil.ReverseProxy{
			Rewrite: func(pr *httputil.ProxyRequest) {
				pr.SetURL(target)
				pr.Out.URL.Path = path
				pr.Out.URL.RawPath = rawPath
				pr.Out.Host = target.Host
				pr.SetXForwarded()
				rt.logger.Debug("proxying request",
					zap.String("service", name),
					zap.String("method", pr.In.Method),
					zap.String("path", pr.Out.URL.RequestURI()))
			},
			Transport: rt.transport,
			ErrorLog:  zap.NewStdLog(rt.logger),
			ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
				if errors.Is(r.Context().Err(), context.Canceled) {
					// The caller went away; nothing to answer and the service is not at fault.
					rt.logger.Debug("client canceled request", zap.String("service", name))
					return
				}
				rt.logger.Error("proxy error",
					zap.String("service", name),
					zap.String("target", target.String()),
					zap.Bool("upgrade", upgrade),
					zap.Error(err))
				rt.fail(w, name, upgrade)
			},
		}
		proxy.ServeHTTP(w, r)
	})
}

// fail records the forward failure on the service and answers the caller.
func (rt *Router) fail(w http.ResponseWriter, name string, upgrade bool) {
	if rt.registry.MarkError(name) {
		rt.refresher.Trigger()
	}

	if upgrade && closeUpgrade(w) {
		return
	}

	writeError(w, http.StatusInternalServerError, ErrorResponse{
		Code:    errorCode(http.StatusInternalServerError, name),
		Message: fmt.Sprintf("%s service is unavailable or timed out.", name),
	})
}

// closeUpgrade answers a failed upgrade with a raw 503 handshake and closes
// the client connection. It reports false when the connection could not be
// taken over.
func closeUpgrade(w http.ResponseWriter) bool {
	hj, ok := w.(http.Hijacker)
	if !ok {
		return false
	}
	conn, buf, err := hj.Hijack()
	if err != nil {
		return false
	}
	defer conn.Close()

	body := "Service unavailable."
	fmt.Fprintf(buf, "HTTP/1.1 503 Service Unavailable\r\nContent-Type: text/plain; charset=utf-8\r\nContent-Length: %d\r\nConnection: close\r\n\r\n%s", len(body), body)
	_ = buf.Flush()
	return true
}

func writeError(w http.ResponseWriter, status int, body ErrorResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// errorCode builds the service-scoped code, e.g. GATEWAY_500_AUTH.
func errorCode(status int, name string) string {
	return fmt.Sprintf("GATEWAY_%d_%s", status, strings.ToUpper(name))
}

func isUpgrade(r *http.Request) bool {
	if r.Header.Get("Upgrade") == "" {
		return false
	}
	for _, v := range r.Header.Values("Connection") {
		for _, token := range strings.Split(v, ",") {
			if strings.EqualFold(strings.TrimSpace(token), "upgrade") {
				return true
			}
		}
	}
	return false
}

// targetURL maps a service base URL to the URL the HTTP transport dials.
func targetURL(baseURL string) (*url.URL, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, err
	}
	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	case "http", "https":
	default:
		return nil, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	return u, nil
}

// stripPrefix removes the service prefix; an empty remainder becomes "/".
func stripPrefix(path, prefix string) string {
	if path == "" {
		return ""
	}
	rest := strings.TrimPrefix(path, prefix)
	if rest == "" || rest[0] != '/' {
		rest = "/" + rest
	}
	return rest
}
