package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"meagan/proxy"
)

// LivenessMessage is the body of GET /.
const LivenessMessage = "API Gateway is running!"

// Server is the gateway front door: one listener serving the liveness
// endpoint and every service route.
type Server struct {
	server   *http.Server
	router   *mux.Router
	logger   *zap.Logger
	listener net.Listener
}

// NewServer creates the front door and mounts the proxy routes on it.
func NewServer(addr string, proxyRouter *proxy.Router, logger *zap.Logger) *Server {
	router := mux.NewRouter()
	router.HandleFunc("/", Liveness).Methods(http.MethodGet, http.MethodHead)
	proxyRouter.Mount(router)

	return &Server{
		router: router,
		logger: logger.Named("api"),
		server: &http.Server{
			Addr:              addr,
			Handler:           router,
			ReadHeaderTimeout: 10 * time.Second,
			ErrorLog:          zap.NewStdLog(logger.Named("http")),
		},
	}
}

// Handler exposes the routing tree, mostly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start binds the listener and serves in the background. Binding errors are
// returned; errors while serving are logged.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.server.Addr, err)
	}
	s.listener = ln
	s.logger.Info("gateway listening", zap.String("addr", ln.Addr().String()))

	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("gateway server stopped", zap.Error(err))
		}
	}()
	return nil
}

// Addr returns the bound address once Start succeeded, the configured one
// before.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.server.Addr
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down gateway server")
	return s.server.Shutdown(ctx)
}

// Liveness answers GET / with a fixed text.
func Liveness(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte(LivenessMessage))
}
