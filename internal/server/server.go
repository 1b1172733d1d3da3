// Package server exposes the federation API over HTTP: the public
// discovery documents (org.json, jwks.json), the authenticated /api
// operations and a websocket change stream. One Server can front several
// host organizations, each mounted under its host name.
package server

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/LeJamon/goOPRd/internal/core/status"
	"github.com/LeJamon/goOPRd/internal/core/wire"
	"github.com/LeJamon/goOPRd/internal/logging"
)

const shutdownGrace = 10 * time.Second

// Config assembles a Server.
type Config struct {
	// ListenAddress in host:port form.
	ListenAddress string
	// Hosts served by this node. At least one is required.
	Hosts []*Host
	// Logger defaults to the standard logger.
	Logger logging.Logger
}

// Server is the HTTP front of the node.
type Server struct {
	addr   string
	hosts  []*Host
	logger logging.Logger
	srv    *http.Server
}

// New validates cfg and builds the server with its routes.
func New(cfg Config) (*Server, error) {
	if cfg.ListenAddress == "" {
		return nil, status.New(status.CodeConfig, "server has no listen address")
	}
	if len(cfg.Hosts) == 0 {
		return nil, status.New(status.CodeConfig, "server has no hosts")
	}
	s := &Server{
		addr:   cfg.ListenAddress,
		hosts:  cfg.Hosts,
		logger: cfg.Logger,
	}
	if s.logger == nil {
		s.logger = logging.NewDefaultLogger()
	}

	mux := http.NewServeMux()
	for _, h := range cfg.Hosts {
		h.logger = s.logger
		s.mount(mux, "/"+h.Name, h)
	}
	if len(cfg.Hosts) == 1 {
		// A single-host node also answers at the root.
		s.mount(mux, "", cfg.Hosts[0])
	}
	s.srv = &http.Server{
		Addr:    cfg.ListenAddress,
		Handler: s.logRequests(mux),
	}
	return s, nil
}

func (s *Server) mount(mux *http.ServeMux, prefix string, h *Host) {
	mux.HandleFunc(prefix+"/org.json", h.handleOrgJSON)
	mux.HandleFunc(prefix+"/jwks.json", h.handleJWKS)
	mux.HandleFunc(prefix+"/api/list", h.authenticated(h.handleList))
	mux.HandleFunc(prefix+"/api/accept", h.authenticated(h.handleAccept))
	mux.HandleFunc(prefix+"/api/reject", h.authenticated(h.handleReject))
	mux.HandleFunc(prefix+"/api/reserve", h.authenticated(h.handleReserve))
	mux.HandleFunc(prefix+"/api/history", h.authenticated(h.handleHistory))
	mux.HandleFunc(prefix+"/api/ingest", h.authenticated(h.handleIngest))
	mux.HandleFunc(prefix+"/api/changes", h.authenticated(h.handleChanges))
}

// Start listens and serves until Shutdown. It returns once the listener
// is bound; serve errors are logged.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return status.Wrap(status.CodeConfig, "binding "+s.addr, err)
	}
	s.logger.Info("federation API listening on %s", ln.Addr())
	go func() {
		if err := s.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("http server stopped: %v", err)
		}
	}()
	return nil
}

// Shutdown stops the server, letting in-flight requests finish.
func (s *Server) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, shutdownGrace)
	defer cancel()
	return s.srv.Shutdown(ctx)
}

// Handler returns the server's HTTP handler, for tests.
func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("%s %s (%s)", r.Method, r.URL.Path, time.Since(start))
	})
}

// writeJSON writes v as the response body.
func writeJSON(w http.ResponseWriter, statusCode int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(v)
}

// writeStatusError maps err to its HTTP status and protocol error body.
func writeStatusError(w http.ResponseWriter, err error) {
	writeJSON(w, status.HTTPStatusOf(err), wire.ErrorBodyOf(err))
}

// bearerToken extracts the token of an Authorization: Bearer header.
func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return "", false
	}
	token := strings.TrimSpace(header[len(prefix):])
	return token, token != ""
}
