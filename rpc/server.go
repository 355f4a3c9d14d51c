package rpc

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"
)

// MaxBodyBytes limits a request body.
const MaxBodyBytes = 1 << 20

// Server is a JSON-RPC 2.0 HTTP server.
type Server struct {
	handler   *Handler
	addr      string
	authToken string // empty → no auth required
	log       *slog.Logger
	srv       *http.Server
	ln        net.Listener
}

const (
	readHeaderTimeout = 10 * time.Second
	ioTimeout         = 30 * time.Second
	idleTimeout       = 60 * time.Second
	shutdownTimeout   = 5 * time.Second
)

// NewServer creates a Server on addr. A non-empty authToken requires
// "Authorization: Bearer <token>" on RPC calls; a non-nil metrics handler is
// mounted at /metrics without auth.
func NewServer(addr string, handler *Handler, authToken string, metrics http.Handler, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{handler: handler, addr: addr, authToken: authToken, log: logger.With("component", "rpc")}
	mux := http.NewServeMux()
	mux.Handle("/", s.requireToken(http.HandlerFunc(s.serveRPC)))
	if metrics != nil {
		mux.Handle("/metrics", metrics)
	}
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: readHeaderTimeout,
		ReadTimeout:       ioTimeout,
		WriteTimeout:      ioTimeout,
		IdleTimeout:       idleTimeout,
	}
	return s
}

// Start binds the port synchronously (so callers know immediately if binding
// fails) then serves requests in a background goroutine.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.ln = ln
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("server stopped", "err", err)
		}
	}()
	return nil
}

// Addr returns the bound address, or nil before Start.
func (s *Server) Addr() net.Addr {
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Handler returns the HTTP handler, for mounting in tests.
func (s *Server) Handler() http.Handler { return s.srv.Handler }

// Stop drains in-flight requests for up to shutdownTimeout.
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return s.srv.Shutdown(ctx)
}

func (s *Server) requireToken(next http.Handler) http.Handler {
	if s.authToken == "" {
		return next
	}
	want := []byte("Bearer " + s.authToken)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if subtle.ConstantTimeCompare([]byte(r.Header.Get("Authorization")), want) != 1 {
			writeJSONStatus(w, http.StatusUnauthorized, errResponse(nil, CodeUnauthorized, "unauthorized"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) serveRPC(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "only POST allowed", http.StatusMethodNotAllowed)
		return
	}
	req, rpcErr := decodeRequest(http.MaxBytesReader(w, r.Body, MaxBodyBytes))
	if rpcErr != nil {
		writeJSONStatus(w, http.StatusOK, rpcErr)
		return
	}
	resp := s.handler.Dispatch(req)
	if resp.Error != nil {
		s.log.Debug("request failed", "method", req.Method, "code", resp.Error.Code, "err", resp.Error.Message)
	}
	writeJSONStatus(w, http.StatusOK, resp)
}

// decodeRequest reads one JSON-RPC 2.0 call, or the error response to send.
func decodeRequest(body io.Reader) (Request, *Response) {
	var req Request
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		resp := errResponse(nil, CodeParseError, err.Error())
		return req, &resp
	}
	if req.JSONRPC != "2.0" {
		resp := errResponse(req.ID, CodeInvalidRequest, "jsonrpc must be '2.0'")
		return req, &resp
	}
	return req, nil
}

func writeJSONStatus(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
