package handshake

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/rocketbitz/efa-transport/efa"
)

// Registry maps local NIC paths to the handlers answering handshakes for
// them.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]efa.HandshakeHandler
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]efa.HandshakeHandler)}
}

// Add registers h under h.NICPath(), replacing any previous handler.
func (r *Registry) Add(h efa.HandshakeHandler) {
	r.mu.Lock()
	r.handlers[h.NICPath()] = h
	r.mu.Unlock()
}

// Remove unregisters nicPath.
func (r *Registry) Remove(nicPath string) {
	r.mu.Lock()
	delete(r.handlers, nicPath)
	r.mu.Unlock()
}

// Lookup returns the handler for nicPath.
func (r *Registry) Lookup(nicPath string) (efa.HandshakeHandler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[nicPath]
	return h, ok
}

// Len reports the number of registered handlers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handlers)
}

// Server answers handshakes for the contexts in a Registry.
type Server struct {
	registry *Registry
	logger   efa.Logger
	router   chi.Router
}

// NewServer builds the HTTP handler tree. A nil logger discards output.
func NewServer(registry *Registry, logger efa.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	s := &Server{registry: registry, logger: logger}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Post(Path, s.handleHandshake)
	r.Get(HealthPath, s.handleHealth)
	s.router = r
	return s
}

// Router exposes the router so callers can mount extra routes.
func (s *Server) Router() chi.Router {
	return s.router
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) handleHandshake(w http.ResponseWriter, r *http.Request) {
	requestID := middleware.GetReqID(r.Context())

	var desc efa.HandshakeDesc
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&desc); err != nil {
		http.Error(w, fmt.Sprintf("invalid handshake: %v", err), http.StatusBadRequest)
		return
	}

	h, ok := s.registry.Lookup(desc.PeerNICPath)
	if !ok {
		s.logger.Warnw("handshake for unknown nic path",
			"request_id", requestID, "peer_nic_path", desc.PeerNICPath, "from", desc.LocalNICPath)
		writeJSON(w, http.StatusConflict, efa.HandshakeDesc{PeerNICPath: desc.LocalNICPath})
		return
	}

	reply, err := h.HandleHandshake(r.Context(), desc)
	switch {
	case err == nil:
		s.logger.Debugw("handshake accepted", "request_id", requestID, "local", h.NICPath(), "peer", desc.LocalNICPath)
		writeJSON(w, http.StatusOK, reply)
	case errors.Is(err, efa.ErrHandshakeRejected), errors.Is(err, efa.ErrInvalidArgument):
		s.logger.Warnw("handshake rejected", "request_id", requestID, "local", h.NICPath(), "peer", desc.LocalNICPath, "error", err)
		reply.ReplyMsg = ""
		writeJSON(w, http.StatusConflict, reply)
	default:
		s.logger.Errorw("handshake failed", "request_id", requestID, "local", h.NICPath(), "peer", desc.LocalNICPath, "error", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]int{"contexts": s.registry.Len()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
