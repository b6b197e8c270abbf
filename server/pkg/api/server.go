package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/alexandrecolauto/lodestone/server/pkg/controller/node"
	"github.com/alexandrecolauto/lodestone/server/pkg/controller/raft"
	"github.com/alexandrecolauto/lodestone/server/pkg/registry"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/hashicorp/go-hclog"
)

const LeaderHeader = "X-Lodestone-Leader"

// Consensus is the part of the consensus node the API drives.
type Consensus interface {
	ID() string
	Leader() string
	Propose(ctx context.Context, cmd []byte) (uint64, error)
	Status(ctx context.Context) (raft.Status, error)
}

type Config struct {
	Node    Consensus
	Store   *registry.Store
	Applier *registry.Applier
	Health  *registry.HealthTable
	// PeerHTTPAddress resolves a member id to the base URL clients are
	// redirected to.
	PeerHTTPAddress func(id string) (string, bool)
	// WaitTimeout bounds ?wait=true requests.
	WaitTimeout time.Duration
	Logger      hclog.Logger
}

type Server struct {
	node     Consensus
	store    *registry.Store
	applier  *registry.Applier
	health   *registry.HealthTable
	peerAddr func(id string) (string, bool)
	wait     time.Duration
	logger   hclog.Logger
	router   *mux.Router
	upgrader websocket.Upgrader
}

func NewServer(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = hclog.NewNullLogger()
	}
	if cfg.Health == nil {
		cfg.Health = registry.NewHealthTable()
	}
	if cfg.PeerHTTPAddress == nil {
		cfg.PeerHTTPAddress = func(string) (string, bool) { return "", false }
	}
	if cfg.WaitTimeout <= 0 {
		cfg.WaitTimeout = 5 * time.Second
	}
	s := &Server{
		node:     cfg.Node,
		store:    cfg.Store,
		applier:  cfg.Applier,
		health:   cfg.Health,
		peerAddr: cfg.PeerHTTPAddress,
		wait:     cfg.WaitTimeout,
		logger:   cfg.Logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	r := mux.NewRouter()
	v1 := r.PathPrefix("/v1").Subrouter()
	v1.HandleFunc("/services", s.handleRegister).Methods(http.MethodPost)
	v1.HandleFunc("/services", s.handleList).Methods(http.MethodGet)
	v1.HandleFunc("/services/{id}", s.handleGet).Methods(http.MethodGet)
	v1.HandleFunc("/services/{id}", s.handleDeregister).Methods(http.MethodDelete)
	v1.HandleFunc("/services/{id}/health", s.handleSetHealth).Methods(http.MethodPut)
	v1.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	v1.HandleFunc("/watch", s.handleWatch).Methods(http.MethodGet)
	s.router = r
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

type errorResponse struct {
	Error  string `json:"error"`
	Leader string `json:"leader,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if v != nil {
		json.NewEncoder(w).Encode(v)
	}
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, errorResponse{Error: err.Error()})
}

// writeProposeError maps a failed proposal to a response. Writes on a
// follower are redirected to the leader when its address is known.
func (s *Server) writeProposeError(w http.ResponseWriter, r *http.Request, err error) {
	var nle *raft.NotLeaderError
	switch {
	case errors.As(err, &nle):
		addr, ok := s.peerAddr(nle.LeaderID)
		if nle.LeaderID == "" || !ok {
			writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "no leader available"})
			return
		}
		w.Header().Set(LeaderHeader, nle.LeaderID)
		w.Header().Set("Location", addr+r.URL.RequestURI())
		writeJSON(w, http.StatusTemporaryRedirect, errorResponse{Error: err.Error(), Leader: nle.LeaderID})
	case errors.Is(err, node.ErrStopped), errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		writeError(w, http.StatusServiceUnavailable, err)
	default:
		s.logger.Error("proposal failed", "error", err)
		writeError(w, http.StatusInternalServerError, err)
	}
}
