package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/alexandrecolauto/lodestone/server/pkg/registry"
	"github.com/gorilla/mux"
)

var errProposalLost = errors.New("proposal was lost to a leadership change, retry")

type serviceResponse struct {
	Service registry.ServiceRecord `json:"service"`
	Health  registry.HealthCheck   `json:"health"`
}

type writeResponse struct {
	ID    string `json:"id"`
	Index uint64 `json:"index"`
}

type healthRequest struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

type statusResponse struct {
	ID           string         `json:"id"`
	State        string         `json:"state"`
	Term         uint64         `json:"term"`
	Leader       string         `json:"leader"`
	CommitIndex  uint64         `json:"commit_index"`
	AppliedIndex uint64         `json:"applied_index"`
	FirstIndex   uint64         `json:"first_index"`
	LastIndex    uint64         `json:"last_index"`
	Voters       []string       `json:"voters"`
	Anomalies    uint64         `json:"anomalies"`
	Watchers     int            `json:"watchers"`
	Followers    map[string]any `json:"followers,omitempty"`
}

func waitRequested(r *http.Request) bool {
	switch r.URL.Query().Get("wait") {
	case "true", "1":
		return true
	}
	return false
}

// propose submits cmd and, when the caller asked to wait, blocks until the
// entry is applied on this node.
func (s *Server) propose(w http.ResponseWriter, r *http.Request, cmd registry.Command) (uint64, bool) {
	data, err := registry.EncodeCommand(cmd)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return 0, false
	}
	index, err := s.node.Propose(r.Context(), data)
	if err != nil {
		s.writeProposeError(w, r, err)
		return 0, false
	}
	if !waitRequested(r) {
		return index, true
	}
	ctx, cancel := context.WithTimeout(r.Context(), s.wait)
	defer cancel()
	if err := s.applier.WaitApplied(ctx, index); err != nil {
		writeError(w, http.StatusServiceUnavailable, fmt.Errorf("waiting for index %d: %w", index, err))
		return 0, false
	}
	return index, true
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var rec registry.ServiceRecord
	if err := json.NewDecoder(r.Body).Decode(&rec); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decoding service: %w", err))
		return
	}
	rec.Normalize()
	if err := rec.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	index, ok := s.propose(w, r, registry.Register(rec))
	if !ok {
		return
	}
	if !waitRequested(r) {
		writeJSON(w, http.StatusAccepted, writeResponse{ID: rec.ID, Index: index})
		return
	}
	// The index may have been reused by a new leader for another entry.
	if _, found, err := s.store.Get(rec.ID); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	} else if !found {
		writeError(w, http.StatusServiceUnavailable, errProposalLost)
		return
	}
	writeJSON(w, http.StatusCreated, writeResponse{ID: rec.ID, Index: index})
}

func (s *Server) handleDeregister(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	index, ok := s.propose(w, r, registry.Deregister(id))
	if !ok {
		return
	}
	code := http.StatusAccepted
	if waitRequested(r) {
		code = http.StatusOK
	}
	writeJSON(w, code, writeResponse{ID: id, Index: index})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	rec, ok, err := s.store.Get(id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("service %s: %w", id, registry.ErrNotFound))
		return
	}
	writeJSON(w, http.StatusOK, serviceResponse{Service: rec, Health: s.health.Get(id)})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	recs, err := s.store.ScanByNamePrefix(r.URL.Query().Get("name"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	out := make([]serviceResponse, 0, len(recs))
	for _, rec := range recs {
		out = append(out, serviceResponse{Service: rec, Health: s.health.Get(rec.ID)})
	}
	writeJSON(w, http.StatusOK, out)
}

// handleSetHealth records a health check result on this node only.
func (s *Server) handleSetHealth(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req healthRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decoding health: %w", err))
		return
	}
	status, err := registry.ParseHealthStatus(req.Status)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if _, ok, err := s.store.Get(id); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	} else if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("service %s: %w", id, registry.ErrNotFound))
		return
	}
	writeJSON(w, http.StatusOK, s.health.Set(id, status, req.Message))
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.node.Status(r.Context())
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	resp := statusResponse{
		ID:           st.ID,
		State:        string(st.State),
		Term:         st.Term,
		Leader:       st.Lead,
		CommitIndex:  st.Commit,
		AppliedIndex: s.applier.Applied(),
		FirstIndex:   st.FirstIndex,
		LastIndex:    st.LastIndex,
		Voters:       st.Voters,
		Anomalies:    s.applier.Anomalies(),
		Watchers:     s.applier.Hub().Len(),
	}
	if len(st.Progress) > 0 {
		resp.Followers = make(map[string]any, len(st.Progress))
		for id, pr := range st.Progress {
			resp.Followers[id] = map[string]any{"match": pr.Match, "next": pr.Next, "recent_active": pr.RecentActive}
		}
	}
	writeJSON(w, http.StatusOK, resp)
}
