package discovery

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeLeader stores services in memory the way a leader's API would.
type fakeLeader struct {
	mu       sync.Mutex
	services map[string]Service
	writes   int
}

func (f *fakeLeader) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch {
	case r.Method == http.MethodPost && r.URL.Path == "/v1/services":
		var s Service
		if err := json.NewDecoder(r.Body).Decode(&s); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		f.writes++
		f.services[s.ID] = s
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(WriteResult{ID: s.ID, Index: uint64(f.writes)})
	case r.Method == http.MethodGet && r.URL.Path == "/v1/services/a":
		s, ok := f.services["a"]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			json.NewEncoder(w).Encode(apiError{Error: "not found"})
			return
		}
		json.NewEncoder(w).Encode(Instance{Service: s, Health: Health{Status: "unknown"}})
	default:
		http.NotFound(w, r)
	}
}

func redirectTo(leader *httptest.Server) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(leaderHeader, "node-1")
		w.Header().Set("Location", leader.URL+r.URL.RequestURI())
		w.WriteHeader(http.StatusTemporaryRedirect)
	}
}

func TestClientFollowsRedirectToLeader(t *testing.T) {
	leader := httptest.NewServer(&fakeLeader{services: map[string]Service{}})
	defer leader.Close()
	follower := httptest.NewServer(redirectTo(leader))
	defer follower.Close()

	c, err := NewClient(Config{BaseURLs: []string{follower.URL}, Wait: true})
	require.NoError(t, err)

	res, err := c.Register(context.Background(), Service{ID: "a", Name: "web", Address: "10.0.0.1", Port: 80})
	require.NoError(t, err)
	assert.Equal(t, "a", res.ID)
	assert.Equal(t, uint64(1), res.Index)

	inst, err := c.Get(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, "web", inst.Service.Name)
}

func TestClientStopsAfterMaxRedirects(t *testing.T) {
	var loop *httptest.Server
	loop = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Location", loop.URL+r.URL.RequestURI())
		w.WriteHeader(http.StatusTemporaryRedirect)
	}))
	defer loop.Close()

	c, err := NewClient(Config{BaseURLs: []string{loop.URL}, MaxRedirects: 2})
	require.NoError(t, err)
	_, err = c.Deregister(context.Background(), "a")
	assert.ErrorIs(t, err, ErrTooManyHops)
}

func TestClientRotatesPastUnreachableMember(t *testing.T) {
	leader := httptest.NewServer(&fakeLeader{services: map[string]Service{"a": {ID: "a", Name: "web"}}})
	defer leader.Close()
	dead := httptest.NewServer(http.NotFoundHandler())
	deadURL := dead.URL
	dead.Close()

	c, err := NewClient(Config{BaseURLs: []string{deadURL, leader.URL}})
	require.NoError(t, err)
	inst, err := c.Get(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, "a", inst.Service.ID)
}

func TestClientMapsErrors(t *testing.T) {
	noLeader := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(apiError{Error: "no leader available"})
	}))
	defer noLeader.Close()

	c, err := NewClient(Config{BaseURLs: []string{noLeader.URL}})
	require.NoError(t, err)
	_, err = c.Register(context.Background(), Service{Name: "web"})
	assert.ErrorIs(t, err, ErrNoLeader)

	leader := httptest.NewServer(&fakeLeader{services: map[string]Service{}})
	defer leader.Close()
	c, err = NewClient(Config{BaseURLs: []string{leader.URL}})
	require.NoError(t, err)
	_, err = c.Get(context.Background(), "a")
	assert.True(t, errors.Is(err, ErrNotFound))

	dead := httptest.NewServer(http.NotFoundHandler())
	deadURL := dead.URL
	dead.Close()
	c, err = NewClient(Config{BaseURLs: []string{deadURL}})
	require.NoError(t, err)
	_, err = c.List(context.Background(), "")
	assert.ErrorIs(t, err, ErrNoReachable)
}
