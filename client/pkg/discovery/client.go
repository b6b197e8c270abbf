package discovery

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

var (
	ErrNotFound    = errors.New("service not found")
	ErrNoLeader    = errors.New("no leader available")
	ErrTooManyHops = errors.New("too many leader redirects")
	ErrNoReachable = errors.New("no cluster member reachable")
)

const (
	leaderHeader     = "X-Lodestone-Leader"
	defaultRedirects = 3
)

type Service struct {
	ID             string            `json:"id,omitempty"`
	Name           string            `json:"name"`
	Address        string            `json:"address"`
	Port           uint16            `json:"port"`
	HealthCheckURL string            `json:"health_check_url,omitempty"`
	Tags           []string          `json:"tags,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

type Health struct {
	Status    string    `json:"status"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type Instance struct {
	Service Service `json:"service"`
	Health  Health  `json:"health"`
}

type WriteResult struct {
	ID    string `json:"id"`
	Index uint64 `json:"index"`
}

type apiError struct {
	Error  string `json:"error"`
	Leader string `json:"leader,omitempty"`
}

type Config struct {
	BaseURLs     []string
	Timeout      time.Duration
	MaxRedirects int
	// Wait makes writes return only after the leader applied them.
	Wait bool
}

// Client talks to any cluster member. Writes landing on a follower are
// redirected to the leader; a member that cannot be reached is skipped in
// favour of the next base URL.
type Client struct {
	cfg  Config
	http *http.Client

	mu   sync.Mutex
	next int
}

func NewClient(cfg Config) (*Client, error) {
	if len(cfg.BaseURLs) == 0 {
		return nil, fmt.Errorf("at least one base url is required")
	}
	for i, u := range cfg.BaseURLs {
		cfg.BaseURLs[i] = strings.TrimRight(u, "/")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.MaxRedirects <= 0 {
		cfg.MaxRedirects = defaultRedirects
	}
	return &Client{
		cfg: cfg,
		http: &http.Client{
			Timeout: cfg.Timeout,
			// Redirects are followed by hand so the request body can be replayed.
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}, nil
}

func (c *Client) Register(ctx context.Context, s Service) (WriteResult, error) {
	var res WriteResult
	err := c.do(ctx, http.MethodPost, c.writePath("/v1/services"), s, &res)
	return res, err
}

func (c *Client) Deregister(ctx context.Context, id string) (WriteResult, error) {
	var res WriteResult
	err := c.do(ctx, http.MethodDelete, c.writePath("/v1/services/"+url.PathEscape(id)), nil, &res)
	return res, err
}

func (c *Client) Get(ctx context.Context, id string) (Instance, error) {
	var inst Instance
	err := c.do(ctx, http.MethodGet, "/v1/services/"+url.PathEscape(id), nil, &inst)
	return inst, err
}

// List returns instances whose name starts with namePrefix, or all of them.
func (c *Client) List(ctx context.Context, namePrefix string) ([]Instance, error) {
	path := "/v1/services"
	if namePrefix != "" {
		path += "?name=" + url.QueryEscape(namePrefix)
	}
	var out []Instance
	err := c.do(ctx, http.MethodGet, path, nil, &out)
	return out, err
}

func (c *Client) writePath(path string) string {
	if c.cfg.Wait {
		return path + "?wait=true"
	}
	return path
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var payload []byte
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		payload = b
	}

	var lastErr error
	for range c.cfg.BaseURLs {
		base := c.base()
		err := c.follow(ctx, method, base+path, payload, out)
		if err == nil {
			return nil
		}
		var netErr *url.Error
		if !errors.As(err, &netErr) || ctx.Err() != nil {
			return err
		}
		lastErr = err
		c.rotate()
	}
	return fmt.Errorf("%w: %w", ErrNoReachable, lastErr)
}

// follow issues the request and chases leader redirects.
func (c *Client) follow(ctx context.Context, method, target string, payload []byte, out any) error {
	for hop := 0; ; hop++ {
		req, err := http.NewRequestWithContext(ctx, method, target, bytes.NewReader(payload))
		if err != nil {
			return err
		}
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		resp, err := c.http.Do(req)
		if err != nil {
			return err
		}
		next, err := c.handle(resp, out)
		if next == "" {
			return err
		}
		if hop >= c.cfg.MaxRedirects {
			return ErrTooManyHops
		}
		target = next
	}
}

func (c *Client) handle(resp *http.Response, out any) (redirect string, err error) {
	defer resp.Body.Close()
	switch {
	case resp.StatusCode == http.StatusTemporaryRedirect:
		loc, err := resp.Location()
		if err != nil {
			return "", fmt.Errorf("redirect without location from %s: %w", resp.Request.URL.Host, err)
		}
		return loc.String(), nil
	case resp.StatusCode == http.StatusNotFound:
		return "", ErrNotFound
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if out == nil {
			return "", nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return "", fmt.Errorf("decoding response: %w", err)
		}
		return "", nil
	}

	var apiErr apiError
	raw, _ := io.ReadAll(resp.Body)
	if json.Unmarshal(raw, &apiErr) != nil || apiErr.Error == "" {
		apiErr.Error = strings.TrimSpace(string(raw))
	}
	if resp.StatusCode == http.StatusServiceUnavailable && resp.Header.Get(leaderHeader) == "" && apiErr.Error == ErrNoLeader.Error() {
		return "", ErrNoLeader
	}
	return "", fmt.Errorf("%s: %s", resp.Status, apiErr.Error)
}

func (c *Client) base() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg.BaseURLs[c.next]
}

func (c *Client) rotate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.next = (c.next + 1) % len(c.cfg.BaseURLs)
}
