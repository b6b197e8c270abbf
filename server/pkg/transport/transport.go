package transport

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alexandrecolauto/lodestone/server/pkg/raftpb"
	"github.com/hashicorp/go-hclog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/backoff"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/encoding/gzip"
)

type Config struct {
	QueueSize      int
	SendTimeout    time.Duration
	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	// Dialer replaces the network dialer; tests use it with bufconn.
	Dialer func(ctx context.Context, addr string) (net.Conn, error)
}

func (c *Config) setDefaults() {
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = time.Second
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = 100 * time.Millisecond
	}
	if c.MaxBackoff < c.InitialBackoff {
		c.MaxBackoff = max(5*time.Second, c.InitialBackoff)
	}
}

type peer struct {
	id      string
	address string
	conn    *grpc.ClientConn
	queue   chan raftpb.Message
}

// Transport delivers raft messages to peers over gRPC. Each peer has its own
// bounded queue drained by one goroutine, so messages to a peer stay in order
// and a slow peer never blocks the others.
type Transport struct {
	cfg    Config
	self   string
	peers  map[string]*peer
	logger hclog.Logger

	dropped atomic.Uint64

	startOnce sync.Once
	stopOnce  sync.Once
	stopc     chan struct{}
	wg        sync.WaitGroup
}

func New(cfg Config, self string, peers map[string]string, logger hclog.Logger) (*Transport, error) {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	cfg.setDefaults()
	t := &Transport{
		cfg:    cfg,
		self:   self,
		peers:  make(map[string]*peer),
		logger: logger,
		stopc:  make(chan struct{}),
	}
	for id, addr := range peers {
		if id == self {
			continue
		}
		conn, err := t.dial(addr)
		if err != nil {
			t.closeConns()
			return nil, fmt.Errorf("creating client for peer %s at %s: %w", id, addr, err)
		}
		t.peers[id] = &peer{
			id:      id,
			address: addr,
			conn:    conn,
			queue:   make(chan raftpb.Message, cfg.QueueSize),
		}
	}
	return t, nil
}

func (t *Transport) dial(addr string) (*grpc.ClientConn, error) {
	opts := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithConnectParams(grpc.ConnectParams{
			Backoff: backoff.Config{
				BaseDelay:  t.cfg.InitialBackoff,
				Multiplier: 1.6,
				Jitter:     0.2,
				MaxDelay:   t.cfg.MaxBackoff,
			},
			MinConnectTimeout: t.cfg.SendTimeout,
		}),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(codecName), grpc.UseCompressor(gzip.Name)),
	}
	if t.cfg.Dialer != nil {
		opts = append(opts, grpc.WithContextDialer(t.cfg.Dialer))
	}
	return grpc.NewClient(addr, opts...)
}

// Start launches one sender per peer and begins connecting.
func (t *Transport) Start() {
	t.startOnce.Do(func() {
		for _, p := range t.peers {
			p.conn.Connect()
			t.wg.Add(1)
			go t.run(p)
		}
	})
}

func (t *Transport) run(p *peer) {
	defer t.wg.Done()
	for {
		select {
		case <-t.stopc:
			return
		case m := <-p.queue:
			t.deliver(p, m)
		}
	}
}

func (t *Transport) deliver(p *peer, m raftpb.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), t.cfg.SendTimeout)
	defer cancel()
	env := &Envelope{Version: envelopeVersion, Message: m}
	if err := p.conn.Invoke(ctx, sendMethod, env, &Ack{}); err != nil {
		t.dropped.Add(1)
		t.logger.Debug("failed to deliver message", "peer", p.id, "type", m.Type, "error", err)
	}
}

// Send enqueues msgs without blocking. Messages to unknown peers, to peers
// whose queue is full, or to peers whose connection is failing are dropped;
// raft retransmits on its own.
func (t *Transport) Send(msgs []raftpb.Message) {
	for _, m := range msgs {
		p, ok := t.peers[m.To]
		if !ok {
			t.dropped.Add(1)
			t.logger.Debug("dropping message for unknown peer", "to", m.To, "type", m.Type)
			continue
		}
		if p.conn.GetState() == connectivity.TransientFailure {
			t.dropped.Add(1)
			t.logger.Debug("peer unreachable, dropping message", "peer", p.id, "type", m.Type)
			continue
		}
		select {
		case p.queue <- m:
		default:
			t.dropped.Add(1)
			t.logger.Debug("peer queue full, dropping message", "peer", p.id, "type", m.Type)
		}
	}
}

// Dropped counts messages that were never delivered.
func (t *Transport) Dropped() uint64 {
	return t.dropped.Load()
}

func (t *Transport) Stop() {
	t.stopOnce.Do(func() {
		close(t.stopc)
		t.wg.Wait()
		t.closeConns()
	})
}

func (t *Transport) closeConns() {
	for id, p := range t.peers {
		if err := p.conn.Close(); err != nil {
			t.logger.Warn("closing peer connection", "peer", id, "error", err)
		}
	}
}
