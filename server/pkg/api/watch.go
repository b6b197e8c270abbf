package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/alexandrecolauto/lodestone/server/pkg/registry"
	"github.com/gorilla/websocket"
	"github.com/hashicorp/go-hclog"
)

const (
	writeWait   = 10 * time.Second
	pongWait    = 60 * time.Second
	pingPeriod  = 54 * time.Second
	watchBuffer = 64
)

type watchClient struct {
	conn    *websocket.Conn
	watcher *registry.Watcher
	prefix  string
	logger  hclog.Logger
}

// handleWatch streams applied registry events over a websocket. ?name=
// restricts the stream to services whose name has that prefix; reset events
// are always sent.
func (s *Server) handleWatch(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	c := &watchClient{
		conn:    conn,
		watcher: s.applier.Hub().Subscribe(watchBuffer),
		prefix:  r.URL.Query().Get("name"),
		logger:  s.logger.With("remote", r.RemoteAddr),
	}
	go c.writePump()
	go c.readPump()
}

func (c *watchClient) wants(ev registry.Event) bool {
	if c.prefix == "" || ev.Service == nil {
		return true
	}
	return strings.HasPrefix(ev.Service.Name, c.prefix)
}

func (c *watchClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.watcher.Close()
		c.conn.Close()
	}()

	for {
		select {
		case ev, ok := <-c.watcher.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if !c.wants(ev) {
				continue
			}
			if err := c.conn.WriteJSON(ev); err != nil {
				c.logger.Debug("watch write failed", "error", err)
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump only keeps the connection alive; watchers send nothing.
func (c *watchClient) readPump() {
	defer c.watcher.Close()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Debug("watch connection error", "error", err)
			}
			return
		}
	}
}
