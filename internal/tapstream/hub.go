// Package tapstream serves a run's TAP output to WebSocket clients as it is
// produced. Each TAP line is one text message. Clients that connect late
// are sent the lines they missed first.
package tapstream

import (
	"bytes"
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/cryguy/pagetap/internal/logging"
)

const (
	clientBuffer = 256
	writeTimeout = 5 * time.Second
)

// Hub is an io.Writer that broadcasts complete lines to every connected
// client. The zero value is not usable; call NewHub.
type Hub struct {
	log *logging.Logger

	mu      sync.Mutex
	clients map[*client]struct{}
	history []string
	partial []byte
	closed  bool
}

type client struct {
	msgs    chan string
	dropped bool
}

// NewHub creates an empty hub.
func NewHub(log *logging.Logger) *Hub {
	if log == nil {
		log = logging.Discard()
	}
	return &Hub{log: log, clients: make(map[*client]struct{})}
}

// Write splits p into lines and broadcasts each complete one. A trailing
// partial line is held until the rest of it arrives or the hub is closed.
func (h *Hub) Write(p []byte) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return 0, errors.New("tapstream: write to closed hub")
	}
	h.partial = append(h.partial, p...)
	for {
		i := bytes.IndexByte(h.partial, '\n')
		if i < 0 {
			break
		}
		line := string(bytes.TrimSuffix(h.partial[:i], []byte("\r")))
		h.partial = h.partial[i+1:]
		h.broadcastLocked(line)
	}
	return len(p), nil
}

func (h *Hub) broadcastLocked(line string) {
	h.history = append(h.history, line)
	for c := range h.clients {
		select {
		case c.msgs <- line:
		default:
			// Too slow to keep up.
			c.dropped = true
			close(c.msgs)
			delete(h.clients, c)
			h.log.Warn("dropping slow stream client")
		}
	}
}

// Close flushes any partial line and ends every client's stream.
func (h *Hub) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	if len(h.partial) > 0 {
		h.broadcastLocked(string(h.partial))
		h.partial = nil
	}
	h.closed = true
	for c := range h.clients {
		close(c.msgs)
		delete(h.clients, c)
	}
	return nil
}

// Lines returns every line broadcast so far.
func (h *Hub) Lines() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.history...)
}

// subscribe registers a client and returns the lines it missed. A nil
// client means the hub is already closed.
func (h *Hub) subscribe() (*client, []string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	backlog := append([]string(nil), h.history...)
	if h.closed {
		return nil, backlog
	}
	c := &client{msgs: make(chan string, clientBuffer)}
	h.clients[c] = struct{}{}
	return c, backlog
}

func (h *Hub) unsubscribe(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.msgs)
	}
}

func (h *Hub) wasDropped(c *client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return c.dropped
}

// Handler upgrades requests to WebSocket connections and streams lines to
// them until the hub closes or the client goes away.
func (h *Hub) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			h.log.Warn("stream accept failed", "error", err)
			return
		}
		defer conn.CloseNow()

		// Nothing is read from clients; this handles their close frames.
		ctx := conn.CloseRead(r.Context())

		c, backlog := h.subscribe()
		if c != nil {
			defer h.unsubscribe(c)
		}
		h.log.Debug("stream client connected", "remote", r.RemoteAddr, "backlog", len(backlog))

		for _, line := range backlog {
			if err := write(ctx, conn, line); err != nil {
				return
			}
		}
		if c == nil {
			conn.Close(websocket.StatusNormalClosure, "run finished")
			return
		}
		for {
			select {
			case line, ok := <-c.msgs:
				if !ok {
					if h.wasDropped(c) {
						conn.Close(websocket.StatusTryAgainLater, "client too slow")
					} else {
						conn.Close(websocket.StatusNormalClosure, "run finished")
					}
					return
				}
				if err := write(ctx, conn, line); err != nil {
					return
				}
			case <-ctx.Done():
				return
			}
		}
	})
}

func write(ctx context.Context, conn *websocket.Conn, line string) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, []byte(line))
}

// Server serves a hub's stream at /stream.
type Server struct {
	hub *Hub
	srv *http.Server
	ln  net.Listener
}

// Listen binds addr and starts serving in the background. Use Addr to find
// the port when addr ends in ":0".
func Listen(addr string, hub *Hub) (*Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	mux := http.NewServeMux()
	mux.Handle("/stream", hub.Handler())
	s := &Server{
		hub: hub,
		srv: &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second},
		ln:  ln,
	}
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			hub.log.Error("stream server stopped", "error", err)
		}
	}()
	hub.log.Info("streaming TAP", "addr", ln.Addr().String())
	return s, nil
}

// Addr is the address the server is listening on.
func (s *Server) Addr() string {
	return s.ln.Addr().String()
}

// Shutdown closes the hub, which ends every stream, then stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	_ = s.hub.Close()
	return s.srv.Shutdown(ctx)
}
