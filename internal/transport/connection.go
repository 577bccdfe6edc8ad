package transport

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"

	"collabtext/journalsync/internal/syncerr"
)

// State is a connection's tagged status.
type State int

const (
	// Closed: not connected and not failing. The state before the first dial and after teardown.
	Closed State = iota
	// Live: the socket is open and replicating.
	Live
	// Failed: the last dial or session failed; Reason says why. A retry is pending.
	Failed
)

func (s State) String() string {
	switch s {
	case Live:
		return "live"
	case Failed:
		return "failed"
	default:
		return "closed"
	}
}

// Dialer opens client sockets. *websocket.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, urlStr string, requestHeader http.Header) (*websocket.Conn, *http.Response, error)
}

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingPeriod   = (pongWait * 9) / 10
	sendQueueLen = 256
)

// Connection replicates the pool's document over one endpoint and redials on failure.
type Connection struct {
	pool     *Pool
	endpoint string
	target   string
	logger   *log.Logger

	mu       sync.Mutex
	state    State
	reason   string
	out      chan []byte
	ws       *websocket.Conn
	attempts int
}

func newConnection(p *Pool, endpoint string) *Connection {
	return &Connection{
		pool:     p,
		endpoint: endpoint,
		target:   roomURL(endpoint, p.documentID),
		logger:   p.logger.With("endpoint", endpoint),
	}
}

// Endpoint returns the configured relay URL.
func (c *Connection) Endpoint() string {
	return c.endpoint
}

// State returns the current state and, for Failed, the reason.
func (c *Connection) State() (State, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state, c.reason
}

func (c *Connection) setState(s State, reason string) {
	c.mu.Lock()
	changed := c.state != s || c.reason != reason
	c.state, c.reason = s, reason
	c.mu.Unlock()
	if changed {
		c.pool.connectionChanged()
	}
}

func (c *Connection) run(ctx context.Context) {
	b := c.pool.newBackOff()
	for {
		if ctx.Err() != nil {
			return
		}
		c.mu.Lock()
		c.attempts++
		c.mu.Unlock()

		ws, _, err := c.pool.dialer.DialContext(ctx, c.target, nil)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.fail(fmt.Errorf("dial: %w", err))
		} else {
			b.Reset()
			err = c.serve(ctx, ws)
			if ctx.Err() != nil {
				return
			}
			c.fail(fmt.Errorf("connection lost: %w", err))
		}

		wait := b.NextBackOff()
		if wait == backoff.Stop {
			c.logger.Warn("giving up on endpoint")
			return
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func (c *Connection) fail(err error) {
	err = syncerr.New(syncerr.KindTransport, c.endpoint, err)
	c.pool.errors.Add(c.endpoint, err)
	c.logger.Debug("connection failed", "err", err)
	c.setState(Failed, err.Error())
}

// serve runs one socket session until it ends, returning the read error.
func (c *Connection) serve(ctx context.Context, ws *websocket.Conn) error {
	out := make(chan []byte, sendQueueLen)
	out <- c.pool.doc.EncodeState()

	c.mu.Lock()
	c.ws = ws
	c.out = out
	c.mu.Unlock()
	c.setState(Live, "")
	c.logger.Info("connected")

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		select {
		case <-ctx.Done():
			ws.Close()
		case <-stop:
		}
	}()
	go func() {
		defer wg.Done()
		c.writePump(ws, out)
	}()

	err := c.readPump(ws)

	c.mu.Lock()
	c.ws = nil
	c.out = nil
	close(out)
	c.mu.Unlock()
	close(stop)
	ws.Close()
	wg.Wait()
	return err
}

func (c *Connection) readPump(ws *websocket.Conn) error {
	ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		mt, msg, err := ws.ReadMessage()
		if err != nil {
			return err
		}
		ws.SetReadDeadline(time.Now().Add(pongWait))
		if mt != websocket.BinaryMessage {
			continue
		}
		if err := c.pool.doc.Apply(msg, c); err != nil {
			c.pool.errors.Add(c.endpoint, err)
			c.logger.Warn("dropping undecodable update", "err", err)
		}
	}
}

func (c *Connection) writePump(ws *websocket.Conn, out <-chan []byte) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case msg, ok := <-out:
			ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := ws.WriteMessage(websocket.BinaryMessage, msg); err != nil {
				ws.Close()
				return
			}
		case <-ticker.C:
			ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				ws.Close()
				return
			}
		}
	}
}

// send queues a local update. A full queue drops the socket; the redial resends full state.
func (c *Connection) send(update []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.out == nil {
		return
	}
	select {
	case c.out <- update:
	default:
		c.logger.Warn("send queue full, resetting connection")
		c.ws.Close()
	}
}
