// Package transport keeps a document replicated across several relay endpoints.
//
// A Pool owns one Connection per valid endpoint. Connections dial, serve and
// redial independently with exponential backoff, so one bad relay never
// affects another. The pool counts as connected while any member is live.
package transport

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"

	"collabtext/journalsync/internal/doc"
	"collabtext/journalsync/internal/logging"
)

// Options configures a Pool. Zero values select the defaults.
type Options struct {
	Dialer     Dialer
	Logger     *log.Logger
	Errors     *ErrorLog
	NewBackOff func() backoff.BackOff
}

// ProviderStatus is one endpoint's view in a Status.
type ProviderStatus struct {
	URL       string `json:"url"`
	Connected bool   `json:"connected"`
	State     string `json:"state"`
	Reason    string `json:"reason,omitempty"`
}

// Status aggregates the pool.
type Status struct {
	Connected      bool             `json:"connected"`
	Providers      []ProviderStatus `json:"providers"`
	ConnectedCount int              `json:"connectedCount"`
	Total          int              `json:"totalProviders"`
	Attempts       int              `json:"connectionAttempts"`
}

// Pool is the set of connections replicating one document.
type Pool struct {
	documentID string
	doc        *doc.Document
	dialer     Dialer
	logger     *log.Logger
	errors     *ErrorLog
	newBackOff func() backoff.BackOff

	conns       []*Connection
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	unsubscribe func()
	closeOnce   sync.Once

	subMu   sync.Mutex
	nextSub int
	subs    map[int]func(Status)
}

// DefaultBackOff retries forever, starting at half a second and capping at 30s.
func DefaultBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// Connect starts replicating d to documentID on every valid endpoint. Invalid
// endpoints are recorded in the error log as configuration errors and skipped.
// Connect never fails; connection problems surface through Status and the error log.
func Connect(ctx context.Context, documentID string, endpoints []string, d *doc.Document, opts Options) *Pool {
	p := &Pool{
		documentID: documentID,
		doc:        d,
		dialer:     opts.Dialer,
		logger:     logging.OrNop(opts.Logger).With("room", documentID),
		errors:     opts.Errors,
		newBackOff: opts.NewBackOff,
		subs:       make(map[int]func(Status)),
	}
	if p.dialer == nil {
		p.dialer = &websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	}
	if p.errors == nil {
		p.errors = NewErrorLog(DefaultErrorLogSize)
	}
	if p.newBackOff == nil {
		p.newBackOff = DefaultBackOff
	}

	for _, endpoint := range endpoints {
		if err := ValidateEndpoint(endpoint); err != nil {
			p.errors.Add(endpoint, err)
			p.logger.Warn("skipping endpoint", "err", err)
			continue
		}
		p.conns = append(p.conns, newConnection(p, endpoint))
	}

	p.unsubscribe = d.OnUpdate(func(update []byte, origin any) {
		for _, c := range p.conns {
			if origin == c {
				continue
			}
			c.send(update)
		}
	})

	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	for _, c := range p.conns {
		p.wg.Add(1)
		go func(c *Connection) {
			defer p.wg.Done()
			c.run(runCtx)
		}(c)
	}
	return p
}

// DocumentID returns the room this pool replicates.
func (p *Pool) DocumentID() string {
	return p.documentID
}

// Errors returns the pool's error log.
func (p *Pool) Errors() *ErrorLog {
	return p.errors
}

// Status returns the current aggregate. Connected is false when the pool has no members.
func (p *Pool) Status() Status {
	st := Status{Total: len(p.conns), Providers: []ProviderStatus{}}
	for _, c := range p.conns {
		c.mu.Lock()
		state, reason, attempts := c.state, c.reason, c.attempts
		c.mu.Unlock()
		live := state == Live
		if live {
			st.ConnectedCount++
		}
		st.Attempts += attempts
		st.Providers = append(st.Providers, ProviderStatus{
			URL:       c.endpoint,
			Connected: live,
			State:     state.String(),
			Reason:    reason,
		})
	}
	st.Connected = st.ConnectedCount > 0
	return st
}

// OnStatus registers fn for every member state change. The returned function unregisters it.
func (p *Pool) OnStatus(fn func(Status)) func() {
	p.subMu.Lock()
	defer p.subMu.Unlock()
	id := p.nextSub
	p.nextSub++
	p.subs[id] = fn
	return func() {
		p.subMu.Lock()
		defer p.subMu.Unlock()
		delete(p.subs, id)
	}
}

func (p *Pool) connectionChanged() {
	st := p.Status()
	p.subMu.Lock()
	fns := make([]func(Status), 0, len(p.subs))
	for _, fn := range p.subs {
		fns = append(fns, fn)
	}
	p.subMu.Unlock()
	for _, fn := range fns {
		fn(st)
	}
}

// Close cancels pending redials and closes every socket. Teardown errors are
// swallowed. Safe to call more than once.
func (p *Pool) Close() {
	p.closeOnce.Do(func() {
		p.unsubscribe()
		p.cancel()
		p.wg.Wait()
		for _, c := range p.conns {
			c.setState(Closed, "")
		}
		p.logger.Debug("pool closed")
	})
}
