package server

import (
	"context"
	"fmt"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"

	"collabtext/journalsync/internal/doc"
)

// compactEvery is the number of appended updates that triggers a store compaction.
const compactEvery = 500

type origin string

const (
	originStore  origin = "store"
	originFanout origin = "fanout"
)

// Room is one named document shared by every connection to that name.
type Room struct {
	name   string
	doc    *doc.Document
	store  Store
	hub    *Hub
	fanout Fanout
	logger *log.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	unsubscribeDoc    func()
	unsubscribeFanout func()

	mu       sync.Mutex
	appended int
	refs     int
}

func openRoom(ctx context.Context, name string, store Store, fanout Fanout, logger *log.Logger) (*Room, error) {
	records, err := store.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load room %s: %w", name, err)
	}

	roomCtx, cancel := context.WithCancel(context.Background())
	r := &Room{
		name:   name,
		doc:    doc.New("room:" + name),
		store:  store,
		fanout: fanout,
		logger: logger,
		ctx:    roomCtx,
		cancel: cancel,
	}
	r.hub = newHub(logger, r.doc.EncodeState)
	for _, rec := range records {
		if err := r.doc.Apply(rec, originStore); err != nil {
			logger.Warn("skipping unreadable stored update", "err", err)
		}
	}
	r.appended = len(records)
	r.unsubscribeDoc = r.doc.OnUpdate(r.handleUpdate)

	if fanout != nil {
		unsubscribe, err := fanout.Subscribe(ctx, name, func(update []byte) {
			if err := r.doc.Apply(update, originFanout); err != nil {
				r.logger.Warn("dropping undecodable fanout update", "err", err)
			}
		})
		if err != nil {
			// The room still works for this instance's clients.
			logger.Warn("fanout subscribe failed", "err", err)
		} else {
			r.unsubscribeFanout = unsubscribe
		}
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.hub.run(r.ctx)
	}()
	logger.Info("room opened", "records", len(records))
	return r, nil
}

// Name returns the normalized room name.
func (r *Room) Name() string {
	return r.name
}

// Document returns the room's shared document.
func (r *Room) Document() *doc.Document {
	return r.doc
}

// handleUpdate persists, broadcasts and fans out every effective change.
func (r *Room) handleUpdate(update []byte, from any) {
	if from != originStore {
		r.persist(update)
	}
	client, _ := from.(*Client)
	r.hub.Publish(r.ctx, update, client)
	if r.fanout != nil && from != originFanout {
		if err := r.fanout.Publish(r.ctx, r.name, update); err != nil {
			r.logger.Warn("fanout publish failed", "err", err)
		}
	}
}

func (r *Room) persist(update []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.store.Append(r.ctx, update); err != nil {
		r.logger.Error("persist update failed", "err", err)
		return
	}
	r.appended++
	if r.appended < compactEvery {
		return
	}
	if err := r.store.Compact(r.ctx, r.doc.EncodeState()); err != nil {
		r.logger.Error("compact room failed", "err", err)
		return
	}
	r.appended = 1
}

// HasData reports whether the room's store holds at least one record.
func (r *Room) HasData(ctx context.Context) (bool, error) {
	n, err := r.store.Len(ctx)
	return n > 0, err
}

// ClientCount returns the number of registered clients.
func (r *Room) ClientCount() int {
	reply := make(chan int, 1)
	select {
	case r.hub.count <- reply:
		return <-reply
	case <-r.ctx.Done():
		return 0
	}
}

// Join serves conn as a client of the room until it disconnects.
func (r *Room) Join(conn *websocket.Conn) {
	client := &Client{room: r, conn: conn, send: make(chan []byte, sendQueueLen)}
	select {
	case r.hub.register <- client:
	case <-r.ctx.Done():
		conn.Close()
		return
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		client.writePump()
	}()
	client.readPump(r.ctx)
	<-done
}

func (r *Room) close() error {
	if r.unsubscribeFanout != nil {
		r.unsubscribeFanout()
	}
	r.unsubscribeDoc()
	r.cancel()
	r.wg.Wait()
	r.mu.Lock()
	defer r.mu.Unlock()
	r.logger.Info("room closed")
	return r.store.Close()
}
