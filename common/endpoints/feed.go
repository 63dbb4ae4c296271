package endpoints

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
)

const (
	feedWriteWait = 5 * time.Second
	feedBuffer    = 256
)

// Feed broadcasts JSON messages to websocket subscribers. A subscriber
// that cannot keep up loses messages rather than slowing the publisher.
type Feed struct {
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*feedClient]bool
	dropped uint64
}

type feedClient struct {
	conn *websocket.Conn
	out  chan interface{}
}

func NewFeed() *Feed {
	return &Feed{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients: make(map[*feedClient]bool),
	}
}

// ServeHTTP upgrades the request and streams messages until the client
// goes away.
func (f *Feed) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := f.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.WithFields(
			log.Fields{
				"remote": r.RemoteAddr,
				"err":    err,
			}).Info("Websocket upgrade failed")
		return
	}
	c := &feedClient{conn: conn, out: make(chan interface{}, feedBuffer)}
	f.mu.Lock()
	f.clients[c] = true
	total := len(f.clients)
	f.mu.Unlock()
	log.WithFields(
		log.Fields{
			"remote":  r.RemoteAddr,
			"clients": total,
		}).Info("Feed subscriber connected")

	go f.write(c)
	// reads only detect the close
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	f.remove(c)
}

func (f *Feed) write(c *feedClient) {
	for msg := range c.out {
		c.conn.SetWriteDeadline(time.Now().Add(feedWriteWait))
		if err := c.conn.WriteJSON(msg); err != nil {
			f.remove(c)
			return
		}
	}
}

func (f *Feed) remove(c *feedClient) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.clients[c] {
		return
	}
	delete(f.clients, c)
	close(c.out)
	c.conn.Close()
}

// Publish queues msg for every subscriber.
func (f *Feed) Publish(msg interface{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for c := range f.clients {
		select {
		case c.out <- msg:
		default:
			f.dropped++
		}
	}
}

func (f *Feed) ClientCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.clients)
}

// Close disconnects every subscriber.
func (f *Feed) Close() {
	f.mu.Lock()
	clients := make([]*feedClient, 0, len(f.clients))
	for c := range f.clients {
		clients = append(clients, c)
	}
	f.mu.Unlock()
	for _, c := range clients {
		f.remove(c)
	}
}
