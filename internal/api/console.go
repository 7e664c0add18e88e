package api

import (
	"log"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// ConsoleHub fans raw server log lines out to websocket clients and keeps a
// short backlog for clients that connect later.
type ConsoleHub struct {
	size int

	mu      sync.Mutex
	backlog []string
	clients map[chan string]struct{}
}

func NewConsoleHub(backlog int) *ConsoleHub {
	if backlog <= 0 {
		backlog = 100
	}
	return &ConsoleHub{size: backlog, clients: make(map[chan string]struct{})}
}

// Publish is the lifecycle controller's line hook.
func (h *ConsoleHub) Publish(line string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.backlog = append(h.backlog, line)
	if len(h.backlog) > h.size {
		h.backlog = h.backlog[len(h.backlog)-h.size:]
	}
	for ch := range h.clients {
		select {
		case ch <- line:
		default:
			// client too slow, line dropped
		}
	}
}

func (h *ConsoleHub) subscribe() (chan string, []string) {
	ch := make(chan string, 64)
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[ch] = struct{}{}
	return ch, append([]string(nil), h.backlog...)
}

func (h *ConsoleHub) unsubscribe(ch chan string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.clients, ch)
}

func (h *ConsoleHub) Handle(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("api: console websocket upgrade: %v", err)
		return
	}
	defer conn.Close()

	ch, backlog := h.subscribe()
	defer h.unsubscribe(ch)

	for _, line := range backlog {
		if err := conn.WriteMessage(websocket.TextMessage, []byte(line)); err != nil {
			return
		}
	}

	done := watchClose(conn)
	for {
		select {
		case line := <-ch:
			if err := conn.WriteMessage(websocket.TextMessage, []byte(line)); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

// watchClose reads from the client until it disconnects. The console and
// live status streams are server to client only.
func watchClose(conn *websocket.Conn) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
	return done
}
