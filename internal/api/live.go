package api

import (
	"log"
	"net/http"

	"github.com/reedfamily/gamewarden/internal/status"
)

type LiveHandler struct {
	poller *status.Poller
}

func NewLiveHandler(poller *status.Poller) *LiveHandler {
	return &LiveHandler{poller: poller}
}

// Status pushes a report over the websocket every time the poller produces one.
func (h *LiveHandler) Status(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("api: status websocket upgrade: %v", err)
		return
	}
	defer conn.Close()

	ch := h.poller.Subscribe()
	defer h.poller.Unsubscribe(ch)

	if latest := h.poller.Latest(); latest != nil {
		if err := conn.WriteJSON(latest); err != nil {
			return
		}
	}

	done := watchClose(conn)
	for {
		select {
		case rep, ok := <-ch:
			if !ok {
				return
			}
			if err := conn.WriteJSON(rep); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}
