package api

import (
	"context"
	"errors"
	"io"
	"log"
	"net/http"

	"github.com/reedfamily/gamewarden/internal/lifecycle"
	"github.com/reedfamily/gamewarden/internal/status"
)

// Controller is the lifecycle surface the HTTP API drives.
type Controller interface {
	Status(ctx context.Context) lifecycle.Status
	Start(ctx context.Context, mapName string) error
	Stop(ctx context.Context, mapName string) error
	Abort(ctx context.Context) error
	Create(ctx context.Context, mapName string, mods []string) error
}

type LifecycleHandler struct {
	ctl    Controller
	poller *status.Poller
}

func NewLifecycleHandler(ctl Controller, poller *status.Poller) *LifecycleHandler {
	return &LifecycleHandler{ctl: ctl, poller: poller}
}

func (h *LifecycleHandler) Status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.ctl.Status(r.Context()))
}

func (h *LifecycleHandler) Start(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Map string `json:"map"`
	}
	if err := decodeJSON(r, &req); err != nil || req.Map == "" {
		writeError(w, http.StatusBadRequest, "map required")
		return
	}
	h.run(w, r, func(ctx context.Context) error { return h.ctl.Start(ctx, req.Map) })
}

func (h *LifecycleHandler) Stop(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Map string `json:"map"`
	}
	// the body is optional
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	h.run(w, r, func(ctx context.Context) error { return h.ctl.Stop(ctx, req.Map) })
}

func (h *LifecycleHandler) Abort(w http.ResponseWriter, r *http.Request) {
	h.run(w, r, h.ctl.Abort)
}

func (h *LifecycleHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Map  string   `json:"map"`
		Mods []string `json:"mods"`
	}
	if err := decodeJSON(r, &req); err != nil || req.Map == "" {
		writeError(w, http.StatusBadRequest, "map required")
		return
	}
	h.run(w, r, func(ctx context.Context) error { return h.ctl.Create(ctx, req.Map, req.Mods) })
}

// run executes op detached from the request so a disconnecting client cannot
// abandon a sequence half way, then reports the resulting status.
func (h *LifecycleHandler) run(w http.ResponseWriter, r *http.Request, op func(context.Context) error) {
	ctx := context.WithoutCancel(r.Context())
	if who := operatorFrom(ctx); who != nil {
		ctx = lifecycle.WithTrigger(ctx, "operator:"+who.Username)
	}

	if err := op(ctx); err != nil {
		code, msg := errorStatus(err)
		if code >= 500 {
			log.Printf("api: %s %s: %v", r.Method, r.URL.Path, err)
		}
		writeError(w, code, msg)
		return
	}

	if h.poller != nil {
		writeJSON(w, http.StatusOK, h.poller.Refresh(ctx))
		return
	}
	writeJSON(w, http.StatusOK, h.ctl.Status(ctx))
}

func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, lifecycle.ErrInvalidMapName):
		return http.StatusBadRequest, err.Error()
	case lifecycle.IsPrecondition(err):
		return http.StatusConflict, err.Error()
	case errors.Is(err, lifecycle.ErrVerification):
		return http.StatusBadGateway, err.Error()
	default:
		// power and remote transport failures
		return http.StatusBadGateway, "operation failed: " + err.Error()
	}
}
