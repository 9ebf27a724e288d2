package handler

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/example/homeserve/internal/dispatch/domain"
	"github.com/example/homeserve/internal/tracking"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// streamFrame is one websocket message. The first frame is always a snapshot
// of the request (and the latest estimate when tracking already started);
// later frames carry the bus events for the request.
type streamFrame struct {
	Type     string                 `json:"type"`
	Request  *domain.ServiceRequest `json:"request,omitempty"`
	Estimate *tracking.Estimate     `json:"estimate,omitempty"`
	Event    *domain.RequestEvent   `json:"event,omitempty"`
}

// streamLocation pushes status changes and location updates to a participant
// until the request reaches a terminal status or the client goes away. The
// push channel is authoritative; GET .../trail only resyncs after a gap.
func (h *HTTP) streamLocation(w http.ResponseWriter, r *http.Request) {
	visible, ok := h.visibleRequest(w, r, false)
	if !ok {
		return
	}
	// subscribe before reading the snapshot so nothing committed in between is lost
	sub := h.broker.Subscribe(visible.ID)
	defer sub.Close()
	req, err := h.svc.Get(r.Context(), visible.ID)
	if err != nil {
		h.writeError(w, err)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	snapshot := streamFrame{Type: "snapshot", Request: &req}
	if est, err := h.tracker.Latest(req.ID); err == nil {
		snapshot.Estimate = &est
	}
	if err := writeFrame(conn, snapshot); err != nil {
		return
	}
	if req.Status.IsTerminal() {
		closeStream(conn, "request finished")
		return
	}

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		conn.SetReadLimit(512)
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()
	for {
		select {
		case <-closed:
			return
		case <-r.Context().Done():
			return
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case ev, ok := <-sub.C:
			if !ok {
				return
			}
			if err := writeFrame(conn, streamFrame{Type: string(ev.Type), Event: &ev}); err != nil {
				return
			}
			if finished(ev) {
				closeStream(conn, "request finished")
				return
			}
		}
	}
}

func finished(ev domain.RequestEvent) bool {
	if ev.Type != domain.EventRequestStatusChanged {
		return false
	}
	to, _ := ev.Payload["to"].(string)
	return domain.Status(to).IsTerminal()
}

func writeFrame(conn *websocket.Conn, frame streamFrame) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(frame)
}

func closeStream(conn *websocket.Conn, reason string) {
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason),
		time.Now().Add(writeWait))
}
