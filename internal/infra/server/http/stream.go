package httpserver

import (
	"context"
	"net/http"
	"time"

	"github.com/coder/websocket"
	json "github.com/goccy/go-json"

	"github.com/coachpo/offqueue/internal/app/status"
)

const (
	streamBuffer       = 64
	streamWriteTimeout = 5 * time.Second
)

// streamStatus upgrades to a websocket and relays every published status as a
// JSON text frame, starting with the most recent one.
func (s *httpServer) streamStatus(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		s.logf("status stream accept failed: err=%v", err)
		return
	}
	defer conn.CloseNow()

	broadcaster := s.coordinator.Broadcaster()
	updates := make(chan status.Status, streamBuffer)
	unsubscribe := broadcaster.Subscribe(func(st status.Status) {
		select {
		case updates <- st:
		default:
			s.logf("status stream lagging, dropped update: phase=%s", st.Phase)
		}
	})
	defer unsubscribe()

	// Client frames are ignored; the returned context ends when the peer closes.
	ctx := conn.CloseRead(r.Context())

	if err := writeStatus(ctx, conn, broadcaster.Last()); err != nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			return
		case st := <-updates:
			if err := writeStatus(ctx, conn, st); err != nil {
				_ = conn.Close(websocket.StatusInternalError, "write_failed")
				return
			}
		}
	}
}

func writeStatus(ctx context.Context, conn *websocket.Conn, st status.Status) error {
	data, err := json.Marshal(st)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, streamWriteTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}
