package httpserver

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	json "github.com/goccy/go-json"

	"github.com/coachpo/gridmarket/internal/domain/errs"
	"github.com/coachpo/gridmarket/internal/domain/market"
	"github.com/coachpo/gridmarket/internal/observability"
)

const streamWriteTimeout = 5 * time.Second

// streamEvents upgrades to a websocket and forwards committed events until
// the client disconnects. ?type= narrows the stream to one event type.
func (s *httpServer) streamEvents(w http.ResponseWriter, r *http.Request) {
	typ := market.EventType(strings.TrimSpace(r.URL.Query().Get("type")))
	if typ == "" {
		typ = market.EventTypeAny
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		return
	}
	defer func() { _ = conn.CloseNow() }()

	// Inbound frames are ignored; CloseRead cancels ctx when the peer goes away.
	ctx := conn.CloseRead(r.Context())

	id, events, err := s.events.Subscribe(ctx, typ)
	if err != nil {
		reason := "subscribe failed"
		if errs.Is(err, errs.CodeUnavailable) {
			reason = "event bus closed"
		}
		_ = conn.Close(websocket.StatusTryAgainLater, reason)
		return
	}
	defer s.events.Unsubscribe(id)

	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				_ = conn.Close(websocket.StatusGoingAway, "stream closed")
				return
			}
			if err := writeEvent(ctx, conn, evt); err != nil {
				if !errors.Is(err, context.Canceled) {
					s.log().Debug("http: event stream write failed", observability.F("error", err))
				}
				return
			}
		}
	}
}

func writeEvent(ctx context.Context, conn *websocket.Conn, evt market.Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, streamWriteTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}
