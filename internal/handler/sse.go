package handler

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

type Event struct {
	ID      []byte
	Data    []byte
	Event   []byte
	Retry   []byte
	Comment []byte
}

func (ev *Event) MarshalTo(w io.Writer) error {
	if len(ev.Data) == 0 && len(ev.Comment) == 0 {
		return nil
	}

	if len(ev.Data) > 0 {
		if _, err := fmt.Fprintf(w, "id: %s\n", ev.ID); err != nil {
			return err
		}

		sd := bytes.Split(ev.Data, []byte("\n"))
		for i := range sd {
			if _, err := fmt.Fprintf(w, "data: %s\n", sd[i]); err != nil {
				return err
			}
		}

		if len(ev.Event) > 0 {
			if _, err := fmt.Fprintf(w, "event: %s\n", ev.Event); err != nil {
				return err
			}
		}

		if len(ev.Retry) > 0 {
			if _, err := fmt.Fprintf(w, "retry: %s\n", ev.Retry); err != nil {
				return err
			}
		}
	}

	if len(ev.Comment) > 0 {
		if _, err := fmt.Fprintf(w, ": %s\n", ev.Comment); err != nil {
			return err
		}
	}

	if _, err := fmt.Fprint(w, "\n"); err != nil {
		return err
	}

	return nil
}

type EventStreamHandler struct {
	hub       Subscriptions
	heartbeat time.Duration
	logger    *zap.SugaredLogger
}

func NewEventStreamHandler(
	hub Subscriptions,
	heartbeat time.Duration,
	logger *zap.SugaredLogger,
) *EventStreamHandler {
	return &EventStreamHandler{hub: hub, heartbeat: heartbeat, logger: logger}
}

func SetupEventStreamRoutes(g *echo.Group, h *EventStreamHandler) {
	g.GET("/executions/:run_id/events", h.GetRunEvents)
}

// GetRunEvents streams a run's push events as server-sent events until the
// client goes away.
func (h *EventStreamHandler) GetRunEvents(c echo.Context) error {
	params := new(ExecutionParams)
	if err := c.Bind(params); err != nil || params.RunID <= 0 {
		return newError(err, http.StatusBadRequest, "invalid run id")
	}

	sub := h.hub.Connect()
	defer h.hub.Disconnect(sub.ID())
	h.hub.Subscribe(sub.ID(), params.RunID)

	w := c.Response()
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	w.Flush()

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	var seq int64
	for {
		select {
		case <-c.Request().Context().Done():
			return nil
		case ev, ok := <-sub.Events():
			if !ok {
				return nil
			}
			b, err := json.Marshal(ev.Data)
			if err != nil {
				h.logger.Errorw("err marshaling event data", "event", ev.Name, "error", err)
				continue
			}
			seq++
			event := &Event{
				ID:    []byte(strconv.FormatInt(seq, 10)),
				Data:  b,
				Event: []byte(ev.Name),
			}
			if err := event.MarshalTo(w); err != nil {
				return nil
			}
			w.Flush()
		case <-ticker.C:
			event := &Event{Comment: []byte("keep-alive")}
			if err := event.MarshalTo(w); err != nil {
				return nil
			}
			w.Flush()
		}
	}
}
