package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/griddle-ai/griddle/internal/turn"
)

var eventsTracer = otel.Tracer("griddle/internal/server/events")

const keepAliveInterval = 15 * time.Second

// EventsHandler streams actor events to the browser over SSE.
type EventsHandler struct {
	Hub *turn.Hub
}

// Register mounts the handler on the sessions group.
func (h *EventsHandler) Register(g *echo.Group) {
	g.GET("/:id/events", h.stream)
}

func (h *EventsHandler) stream(c echo.Context) error {
	id := c.Param("id")
	ctx, span := eventsTracer.Start(c.Request().Context(), "server.events.stream")
	defer span.End()
	span.SetAttributes(attribute.String("session.id", id))

	ch, cancel, err := h.Hub.Subscribe(id)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "subscribe failed")
		return echo.NewHTTPError(http.StatusNotFound, "session not found")
	}
	defer cancel()

	resp := c.Response()
	resp.Header().Set(echo.HeaderContentType, "text/event-stream")
	resp.Header().Set(echo.HeaderCacheControl, "no-cache")
	resp.Header().Set("Connection", "keep-alive")
	resp.WriteHeader(http.StatusOK)

	flusher, ok := resp.Writer.(http.Flusher)
	if !ok {
		err := fmt.Errorf("streaming unsupported")
		span.RecordError(err)
		span.SetStatus(codes.Error, "no flusher")
		return echo.NewHTTPError(http.StatusServiceUnavailable, "streaming unsupported")
	}

	keepAlive := time.NewTicker(keepAliveInterval)
	defer keepAlive.Stop()

	sent := 0
	for {
		select {
		case <-ctx.Done():
			span.SetAttributes(attribute.Int("events.sent", sent))
			return nil
		case <-keepAlive.C:
			if _, err := resp.Write([]byte(": keep-alive\n\n")); err != nil {
				return nil
			}
			flusher.Flush()
		case ev, open := <-ch:
			if !open {
				// The actor shut down; tell the client not to reconnect.
				_, _ = resp.Write([]byte("event: closed\ndata: {}\n\n"))
				flusher.Flush()
				span.SetAttributes(attribute.Int("events.sent", sent))
				return nil
			}
			data, err := json.Marshal(ev)
			if err != nil {
				span.RecordError(err)
				continue
			}
			if _, err := resp.Write([]byte("event: " + string(ev.Kind) + "\n")); err != nil {
				return nil
			}
			if _, err := resp.Write([]byte("data: " + string(data) + "\n\n")); err != nil {
				return nil
			}
			flusher.Flush()
			sent++
		}
	}
}
