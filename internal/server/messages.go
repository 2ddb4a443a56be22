package server

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/griddle-ai/griddle/internal/journal"
	"github.com/griddle-ai/griddle/internal/session"
	"github.com/griddle-ai/griddle/internal/telemetry"
	"github.com/griddle-ai/griddle/internal/turn"
	"github.com/griddle-ai/griddle/internal/worker"
)

// MessagesHandler drives turns synchronously over HTTP. Each finished turn
// is reported to the journal and flushed to the archive before the response
// returns, so a crash right after the reply loses nothing.
type MessagesHandler struct {
	Hub      *turn.Hub
	Journal  *journal.Publisher
	Tracker  *telemetry.Tracker
	Archiver *worker.Archiver
	Timeout  time.Duration
	Logger   *log.Logger
}

func (h *MessagesHandler) logger() *log.Logger {
	if h.Logger == nil {
		h.Logger = log.New(log.Writer(), "[TURNS] ", log.LstdFlags)
	}
	return h.Logger
}

// Register mounts the handler on the sessions group.
func (h *MessagesHandler) Register(g *echo.Group) {
	g.POST("/:id/messages", h.postMessage)
	g.POST("/:id/clarifications/:cid", h.resolveClarification)
	g.POST("/:id/cancel", h.cancel)
}

type turnResponse struct {
	Result        turn.Result            `json:"result"`
	Clarification *session.Clarification `json:"clarification,omitempty"`
	Cards         []session.Card         `json:"cards,omitempty"`
}

func (h *MessagesHandler) postMessage(c echo.Context) error {
	id := c.Param("id")
	var req struct {
		Text string `json:"text"`
	}
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if strings.TrimSpace(req.Text) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "text is required")
	}
	if _, ok := h.Hub.Session(id); !ok {
		return echo.NewHTTPError(http.StatusNotFound, "session not found")
	}
	if snap, ok := h.Hub.Snapshot(id); ok && snap.PendingClarification != nil {
		return c.JSON(http.StatusConflict, map[string]interface{}{
			"error":         "clarification_pending",
			"clarification": snap.PendingClarification,
		})
	}

	ctx := c.Request().Context()
	if h.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.Timeout)
		defer cancel()
	}

	start := time.Now()
	res, err := h.Hub.RunTurn(ctx, id, req.Text)
	if err != nil {
		// A populated run id means the turn reached a terminal phase before
		// failing; record it so failed runs land in the journal like any other.
		if res.RunID != "" && res.ErrorCode != turn.CodeTurnBusy {
			h.finishTurn(id, res, time.Since(start))
		}
		return h.mapTurnError(err)
	}
	h.finishTurn(id, res, time.Since(start))

	return c.JSON(http.StatusOK, h.buildResponse(id, res))
}

func (h *MessagesHandler) resolveClarification(c echo.Context) error {
	id := c.Param("id")
	cid := c.Param("cid")
	var req struct {
		Option string `json:"option"`
	}
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if strings.TrimSpace(req.Option) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "option is required")
	}

	ctx := c.Request().Context()
	if h.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.Timeout)
		defer cancel()
	}

	start := time.Now()
	res, err := h.Hub.ResolveClarification(ctx, id, cid, req.Option)
	if err != nil {
		if res.RunID != "" && res.ErrorCode != turn.CodeTurnBusy {
			h.finishTurn(id, res, time.Since(start))
		}
		return h.mapTurnError(err)
	}
	h.finishTurn(id, res, time.Since(start))

	return c.JSON(http.StatusOK, h.buildResponse(id, res))
}

func (h *MessagesHandler) cancel(c echo.Context) error {
	id := c.Param("id")
	if err := h.Hub.Cancel(id); err != nil {
		return h.mapTurnError(err)
	}
	return c.JSON(http.StatusAccepted, map[string]string{"status": "cancelling"})
}

func (h *MessagesHandler) mapTurnError(err error) error {
	switch {
	case errors.Is(err, turn.ErrUnknownSession):
		return echo.NewHTTPError(http.StatusNotFound, "session not found")
	case errors.Is(err, session.ErrTurnActive), errors.Is(err, session.ErrAwaitingReply):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return echo.NewHTTPError(http.StatusGatewayTimeout, "turn did not finish in time")
	case errors.Is(err, turn.ErrActorClosed), errors.Is(err, turn.ErrMailboxFull):
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}

// finishTurn records, journals and archives one terminal result. Failures
// here are logged, never surfaced: the turn itself already finished.
func (h *MessagesHandler) finishTurn(id string, res turn.Result, elapsed time.Duration) {
	if h.Tracker != nil {
		h.Tracker.RecordTurnEvent(telemetry.TurnEvent{
			RunID:         res.RunID,
			SessionID:     id,
			Phase:         string(res.Phase),
			ErrorCode:     res.ErrorCode,
			Rounds:        res.Rounds,
			Dispatched:    res.Dispatched,
			Continuations: res.Continuations,
			Duration:      elapsed,
		})
	}

	payload := journal.TurnCompletedPayload{
		SessionID:     id,
		RunID:         res.RunID,
		Phase:         string(res.Phase),
		ErrorCode:     res.ErrorCode,
		Reply:         res.Reply,
		Dispatched:    res.Dispatched,
		Rounds:        res.Rounds,
		Continuations: res.Continuations,
		DurationMS:    elapsed.Milliseconds(),
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if h.Journal != nil {
		if _, err := h.Journal.TurnCompleted(ctx, payload); err != nil {
			h.logger().Printf("journal turn.completed for %s: %v", res.RunID, err)
		}
	}
	if h.Archiver != nil {
		if snap, ok := h.Hub.Snapshot(id); ok {
			if err := h.Archiver.Flush(ctx, snap, payload, time.Now().UTC()); err != nil {
				h.logger().Printf("archive flush for %s: %v", id, err)
			}
		}
	}
}

func (h *MessagesHandler) buildResponse(id string, res turn.Result) turnResponse {
	resp := turnResponse{Result: res}
	if snap, ok := h.Hub.Snapshot(id); ok {
		resp.Clarification = snap.PendingClarification
		resp.Cards = snap.Cards
	}
	return resp
}
