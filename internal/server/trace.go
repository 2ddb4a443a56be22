package server

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/griddle-ai/griddle/internal/session"
	"github.com/griddle-ai/griddle/internal/store"
	"github.com/griddle-ai/griddle/internal/telemetry"
	"github.com/griddle-ai/griddle/internal/turn"
)

const defaultTraceLimit = 100

// TraceHandler exposes the execution record of a session: archived runs,
// observations, action traces and the progress log.
type TraceHandler struct {
	Hub     *turn.Hub
	Store   *store.Store
	Tracker *telemetry.Tracker
}

// Register mounts the handler on the sessions group.
func (h *TraceHandler) Register(g *echo.Group) {
	g.GET("/:id/trace", h.trace)
}

type traceResponse struct {
	SessionID    string                    `json:"sessionId"`
	Runs         []store.TurnRunRecord     `json:"runs,omitempty"`
	Observations []session.Observation     `json:"observations"`
	Traces       []telemetry.ActionTrace   `json:"traces"`
	Progress     []telemetry.ProgressEntry `json:"progress"`
}

func (h *TraceHandler) trace(c echo.Context) error {
	id := c.Param("id")
	limit := defaultTraceLimit
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "limit must be a positive integer")
		}
		limit = n
	}

	resp := traceResponse{SessionID: id, Observations: []session.Observation{}}

	snap, live := h.Hub.Snapshot(id)
	if live {
		resp.Observations = snap.Observations
	}

	if h.Store != nil {
		runs, err := h.Store.ListTurnRuns(c.Request().Context(), id, limit)
		if err != nil {
			return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
		}
		resp.Runs = runs

		if !live {
			recs, err := h.Store.ListObservations(c.Request().Context(), id, "", limit)
			if err != nil {
				return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
			}
			for _, rec := range recs {
				resp.Observations = append(resp.Observations, session.Observation{
					ID:        rec.ID,
					ActionRef: rec.ActionRef,
					Kind:      rec.Kind,
					Status:    rec.Status,
					ErrorCode: rec.ErrorCode,
					Outputs:   rec.Outputs,
					Timestamp: rec.RecordedAt,
				})
			}
		}
	}

	if !live && len(resp.Runs) == 0 && len(resp.Observations) == 0 {
		return echo.NewHTTPError(http.StatusNotFound, "session not found")
	}

	if h.Tracker != nil {
		resp.Traces = h.Tracker.Traces(limit)
		resp.Progress = h.Tracker.Progress(id, limit)
	}
	return c.JSON(http.StatusOK, resp)
}
