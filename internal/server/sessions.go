package server

import (
	"context"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/griddle-ai/griddle/internal/journal"
	"github.com/griddle-ai/griddle/internal/recall"
	"github.com/griddle-ai/griddle/internal/session"
	"github.com/griddle-ai/griddle/internal/store"
	"github.com/griddle-ai/griddle/internal/telemetry"
	"github.com/griddle-ai/griddle/internal/turn"
)

// SessionsHandler serves session lifecycle endpoints.
type SessionsHandler struct {
	Hub     *turn.Hub
	Store   *store.Store
	Recall  *recall.Index
	Tracker *telemetry.Tracker
	Journal *journal.Publisher
	Logger  *log.Logger
}

func (h *SessionsHandler) logger() *log.Logger {
	if h.Logger == nil {
		h.Logger = log.New(log.Writer(), "[SESSIONS] ", log.LstdFlags)
	}
	return h.Logger
}

// Register mounts the handler on the sessions group.
func (h *SessionsHandler) Register(g *echo.Group) {
	g.POST("", h.create)
	g.GET("", h.list)
	g.GET("/:id", h.get)
	g.DELETE("/:id", h.remove)
}

type sessionSummary struct {
	ID          string `json:"id"`
	Title       string `json:"title,omitempty"`
	DatasetName string `json:"datasetName,omitempty"`
	RowCount    int    `json:"rowCount"`
	Archived    bool   `json:"archived"`
	UpdatedAt   string `json:"updatedAt,omitempty"`
}

type snapshotResponse struct {
	ID            string                 `json:"id"`
	History       []session.Message      `json:"history"`
	Cards         []session.Card         `json:"cards"`
	Observations  []session.Observation  `json:"observations"`
	Plan          interface{}            `json:"plan,omitempty"`
	Clarification *session.Clarification `json:"clarification,omitempty"`
	Dataset       *session.ViewInfo      `json:"dataset,omitempty"`
	LastStateTag  string                 `json:"lastStateTag,omitempty"`
	UpdatedAt     string                 `json:"updatedAt"`
}

func snapshotToResponse(snap session.Snapshot) snapshotResponse {
	resp := snapshotResponse{
		ID:            snap.ID,
		History:       snap.History,
		Cards:         snap.Cards,
		Observations:  snap.Observations,
		Clarification: snap.PendingClarification,
		Dataset:       snap.Dataset,
		LastStateTag:  snap.LastStateTag,
		UpdatedAt:     snap.UpdatedAt.UTC().Format(time.RFC3339),
	}
	if snap.Plan != nil {
		resp.Plan = snap.Plan
	}
	return resp
}

func (h *SessionsHandler) create(c echo.Context) error {
	var req struct {
		ID          string `json:"id"`
		DatasetName string `json:"datasetName"`
		CSV         string `json:"csv"`
	}
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	id := strings.TrimSpace(req.ID)
	if id == "" {
		id = uuid.NewString()
	}

	sess, err := h.Hub.Open(id)
	if err != nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	}

	if strings.TrimSpace(req.CSV) != "" {
		view, err := session.LoadCSV(strings.NewReader(req.CSV))
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "parse csv: "+err.Error())
		}
		if req.DatasetName != "" {
			view.SetName(req.DatasetName)
		}
		sess.SetDataset(view)
	}

	h.logger().Printf("session %s created", id)
	return c.JSON(http.StatusCreated, map[string]string{"id": id})
}

func (h *SessionsHandler) list(c echo.Context) error {
	out := []sessionSummary{}
	seen := map[string]bool{}
	for _, sess := range h.Hub.Live() {
		snap := sess.Snapshot()
		s := sessionSummary{ID: snap.ID, UpdatedAt: snap.UpdatedAt.UTC().Format(time.RFC3339)}
		if snap.Dataset != nil {
			s.DatasetName = snap.Dataset.Name
			s.RowCount = snap.Dataset.RowCount
		}
		if snap.Plan != nil {
			s.Title = snap.Plan.Goal
		}
		out = append(out, s)
		seen[snap.ID] = true
	}
	if h.Store != nil {
		recs, err := h.Store.ListSessions(c.Request().Context(), true, 200)
		if err != nil {
			return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
		}
		for _, rec := range recs {
			if seen[rec.ID] {
				continue
			}
			out = append(out, sessionSummary{
				ID:          rec.ID,
				Title:       rec.Title,
				DatasetName: rec.DatasetName,
				RowCount:    rec.RowCount,
				Archived:    rec.ArchivedAt != nil,
				UpdatedAt:   rec.UpdatedAt.UTC().Format(time.RFC3339),
			})
		}
	}
	return c.JSON(http.StatusOK, out)
}

func (h *SessionsHandler) get(c echo.Context) error {
	id := c.Param("id")
	if snap, ok := h.Hub.Snapshot(id); ok {
		return c.JSON(http.StatusOK, snapshotToResponse(snap))
	}
	if h.Store != nil {
		rec, ok, err := h.Store.GetSession(c.Request().Context(), id)
		if err != nil {
			return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
		}
		if ok {
			return c.JSON(http.StatusOK, sessionSummary{
				ID:          rec.ID,
				Title:       rec.Title,
				DatasetName: rec.DatasetName,
				RowCount:    rec.RowCount,
				Archived:    rec.ArchivedAt != nil,
				UpdatedAt:   rec.UpdatedAt.UTC().Format(time.RFC3339),
			})
		}
	}
	return echo.NewHTTPError(http.StatusNotFound, "session not found")
}

func (h *SessionsHandler) remove(c echo.Context) error {
	id := c.Param("id")

	h.Hub.Drop(id)
	if h.Recall != nil {
		h.Recall.Forget(id)
	}
	if h.Tracker != nil {
		h.Tracker.ForgetSession(id)
	}
	if h.Store != nil {
		if err := h.Store.DeleteSession(context.Background(), id); err != nil {
			h.logger().Printf("delete session %s from store: %v", id, err)
		}
	}
	h.logger().Printf("session %s deleted", id)
	return c.JSON(http.StatusOK, map[string]string{"status": "deleted"})
}
