package server

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/labstack/echo/v4"

	"github.com/griddle-ai/griddle/internal/dispatch"
	"github.com/griddle-ai/griddle/internal/envelope"
	"github.com/griddle-ai/griddle/internal/guard"
	"github.com/griddle-ai/griddle/internal/session"
	"github.com/griddle-ai/griddle/internal/store"
	"github.com/griddle-ai/griddle/internal/turn"
)

type scriptModel struct {
	script func(call int, pc turn.PromptContext) ([]envelope.Action, error)
	calls  int
}

func (m *scriptModel) Generate(ctx context.Context, pc turn.PromptContext) ([]envelope.Action, error) {
	m.calls++
	return m.script(m.calls, pc)
}

func greetScript(call int, pc turn.PromptContext) ([]envelope.Action, error) {
	return []envelope.Action{{
		Kind:     envelope.KindTextResponse,
		StepID:   "reply",
		StateTag: envelope.TagInitial,
		Reason:   "replying to the user",
		Text:     &envelope.TextPayload{Text: "Hello! Load a dataset and I can help you explore it."},
	}}, nil
}

func newTestHub(t *testing.T, script func(call int, pc turn.PromptContext) ([]envelope.Action, error)) *turn.Hub {
	hub, _ := newTestHubWithSessions(t, script)
	return hub
}

func newTestHubWithSessions(t *testing.T, script func(call int, pc turn.PromptContext) ([]envelope.Action, error)) (*turn.Hub, *session.Store) {
	t.Helper()
	quiet := log.New(io.Discard, "", 0)
	reg, err := dispatch.NewRegistry(dispatch.Deps{
		Charts: &ChartRenderer{},
		Logger: quiet,
	})
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	handler := guard.Chain(reg,
		guard.Reasoning(nil, nil, nil),
		guard.StepOrder(nil, nil),
		guard.Logging(nil),
		guard.Timing(nil),
	)
	driver, err := turn.NewDriver(turn.Deps{
		Model:   &scriptModel{script: script},
		Handler: handler,
		Logger:  quiet,
	})
	if err != nil {
		t.Fatalf("driver: %v", err)
	}
	sessions := session.NewStore()
	hub := turn.NewHub(driver, sessions, quiet)
	t.Cleanup(hub.Close)
	return hub, sessions
}

func jsonRequest(method, path, body string) *http.Request {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	return req
}

func TestCreateSessionWithInlineCSV(t *testing.T) {
	e := echo.New()
	hub := newTestHub(t, greetScript)
	h := &SessionsHandler{Hub: hub, Logger: log.New(io.Discard, "", 0)}

	body := `{"csv":"region,revenue\nEMEA,100\nAPAC,250\n","datasetName":"sales"}`
	req := jsonRequest(http.MethodPost, "/api/sessions", body)
	rec := httptest.NewRecorder()
	ctx := e.NewContext(req, rec)

	if err := h.create(ctx); err != nil {
		t.Fatalf("create: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}
	var resp map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	id := resp["id"]
	if id == "" {
		t.Fatal("expected a session id")
	}

	snap, ok := hub.Snapshot(id)
	if !ok {
		t.Fatal("session should be live after create")
	}
	if snap.Dataset == nil {
		t.Fatal("dataset should be loaded")
	}
	if snap.Dataset.Name != "sales" {
		t.Fatalf("expected dataset name sales, got %q", snap.Dataset.Name)
	}
	if snap.Dataset.RowCount != 2 {
		t.Fatalf("expected 2 rows, got %d", snap.Dataset.RowCount)
	}
}

func TestCreateSessionRejectsBadCSV(t *testing.T) {
	e := echo.New()
	hub := newTestHub(t, greetScript)
	h := &SessionsHandler{Hub: hub, Logger: log.New(io.Discard, "", 0)}

	req := jsonRequest(http.MethodPost, "/api/sessions", `{"csv":"a,b\n1"}`)
	rec := httptest.NewRecorder()
	ctx := e.NewContext(req, rec)

	err := h.create(ctx)
	httpErr, ok := err.(*echo.HTTPError)
	if !ok || httpErr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %v", err)
	}
}

func TestGetSessionSnapshot(t *testing.T) {
	e := echo.New()
	hub := newTestHub(t, greetScript)
	h := &SessionsHandler{Hub: hub, Logger: log.New(io.Discard, "", 0)}

	if _, err := hub.Open("sess-1"); err != nil {
		t.Fatalf("open: %v", err)
	}

	req := jsonRequest(http.MethodGet, "/api/sessions/sess-1", "")
	rec := httptest.NewRecorder()
	ctx := e.NewContext(req, rec)
	ctx.SetParamNames("id")
	ctx.SetParamValues("sess-1")

	if err := h.get(ctx); err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp snapshotResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.ID != "sess-1" {
		t.Fatalf("expected id sess-1, got %q", resp.ID)
	}
}

func TestGetSessionNotFound(t *testing.T) {
	e := echo.New()
	hub := newTestHub(t, greetScript)
	h := &SessionsHandler{Hub: hub, Logger: log.New(io.Discard, "", 0)}

	req := jsonRequest(http.MethodGet, "/api/sessions/ghost", "")
	rec := httptest.NewRecorder()
	ctx := e.NewContext(req, rec)
	ctx.SetParamNames("id")
	ctx.SetParamValues("ghost")

	err := h.get(ctx)
	httpErr, ok := err.(*echo.HTTPError)
	if !ok || httpErr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %v", err)
	}
}

func TestListSessionsMergesLiveAndArchived(t *testing.T) {
	e := echo.New()
	hub := newTestHub(t, greetScript)
	if _, err := hub.Open("live-1"); err != nil {
		t.Fatalf("open: %v", err)
	}

	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()
	now := time.Now().UTC()
	archivedAt := now.Add(-time.Hour)
	mock.ExpectQuery("SELECT id, title, dataset_name, row_count, archived_at, created_at, updated_at").
		WillReturnRows(sqlmock.NewRows([]string{"id", "title", "dataset_name", "row_count", "archived_at", "created_at", "updated_at"}).
			AddRow("live-1", "", "", 0, nil, now, now).
			AddRow("cold-1", "Quarterly revenue", "sales.csv", 120, archivedAt, now.Add(-2*time.Hour), archivedAt))

	h := &SessionsHandler{Hub: hub, Store: &store.Store{DB: db}, Logger: log.New(io.Discard, "", 0)}

	req := jsonRequest(http.MethodGet, "/api/sessions", "")
	rec := httptest.NewRecorder()
	ctx := e.NewContext(req, rec)

	if err := h.list(ctx); err != nil {
		t.Fatalf("list: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp []sessionSummary
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(resp) != 2 {
		t.Fatalf("expected 2 sessions (live deduplicated), got %d", len(resp))
	}
	if resp[0].ID != "live-1" || resp[0].Archived {
		t.Fatalf("first entry should be the live session: %+v", resp[0])
	}
	if resp[1].ID != "cold-1" || !resp[1].Archived {
		t.Fatalf("second entry should be the archived session: %+v", resp[1])
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("sqlmock expectations: %v", err)
	}
}

func TestDeleteSessionDropsLiveState(t *testing.T) {
	e := echo.New()
	hub := newTestHub(t, greetScript)
	if _, err := hub.Open("doomed"); err != nil {
		t.Fatalf("open: %v", err)
	}

	h := &SessionsHandler{Hub: hub, Logger: log.New(io.Discard, "", 0)}

	req := jsonRequest(http.MethodDelete, "/api/sessions/doomed", "")
	rec := httptest.NewRecorder()
	ctx := e.NewContext(req, rec)
	ctx.SetParamNames("id")
	ctx.SetParamValues("doomed")

	if err := h.remove(ctx); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if _, ok := hub.Session("doomed"); ok {
		t.Fatal("session should be gone after delete")
	}
}
