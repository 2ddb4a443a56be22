package server

import (
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"

	"github.com/griddle-ai/griddle/internal/envelope"
	"github.com/griddle-ai/griddle/internal/plan"
	"github.com/griddle-ai/griddle/internal/turn"
)

func clarifyThenReplyScript(call int, pc turn.PromptContext) ([]envelope.Action, error) {
	if call == 1 {
		return []envelope.Action{{
			Kind:     envelope.KindClarificationRequest,
			StepID:   "pick_column",
			StateTag: envelope.TagAwaitingClarification,
			Reason:   "the request named no column",
			Clarification: &envelope.ClarificationPayload{
				Question:    "Which column should I use?",
				Options:     []string{"revenue", "region"},
				TargetField: "column",
			},
		}}, nil
	}
	return []envelope.Action{{
		Kind:     envelope.KindTextResponse,
		StepID:   "pick_column",
		StateTag: envelope.TagExecuting,
		Reason:   "answering with the chosen column",
		Text:     &envelope.TextPayload{Text: "Using that column now."},
	}}, nil
}

func TestPostMessageRunsTurn(t *testing.T) {
	e := echo.New()
	hub := newTestHub(t, greetScript)
	if _, err := hub.Open("sess-msg"); err != nil {
		t.Fatalf("open: %v", err)
	}
	h := &MessagesHandler{Hub: hub, Logger: log.New(io.Discard, "", 0)}

	req := jsonRequest(http.MethodPost, "/api/sessions/sess-msg/messages", `{"text":"hi"}`)
	rec := httptest.NewRecorder()
	ctx := e.NewContext(req, rec)
	ctx.SetParamNames("id")
	ctx.SetParamValues("sess-msg")

	if err := h.postMessage(ctx); err != nil {
		t.Fatalf("postMessage: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp turnResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Result.Phase != turn.PhaseDone {
		t.Fatalf("expected done, got %s", resp.Result.Phase)
	}
	if resp.Result.Reply == "" {
		t.Fatal("expected a reply")
	}
	if resp.Result.RunID == "" {
		t.Fatal("expected a run id")
	}
}

func TestPostMessageRejectsEmptyText(t *testing.T) {
	e := echo.New()
	hub := newTestHub(t, greetScript)
	h := &MessagesHandler{Hub: hub, Logger: log.New(io.Discard, "", 0)}

	req := jsonRequest(http.MethodPost, "/api/sessions/x/messages", `{"text":"  "}`)
	rec := httptest.NewRecorder()
	ctx := e.NewContext(req, rec)
	ctx.SetParamNames("id")
	ctx.SetParamValues("x")

	err := h.postMessage(ctx)
	httpErr, ok := err.(*echo.HTTPError)
	if !ok || httpErr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %v", err)
	}
}

func TestPostMessageUnknownSession(t *testing.T) {
	e := echo.New()
	hub := newTestHub(t, greetScript)
	h := &MessagesHandler{Hub: hub, Logger: log.New(io.Discard, "", 0)}

	req := jsonRequest(http.MethodPost, "/api/sessions/ghost/messages", `{"text":"hi"}`)
	rec := httptest.NewRecorder()
	ctx := e.NewContext(req, rec)
	ctx.SetParamNames("id")
	ctx.SetParamValues("ghost")

	err := h.postMessage(ctx)
	httpErr, ok := err.(*echo.HTTPError)
	if !ok || httpErr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %v", err)
	}
}

func TestPendingClarificationBlocksMessagesUntilResolved(t *testing.T) {
	e := echo.New()
	hub := newTestHub(t, clarifyThenReplyScript)
	sess, err := hub.Open("sess-clar")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	sess.SetPlan(&plan.State{
		PlanID:     "plan-1",
		Goal:       "Summarize the metric column",
		Progress:   "choosing a column",
		Confidence: 0.9,
		Steps:      []plan.Step{{ID: "pick_column", Label: "Choose the metric column", Status: plan.StepReady}},
		NextSteps:  []string{"pick_column"},
	})
	h := &MessagesHandler{Hub: hub, Logger: log.New(io.Discard, "", 0)}

	// First message suspends on a question.
	req := jsonRequest(http.MethodPost, "/api/sessions/sess-clar/messages", `{"text":"sum it"}`)
	rec := httptest.NewRecorder()
	ctx := e.NewContext(req, rec)
	ctx.SetParamNames("id")
	ctx.SetParamValues("sess-clar")
	if err := h.postMessage(ctx); err != nil {
		t.Fatalf("postMessage: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var first turnResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &first); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if first.Result.Phase != turn.PhaseClarifying {
		t.Fatalf("expected clarifying, got %s", first.Result.Phase)
	}
	if first.Clarification == nil {
		t.Fatal("expected the pending clarification in the response")
	}

	// A second message is rejected while the question is open.
	req = jsonRequest(http.MethodPost, "/api/sessions/sess-clar/messages", `{"text":"try again"}`)
	rec = httptest.NewRecorder()
	ctx = e.NewContext(req, rec)
	ctx.SetParamNames("id")
	ctx.SetParamValues("sess-clar")
	if err := h.postMessage(ctx); err != nil {
		t.Fatalf("postMessage during clarification: %v", err)
	}
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}

	// Resolving the question resumes the turn to completion.
	req = jsonRequest(http.MethodPost, "/api/sessions/sess-clar/clarifications/"+first.Clarification.ID, `{"option":"revenue"}`)
	rec = httptest.NewRecorder()
	ctx = e.NewContext(req, rec)
	ctx.SetParamNames("id", "cid")
	ctx.SetParamValues("sess-clar", first.Clarification.ID)
	if err := h.resolveClarification(ctx); err != nil {
		t.Fatalf("resolveClarification: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resumed turnResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resumed); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resumed.Result.Phase != turn.PhaseDone {
		t.Fatalf("expected done after resolve, got %s", resumed.Result.Phase)
	}
}

func TestCancelUnknownSession(t *testing.T) {
	e := echo.New()
	hub := newTestHub(t, greetScript)
	h := &MessagesHandler{Hub: hub, Logger: log.New(io.Discard, "", 0)}

	req := jsonRequest(http.MethodPost, "/api/sessions/ghost/cancel", "")
	rec := httptest.NewRecorder()
	ctx := e.NewContext(req, rec)
	ctx.SetParamNames("id")
	ctx.SetParamValues("ghost")

	err := h.cancel(ctx)
	httpErr, ok := err.(*echo.HTTPError)
	if !ok || httpErr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %v", err)
	}
}
