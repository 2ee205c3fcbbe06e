package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"

	"github.com/metalyst-dev/metalyst/internal/engine"
	"github.com/metalyst-dev/metalyst/internal/meta"
	"github.com/metalyst-dev/metalyst/internal/runtime"
	"github.com/metalyst-dev/metalyst/internal/store"
)

type stubRunner struct {
	result *runtime.RunResult
	err    error
}

func (s *stubRunner) Run(ctx context.Context, op runtime.Operation, dir string, records []meta.StudyRecord, params meta.Parameters) (*runtime.RunResult, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.result, nil
}

func newTestServer(t *testing.T, runner engine.Runner) *echo.Echo {
	t.Helper()
	st, err := store.New(t.TempDir())
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	e := newEcho()
	sh := &SessionsHandler{Engine: engine.New(st, runner)}
	sh.Register(e.Group("/api/sessions"))
	return e
}

func doJSON(t *testing.T, e *echo.Echo, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func createSession(t *testing.T, e *echo.Echo) string {
	t.Helper()
	rec := doJSON(t, e, http.MethodPost, "/api/sessions",
		`{"name":"aspirin trials","parameters":{"effect_measure":"OR"}}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create session: %d %s", rec.Code, rec.Body.String())
	}
	var sess meta.Session
	if err := json.Unmarshal(rec.Body.Bytes(), &sess); err != nil {
		t.Fatalf("decode session: %v", err)
	}
	return sess.ID
}

func uploadCSV(t *testing.T, e *echo.Echo, id string) {
	t.Helper()
	csv := "name,n_treatment,events_treatment,n_control,events_control\\nAlpha,120,14,118,22\\nBeta,240,31,236,45"
	rec := doJSON(t, e, http.MethodPost, "/api/sessions/"+id+"/upload",
		fmt.Sprintf(`{"content":"%s","format":"csv"}`, csv))
	if rec.Code != http.StatusOK {
		t.Fatalf("upload: %d %s", rec.Code, rec.Body.String())
	}
}

func errorKind(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Error struct {
			Kind    string `json:"kind"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode error envelope: %v (%s)", err, rec.Body.String())
	}
	return body.Error.Kind
}

func completedStub() *stubRunner {
	return &stubRunner{result: &runtime.RunResult{
		Result: &meta.AnalysisResult{
			Effect:        meta.OverallEffect{Estimate: 0.8, CILower: 0.6, CIUpper: 0.98, PValue: 0.03, ZScore: -2.1},
			EffectMeasure: meta.MeasureOR,
			Model:         meta.ModelFixed,
			RecordCount:   2,
		},
	}}
}

func TestCreateAndGetSession(t *testing.T) {
	e := newTestServer(t, completedStub())
	id := createSession(t, e)

	rec := doJSON(t, e, http.MethodGet, "/api/sessions/"+id, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("get: %d %s", rec.Code, rec.Body.String())
	}
	var sess meta.Session
	if err := json.Unmarshal(rec.Body.Bytes(), &sess); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if sess.Stage != meta.StageInitialization || sess.Status != meta.StatusActive {
		t.Fatalf("fresh session state: %s/%s", sess.Status, sess.Stage)
	}
}

func TestCreateSessionRejectsUnknownMeasure(t *testing.T) {
	e := newTestServer(t, completedStub())
	rec := doJSON(t, e, http.MethodPost, "/api/sessions",
		`{"name":"x","parameters":{"effect_measure":"WAT"}}`)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d %s", rec.Code, rec.Body.String())
	}
	if kind := errorKind(t, rec); kind != meta.KindValidation {
		t.Fatalf("expected kind %s, got %s", meta.KindValidation, kind)
	}
}

func TestGetUnknownSessionIs404(t *testing.T) {
	e := newTestServer(t, completedStub())
	rec := doJSON(t, e, http.MethodGet, "/api/sessions/nope", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	if kind := errorKind(t, rec); kind != meta.KindNotFound {
		t.Fatalf("expected kind %s, got %s", meta.KindNotFound, kind)
	}
}

func TestUploadBadPayloadIsFormatError(t *testing.T) {
	e := newTestServer(t, completedStub())
	id := createSession(t, e)
	rec := doJSON(t, e, http.MethodPost, "/api/sessions/"+id+"/upload",
		`{"content":"not json at all","format":"json"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d %s", rec.Code, rec.Body.String())
	}
	if kind := errorKind(t, rec); kind != meta.KindFormat {
		t.Fatalf("expected kind %s, got %s", meta.KindFormat, kind)
	}
}

func TestUploadInvalidRowsIsValidationError(t *testing.T) {
	e := newTestServer(t, completedStub())
	id := createSession(t, e)
	// Events exceed sample size on every row.
	csv := "name,n_treatment,events_treatment,n_control,events_control\\nBad,10,50,10,60"
	rec := doJSON(t, e, http.MethodPost, "/api/sessions/"+id+"/upload",
		fmt.Sprintf(`{"content":"%s","format":"csv"}`, csv))
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d %s", rec.Code, rec.Body.String())
	}
	if kind := errorKind(t, rec); kind != meta.KindValidation {
		t.Fatalf("expected kind %s, got %s", meta.KindValidation, kind)
	}
}

func TestComputeBeforeUploadConflicts(t *testing.T) {
	e := newTestServer(t, completedStub())
	id := createSession(t, e)
	rec := doJSON(t, e, http.MethodPost, "/api/sessions/"+id+"/compute", `{}`)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d %s", rec.Code, rec.Body.String())
	}
}

func TestFullWorkflowOverHTTP(t *testing.T) {
	e := newTestServer(t, completedStub())
	id := createSession(t, e)
	uploadCSV(t, e, id)

	rec := doJSON(t, e, http.MethodPost, "/api/sessions/"+id+"/compute", `{}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("compute: %d %s", rec.Code, rec.Body.String())
	}
	var sess meta.Session
	if err := json.Unmarshal(rec.Body.Bytes(), &sess); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if sess.Status != meta.StatusCompleted || sess.Results == nil {
		t.Fatalf("compute did not complete: %s %+v", sess.Status, sess.Results)
	}

	rec = doJSON(t, e, http.MethodPost, "/api/sessions/"+id+"/report", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("report: %d %s", rec.Code, rec.Body.String())
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &sess); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if sess.Stage != meta.StageReporting {
		t.Fatalf("expected reporting stage, got %s", sess.Stage)
	}
}

func TestRuntimeUnavailableMapsTo503(t *testing.T) {
	e := newTestServer(t, &stubRunner{err: meta.RuntimeError{Reason: meta.ReasonUnavailable, Message: "no docker, no Rscript"}})
	id := createSession(t, e)
	uploadCSV(t, e, id)

	rec := doJSON(t, e, http.MethodPost, "/api/sessions/"+id+"/compute", `{}`)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d %s", rec.Code, rec.Body.String())
	}
	if kind := errorKind(t, rec); kind != meta.KindRuntime {
		t.Fatalf("expected kind %s, got %s", meta.KindRuntime, kind)
	}
}

func TestRuntimeTimeoutMapsTo502(t *testing.T) {
	e := newTestServer(t, &stubRunner{err: meta.RuntimeError{Reason: meta.ReasonTimeout, Message: "killed"}})
	id := createSession(t, e)
	uploadCSV(t, e, id)

	rec := doJSON(t, e, http.MethodPost, "/api/sessions/"+id+"/compute", `{}`)
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d %s", rec.Code, rec.Body.String())
	}
}

func TestDeleteSession(t *testing.T) {
	e := newTestServer(t, completedStub())
	id := createSession(t, e)

	rec := doJSON(t, e, http.MethodDelete, "/api/sessions/"+id, "")
	if rec.Code != http.StatusNoContent {
		t.Fatalf("delete: %d %s", rec.Code, rec.Body.String())
	}
	rec = doJSON(t, e, http.MethodGet, "/api/sessions/"+id, "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 after delete, got %d", rec.Code)
	}
}

func TestListSessionsFilter(t *testing.T) {
	e := newTestServer(t, completedStub())
	id := createSession(t, e)
	uploadCSV(t, e, id)
	if rec := doJSON(t, e, http.MethodPost, "/api/sessions/"+id+"/compute", `{}`); rec.Code != http.StatusOK {
		t.Fatalf("compute: %d", rec.Code)
	}
	createSession(t, e)

	rec := doJSON(t, e, http.MethodGet, "/api/sessions?status=completed", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("list: %d %s", rec.Code, rec.Body.String())
	}
	var body struct {
		Sessions []meta.Session `json:"sessions"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(body.Sessions) != 1 || body.Sessions[0].ID != id {
		t.Fatalf("unexpected filtered listing: %+v", body.Sessions)
	}
}
